// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package onion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostwire/ghostwire/core/identity"
	"github.com/ghostwire/ghostwire/core/log"
)

// Forwarder hands an envelope to the node named by its Recipient.
type Forwarder interface {
	Forward(ctx context.Context, env *Envelope) error
}

// Reporter receives reports of peers misbehaving cryptographically.
type Reporter interface {
	ReportSuspicious(subject, kind, detail string)
}

// Stats is a snapshot of the router's counters.
type Stats struct {
	Nodes       int
	OnlineNodes int
	Routes      int

	MessagesSent      uint64
	MessagesRelayed   uint64
	MessagesDelivered uint64
	MessagesDropped   uint64

	Expired          uint64
	Malformed        uint64
	Replayed         uint64
	EncryptionErrors uint64
}

type counters struct {
	sent, relayed, delivered, dropped atomic.Uint64
	expired, malformed, replayed      atomic.Uint64
	encryptionErrors                  atomic.Uint64
}

// Option configures a Router.
type Option func(*Router)

// WithClock sets the router's clock.
func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		r.clock = c
	}
}

// Router builds, peels and forwards envelopes.
type Router struct {
	cfg       Config
	log       *logging.Logger
	clock     clock.Clock
	local     *identity.Identity
	topology  *Topology
	forwarder Forwarder
	reporter  Reporter

	sessions *SessionCache
	replay   *replayFilter
	stats    counters
}

// Send sends plaintext to destination, directly or through a multi-hop
// route when anonymous is set.
func (r *Router) Send(ctx context.Context, plaintext []byte, destination string, anonymous bool) error {
	dest, ok := r.topology.Node(destination)
	if !ok {
		return fmt.Errorf("%w: unknown destination '%v'", ErrNoRoute, destination)
	}

	route := []*NodeInfo{dest}
	if anonymous {
		var err error
		if route, err = r.route(dest); err != nil {
			return err
		}
	}

	env, err := r.wrap(plaintext, route)
	if err != nil {
		return err
	}
	r.stats.sent.Add(1)
	r.log.Debugf("Sending %v to %v over %d hop(s).", env.ID, destination, len(route))
	return r.forwarder.Forward(ctx, env)
}

// route returns the hops to dest, ending with dest.
func (r *Router) route(dest *NodeInfo) ([]*NodeInfo, error) {
	var route []*NodeInfo
	if hops := r.topology.Route(dest.ID); len(hops) > 0 {
		for _, id := range hops {
			n, ok := r.topology.Node(id)
			if !ok {
				return nil, fmt.Errorf("%w: route to '%v' uses unknown node '%v'", ErrNoRoute, dest.ID, id)
			}
			route = append(route, n)
		}
		if route[len(route)-1].ID != dest.ID {
			route = append(route, dest)
		}
	} else {
		for _, n := range r.topology.OnlineOnionNodes() {
			if n.ID == r.local.ID() || n.ID == dest.ID {
				continue
			}
			route = []*NodeInfo{n, dest}
			break
		}
		if route == nil {
			return nil, fmt.Errorf("%w: no relay available for '%v'", ErrNoRoute, dest.ID)
		}
	}
	if len(route) > r.cfg.MaxHops {
		return nil, fmt.Errorf("%w: route of %d hops exceeds %d", ErrNoRoute, len(route), r.cfg.MaxHops)
	}
	return route, nil
}

// wrap seals plaintext once per hop, innermost layer first.
func (r *Router) wrap(plaintext []byte, route []*NodeInfo) (*Envelope, error) {
	n := len(route)
	env := &Envelope{
		ID:        uuid.New(),
		Sender:    r.local.ID(),
		Recipient: route[0].ID,
		Layers:    make([][]byte, n),
		Timestamp: r.clock.Now().Unix(),
		TTL:       uint32(r.cfg.TTL.Seconds()),
		MaxHops:   uint8(n),
	}
	ad := env.associatedData()

	content := plaintext
	for i := n - 1; i >= 0; i-- {
		next := route[n-1].ID
		if i < n-1 {
			next = route[i+1].ID
		}
		key, err := r.sessions.Key(route[i].ID, route[i].PublicKey)
		if err != nil {
			return nil, err
		}
		nonce, ciphertext, err := seal(key, encodeBody(next, content), ad)
		if err != nil {
			return nil, err
		}
		env.Layers[i] = nonce
		content = ciphertext
	}
	env.Content = content
	return env, nil
}

// Process peels this node's layer of env.  It returns the plaintext if
// this node is the final recipient, and otherwise forwards the envelope
// and returns nil.  Expired, malformed and replayed envelopes are
// dropped silently.
func (r *Router) Process(ctx context.Context, env *Envelope) ([]byte, error) {
	if env.Expired(r.clock.Now()) {
		r.drop(env, &r.stats.expired, ErrEnvelopeExpired)
		return nil, nil
	}
	if err := env.validate(); err != nil {
		r.drop(env, &r.stats.malformed, err)
		return nil, nil
	}
	if env.Recipient != r.local.ID() {
		r.drop(env, &r.stats.malformed, fmt.Errorf("%w: addressed to '%v'", ErrEnvelopeMalformed, env.Recipient))
		return nil, nil
	}

	sender, ok := r.topology.Node(env.Sender)
	if !ok {
		return nil, r.cryptoFailure(env, fmt.Errorf("%w: unknown sender", ErrCryptoFailure))
	}
	key, err := r.sessions.Key(sender.ID, sender.PublicKey)
	if err != nil {
		return nil, r.cryptoFailure(env, err)
	}

	e := *env
	ad := e.associatedData()
	for {
		nonce := e.Layers[0]
		body, err := open(key, nonce, e.Content, ad)
		if err != nil {
			return nil, r.cryptoFailure(&e, err)
		}
		if r.replay.seen(e.Sender, nonce) {
			r.drop(&e, &r.stats.replayed, errReplay)
			return nil, nil
		}
		next, rest, err := decodeBody(body)
		if err != nil {
			r.drop(&e, &r.stats.malformed, err)
			return nil, nil
		}
		e.Layers = e.Layers[1:]
		e.Content = rest

		if next == r.local.ID() && len(e.Layers) == 0 {
			r.stats.delivered.Add(1)
			r.log.Debugf("Delivered %v from %v.", e.ID, e.Sender)
			return rest, nil
		}
		if len(e.Layers) == 0 {
			r.drop(&e, &r.stats.malformed, fmt.Errorf("%w: no layer left for '%v'", ErrEnvelopeMalformed, next))
			return nil, nil
		}
		if !e.hop() {
			r.drop(&e, &r.stats.malformed, errHopLimit)
			return nil, nil
		}
		if next == r.local.ID() {
			// The route visits this node again, peel the next layer too.
			continue
		}

		e.Recipient = next
		r.stats.relayed.Add(1)
		r.log.Debugf("Relaying %v to %v (hop %d/%d).", e.ID, next, e.HopCount, e.MaxHops)
		if err := r.forwarder.Forward(ctx, &e); err != nil {
			return nil, fmt.Errorf("onion: failed to relay %v: %w", e.ID, err)
		}
		return nil, nil
	}
}

func (r *Router) drop(env *Envelope, counter *atomic.Uint64, reason error) {
	counter.Add(1)
	r.stats.dropped.Add(1)
	r.log.Debugf("Dropping %v from '%v': %v", env.ID, env.Sender, reason)
}

func (r *Router) cryptoFailure(env *Envelope, err error) error {
	r.stats.encryptionErrors.Add(1)
	r.log.Warningf("Failed to open %v from '%v': %v", env.ID, env.Sender, err)
	if r.reporter != nil {
		r.reporter.ReportSuspicious(env.Sender, "onion crypto failure", err.Error())
	}
	if !errors.Is(err, ErrCryptoFailure) {
		err = fmt.Errorf("%w: %v", ErrCryptoFailure, err)
	}
	return err
}

// Prune evicts expired session keys.
func (r *Router) Prune() int {
	return r.sessions.Prune()
}

// Stats returns a snapshot of the router's counters.
func (r *Router) Stats() Stats {
	var s Stats
	s.Nodes, s.OnlineNodes, s.Routes = r.topology.counts()
	s.MessagesSent = r.stats.sent.Load()
	s.MessagesRelayed = r.stats.relayed.Load()
	s.MessagesDelivered = r.stats.delivered.Load()
	s.MessagesDropped = r.stats.dropped.Load()
	s.Expired = r.stats.expired.Load()
	s.Malformed = r.stats.malformed.Load()
	s.Replayed = r.stats.replayed.Load()
	s.EncryptionErrors = r.stats.encryptionErrors.Load()
	return s
}

// MaxEnvelopeSize returns the framed envelope size limit.
func (r *Router) MaxEnvelopeSize() int {
	return r.cfg.MaxEnvelopeSize
}

// New constructs a Router.  reporter may be nil.
func New(cfg *Config, local *identity.Identity, topology *Topology, forwarder Forwarder, reporter Reporter, logBackend *log.Backend, opts ...Option) (*Router, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch {
	case local == nil:
		return nil, errors.New("onion: no local identity")
	case topology == nil:
		return nil, errors.New("onion: no topology")
	case forwarder == nil:
		return nil, errors.New("onion: no forwarder")
	}
	c := *cfg
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	r := &Router{
		cfg:       c,
		log:       logBackend.GetLogger("onion"),
		clock:     clock.New(),
		local:     local,
		topology:  topology,
		forwarder: forwarder,
		reporter:  reporter,
	}
	for _, opt := range opts {
		opt(r)
	}

	var err error
	if r.sessions, err = NewSessionCache(local, c.SessionCacheSize, c.SessionKeyLifetime, r.clock); err != nil {
		return nil, err
	}
	if r.replay, err = newReplayFilter(c.ReplayFilterBits); err != nil {
		return nil, err
	}
	return r, nil
}
