// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package stealth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostwire/ghostwire/core/log"
	"github.com/ghostwire/ghostwire/core/threat"
	"github.com/ghostwire/ghostwire/core/transport"
)

// Policy is the admission policy and outcome sink consulted by the Gate,
// normally a *threat.Engine.
type Policy interface {
	IsAddressAllowed(addr netip.Addr) bool
	ObserveHandshake(addr netip.Addr, outcome threat.Outcome, latency time.Duration)
}

// Conn is a connection that completed the handshake.
type Conn struct {
	net.Conn

	// Remote is the peer's address.
	Remote netip.AddrPort

	// Latency is the time the handshake took.
	Latency time.Duration

	// Initiator is true for outbound connections.
	Initiator bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock sets the clock driving the rate limiter.
func WithClock(c clock.Clock) Option {
	return func(g *Gate) {
		g.clock = c
	}
}

// Gate admits and handshakes connections.
type Gate struct {
	cfg       Config
	log       *logging.Logger
	clock     clock.Clock
	policy    Policy
	transport *transport.Transport
	limiter   *limiter
}

// Handshake runs admission and the responder handshake on a freshly
// accepted connection.  raw is closed on failure.
func (g *Gate) Handshake(ctx context.Context, raw net.Conn) (*Conn, error) {
	remote, ok := remoteAddrPort(raw.RemoteAddr())
	if !ok {
		raw.Close()
		return nil, &AdmissionError{Remote: raw.RemoteAddr().String(), Reason: "unidentifiable address"}
	}
	addr := remote.Addr()

	if reason := g.admit(addr); reason != "" {
		raw.Close()
		g.log.Debugf("Admission denied for %v: %v", remote, reason)
		g.policy.ObserveHandshake(addr, threat.OutcomeAdmissionDenied, 0)
		return nil, &AdmissionError{Remote: remote.String(), Reason: reason}
	}

	return g.run(ctx, raw, remote, false)
}

func (g *Gate) admit(addr netip.Addr) string {
	if !g.policy.IsAddressAllowed(addr) {
		return "blocked by threat policy"
	}
	if len(g.cfg.AllowList) > 0 {
		ok := false
		for _, p := range g.cfg.AllowList {
			if p.Contains(addr) {
				ok = true
				break
			}
		}
		if !ok {
			return "not in allow list"
		}
	}
	if !g.limiter.allow(addr) {
		return "rate limited"
	}
	return ""
}

func (g *Gate) run(ctx context.Context, raw net.Conn, remote netip.AddrPort, initiator bool) (*Conn, error) {
	start := time.Now()
	h := newHandshake(raw, &g.cfg, remote.String(), initiator)
	stop := context.AfterFunc(ctx, func() {
		raw.Close()
	})

	var err error
	if initiator {
		err = h.initiate()
	} else {
		err = h.respond()
	}
	cancelled := !stop()
	latency := time.Since(start)

	if cancelled {
		raw.Close()
		if err == nil {
			err = h.fail(threat.OutcomeCancelled, ctx.Err())
		} else {
			var herr *HandshakeError
			if errors.As(err, &herr) {
				herr.Outcome = threat.OutcomeCancelled
			}
		}
		g.log.Debugf("Handshake with %v cancelled.", remote)
		return nil, err
	}

	if err != nil {
		raw.Close()
		var herr *HandshakeError
		if errors.As(err, &herr) {
			g.policy.ObserveHandshake(remote.Addr(), herr.Outcome, latency)
		}
		g.log.Debugf("%v", err)
		return nil, err
	}

	g.policy.ObserveHandshake(remote.Addr(), threat.OutcomeAccepted, latency)
	g.log.Debugf("Handshake with %v complete in %v.", remote, latency)
	return &Conn{
		Conn:      raw,
		Remote:    remote,
		Latency:   latency,
		Initiator: initiator,
	}, nil
}

// AcceptSecure accepts connections from l until one completes the
// handshake, giving up with ErrConnectionRefused after MaxAcceptAttempts
// failures.  A blocked Accept is not interrupted by ctx, close l for
// that.
func (g *Gate) AcceptSecure(ctx context.Context, l net.Listener) (*Conn, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.MaxAcceptAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			lastErr = err
			continue
		}
		conn, err := g.Handshake(ctx, raw)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectionRefused, g.cfg.MaxAcceptAttempts, lastErr)
}

// ConnectSecure dials address and runs the initiator handshake.
func (g *Gate) ConnectSecure(ctx context.Context, address string) (*Conn, error) {
	ep, err := g.transport.ParseEndpoint(address)
	if err != nil {
		return nil, err
	}
	remote, err := g.transport.Resolve(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("stealth: failed to resolve '%v': %w", address, err)
	}
	if !g.policy.IsAddressAllowed(remote.Addr()) {
		return nil, &AdmissionError{Remote: remote.String(), Reason: "blocked by threat policy"}
	}

	raw, err := g.transport.DialResolved(ctx, ep, remote)
	if err != nil {
		return nil, fmt.Errorf("stealth: failed to dial '%v': %w", address, err)
	}
	return g.run(ctx, raw, remote, true)
}

// Prune drops idle rate limiter state and returns the number of entries
// removed.
func (g *Gate) Prune() int {
	return g.limiter.prune()
}

func remoteAddrPort(a net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ap = v.AddrPort()
	case *net.UDPAddr:
		ap = v.AddrPort()
	default:
		var err error
		if ap, err = netip.ParseAddrPort(a.String()); err != nil {
			return netip.AddrPort{}, false
		}
	}
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	return ap, ap.Addr().IsValid()
}

// New constructs a Gate.
func New(cfg *Config, policy Policy, tr *transport.Transport, logBackend *log.Backend, opts ...Option) (*Gate, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if policy == nil {
		return nil, errors.New("stealth: no policy")
	}
	if tr == nil {
		return nil, errors.New("stealth: no transport")
	}
	c := *cfg
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	g := &Gate{
		cfg:       c,
		log:       logBackend.GetLogger("stealth"),
		clock:     clock.New(),
		policy:    policy,
		transport: tr,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.limiter = newLimiter(g.clock, c.ConnectionsPerMinute)
	return g, nil
}
