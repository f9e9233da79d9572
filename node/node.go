// node.go - GhostWire node.
// Copyright (C) 2025  GhostWire Developers.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package node composes the threat engine, the stealth gate and the onion
// router into a running GhostWire node.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/rand"
	"go.uber.org/multierr"
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostwire/ghostwire/core/identity"
	"github.com/ghostwire/ghostwire/core/log"
	"github.com/ghostwire/ghostwire/core/onion"
	"github.com/ghostwire/ghostwire/core/retry"
	"github.com/ghostwire/ghostwire/core/stealth"
	"github.com/ghostwire/ghostwire/core/threat"
	"github.com/ghostwire/ghostwire/core/threat/boltstore"
	"github.com/ghostwire/ghostwire/core/threat/redisstore"
	"github.com/ghostwire/ghostwire/core/transport"
	"github.com/ghostwire/ghostwire/core/worker"
	"github.com/ghostwire/ghostwire/node/config"
	"github.com/ghostwire/ghostwire/node/internal/instrument"
	"github.com/ghostwire/ghostwire/node/internal/profiling"
)

var (
	// ErrGenerateOnly is the error returned when the node initialization
	// terminates due to the `GenerateOnly` debug config option.
	ErrGenerateOnly = errors.New("node: GenerateOnly set")

	// ErrHalted is returned by Receive once the node is shutting down.
	ErrHalted = errors.New("node: halted")
)

// Stats is a snapshot of the node's counters.
type Stats struct {
	Threat threat.Stats
	Onion  onion.Stats
}

// Option configures a Node.
type Option func(*Node)

// WithCustomTransport registers a transport for addresses with the
// scheme c.Scheme.
func WithCustomTransport(c *transport.Custom) Option {
	return func(n *Node) {
		n.custom = c
	}
}

// policy counts handshake outcomes on their way to the engine.
type policy struct {
	*threat.Engine
}

func (p policy) ObserveHandshake(addr netip.Addr, outcome threat.Outcome, latency time.Duration) {
	instrument.Handshake(outcome.String())
	if outcome == threat.OutcomeAdmissionDenied {
		instrument.AdmissionDenied()
	}
	p.Engine.ObserveHandshake(addr, outcome, latency)
}

// Node is a GhostWire node instance.
type Node struct {
	sync.WaitGroup

	worker worker.Worker

	cfg    *config.Config
	custom *transport.Custom

	identity *identity.Identity

	logBackend *log.Backend
	log        *logging.Logger

	store     threat.Store
	engine    *threat.Engine
	transport *transport.Transport
	gate      *stealth.Gate
	topology  *onion.Topology
	router    *onion.Router

	metrics  instrument.Listener
	profiler profiling.Stopper

	listeners []net.Listener
	addresses []string

	connsLock sync.Mutex
	conns     map[net.Conn]struct{}
	closing   bool

	inbox chan *Message

	haltedCh chan interface{}
	haltOnce sync.Once
}

func (n *Node) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := n.cfg.Node.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("node: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("node: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("node: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("node: DataDir '%v' has invalid permissions '%v', should be '%v'", d, fi.Mode(), dirMode)
		}
	}

	return nil
}

func (n *Node) initLogging() error {
	p := n.cfg.Logging.File
	if !n.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(n.cfg.Node.DataDir, p)
	}

	var err error
	n.logBackend, err = log.New(p, n.cfg.Logging.Level, n.cfg.Logging.Disable)
	if err == nil {
		n.log = n.logBackend.GetLogger("node")
	}
	return err
}

func (n *Node) initStore() error {
	var err error
	p := n.cfg.Persistence
	switch p.Backend {
	case config.BackendBolt:
		f := n.cfg.Path(p.BoltFile)
		if n.store, err = boltstore.New(f); err != nil {
			return fmt.Errorf("node: failed to open blacklist database: %w", err)
		}
		n.log.Debugf("Blacklist database: %v", f)
	case config.BackendRedis:
		if n.store, err = redisstore.New(p.RedisURL, p.RedisPrefix); err != nil {
			return err
		}
		n.log.Debugf("Blacklist stored in redis.")
	default:
		n.log.Warning("Blacklist persistence is disabled.")
	}
	return nil
}

// ID returns the node's identifier.
func (n *Node) ID() string {
	return n.identity.ID()
}

// PublicKey returns the node's identity public key.
func (n *Node) PublicKey() nike.PublicKey {
	return n.identity.PublicKey()
}

// Addresses returns the transport addresses the node is listening on.
func (n *Node) Addresses() []string {
	return append([]string{}, n.addresses...)
}

// Threat returns the node's threat engine, for blacklist administration.
func (n *Node) Threat() *threat.Engine {
	return n.engine
}

// AddPeer adds or replaces a peer in the topology and returns its ID.
func (n *Node) AddPeer(pub nike.PublicKey, address string, onionCapable bool) (string, error) {
	if _, err := n.transport.ParseEndpoint(address); err != nil {
		return "", err
	}
	info := &onion.NodeInfo{
		ID:                identity.IDFromPublicKey(pub),
		PublicKey:         pub,
		Address:           address,
		LastSeen:          time.Now(),
		Online:            true,
		OnionCapable:      onionCapable,
		ConnectionQuality: 1,
	}
	if err := n.topology.AddNode(info); err != nil {
		return "", err
	}
	n.log.Debugf("Added peer %v at %v.", info.ID, address)
	return info.ID, nil
}

// RemovePeer removes a peer and every route through it.
func (n *Node) RemovePeer(id string) bool {
	return n.topology.RemoveNode(id)
}

// UpdatePeerStatus records a peer's reachability and connection quality.
func (n *Node) UpdatePeerStatus(id string, online bool, quality float64) bool {
	return n.topology.UpdateNodeStatus(id, online, quality, time.Now())
}

// SetRoute sets the explicit route to dest.
func (n *Node) SetRoute(dest string, hops []string) {
	n.topology.SetRoute(dest, hops)
}

// Send sends payload to recipient, through a relay when anonymous is set.
func (n *Node) Send(ctx context.Context, recipient string, payload []byte, anonymous bool) error {
	msg := &Message{
		Sender:    n.identity.ID(),
		Recipient: recipient,
		Payload:   payload,
		Timestamp: time.Now().UnixNano(),
	}
	b, err := msg.marshal()
	if err != nil {
		return err
	}
	return n.router.Send(ctx, b, recipient, anonymous)
}

// Receive blocks until a message is delivered to this node.
func (n *Node) Receive(ctx context.Context) (*Message, error) {
	select {
	case m := <-n.inbox:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.worker.HaltCh():
		return nil, ErrHalted
	}
}

// Forward sends env to the node named by its Recipient.
func (n *Node) Forward(ctx context.Context, env *onion.Envelope) error {
	if env.Recipient == n.identity.ID() {
		n.dispatch(ctx, env)
		return nil
	}

	dest, ok := n.topology.Node(env.Recipient)
	if !ok {
		return fmt.Errorf("%w: unknown next hop '%v'", onion.ErrNoRoute, env.Recipient)
	}
	if !n.engine.IsPeerAllowed(dest.ID) {
		return fmt.Errorf("%w: next hop '%v' is blacklisted", onion.ErrNoRoute, dest.ID)
	}

	p := retry.DefaultPolicy()
	p.MaxAttempts = n.cfg.Debug.ForwardAttempts
	attempt := 0
	err := retry.Do(ctx, p, func(ctx context.Context) error {
		if attempt++; attempt > 1 {
			instrument.ForwardRetry()
			n.log.Debugf("Retrying %v to %v (attempt %d).", env.ID, dest.ID, attempt)
		}
		return n.deliver(ctx, dest.Address, env)
	})
	if err != nil {
		return fmt.Errorf("node: failed to forward %v to %v: %w", env.ID, dest.ID, err)
	}
	return nil
}

func (n *Node) deliver(ctx context.Context, address string, env *onion.Envelope) error {
	conn, err := n.gate.ConnectSecure(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(n.idleTimeout()))
	return onion.WriteEnvelope(conn, env, n.router.MaxEnvelopeSize())
}

func (n *Node) dispatch(ctx context.Context, env *onion.Envelope) {
	if !n.engine.IsPeerAllowed(env.Sender) {
		instrument.Envelope("blacklisted")
		n.log.Debugf("Dropping %v from blacklisted peer '%v'.", env.ID, env.Sender)
		return
	}

	pt, err := n.router.Process(ctx, env)
	switch {
	case err != nil:
		instrument.Envelope("failed")
		n.log.Debugf("Failed to process %v: %v", env.ID, err)
		return
	case pt == nil:
		instrument.Envelope("handled")
		return
	}

	msg, err := unmarshalMessage(pt)
	if err == nil && (msg.Sender != env.Sender || msg.Recipient != n.identity.ID()) {
		err = fmt.Errorf("node: message from '%v' to '%v' arrived from '%v'", msg.Sender, msg.Recipient, env.Sender)
	}
	if err != nil {
		instrument.Envelope("invalid")
		n.log.Warningf("Discarding %v: %v", env.ID, err)
		n.engine.ReportSuspicious(env.Sender, "invalid message", err.Error())
		return
	}

	instrument.Envelope("delivered")
	select {
	case n.inbox <- msg:
	case <-ctx.Done():
	}
}

func (n *Node) idleTimeout() time.Duration {
	return time.Duration(n.cfg.Node.IdleTimeout) * time.Second
}

func (n *Node) trackConn(c net.Conn) bool {
	n.connsLock.Lock()
	defer n.connsLock.Unlock()
	if n.closing {
		return false
	}
	n.conns[c] = struct{}{}
	instrument.ActiveConnections(len(n.conns))
	return true
}

func (n *Node) untrackConn(c net.Conn) {
	n.connsLock.Lock()
	defer n.connsLock.Unlock()
	delete(n.conns, c)
	instrument.ActiveConnections(len(n.conns))
}

func (n *Node) handleConn(raw net.Conn) {
	defer n.Done()

	ctx := n.worker.Context()
	conn, err := n.gate.Handshake(ctx, raw)
	if err != nil {
		n.log.Debugf("Rejected %v: %v", raw.RemoteAddr(), err)
		return
	}
	if !n.trackConn(conn) {
		conn.Close()
		return
	}
	n.engine.ConnectionOpened()
	defer func() {
		n.untrackConn(conn)
		conn.Close()
		n.engine.ConnectionClosed()
	}()
	n.log.Debugf("Accepted %v (handshake took %v).", conn.Remote, conn.Latency)

	for {
		conn.SetReadDeadline(time.Now().Add(n.idleTimeout()))
		env, err := onion.ReadEnvelope(conn, n.router.MaxEnvelopeSize())
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
			case errors.Is(err, onion.ErrEnvelopeMalformed):
				n.log.Warningf("Closing %v: %v", conn.Remote, err)
				n.engine.ReportSuspicious(conn.Remote.Addr().String(), "malformed frame", err.Error())
			default:
				n.log.Debugf("Closing %v: %v", conn.Remote, err)
			}
			return
		}
		n.dispatch(ctx, env)
	}
}

func (n *Node) listenWorker(l net.Listener) {
	addr := l.Addr()
	n.log.Noticef("Listening on: %v", addr)
	defer func() {
		n.log.Noticef("Stopping listening on: %v", addr)
		l.Close()
		n.Done()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-n.worker.HaltCh():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			n.log.Errorf("Critical accept failure: %v", err)
			return
		}

		n.Add(1)
		go n.handleConn(conn)
	}

	// NOTREACHED
}

func (n *Node) maintenanceWorker() {
	t := time.NewTicker(time.Duration(n.cfg.Node.MaintenanceInterval) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-n.worker.HaltCh():
			return
		case <-t.C:
			n.maintain()
		}
	}
}

func (n *Node) maintain() {
	buckets := n.gate.Prune()
	keys := n.router.Prune()
	s := n.engine.Stats()
	instrument.ThreatLevel(int(s.ThreatLevel))
	instrument.BlacklistSize(s.BlacklistedAddresses + s.BlacklistedPeers)
	n.log.Debugf("Pruned %d token buckets and %d session keys, threat level %v.", buckets, keys, s.ThreatLevel)
}

// Stats returns a snapshot of the node's counters.
func (n *Node) Stats() Stats {
	return Stats{
		Threat: n.engine.Stats(),
		Onion:  n.router.Stats(),
	}
}

// RotateLog rotates the log file if logging to a file is enabled.
func (n *Node) RotateLog() {
	if err := n.logBackend.Rotate(); err != nil {
		n.log.Errorf("Failed to rotate log file, shutting down: %v", err)
		go n.Shutdown()
		return
	}
	n.log.Notice("Log rotated.")
}

// Wait waits till the node is terminated for any reason.
func (n *Node) Wait() {
	<-n.haltedCh
}

// Shutdown cleanly shuts down a given Node instance.
func (n *Node) Shutdown() {
	n.haltOnce.Do(func() { n.halt() })
}

func (n *Node) halt() {
	n.log.Notice("Starting graceful shutdown.")

	// Halt the listeners.
	for idx, l := range n.listeners {
		if l != nil {
			l.Close()
		}
		n.listeners[idx] = nil
	}

	// Cancel in-flight handshakes and forwards, and stop maintenance.
	n.worker.Halt()

	// Terminate the established connections and wait for them.
	n.connsLock.Lock()
	n.closing = true
	for c := range n.conns {
		c.Close()
	}
	n.connsLock.Unlock()
	n.WaitGroup.Wait()

	var err error
	if n.engine != nil {
		n.engine.Halt()
	}
	if n.store != nil {
		err = multierr.Append(err, n.store.Close())
	}
	if n.metrics != nil {
		err = multierr.Append(err, n.metrics.Close())
	}
	if n.profiler != nil {
		err = multierr.Append(err, n.profiler.Stop())
	}
	for _, e := range multierr.Errors(err) {
		n.log.Errorf("Shutdown: %v", e)
	}

	n.identity.Reset()

	n.log.Notice("Shutdown complete.")
	close(n.haltedCh)
}

func (n *Node) advertised(address string, l net.Listener) string {
	ep, err := n.transport.ParseEndpoint(address)
	if err != nil || ep.Kind == transport.KindCustom {
		return address
	}
	return ep.Network + "://" + l.Addr().String()
}

// New returns a new Node instance parameterized with the specific
// configuration.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	n := &Node{
		cfg:      cfg,
		conns:    make(map[net.Conn]struct{}),
		haltedCh: make(chan interface{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	// Do the early initialization and bring up logging.
	if err := n.initDataDir(); err != nil {
		return nil, err
	}
	if err := n.initLogging(); err != nil {
		return nil, err
	}

	if n.cfg.Logging.Level == "DEBUG" {
		n.log.Warning("Unsafe Debug logging is enabled.")
	}

	// Initialize the node identity.
	var err error
	if n.identity, err = identity.Load(n.cfg.Node.DataDir, rand.Reader); err != nil {
		n.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	n.log.Noticef("Node identity is: %s", n.identity.ID())

	if n.cfg.Debug.GenerateOnly {
		n.identity.Reset()
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call n.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			n.Shutdown()
		}
	}()

	n.inbox = make(chan *Message, n.cfg.Node.InboxSize)

	if n.profiler, err = profiling.Start(n.log, n.cfg.Profiling); err != nil {
		n.log.Warningf("Profiling is unavailable: %v", err)
	}
	if addr := n.cfg.Metrics.Address; addr != "" {
		instrument.Init()
		if n.metrics, err = instrument.StartListener(addr, n.logBackend.GetGoLogger("metrics", "WARNING")); err != nil {
			return nil, fmt.Errorf("node: failed to start metrics listener: %w", err)
		}
		n.log.Noticef("Serving metrics on: %v", addr)
	}

	// Bring up the threat engine on top of the blacklist store.
	if err = n.initStore(); err != nil {
		return nil, err
	}
	engineOpts := []threat.Option{}
	if n.store != nil {
		engineOpts = append(engineOpts, threat.WithStore(n.store))
	}
	if n.engine, err = threat.New(n.cfg.ThreatConfig(), n.logBackend, engineOpts...); err != nil {
		return nil, err
	}
	n.engine.Start()

	// Bring up the transport and the gate.
	trCfg := n.cfg.TransportConfig()
	trCfg.Custom = n.custom
	if n.transport, err = transport.New(trCfg); err != nil {
		return nil, err
	}
	stealthCfg, err := n.cfg.StealthConfig()
	if err != nil {
		return nil, err
	}
	if !stealthCfg.StealthMode {
		n.log.Warning("Stealth mode is disabled, the handshake is trivially fingerprintable.")
	}
	if n.gate, err = stealth.New(stealthCfg, policy{n.engine}, n.transport, n.logBackend); err != nil {
		return nil, err
	}

	// Bring up the router.
	n.topology = onion.NewTopology()
	if n.router, err = onion.New(n.cfg.OnionConfig(), n.identity, n.topology, n, n.engine, n.logBackend); err != nil {
		return nil, err
	}

	// Start up the listeners.
	for _, v := range n.cfg.Node.Addresses {
		l, err := n.transport.Listen(v)
		if err != nil {
			n.log.Errorf("Failed to start listener '%v': %v", v, err)
			continue
		}
		n.listeners = append(n.listeners, l)
		n.addresses = append(n.addresses, n.advertised(v, l))
		n.Add(1)
		go n.listenWorker(l)
	}
	if len(n.listeners) == 0 {
		n.log.Errorf("Failed to start all listeners.")
		return nil, errors.New("node: failed to start all listeners")
	}

	// The node is a member of its own topology.
	if _, err = n.AddPeer(n.identity.PublicKey(), n.addresses[0], true); err != nil {
		return nil, err
	}
	for _, v := range n.cfg.Peers {
		pub, err := pem.FromPublicPEMFile(n.cfg.Path(v.PublicKeyPem), identity.Scheme())
		if err != nil {
			return nil, fmt.Errorf("node: failed to load peer key '%v': %w", v.PublicKeyPem, err)
		}
		if _, err = n.AddPeer(pub, v.Address, v.OnionCapable); err != nil {
			return nil, fmt.Errorf("node: invalid peer '%v': %w", v.PublicKeyPem, err)
		}
	}

	n.worker.Go(n.maintenanceWorker)

	isOk = true
	return n, nil
}
