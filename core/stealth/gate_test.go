// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package stealth

import (
	"context"
	"errors"
	"io"
	"math/bits"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/ghostwire/ghostwire/core/log"
	"github.com/ghostwire/ghostwire/core/threat"
	"github.com/ghostwire/ghostwire/core/transport"
)

type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c *addrConn) RemoteAddr() net.Addr {
	return c.remote
}

// pipe returns a responder side that appears to come from ip, and the
// matching initiator side.
func pipe(ip string) (net.Conn, net.Conn) {
	s, c := net.Pipe()
	return &addrConn{Conn: s, remote: &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}}, c
}

type testGate struct {
	*Gate
	engine *threat.Engine
	mock   *clock.Mock
}

func newTestGate(t *testing.T, cfg *Config) *testGate {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(err)

	engineClock := clock.NewMock()
	engineClock.Add(24 * time.Hour)
	engine, err := threat.New(nil, logBackend, threat.WithClock(engineClock))
	require.NoError(err)

	tr, err := transport.New(nil)
	require.NoError(err)

	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	g, err := New(cfg, engine, tr, logBackend, WithClock(mock))
	require.NoError(err)
	return &testGate{Gate: g, engine: engine, mock: mock}
}

func stealthConfig(t *testing.T) *Config {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	return &Config{
		StealthMode:      true,
		Secret:           secret,
		HandshakeTimeout: 250 * time.Millisecond,
	}
}

func initiate(conn net.Conn, cfg *Config) <-chan error {
	c := *cfg
	c.applyDefaults()
	ch := make(chan error, 1)
	go func() {
		ch <- newHandshake(conn, &c, "", true).initiate()
	}()
	return ch
}

func TestConfigValidation(t *testing.T) {
	require := require.New(t)

	cfg := &Config{StealthMode: true, Secret: []byte("short")}
	cfg.applyDefaults()
	require.Error(cfg.validate())

	cfg = DefaultConfig()
	require.NoError(cfg.validate())
	require.Equal(byte(Version), cfg.Version)
	require.Equal([]byte(DefaultMagic), cfg.Magic)
	require.Equal(time.Second, cfg.HandshakeTimeout)
	require.Equal(10, cfg.ConnectionsPerMinute)
	require.Equal(3, cfg.MaxAcceptAttempts)
}

func TestChallengeResponse(t *testing.T) {
	require := require.New(t)

	secret := make([]byte, MinSecretSize)
	challenge := make([]byte, ChallengeSize)
	a := ChallengeResponse(secret, challenge)
	require.Len(a, ResponseSize)
	require.Equal(a, ChallengeResponse(secret, challenge))

	challenge[0] ^= 1
	b := ChallengeResponse(secret, challenge)
	diff := 0
	for i := range a {
		diff += bits.OnesCount8(a[i] ^ b[i])
	}
	require.Greater(diff, 64)

	other := make([]byte, MinSecretSize)
	other[0] = 1
	challenge[0] ^= 1
	require.NotEqual(a, ChallengeResponse(other, challenge))
}

func TestHandshakeAccepted(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	g := newTestGate(t, cfg)

	server, client := pipe("192.0.2.1")
	done := initiate(client, cfg)

	conn, err := g.Handshake(context.Background(), server)
	require.NoError(err)
	require.NoError(<-done)
	require.False(conn.Initiator)
	require.Equal(netip.MustParseAddrPort("192.0.2.1:40000"), conn.Remote)

	go client.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(err)
	require.Equal("ping", string(buf))

	h, ok := g.engine.History(netip.MustParseAddr("192.0.2.1"))
	require.True(ok)
	require.Equal(uint64(1), h.Successes)
	require.Equal(threat.OutcomeAccepted, h.LastOutcome)

	conn.Close()
	client.Close()
}

func TestHandshakeWithoutStealthMode(t *testing.T) {
	require := require.New(t)

	cfg := &Config{HandshakeTimeout: 250 * time.Millisecond}
	g := newTestGate(t, cfg)

	server, client := pipe("192.0.2.1")
	done := initiate(client, cfg)
	conn, err := g.Handshake(context.Background(), server)
	require.NoError(err)
	require.NoError(<-done)
	conn.Close()
}

func TestBadVersionRejectedBeforeChallenge(t *testing.T) {
	require := require.New(t)

	g := newTestGate(t, stealthConfig(t))
	server, client := pipe("192.0.2.2")

	received := make(chan []byte, 1)
	go func() {
		client.Write([]byte{0x02})
		b, _ := io.ReadAll(client)
		received <- b
	}()

	_, err := g.Handshake(context.Background(), server)
	require.ErrorIs(err, ErrHandshakeFailed)
	var herr *HandshakeError
	require.True(errors.As(err, &herr))
	require.Equal(StatePending, herr.State)
	require.Equal(threat.OutcomeBadVersion, herr.Outcome)
	require.False(herr.Initiator)

	require.Empty(<-received)

	h, ok := g.engine.History(netip.MustParseAddr("192.0.2.2"))
	require.True(ok)
	require.Equal(threat.OutcomeBadVersion, h.LastOutcome)
	require.Equal(uint64(1), h.Failures)
}

func TestBadMagic(t *testing.T) {
	require := require.New(t)

	g := newTestGate(t, stealthConfig(t))
	server, client := pipe("192.0.2.3")
	go func() {
		client.Write(append([]byte{Version}, "HTTP/"...))
		io.Copy(io.Discard, client)
	}()

	_, err := g.Handshake(context.Background(), server)
	var herr *HandshakeError
	require.True(errors.As(err, &herr))
	require.Equal(StateVersionChecked, herr.State)
	require.Equal(threat.OutcomeBadMagic, herr.Outcome)
}

func TestChallengeTimeout(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	g := newTestGate(t, cfg)
	server, client := pipe("192.0.2.4")

	go func() {
		client.Write(append([]byte{Version}, DefaultMagic...))
		challenge := make([]byte, ChallengeSize)
		io.ReadFull(client, challenge)
		io.Copy(io.Discard, client)
	}()

	start := time.Now()
	_, err := g.Handshake(context.Background(), server)
	var herr *HandshakeError
	require.True(errors.As(err, &herr))
	require.Equal(StateChallengeIssued, herr.State)
	require.Equal(threat.OutcomeTimeout, herr.Outcome)
	require.GreaterOrEqual(time.Since(start), cfg.HandshakeTimeout)

	h, ok := g.engine.History(netip.MustParseAddr("192.0.2.4"))
	require.True(ok)
	require.Equal(threat.OutcomeTimeout, h.LastOutcome)
	require.Equal(uint64(1), h.Timeouts)
}

func TestBadResponse(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	g := newTestGate(t, cfg)
	server, client := pipe("192.0.2.5")

	wrong := stealthConfig(t)
	done := initiate(client, wrong)

	_, err := g.Handshake(context.Background(), server)
	var herr *HandshakeError
	require.True(errors.As(err, &herr))
	require.Equal(StateChallengeIssued, herr.State)
	require.Equal(threat.OutcomeBadResponse, herr.Outcome)
	<-done
}

func TestAdmissionDenied(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	cfg.AllowList = []netip.Prefix{netip.MustParsePrefix("192.0.2.0/24")}
	g := newTestGate(t, cfg)

	g.engine.Blacklist("192.0.2.9", threat.EntityAddress, "test", threat.LevelHigh)
	server, client := pipe("192.0.2.9")
	_, err := g.Handshake(context.Background(), server)
	require.ErrorIs(err, ErrAdmissionDenied)
	var aerr *AdmissionError
	require.True(errors.As(err, &aerr))
	require.Equal("blocked by threat policy", aerr.Reason)
	_, err = client.Write([]byte{Version})
	require.ErrorIs(err, io.ErrClosedPipe)

	server, _ = pipe("198.51.100.1")
	_, err = g.Handshake(context.Background(), server)
	require.True(errors.As(err, &aerr))
	require.Equal("not in allow list", aerr.Reason)

	h, ok := g.engine.History(netip.MustParseAddr("198.51.100.1"))
	require.True(ok)
	require.Equal(threat.OutcomeAdmissionDenied, h.LastOutcome)
}

func TestRateLimit(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	cfg.ConnectionsPerMinute = 2
	g := newTestGate(t, cfg)

	for i := 0; i < 2; i++ {
		server, client := pipe("192.0.2.10")
		client.Close()
		_, err := g.Handshake(context.Background(), server)
		require.ErrorIs(err, ErrHandshakeFailed)
	}

	server, _ := pipe("192.0.2.10")
	_, err := g.Handshake(context.Background(), server)
	var aerr *AdmissionError
	require.True(errors.As(err, &aerr))
	require.Equal("rate limited", aerr.Reason)

	// Other addresses have their own bucket.
	server, client := pipe("192.0.2.11")
	client.Close()
	_, err = g.Handshake(context.Background(), server)
	require.ErrorIs(err, ErrHandshakeFailed)

	require.Equal(0, g.Prune())
	g.mock.Add(time.Minute)
	require.Equal(2, g.Prune())
	require.Equal(0, g.limiter.len())

	server, client = pipe("192.0.2.10")
	client.Close()
	_, err = g.Handshake(context.Background(), server)
	require.ErrorIs(err, ErrHandshakeFailed)
}

func TestCancellation(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	cfg.HandshakeTimeout = 10 * time.Second
	g := newTestGate(t, cfg)
	server, client := pipe("192.0.2.12")
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := g.Handshake(ctx, server)
	var herr *HandshakeError
	require.True(errors.As(err, &herr))
	require.Equal(threat.OutcomeCancelled, herr.Outcome)
	require.Less(time.Since(start), 5*time.Second)

	_, ok := g.engine.History(netip.MustParseAddr("192.0.2.12"))
	require.False(ok)
}

type chanListener struct {
	ch chan net.Conn
}

func (l *chanListener) Accept() (net.Conn, error) {
	c, ok := <-l.ch
	if !ok {
		return nil, net.ErrClosed
	}
	return c, nil
}

func (l *chanListener) Close() error   { return nil }
func (l *chanListener) Addr() net.Addr { return &net.TCPAddr{} }

func TestAcceptSecure(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	g := newTestGate(t, cfg)

	l := &chanListener{ch: make(chan net.Conn, 3)}
	for i := 0; i < 3; i++ {
		server, client := pipe("192.0.2.20")
		l.ch <- server
		go func() {
			client.Write([]byte{0x02})
			io.Copy(io.Discard, client)
		}()
	}
	_, err := g.AcceptSecure(context.Background(), l)
	require.ErrorIs(err, ErrConnectionRefused)
	require.ErrorIs(err, ErrHandshakeFailed)

	server, client := pipe("192.0.2.21")
	l.ch <- server
	server, good := pipe("192.0.2.22")
	l.ch <- server
	go func() {
		client.Write([]byte{0x02})
		io.Copy(io.Discard, client)
	}()
	done := initiate(good, cfg)
	conn, err := g.AcceptSecure(context.Background(), l)
	require.NoError(err)
	require.NoError(<-done)
	require.Equal(netip.MustParseAddr("192.0.2.22"), conn.Remote.Addr())
	conn.Close()

	close(l.ch)
	_, err = g.AcceptSecure(context.Background(), l)
	require.ErrorIs(err, net.ErrClosed)
}

func TestConnectSecure(t *testing.T) {
	require := require.New(t)

	cfg := stealthConfig(t)
	g := newTestGate(t, cfg)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(err)
	defer l.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := g.AcceptSecure(context.Background(), l)
		if err != nil {
			close(accepted)
			return
		}
		accepted <- conn
	}()

	out, err := g.ConnectSecure(context.Background(), "tcp://"+l.Addr().String())
	require.NoError(err)
	defer out.Close()
	require.True(out.Initiator)

	in, ok := <-accepted
	require.True(ok)
	defer in.Close()

	_, err = out.Write([]byte("hello"))
	require.NoError(err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(in, buf)
	require.NoError(err)
	require.Equal("hello", string(buf))

	g.engine.Blacklist("127.0.0.1", threat.EntityAddress, "test", threat.LevelHigh)
	_, err = g.ConnectSecure(context.Background(), "tcp://"+l.Addr().String())
	require.ErrorIs(err, ErrAdmissionDenied)
}
