// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	require := require.New(t)

	tr, err := New(nil)
	require.NoError(err)

	ep, err := tr.ParseEndpoint("tcp://127.0.0.1:4000")
	require.NoError(err)
	require.Equal(KindTCP, ep.Kind)
	require.Equal("tcp", ep.Network)
	require.Equal("127.0.0.1:4000", ep.Host)

	ep, err = tr.ParseEndpoint("192.0.2.1:80")
	require.NoError(err)
	require.Equal(KindTCP, ep.Kind)

	ep, err = tr.ParseEndpoint("quic://[::1]:4000")
	require.NoError(err)
	require.Equal(KindQUIC, ep.Kind)
	require.Equal("quic://[::1]:4000", ep.String())

	_, err = tr.ParseEndpoint("onion://example:1")
	require.ErrorIs(err, ErrUnsupportedScheme)

	_, err = tr.ParseEndpoint("tcp://127.0.0.1")
	require.Error(err)

	_, err = tr.ParseEndpoint("nonsense")
	require.Error(err)
}

func TestNewRejectsBadCustom(t *testing.T) {
	require := require.New(t)

	_, err := New(&Config{Custom: &Custom{Scheme: "tcp"}})
	require.Error(err)
	_, err = New(&Config{Custom: &Custom{Scheme: "mem"}})
	require.Error(err)
	_, err = New(&Config{MaxConcurrentConns: -1})
	require.Error(err)
}

func TestResolveLiteral(t *testing.T) {
	require := require.New(t)

	tr, err := New(nil)
	require.NoError(err)
	ep, err := tr.ParseEndpoint("tcp://[::ffff:192.0.2.7]:99")
	require.NoError(err)
	ap, err := tr.Resolve(context.Background(), ep)
	require.NoError(err)
	require.Equal(netip.MustParseAddrPort("192.0.2.7:99"), ap)
}

func echoOnce(t *testing.T, l net.Listener) {
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 5)
		if _, err := io.ReadFull(c, buf); err != nil {
			return
		}
		c.Write(buf)
	}()
}

func roundTrip(t *testing.T, tr *Transport, address string) {
	require := require.New(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := tr.Dial(ctx, address)
	require.NoError(err)
	defer c.Close()

	require.NoError(c.SetDeadline(time.Now().Add(10 * time.Second)))
	_, err = c.Write([]byte("hello"))
	require.NoError(err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(err)
	require.Equal("hello", string(buf))
}

func TestTCP(t *testing.T) {
	tr, err := New(&Config{MaxConcurrentConns: 4})
	require.NoError(t, err)

	l, err := tr.Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echoOnce(t, l)

	roundTrip(t, tr, "tcp://"+l.Addr().String())
}

func TestQUIC(t *testing.T) {
	tr, err := New(nil)
	require.NoError(t, err)

	l, err := tr.Listen("quic://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echoOnce(t, l)

	roundTrip(t, tr, "quic://"+l.Addr().String())
}

func TestCustom(t *testing.T) {
	var dialed, listened string
	tr, err := New(&Config{
		Custom: &Custom{
			Scheme: "loop",
			Dial: func(ctx context.Context, address string) (net.Conn, error) {
				dialed = address
				var d net.Dialer
				return d.DialContext(ctx, "tcp", address)
			},
			Listen: func(address string) (net.Listener, error) {
				listened = address
				return net.Listen("tcp", address)
			},
		},
	})
	require.NoError(t, err)

	l, err := tr.Listen("loop://127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	echoOnce(t, l)

	roundTrip(t, tr, "loop://"+l.Addr().String())
	require.Equal(t, "127.0.0.1:0", listened)
	require.Equal(t, l.Addr().String(), dialed)
}
