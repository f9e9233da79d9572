// quic.go - QUIC stream adapter.
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

package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const quicLinger = 5 * time.Second

// quicConn carries a single QUIC stream as a net.Conn.
type quicConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (q *quicConn) LocalAddr() net.Addr {
	return q.conn.LocalAddr()
}

func (q *quicConn) RemoteAddr() net.Addr {
	return q.conn.RemoteAddr()
}

func (q *quicConn) SetDeadline(t time.Time) error {
	return q.stream.SetDeadline(t)
}

func (q *quicConn) SetReadDeadline(t time.Time) error {
	return q.stream.SetReadDeadline(t)
}

func (q *quicConn) SetWriteDeadline(t time.Time) error {
	return q.stream.SetWriteDeadline(t)
}

// Close closes the send side of the stream and then the connection, since
// each connection only ever carries one stream.  Closing the connection
// at once would discard unsent stream data, so it lingers until the peer
// hangs up or quicLinger passes.
func (q *quicConn) Close() error {
	err := q.stream.Close()
	q.stream.CancelRead(0)
	go func() {
		t := time.NewTimer(quicLinger)
		defer t.Stop()
		select {
		case <-q.conn.Context().Done():
		case <-t.C:
		}
		q.conn.CloseWithError(0, "")
	}()
	return err
}

func (q *quicConn) Read(b []byte) (int, error) {
	return q.stream.Read(b)
}

func (q *quicConn) Write(b []byte) (int, error) {
	return q.stream.Write(b)
}

// quicListener implements net.Listener, accepting one stream per
// connection.
type quicListener struct {
	l      *quic.Listener
	ctx    context.Context
	cancel context.CancelFunc
}

func newQUICListener(l *quic.Listener) *quicListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &quicListener{l: l, ctx: ctx, cancel: cancel}
}

// Accept blocks until a peer opens a connection and sends on its first
// stream.
func (l *quicListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.l.Accept(l.ctx)
		if err != nil {
			return nil, err
		}
		stream, err := conn.AcceptStream(l.ctx)
		if err != nil {
			conn.CloseWithError(0, "")
			if l.ctx.Err() != nil {
				return nil, net.ErrClosed
			}
			continue
		}
		return &quicConn{conn: conn, stream: stream}, nil
	}
}

func (l *quicListener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *quicListener) Close() error {
	l.cancel()
	return l.l.Close()
}

func dialQUIC(ctx context.Context, address string, tlsConf *tls.Config) (net.Conn, error) {
	conn, err := quic.DialAddr(ctx, address, tlsConf, nil)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

// serverTLSConfig returns a bare-bones self-signed TLS configuration.
// Peers are authenticated by the stealth handshake and the onion layer
// keys, never by the certificate.
func serverTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	// ALPN is visible on the wire, so advertise a common protocol.
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{http3.NextProtoH3},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
}

func quicListenAddr(address string, tlsConf *tls.Config) (*quic.Listener, error) {
	return quic.ListenAddr(address, tlsConf, nil)
}
