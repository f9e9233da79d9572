// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport provides the byte stream transports a node can listen
// and dial on.  The set of kinds is closed (TCP and QUIC) with a single
// extension point, a custom dial/listen function pair.
//
// Addresses are URLs such as tcp://192.0.2.1:4000 or quic://[::1]:4000.
// A bare host:port is treated as TCP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/netutil"
)

const defaultDialTimeout = 10 * time.Second

// ErrUnsupportedScheme is returned for addresses no transport handles.
var ErrUnsupportedScheme = errors.New("transport: unsupported address scheme")

// Kind is a transport kind.
type Kind int

const (
	KindTCP Kind = iota
	KindQUIC
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindQUIC:
		return "quic"
	case KindCustom:
		return "custom"
	default:
		return fmt.Sprintf("[unknown transport: %d]", int(k))
	}
}

// Custom is the extension point for transports other than TCP and QUIC.
// Dial is handed the resolved ip:port, Listen the host:port of the URL.
type Custom struct {
	Scheme string
	Dial   func(ctx context.Context, address string) (net.Conn, error)
	Listen func(address string) (net.Listener, error)
}

// Config is the transport configuration.
type Config struct {
	// MaxConcurrentConns caps the connections a TCP listener will have
	// open at once, 0 meaning no cap.
	MaxConcurrentConns int

	// DialTimeout bounds a single outbound dial.
	DialTimeout time.Duration

	// Custom, if set, handles addresses with Custom.Scheme.
	Custom *Custom
}

// Endpoint is a parsed transport address.
type Endpoint struct {
	Kind Kind

	// Network is the Go network name for TCP endpoints (tcp, tcp4, tcp6)
	// and the URL scheme otherwise.
	Network string

	// Host is the host:port part of the address.
	Host string
}

func (ep *Endpoint) String() string {
	return ep.Network + "://" + ep.Host
}

// Transport dials and listens on the supported kinds.
type Transport struct {
	cfg Config
}

// ParseEndpoint parses a transport address.
func (t *Transport) ParseEndpoint(address string) (*Endpoint, error) {
	if !strings.Contains(address, "://") {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, fmt.Errorf("transport: invalid address '%v': %w", address, err)
		}
		return &Endpoint{Kind: KindTCP, Network: "tcp", Host: address}, nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address '%v': %w", address, err)
	}
	if u.Port() == "" {
		return nil, fmt.Errorf("transport: address '%v' has no port", address)
	}
	ep := &Endpoint{Network: u.Scheme, Host: u.Host}
	switch {
	case u.Scheme == "tcp" || u.Scheme == "tcp4" || u.Scheme == "tcp6":
		ep.Kind = KindTCP
	case u.Scheme == "quic":
		ep.Kind = KindQUIC
	case t.cfg.Custom != nil && u.Scheme == t.cfg.Custom.Scheme:
		ep.Kind = KindCustom
	default:
		return nil, fmt.Errorf("%w: '%v'", ErrUnsupportedScheme, u.Scheme)
	}
	return ep, nil
}

// Resolve resolves the host of ep to a single IP address and port.
func (t *Transport) Resolve(ctx context.Context, ep *Endpoint) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(ep.Host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("transport: invalid port '%v'", portStr)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
	}

	network := "ip"
	switch ep.Network {
	case "tcp4":
		network = "ip4"
	case "tcp6":
		network = "ip6"
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("transport: no addresses for '%v'", host)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

// DialResolved dials ep at the already resolved address ap.
func (t *Transport) DialResolved(ctx context.Context, ep *Endpoint, ap netip.AddrPort) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	switch ep.Kind {
	case KindTCP:
		var d net.Dialer
		return d.DialContext(ctx, ep.Network, ap.String())
	case KindQUIC:
		return dialQUIC(ctx, ap.String(), clientTLSConfig())
	case KindCustom:
		return t.cfg.Custom.Dial(ctx, ap.String())
	default:
		return nil, ErrUnsupportedScheme
	}
}

// Dial parses, resolves and dials address.
func (t *Transport) Dial(ctx context.Context, address string) (net.Conn, error) {
	ep, err := t.ParseEndpoint(address)
	if err != nil {
		return nil, err
	}
	ap, err := t.Resolve(ctx, ep)
	if err != nil {
		return nil, err
	}
	return t.DialResolved(ctx, ep, ap)
}

// Listen listens on address.
func (t *Transport) Listen(address string) (net.Listener, error) {
	ep, err := t.ParseEndpoint(address)
	if err != nil {
		return nil, err
	}

	switch ep.Kind {
	case KindTCP:
		l, err := net.Listen(ep.Network, ep.Host)
		if err != nil {
			return nil, err
		}
		if t.cfg.MaxConcurrentConns > 0 {
			l = netutil.LimitListener(l, t.cfg.MaxConcurrentConns)
		}
		return l, nil
	case KindQUIC:
		tlsConf, err := serverTLSConfig()
		if err != nil {
			return nil, err
		}
		ql, err := quicListenAddr(ep.Host, tlsConf)
		if err != nil {
			return nil, err
		}
		return newQUICListener(ql), nil
	case KindCustom:
		return t.cfg.Custom.Listen(ep.Host)
	default:
		return nil, ErrUnsupportedScheme
	}
}

// New returns a Transport.
func New(cfg *Config) (*Transport, error) {
	t := new(Transport)
	if cfg != nil {
		t.cfg = *cfg
	}
	if t.cfg.DialTimeout <= 0 {
		t.cfg.DialTimeout = defaultDialTimeout
	}
	if t.cfg.MaxConcurrentConns < 0 {
		return nil, errors.New("transport: MaxConcurrentConns must not be negative")
	}
	if c := t.cfg.Custom; c != nil {
		switch {
		case c.Scheme == "":
			return nil, errors.New("transport: custom transport has no scheme")
		case c.Scheme == "tcp" || c.Scheme == "tcp4" || c.Scheme == "tcp6" || c.Scheme == "quic":
			return nil, fmt.Errorf("transport: custom transport may not claim scheme '%v'", c.Scheme)
		case c.Dial == nil || c.Listen == nil:
			return nil, errors.New("transport: custom transport needs both Dial and Listen")
		}
	}
	return t, nil
}
