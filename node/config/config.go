// config.go - GhostWire node configuration.
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

// Package config implements the GhostWire node configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ghostwire/ghostwire/core/onion"
	"github.com/ghostwire/ghostwire/core/stealth"
	"github.com/ghostwire/ghostwire/core/threat"
	"github.com/ghostwire/ghostwire/core/transport"
)

const (
	defaultAddress             = "tcp://127.0.0.1:7430"
	defaultLogLevel            = "NOTICE"
	defaultMaintenanceInterval = 60
	defaultIdleTimeout         = 5 * 60
	defaultInboxSize           = 256
	defaultBoltFile            = "blacklist.db"
	defaultForwardAttempts     = 3

	// 1 hour, in milliseconds.
	absoluteMaxTimeout = 60 * 60 * 1000

	// BackendNone keeps the blacklist in memory only.
	BackendNone = "none"

	// BackendBolt persists the blacklist to a bbolt database.
	BackendBolt = "bolt"

	// BackendRedis persists the blacklist to Redis.
	BackendRedis = "redis"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Node is the node's own configuration.
type Node struct {
	// Addresses are the transport URLs the node listens on, e.g.
	// tcp://0.0.0.0:7430 or quic://0.0.0.0:7430.
	Addresses []string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// MaxConcurrentConns caps simultaneous inbound TCP connections per
	// listener, 0 meaning no cap.
	MaxConcurrentConns int

	// DialTimeout is the outbound dial timeout in milliseconds.
	DialTimeout int

	// IdleTimeout is how long an inbound stream may stay silent, in
	// seconds.
	IdleTimeout int

	// MaintenanceInterval is the period of the housekeeping task, in
	// seconds.
	MaintenanceInterval int

	// InboxSize is the number of delivered messages buffered for Receive.
	InboxSize int
}

func (nCfg *Node) applyDefaults() {
	if len(nCfg.Addresses) == 0 {
		nCfg.Addresses = []string{defaultAddress}
	}
	if nCfg.IdleTimeout <= 0 {
		nCfg.IdleTimeout = defaultIdleTimeout
	}
	if nCfg.MaintenanceInterval <= 0 {
		nCfg.MaintenanceInterval = defaultMaintenanceInterval
	}
	if nCfg.InboxSize <= 0 {
		nCfg.InboxSize = defaultInboxSize
	}
}

func (nCfg *Node) validate() error {
	if !filepath.IsAbs(nCfg.DataDir) {
		return fmt.Errorf("config: Node: DataDir '%v' is not an absolute path", nCfg.DataDir)
	}
	tr, err := transport.New(nil)
	if err != nil {
		return err
	}
	for _, v := range nCfg.Addresses {
		if _, err := tr.ParseEndpoint(v); err != nil {
			// Custom transports are registered in code, not here.
			if errors.Is(err, transport.ErrUnsupportedScheme) {
				continue
			}
			return fmt.Errorf("config: Node: Address '%v' is invalid: %v", v, err)
		}
	}
	if nCfg.MaxConcurrentConns < 0 {
		return fmt.Errorf("config: Node: MaxConcurrentConns %v is invalid", nCfg.MaxConcurrentConns)
	}
	if nCfg.DialTimeout < 0 || nCfg.DialTimeout > absoluteMaxTimeout {
		return fmt.Errorf("config: Node: DialTimeout %v is out of range", nCfg.DialTimeout)
	}
	return nil
}

// Logging is the node logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Stealth is the handshake configuration.
type Stealth struct {
	// StealthMode enables the challenge-response step.
	StealthMode bool

	// Secret is the hex encoded handshake secret.
	Secret string

	// SecretFile is a file holding the hex encoded handshake secret,
	// relative to DataDir unless absolute.  Secret takes precedence.
	SecretFile string

	// Magic is the handshake magic marker.
	Magic string

	// HandshakeTimeout is the per-step handshake timeout in
	// milliseconds.
	HandshakeTimeout int

	// ConnectionsPerMinute is the per-address inbound connection rate.
	ConnectionsPerMinute int

	// MaxAcceptAttempts bounds the secure accept loop.
	MaxAcceptAttempts int

	// AllowList restricts inbound connections to the listed CIDR ranges.
	AllowList []string
}

func (sCfg *Stealth) validate() error {
	if sCfg.Secret != "" {
		b, err := hex.DecodeString(sCfg.Secret)
		if err != nil {
			return fmt.Errorf("config: Stealth: Secret is not valid hex: %v", err)
		}
		if len(b) < stealth.MinSecretSize {
			return fmt.Errorf("config: Stealth: Secret must be at least %d bytes", stealth.MinSecretSize)
		}
	}
	if sCfg.StealthMode && sCfg.Secret == "" && sCfg.SecretFile == "" {
		return errors.New("config: Stealth: StealthMode requires Secret or SecretFile")
	}
	if sCfg.HandshakeTimeout < 0 || sCfg.HandshakeTimeout > absoluteMaxTimeout {
		return fmt.Errorf("config: Stealth: HandshakeTimeout %v is out of range", sCfg.HandshakeTimeout)
	}
	if sCfg.ConnectionsPerMinute < 0 {
		return fmt.Errorf("config: Stealth: ConnectionsPerMinute %v is invalid", sCfg.ConnectionsPerMinute)
	}
	if sCfg.MaxAcceptAttempts < 0 {
		return fmt.Errorf("config: Stealth: MaxAcceptAttempts %v is invalid", sCfg.MaxAcceptAttempts)
	}
	if _, err := parsePrefixes(sCfg.AllowList); err != nil {
		return fmt.Errorf("config: Stealth: AllowList: %v", err)
	}
	return nil
}

// Threat is the threat engine configuration.
type Threat struct {
	// RateLimitWindow is the failure counting window in seconds.
	RateLimitWindow int

	// RateLimitThreshold is the tolerated number of failures per window.
	RateLimitThreshold int

	// DisableAutoBlacklist stops rate limited addresses from being
	// blacklisted.
	DisableAutoBlacklist bool

	// BlacklistDuration is the default blacklist entry lifetime in
	// seconds.
	BlacklistDuration int

	// AllowedNetworks and BlockedNetworks are CIDR ranges.
	AllowedNetworks []string
	BlockedNetworks []string

	DenyLoopback bool
	DenyPrivate  bool

	// SweepInterval is the sweep period in seconds.
	SweepInterval int

	// EventRetention is the security event retention in hours.
	EventRetention int

	MaxEvents int

	// ScoreBlacklistThreshold is the threat score at which the sweep
	// blacklists an address.  Negative disables, 0 selects the default.
	ScoreBlacklistThreshold float64
	ScoreMinAttempts        uint64
}

func (tCfg *Threat) validate() error {
	if tCfg.ScoreBlacklistThreshold > 1 {
		return fmt.Errorf("config: Threat: ScoreBlacklistThreshold %v is out of range", tCfg.ScoreBlacklistThreshold)
	}
	for _, v := range []int{tCfg.RateLimitWindow, tCfg.RateLimitThreshold, tCfg.BlacklistDuration, tCfg.SweepInterval, tCfg.EventRetention, tCfg.MaxEvents} {
		if v < 0 {
			return fmt.Errorf("config: Threat: negative value %v", v)
		}
	}
	if _, err := parsePrefixes(tCfg.AllowedNetworks); err != nil {
		return fmt.Errorf("config: Threat: AllowedNetworks: %v", err)
	}
	if _, err := parsePrefixes(tCfg.BlockedNetworks); err != nil {
		return fmt.Errorf("config: Threat: BlockedNetworks: %v", err)
	}
	return nil
}

// Onion is the onion router configuration.
type Onion struct {
	// TTL is the lifetime of originated envelopes in seconds.
	TTL int

	MaxHops int

	// SessionKeyLifetime is the session key cache expiry in seconds.
	SessionKeyLifetime int

	SessionCacheSize int
	ReplayFilterBits int

	// MaxEnvelopeSize is the maximum framed envelope size in bytes.
	MaxEnvelopeSize int
}

func (oCfg *Onion) validate() error {
	if oCfg.TTL < 0 || oCfg.MaxHops < 0 || oCfg.SessionKeyLifetime < 0 || oCfg.SessionCacheSize < 0 || oCfg.MaxEnvelopeSize < 0 {
		return errors.New("config: Onion: negative values are invalid")
	}
	if oCfg.MaxHops > 255 {
		return fmt.Errorf("config: Onion: MaxHops %v is out of range", oCfg.MaxHops)
	}
	if oCfg.ReplayFilterBits != 0 && (oCfg.ReplayFilterBits < 10 || oCfg.ReplayFilterBits > 32) {
		return fmt.Errorf("config: Onion: ReplayFilterBits %v is out of range", oCfg.ReplayFilterBits)
	}
	return nil
}

// Persistence selects where the blacklist is stored.
type Persistence struct {
	// Backend is one of "none", "bolt" (the default) or "redis".
	Backend string

	// BoltFile is the database path, relative to DataDir unless
	// absolute.
	BoltFile string

	// RedisURL is the Redis server URL, e.g. redis://localhost:6379/0.
	RedisURL string

	// RedisPrefix is the key prefix for blacklist entries.
	RedisPrefix string
}

func (pCfg *Persistence) applyDefaults() {
	if pCfg.Backend == "" {
		pCfg.Backend = BackendBolt
	}
	if pCfg.BoltFile == "" {
		pCfg.BoltFile = defaultBoltFile
	}
}

func (pCfg *Persistence) validate() error {
	switch strings.ToLower(pCfg.Backend) {
	case "", BackendNone, BackendBolt:
	case BackendRedis:
		if pCfg.RedisURL == "" {
			return errors.New("config: Persistence: redis backend requires RedisURL")
		}
	default:
		return fmt.Errorf("config: Persistence: Backend '%v' is invalid", pCfg.Backend)
	}
	pCfg.Backend = strings.ToLower(pCfg.Backend)
	return nil
}

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is the host:port to serve /metrics on, empty disables.
	Address string
}

// Profiling is the pyroscope configuration, used only by binaries built
// with the pyroscope tag.
type Profiling struct {
	ServerAddress   string
	ApplicationName string
	ServiceTag      string
}

// Debug is the node debug configuration.
type Debug struct {
	// GenerateOnly halts and cleans up the node right after long term
	// key generation.
	GenerateOnly bool

	// ForwardAttempts is the number of tries for an outbound forward.
	ForwardAttempts int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.ForwardAttempts <= 0 {
		dCfg.ForwardAttempts = defaultForwardAttempts
	}
}

// Peer is a statically configured peer.
type Peer struct {
	// PublicKeyPem is the peer's identity public key PEM file, relative
	// to DataDir unless absolute.
	PublicKeyPem string

	// Address is the peer's transport URL.
	Address string

	// OnionCapable marks the peer as usable as a relay.
	OnionCapable bool
}

func (p *Peer) validate() error {
	if p.PublicKeyPem == "" {
		return errors.New("config: Peers: Peer is missing PublicKeyPem")
	}
	if p.Address == "" {
		return fmt.Errorf("config: Peers: Peer '%v' is missing Address", p.PublicKeyPem)
	}
	return nil
}

// Config is the top level node configuration.
type Config struct {
	Node        *Node
	Logging     *Logging
	Stealth     *Stealth
	Threat      *Threat
	Onion       *Onion
	Persistence *Persistence
	Metrics     *Metrics
	Profiling   *Profiling
	Debug       *Debug

	Peers []*Peer
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// Handle missing sections if possible.
	if cfg.Node == nil {
		return errors.New("config: No Node block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Stealth == nil {
		cfg.Stealth = &Stealth{}
	}
	if cfg.Threat == nil {
		cfg.Threat = &Threat{}
	}
	if cfg.Onion == nil {
		cfg.Onion = &Onion{}
	}
	if cfg.Persistence == nil {
		cfg.Persistence = &Persistence{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Profiling == nil {
		cfg.Profiling = &Profiling{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	// Validate and fixup the various sections.
	cfg.Node.applyDefaults()
	if err := cfg.Node.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Stealth.validate(); err != nil {
		return err
	}
	if err := cfg.Threat.validate(); err != nil {
		return err
	}
	if err := cfg.Onion.validate(); err != nil {
		return err
	}
	if err := cfg.Persistence.validate(); err != nil {
		return err
	}
	cfg.Persistence.applyDefaults()
	cfg.Debug.applyDefaults()

	seen := make(map[string]bool)
	for _, v := range cfg.Peers {
		if err := v.validate(); err != nil {
			return err
		}
		if seen[v.PublicKeyPem] {
			return fmt.Errorf("config: Peers: PublicKeyPem '%v' is present more than once", v.PublicKeyPem)
		}
		seen[v.PublicKeyPem] = true
	}
	return nil
}

// Path resolves p against DataDir.
func (cfg *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Node.DataDir, p)
}

// ThreatConfig returns the threat engine configuration.
func (cfg *Config) ThreatConfig() *threat.Config {
	t := cfg.Threat
	c := &threat.Config{
		RateLimitWindow:         time.Duration(t.RateLimitWindow) * time.Second,
		RateLimitThreshold:      t.RateLimitThreshold,
		AutoBlacklist:           !t.DisableAutoBlacklist,
		BlacklistDuration:       time.Duration(t.BlacklistDuration) * time.Second,
		DenyLoopback:            t.DenyLoopback,
		DenyPrivate:             t.DenyPrivate,
		SweepInterval:           time.Duration(t.SweepInterval) * time.Second,
		EventRetention:          time.Duration(t.EventRetention) * time.Hour,
		MaxEvents:               t.MaxEvents,
		ScoreBlacklistThreshold: t.ScoreBlacklistThreshold,
		ScoreMinAttempts:        t.ScoreMinAttempts,
	}
	switch {
	case t.ScoreBlacklistThreshold == 0:
		c.ScoreBlacklistThreshold = threat.DefaultScoreBlacklistThreshold
	case t.ScoreBlacklistThreshold < 0:
		c.ScoreBlacklistThreshold = 0
	}
	// Already validated.
	c.AllowedNetworks, _ = parsePrefixes(t.AllowedNetworks)
	c.BlockedNetworks, _ = parsePrefixes(t.BlockedNetworks)
	return c
}

// StealthConfig returns the handshake configuration, reading the secret
// file if one is configured.
func (cfg *Config) StealthConfig() (*stealth.Config, error) {
	s := cfg.Stealth
	c := &stealth.Config{
		StealthMode:          s.StealthMode,
		Magic:                []byte(s.Magic),
		HandshakeTimeout:     time.Duration(s.HandshakeTimeout) * time.Millisecond,
		ConnectionsPerMinute: s.ConnectionsPerMinute,
		MaxAcceptAttempts:    s.MaxAcceptAttempts,
	}
	c.AllowList, _ = parsePrefixes(s.AllowList)

	secret := s.Secret
	if secret == "" && s.SecretFile != "" {
		b, err := os.ReadFile(cfg.Path(s.SecretFile))
		if err != nil {
			return nil, fmt.Errorf("config: Stealth: failed to read SecretFile: %v", err)
		}
		secret = strings.TrimSpace(string(b))
	}
	if secret != "" {
		b, err := hex.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("config: Stealth: SecretFile is not valid hex: %v", err)
		}
		c.Secret = b
	}
	return c, nil
}

// OnionConfig returns the onion router configuration.
func (cfg *Config) OnionConfig() *onion.Config {
	o := cfg.Onion
	return &onion.Config{
		TTL:                time.Duration(o.TTL) * time.Second,
		MaxHops:            o.MaxHops,
		SessionKeyLifetime: time.Duration(o.SessionKeyLifetime) * time.Second,
		SessionCacheSize:   o.SessionCacheSize,
		ReplayFilterBits:   o.ReplayFilterBits,
		MaxEnvelopeSize:    o.MaxEnvelopeSize,
	}
}

// TransportConfig returns the transport configuration.
func (cfg *Config) TransportConfig() *transport.Config {
	return &transport.Config{
		MaxConcurrentConns: cfg.Node.MaxConcurrentConns,
		DialTimeout:        time.Duration(cfg.Node.DialTimeout) * time.Millisecond,
	}
}

func parsePrefixes(v []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, s := range v {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte, forceGenOnly bool) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	if forceGenOnly {
		cfg.Debug.GenerateOnly = true
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string, forceGenOnly bool) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b, forceGenOnly)
}
