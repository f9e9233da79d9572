// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package threat implements the threat engine: the single owner of the
// security event log, the blacklist and the per-address connection
// history, and the policy that derives admission decisions and threat
// levels from them.
package threat

import (
	"fmt"
	"net/netip"
	"time"
)

const (
	// DefaultRateLimitWindow is the sliding window over which failed
	// attempts are counted.
	DefaultRateLimitWindow = 60 * time.Second

	// DefaultRateLimitThreshold is the number of failures within the
	// window that may be tolerated before an address is rate limited.
	DefaultRateLimitThreshold = 100

	// DefaultBlacklistDuration is the lifetime of non-permanent
	// blacklist entries.
	DefaultBlacklistDuration = time.Hour

	// DefaultSweepInterval is the period of the maintenance sweep.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultEventRetention is how long security events are retained.
	DefaultEventRetention = 90 * 24 * time.Hour

	// DefaultMaxEvents bounds the in-memory event log.
	DefaultMaxEvents = 100000

	// A full event log sheds 1/eventTrimDivisor of its capacity.
	eventTrimDivisor = 10

	// DefaultScoreBlacklistThreshold is the threat score at or above
	// which the sweep blacklists an address.
	DefaultScoreBlacklistThreshold = 0.9

	// DefaultScoreMinAttempts is the minimum number of observed attempts
	// before a threat score is acted upon.
	DefaultScoreMinAttempts = 10

	// BlockedScore is the threat score above which an address is
	// reported as blocked in Stats.
	BlockedScore = 0.7

	levelWindow = time.Hour
)

// Level is a coarse classification of recent adverse events.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return fmt.Sprintf("[unknown level: %d]", int(l))
	}
}

// LevelForCount maps the number of adverse events in the trailing hour
// to a Level.
func LevelForCount(n int) Level {
	switch {
	case n <= 5:
		return LevelLow
	case n <= 20:
		return LevelMedium
	case n <= 50:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// EntityKind is the kind of identifier a blacklist entry refers to.
type EntityKind int

const (
	EntityAddress EntityKind = iota
	EntityPeer
)

func (k EntityKind) String() string {
	switch k {
	case EntityAddress:
		return "address"
	case EntityPeer:
		return "peer"
	default:
		return fmt.Sprintf("[unknown entity: %d]", int(k))
	}
}

// Outcome is the result of a single handshake attempt.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeAdmissionDenied
	OutcomeBadVersion
	OutcomeBadMagic
	OutcomeBadResponse
	OutcomeTimeout
	OutcomeIOError
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeAdmissionDenied:
		return "admission denied"
	case OutcomeBadVersion:
		return "bad version"
	case OutcomeBadMagic:
		return "bad magic"
	case OutcomeBadResponse:
		return "bad challenge response"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeIOError:
		return "i/o error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("[unknown outcome: %d]", int(o))
	}
}

// BlacklistEntry is a possibly time limited denial record.
type BlacklistEntry struct {
	Identifier string
	Kind       EntityKind
	Reason     string
	CreatedAt  time.Time

	// ExpiresAt is nil for permanent entries.
	ExpiresAt *time.Time
	Level     Level
}

// IsExpired returns true iff the entry is no longer in force at now.
func (e *BlacklistEntry) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// IsPermanent returns true iff the entry never expires.
func (e *BlacklistEntry) IsPermanent() bool {
	return e.ExpiresAt == nil
}

func (e *BlacklistEntry) clone() *BlacklistEntry {
	c := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Config is the threat engine policy.
type Config struct {
	// RateLimitWindow is the sliding window for counting failures.
	RateLimitWindow time.Duration

	// RateLimitThreshold is the number of failures within the window
	// that is tolerated.
	RateLimitThreshold int

	// AutoBlacklist enables blacklisting of rate limited addresses.
	AutoBlacklist bool

	// BlacklistDuration is the lifetime of non-Critical entries.
	BlacklistDuration time.Duration

	// AllowedNetworks, if non-empty, is the set of networks that may
	// connect at all.
	AllowedNetworks []netip.Prefix

	// BlockedNetworks are never admitted.
	BlockedNetworks []netip.Prefix

	// DenyLoopback rejects loopback addresses.
	DenyLoopback bool

	// DenyPrivate rejects private and link-local addresses.
	DenyPrivate bool

	SweepInterval  time.Duration
	EventRetention time.Duration
	MaxEvents      int

	// ScoreBlacklistThreshold is the threat score at which the sweep
	// blacklists an address, 0 disables.
	ScoreBlacklistThreshold float64
	ScoreMinAttempts        uint64
}

// DefaultConfig returns the default policy.
func DefaultConfig() *Config {
	cfg := &Config{
		AutoBlacklist:           true,
		ScoreBlacklistThreshold: DefaultScoreBlacklistThreshold,
	}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = DefaultRateLimitWindow
	}
	if cfg.RateLimitThreshold <= 0 {
		cfg.RateLimitThreshold = DefaultRateLimitThreshold
	}
	if cfg.BlacklistDuration <= 0 {
		cfg.BlacklistDuration = DefaultBlacklistDuration
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = DefaultEventRetention
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	if cfg.ScoreMinAttempts == 0 {
		cfg.ScoreMinAttempts = DefaultScoreMinAttempts
	}
}

func (cfg *Config) validate() error {
	if cfg.ScoreBlacklistThreshold < 0 || cfg.ScoreBlacklistThreshold > 1 {
		return fmt.Errorf("threat: ScoreBlacklistThreshold %v is out of range", cfg.ScoreBlacklistThreshold)
	}
	for _, p := range append(append([]netip.Prefix{}, cfg.AllowedNetworks...), cfg.BlockedNetworks...) {
		if !p.IsValid() {
			return fmt.Errorf("threat: invalid network range '%v'", p)
		}
	}
	return nil
}
