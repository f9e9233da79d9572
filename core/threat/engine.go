// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package threat

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/op/go-logging.v1"

	"github.com/ghostwire/ghostwire/core/log"
	"github.com/ghostwire/ghostwire/core/worker"
)

// Stats is a snapshot of the engine's aggregate counters.
type Stats struct {
	TotalEvents    int
	EventsLastHour int
	ThreatLevel    Level

	BlacklistedAddresses int
	BlacklistedPeers     int
	RateLimitHits        uint64

	TrackedAddresses      int
	TotalConnections      uint64
	ActiveConnections     int
	FailedConnections     uint64
	BlockedAddresses      int
	AverageConnectionTime time.Duration
	LastConnectionTime    time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for every timestamp and window.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithStore persists blacklist entries to s.
func WithStore(s Store) Option {
	return func(e *Engine) {
		e.store = s
	}
}

// Engine tracks connection attempts, blacklist entries and threat
// levels.  All state is guarded by a single lock that is never held
// across I/O.
type Engine struct {
	sync.RWMutex
	worker.Worker

	cfg   *Config
	log   *logging.Logger
	clock clock.Clock

	store     Store
	storeLock sync.Mutex

	events    []Event
	blacklist map[string]*BlacklistEntry
	histories map[netip.Addr]*ConnectionHistory
	failures  map[netip.Addr]*failureWindow

	activeConns    int
	rateLimitHits  uint64
	lastConnection time.Time
}

// New creates an Engine.  If a Store is supplied, its unexpired entries
// are loaded.
func New(cfg *Config, logBackend *log.Backend, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       &c,
		log:       logBackend.GetLogger("threat"),
		clock:     clock.New(),
		blacklist: make(map[string]*BlacklistEntry),
		histories: make(map[netip.Addr]*ConnectionHistory),
		failures:  make(map[netip.Addr]*failureWindow),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store != nil {
		entries, err := e.store.Load()
		if err != nil {
			return nil, err
		}
		now := e.clock.Now()
		for _, entry := range entries {
			if entry.IsExpired(now) {
				continue
			}
			e.blacklist[entry.Identifier] = entry
		}
		e.log.Debugf("Loaded %d blacklist entries.", len(e.blacklist))
	}
	return e, nil
}

// Start launches the periodic sweep.
func (e *Engine) Start() {
	t := e.clock.Ticker(e.cfg.SweepInterval)
	e.Go(func() {
		e.sweepWorker(t)
	})
}

func (e *Engine) sweepWorker(t *clock.Ticker) {
	defer t.Stop()
	for {
		select {
		case <-e.HaltCh():
			e.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
			e.Sweep()
		}
	}
}

// IsAddressAllowed returns false if addr is blacklisted or excluded by
// the configured network policy.
func (e *Engine) IsAddressAllowed(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() {
		return false
	}
	if e.cfg.DenyLoopback && addr.IsLoopback() {
		return false
	}
	if e.cfg.DenyPrivate && (addr.IsPrivate() || addr.IsLinkLocalUnicast()) {
		return false
	}
	for _, p := range e.cfg.BlockedNetworks {
		if p.Contains(addr) {
			return false
		}
	}
	if len(e.cfg.AllowedNetworks) > 0 {
		ok := false
		for _, p := range e.cfg.AllowedNetworks {
			if p.Contains(addr) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return !e.isBlacklisted(addr.String())
}

// IsPeerAllowed returns false if the peer identifier is blacklisted.
func (e *Engine) IsPeerAllowed(id string) bool {
	return !e.isBlacklisted(id)
}

func (e *Engine) isBlacklisted(id string) bool {
	now := e.clock.Now()

	e.RLock()
	defer e.RUnlock()
	entry, ok := e.blacklist[id]
	return ok && !entry.IsExpired(now)
}

// RecordAttempt records a connection attempt from addr.  Failures count
// toward the per-address rate limit.
func (e *Engine) RecordAttempt(addr netip.Addr, success bool, reason string) {
	addr = addr.Unmap()
	now := e.clock.Now()

	e.Lock()
	entry := e.recordAttemptLocked(addr, success, reason, now)
	e.Unlock()

	e.persist(entry)
}

func (e *Engine) recordAttemptLocked(addr netip.Addr, success bool, reason string, now time.Time) *BlacklistEntry {
	e.appendLocked(&ConnectionAttempt{
		Address: addr.String(),
		Success: success,
		Reason:  reason,
		At:      now,
	})
	e.lastConnection = now
	if success {
		return nil
	}

	w, ok := e.failures[addr]
	if !ok {
		w = new(failureWindow)
		e.failures[addr] = w
	}
	w.add(now, e.cfg.RateLimitWindow, e.cfg.RateLimitThreshold)
	if len(w.times) <= e.cfg.RateLimitThreshold || w.limited {
		return nil
	}

	w.limited = true
	e.rateLimitHits++
	e.appendLocked(&RateLimitExceeded{
		Address:  addr.String(),
		Attempts: len(w.times),
		At:       now,
	})
	e.log.Warningf("Rate limit exceeded by %v: %d failures in %v.", addr, len(w.times), e.cfg.RateLimitWindow)
	if !e.cfg.AutoBlacklist {
		return nil
	}
	return e.blacklistLocked(addr.String(), EntityAddress, "rate limit exceeded", LevelMedium, e.cfg.BlacklistDuration, now)
}

// ObserveHandshake updates the connection history of addr with the
// outcome of a handshake and records the attempt.
func (e *Engine) ObserveHandshake(addr netip.Addr, outcome Outcome, latency time.Duration) {
	addr = addr.Unmap()
	now := e.clock.Now()

	e.Lock()
	h, ok := e.histories[addr]
	if !ok {
		h = new(ConnectionHistory)
		e.histories[addr] = h
	}
	h.observe(now, outcome, latency)
	if outcome != OutcomeAccepted && outcome != OutcomeAdmissionDenied {
		e.appendLocked(&InvalidHandshake{
			Address: addr.String(),
			Outcome: outcome,
			At:      now,
		})
	}
	entry := e.recordAttemptLocked(addr, outcome == OutcomeAccepted, outcome.String(), now)
	e.Unlock()

	e.persist(entry)
}

// History returns a copy of the connection history of addr.
func (e *Engine) History(addr netip.Addr) (ConnectionHistory, bool) {
	e.RLock()
	defer e.RUnlock()
	h, ok := e.histories[addr.Unmap()]
	if !ok {
		return ConnectionHistory{}, false
	}
	return *h, true
}

// ReportSuspicious records suspicious activity attributed to subject,
// which may be an address or a peer identifier.
func (e *Engine) ReportSuspicious(subject, kind, detail string) {
	now := e.clock.Now()

	e.Lock()
	defer e.Unlock()
	e.appendLocked(&SuspiciousActivity{
		Address: subject,
		Kind:    kind,
		Detail:  detail,
		At:      now,
	})
}

// Blacklist inserts or strengthens a blacklist entry.  Critical entries
// are permanent, others expire after the configured duration.
func (e *Engine) Blacklist(id string, kind EntityKind, reason string, level Level) {
	e.BlacklistFor(id, kind, reason, level, e.cfg.BlacklistDuration)
}

// BlacklistFor is Blacklist with an explicit duration; d <= 0 makes the
// entry permanent.  An existing unexpired entry is never weakened.
func (e *Engine) BlacklistFor(id string, kind EntityKind, reason string, level Level, d time.Duration) {
	now := e.clock.Now()

	e.Lock()
	entry := e.blacklistLocked(id, kind, reason, level, d, now)
	e.Unlock()

	e.persist(entry)
}

func (e *Engine) blacklistLocked(id string, kind EntityKind, reason string, level Level, d time.Duration, now time.Time) *BlacklistEntry {
	entry := &BlacklistEntry{
		Identifier: id,
		Kind:       kind,
		Reason:     reason,
		CreatedAt:  now,
		Level:      level,
	}
	if level != LevelCritical && d > 0 {
		t := now.Add(d)
		entry.ExpiresAt = &t
	}

	if old, ok := e.blacklist[id]; ok && !old.IsExpired(now) {
		entry.CreatedAt = old.CreatedAt
		if old.Level > entry.Level {
			entry.Level = old.Level
		}
		switch {
		case old.ExpiresAt == nil:
			entry.ExpiresAt = nil
		case entry.ExpiresAt != nil && old.ExpiresAt.After(*entry.ExpiresAt):
			entry.ExpiresAt = old.ExpiresAt
		}
	}
	e.blacklist[id] = entry

	e.appendLocked(&PeerBlacklisted{
		ID:     id,
		Reason: reason,
		At:     now,
	})
	e.log.Noticef("Blacklisted %v %v (%v): %v", kind, id, entry.Level, reason)
	return entry.clone()
}

// Unblock removes the blacklist entry for id, returning false if there
// was none in force.
func (e *Engine) Unblock(id string) bool {
	now := e.clock.Now()

	e.Lock()
	entry, ok := e.blacklist[id]
	delete(e.blacklist, id)
	e.Unlock()

	if !ok {
		return false
	}
	e.log.Noticef("Unblocked %v %v.", entry.Kind, id)
	e.unpersist(id)
	return !entry.IsExpired(now)
}

// Blacklisted returns the entries currently in force.
func (e *Engine) Blacklisted() []*BlacklistEntry {
	now := e.clock.Now()

	e.RLock()
	defer e.RUnlock()
	entries := make([]*BlacklistEntry, 0, len(e.blacklist))
	for _, entry := range e.blacklist {
		if !entry.IsExpired(now) {
			entries = append(entries, entry.clone())
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Identifier < entries[j].Identifier
	})
	return entries
}

// CurrentThreatLevel classifies the adverse events of the trailing hour.
func (e *Engine) CurrentThreatLevel() Level {
	now := e.clock.Now()

	e.RLock()
	defer e.RUnlock()
	return LevelForCount(e.adverseSinceLocked(now.Add(-levelWindow)))
}

func (e *Engine) adverseSinceLocked(cutoff time.Time) int {
	n := 0
	for i := len(e.events) - 1; i >= 0; i-- {
		ev := e.events[i]
		if !ev.Time().After(cutoff) {
			break
		}
		if ev.Adverse() {
			n++
		}
	}
	return n
}

// Events returns a copy of the event log, oldest first.
func (e *Engine) Events() []Event {
	e.RLock()
	defer e.RUnlock()
	return append([]Event(nil), e.events...)
}

// ConnectionOpened and ConnectionClosed track established streams for
// Stats.
func (e *Engine) ConnectionOpened() {
	e.Lock()
	defer e.Unlock()
	e.activeConns++
}

func (e *Engine) ConnectionClosed() {
	e.Lock()
	defer e.Unlock()
	if e.activeConns > 0 {
		e.activeConns--
	}
}

// Sweep removes expired blacklist entries, prunes the event log and the
// failure windows, recomputes every threat score and blacklists
// addresses whose score crossed the configured threshold.
func (e *Engine) Sweep() {
	now := e.clock.Now()
	var (
		expired   []string
		escalated []*BlacklistEntry
	)

	e.Lock()
	for id, entry := range e.blacklist {
		if entry.IsExpired(now) {
			delete(e.blacklist, id)
			expired = append(expired, id)
		}
	}

	cutoff := now.Add(-e.cfg.EventRetention)
	idx := sort.Search(len(e.events), func(i int) bool {
		return e.events[i].Time().After(cutoff)
	})
	if idx > 0 {
		e.events = append([]Event(nil), e.events[idx:]...)
	}

	for addr, w := range e.failures {
		w.prune(now.Add(-e.cfg.RateLimitWindow))
		if len(w.times) == 0 {
			delete(e.failures, addr)
		}
	}

	for addr, h := range e.histories {
		if h.LastSeen.Before(cutoff) {
			delete(e.histories, addr)
			continue
		}
		h.ThreatScore = h.score(now)
		if e.cfg.ScoreBlacklistThreshold <= 0 || h.TotalAttempts < e.cfg.ScoreMinAttempts {
			continue
		}
		if h.ThreatScore < e.cfg.ScoreBlacklistThreshold {
			continue
		}
		if entry, ok := e.blacklist[addr.String()]; ok && !entry.IsExpired(now) {
			continue
		}
		escalated = append(escalated, e.blacklistLocked(addr.String(), EntityAddress, "threat score exceeded", LevelHigh, e.cfg.BlacklistDuration, now))
	}
	e.Unlock()

	for _, id := range expired {
		e.unpersist(id)
	}
	for _, entry := range escalated {
		e.persist(entry)
	}
	if len(expired) > 0 || len(escalated) > 0 {
		e.log.Debugf("Sweep: %d entries expired, %d addresses escalated.", len(expired), len(escalated))
	}
}

// Stats returns aggregate counters.
func (e *Engine) Stats() Stats {
	now := e.clock.Now()

	e.RLock()
	defer e.RUnlock()

	s := Stats{
		TotalEvents:        len(e.events),
		RateLimitHits:      e.rateLimitHits,
		TrackedAddresses:   len(e.histories),
		ActiveConnections:  e.activeConns,
		LastConnectionTime: e.lastConnection,
	}
	s.EventsLastHour = e.adverseSinceLocked(now.Add(-levelWindow))
	s.ThreatLevel = LevelForCount(s.EventsLastHour)

	for _, entry := range e.blacklist {
		if entry.IsExpired(now) {
			continue
		}
		switch entry.Kind {
		case EntityAddress:
			s.BlacklistedAddresses++
		case EntityPeer:
			s.BlacklistedPeers++
		}
	}

	var (
		latencySum time.Duration
		successes  uint64
	)
	for _, h := range e.histories {
		s.TotalConnections += h.TotalAttempts
		s.FailedConnections += h.Failures
		if h.ThreatScore > BlockedScore {
			s.BlockedAddresses++
		}
		latencySum += h.AverageLatency * time.Duration(h.Successes)
		successes += h.Successes
	}
	if successes > 0 {
		s.AverageConnectionTime = latencySum / time.Duration(successes)
	}
	return s
}

// appendLocked adds ev to the log.  A full log drops its oldest tenth at
// once, so trimming costs amortized O(1) per append.
func (e *Engine) appendLocked(ev Event) {
	if len(e.events) >= e.cfg.MaxEvents {
		drop := len(e.events) - e.cfg.MaxEvents + 1 + e.cfg.MaxEvents/eventTrimDivisor
		if drop > len(e.events) {
			drop = len(e.events)
		}
		n := copy(e.events, e.events[drop:])
		clear(e.events[n:])
		e.events = e.events[:n]
	}
	e.events = append(e.events, ev)
}

func (e *Engine) persist(entry *BlacklistEntry) {
	if entry == nil {
		return
	}
	e.sync(entry.Identifier)
}

func (e *Engine) unpersist(id string) {
	e.sync(id)
}

// sync writes the in-memory state of id to the store.  Store writes are
// serialized and always read memory afresh, so the store converges on
// the last change however callers interleave.
func (e *Engine) sync(id string) {
	if e.store == nil {
		return
	}
	e.storeLock.Lock()
	defer e.storeLock.Unlock()

	now := e.clock.Now()
	e.RLock()
	entry, ok := e.blacklist[id]
	if ok {
		entry = entry.clone()
	}
	e.RUnlock()

	if ok && !entry.IsExpired(now) {
		if err := e.store.Put(entry); err != nil {
			e.log.Errorf("Failed to persist blacklist entry %v: %v", id, err)
		}
		return
	}
	if err := e.store.Delete(id); err != nil {
		e.log.Errorf("Failed to delete blacklist entry %v: %v", id, err)
	}
}
