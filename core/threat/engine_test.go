// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package threat

import (
	"net/netip"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostwire/ghostwire/core/log"
)

type memStore struct {
	sync.Mutex
	entries map[string][]byte
	deletes int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]byte)}
}

func (s *memStore) Load() ([]*BlacklistEntry, error) {
	s.Lock()
	defer s.Unlock()
	var out []*BlacklistEntry
	for _, b := range s.entries {
		e, err := UnmarshalEntry(b)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *memStore) Put(e *BlacklistEntry) error {
	b, err := MarshalEntry(e)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.entries[e.Identifier] = b
	return nil
}

func (s *memStore) Delete(id string) error {
	s.Lock()
	defer s.Unlock()
	delete(s.entries, id)
	s.deletes++
	return nil
}

func (s *memStore) Close() error { return nil }

func newTestEngine(t *testing.T, cfg *Config, opts ...Option) (*Engine, *clock.Mock) {
	logBackend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Add(24 * time.Hour)
	e, err := New(cfg, logBackend, append([]Option{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	return e, mock
}

func countEvents[T Event](events []Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func TestRateLimitBlacklists(t *testing.T) {
	require := require.New(t)

	e, _ := newTestEngine(t, DefaultConfig())
	addr := netip.MustParseAddr("192.0.2.7")

	for i := 0; i < DefaultRateLimitThreshold; i++ {
		e.RecordAttempt(addr, false, "bad magic")
	}
	require.True(e.IsAddressAllowed(addr))
	require.Zero(countEvents[*RateLimitExceeded](e.Events()))

	e.RecordAttempt(addr, false, "bad magic")
	require.False(e.IsAddressAllowed(addr))
	require.Equal(1, countEvents[*RateLimitExceeded](e.Events()))

	// Further failures within the window do not re-emit.
	e.RecordAttempt(addr, false, "bad magic")
	require.Equal(1, countEvents[*RateLimitExceeded](e.Events()))

	entries := e.Blacklisted()
	require.Len(entries, 1)
	require.Equal(LevelMedium, entries[0].Level)
	require.Equal(EntityAddress, entries[0].Kind)
	require.NotNil(entries[0].ExpiresAt)
}

func TestRateLimitWindowSlides(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConfig()
	cfg.RateLimitThreshold = 3
	e, mock := newTestEngine(t, cfg)
	addr := netip.MustParseAddr("192.0.2.8")

	for i := 0; i < 3; i++ {
		e.RecordAttempt(addr, false, "timeout")
		mock.Add(30 * time.Second)
	}
	// The first failure has left the window.
	e.RecordAttempt(addr, false, "timeout")
	require.True(e.IsAddressAllowed(addr))
	require.Zero(countEvents[*RateLimitExceeded](e.Events()))
}

func TestRateLimitWithoutAutoBlacklist(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConfig()
	cfg.AutoBlacklist = false
	cfg.RateLimitThreshold = 2
	e, _ := newTestEngine(t, cfg)
	addr := netip.MustParseAddr("198.51.100.1")

	for i := 0; i < 3; i++ {
		e.RecordAttempt(addr, false, "bad version")
	}
	require.True(e.IsAddressAllowed(addr))
	require.Equal(1, countEvents[*RateLimitExceeded](e.Events()))
	require.Equal(uint64(1), e.Stats().RateLimitHits)
}

func TestBlacklistExpiry(t *testing.T) {
	require := require.New(t)

	e, mock := newTestEngine(t, DefaultConfig())
	addr := netip.MustParseAddr("203.0.113.9")

	e.Blacklist(addr.String(), EntityAddress, "manual", LevelHigh)
	require.False(e.IsAddressAllowed(addr))

	mock.Add(DefaultBlacklistDuration)
	require.False(e.IsAddressAllowed(addr))

	// Logically absent once past the expiry, before any sweep.
	mock.Add(time.Nanosecond)
	require.True(e.IsAddressAllowed(addr))
	require.Empty(e.Blacklisted())
}

func TestCriticalIsPermanent(t *testing.T) {
	require := require.New(t)

	e, mock := newTestEngine(t, DefaultConfig())
	e.Blacklist("peer-a", EntityPeer, "forged envelopes", LevelCritical)

	mock.Add(1000 * time.Hour)
	e.Sweep()
	require.False(e.IsPeerAllowed("peer-a"))
	require.True(e.IsPeerAllowed("peer-b"))

	entries := e.Blacklisted()
	require.Len(entries, 1)
	require.True(entries[0].IsPermanent())
}

func TestBlacklistNeverWeakens(t *testing.T) {
	require := require.New(t)

	e, mock := newTestEngine(t, DefaultConfig())
	e.Blacklist("10.0.0.1", EntityAddress, "manual", LevelCritical)
	e.Blacklist("10.0.0.1", EntityAddress, "rate limit exceeded", LevelMedium)

	mock.Add(2 * DefaultBlacklistDuration)
	require.False(e.IsAddressAllowed(netip.MustParseAddr("10.0.0.1")))
	entries := e.Blacklisted()
	require.Len(entries, 1)
	require.Equal(LevelCritical, entries[0].Level)
	require.Equal(2, countEvents[*PeerBlacklisted](e.Events()))

	require.True(e.Unblock("10.0.0.1"))
	require.True(e.IsAddressAllowed(netip.MustParseAddr("10.0.0.1")))
	require.False(e.Unblock("10.0.0.1"))
}

func TestThreatLevelBoundaries(t *testing.T) {
	for _, tc := range []struct {
		events int
		level  Level
	}{
		{0, LevelLow},
		{5, LevelLow},
		{6, LevelMedium},
		{20, LevelMedium},
		{21, LevelHigh},
		{50, LevelHigh},
		{51, LevelCritical},
	} {
		e, _ := newTestEngine(t, DefaultConfig())
		for i := 0; i < tc.events; i++ {
			e.ReportSuspicious("peer", "test", "boundary")
		}
		require.Equal(t, tc.level, e.CurrentThreatLevel(), "%d events", tc.events)
		require.Equal(t, tc.level, LevelForCount(tc.events))
	}
}

func TestThreatLevelWindow(t *testing.T) {
	require := require.New(t)

	e, mock := newTestEngine(t, DefaultConfig())
	addr := netip.MustParseAddr("192.0.2.1")

	for i := 0; i < 10; i++ {
		e.RecordAttempt(addr, true, "ok")
	}
	require.Equal(LevelLow, e.CurrentThreatLevel())

	for i := 0; i < 6; i++ {
		e.RecordAttempt(addr, false, "bad magic")
	}
	require.Equal(LevelMedium, e.CurrentThreatLevel())

	mock.Add(time.Hour)
	require.Equal(LevelLow, e.CurrentThreatLevel())
}

func TestNetworkPolicy(t *testing.T) {
	assert := assert.New(t)

	cfg := DefaultConfig()
	cfg.AllowedNetworks = []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("127.0.0.0/8"),
	}
	cfg.BlockedNetworks = []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}
	cfg.DenyLoopback = true
	e, _ := newTestEngine(t, cfg)

	assert.True(e.IsAddressAllowed(netip.MustParseAddr("10.2.3.4")))
	assert.True(e.IsAddressAllowed(netip.MustParseAddr("::ffff:10.2.3.4")))
	assert.False(e.IsAddressAllowed(netip.MustParseAddr("10.1.3.4")))
	assert.False(e.IsAddressAllowed(netip.MustParseAddr("192.0.2.1")))
	assert.False(e.IsAddressAllowed(netip.MustParseAddr("127.0.0.1")))
	assert.False(e.IsAddressAllowed(netip.Addr{}))

	cfg = DefaultConfig()
	cfg.DenyPrivate = true
	e, _ = newTestEngine(t, cfg)
	assert.False(e.IsAddressAllowed(netip.MustParseAddr("192.168.1.1")))
	assert.False(e.IsAddressAllowed(netip.MustParseAddr("fe80::1")))
	assert.True(e.IsAddressAllowed(netip.MustParseAddr("127.0.0.1")))

	cfg = DefaultConfig()
	cfg.BlockedNetworks = []netip.Prefix{{}}
	_, err := New(cfg, nil)
	assert.Error(err)
}

func TestObserveHandshake(t *testing.T) {
	require := require.New(t)

	e, mock := newTestEngine(t, DefaultConfig())
	addr := netip.MustParseAddr("192.0.2.44")

	e.ObserveHandshake(addr, OutcomeAccepted, 2*time.Second)
	h, ok := e.History(addr)
	require.True(ok)
	require.Equal(uint64(1), h.Successes)
	require.Equal(2*time.Second, h.AverageLatency)
	// No failures, saturated frequency and a latency anomaly.
	require.InDelta(0.6, h.ThreatScore, 1e-9)

	mock.Add(9 * time.Second)
	e.ObserveHandshake(addr, OutcomeTimeout, 0)
	h, _ = e.History(addr)
	require.Equal(uint64(2), h.TotalAttempts)
	require.Equal(uint64(1), h.Failures)
	require.Equal(uint64(1), h.Timeouts)
	require.Equal(OutcomeTimeout, h.LastOutcome)
	// 0.4*0.5 + 0.3*(2/9) + 0.3*1
	require.InDelta(0.2+0.3*2.0/9.0+0.3, h.ThreatScore, 1e-9)

	events := e.Events()
	require.Equal(1, countEvents[*InvalidHandshake](events))
	require.Equal(2, countEvents[*ConnectionAttempt](events))

	e.ObserveHandshake(addr, OutcomeAdmissionDenied, 0)
	require.Equal(1, countEvents[*InvalidHandshake](e.Events()))

	_, ok = e.History(netip.MustParseAddr("192.0.2.45"))
	require.False(ok)
}

func TestSweep(t *testing.T) {
	require := require.New(t)

	store := newMemStore()
	cfg := DefaultConfig()
	cfg.EventRetention = 2 * time.Hour
	e, mock := newTestEngine(t, cfg, WithStore(store))

	e.Blacklist("10.9.9.9", EntityAddress, "manual", LevelMedium)
	require.Len(store.entries, 1)

	// One slow success and nine failures in the same instant.
	suspect := netip.MustParseAddr("10.7.7.7")
	e.ObserveHandshake(suspect, OutcomeAccepted, 3*time.Second)
	for i := 0; i < 9; i++ {
		e.ObserveHandshake(suspect, OutcomeBadResponse, 0)
	}
	require.True(e.IsAddressAllowed(suspect))
	e.Sweep()
	require.False(e.IsAddressAllowed(suspect))
	require.Len(store.entries, 2)

	mock.Add(DefaultBlacklistDuration + time.Second)
	e.Sweep()
	require.Empty(e.Blacklisted())
	require.Empty(store.entries)
	require.Equal(2, store.deletes)

	mock.Add(cfg.EventRetention)
	e.Sweep()
	require.Empty(e.Events())
	require.Zero(e.Stats().TrackedAddresses)
}

func TestStoreReload(t *testing.T) {
	require := require.New(t)

	store := newMemStore()
	e, _ := newTestEngine(t, DefaultConfig(), WithStore(store))
	e.Blacklist("peer-x", EntityPeer, "manual", LevelCritical)
	e.Blacklist("192.0.2.99", EntityAddress, "manual", LevelMedium)

	e2, mock := newTestEngine(t, DefaultConfig(), WithStore(store))
	require.False(e2.IsPeerAllowed("peer-x"))
	require.False(e2.IsAddressAllowed(netip.MustParseAddr("192.0.2.99")))

	mock.Add(2 * DefaultBlacklistDuration)
	e3, _ := newTestEngine(t, DefaultConfig(), WithStore(store), WithClock(mock))
	require.Len(e3.Blacklisted(), 1)
}

func TestStats(t *testing.T) {
	require := require.New(t)

	e, mock := newTestEngine(t, DefaultConfig())
	a := netip.MustParseAddr("192.0.2.1")
	b := netip.MustParseAddr("192.0.2.2")

	e.ObserveHandshake(a, OutcomeAccepted, 100*time.Millisecond)
	e.ObserveHandshake(a, OutcomeAccepted, 300*time.Millisecond)
	e.ObserveHandshake(b, OutcomeAccepted, 2*time.Second)
	for i := 0; i < 4; i++ {
		e.ObserveHandshake(b, OutcomeBadMagic, 0)
	}
	e.ConnectionOpened()
	e.ConnectionOpened()
	e.ConnectionClosed()
	e.Blacklist("peer-z", EntityPeer, "manual", LevelHigh)

	s := e.Stats()
	require.Equal(uint64(7), s.TotalConnections)
	require.Equal(uint64(4), s.FailedConnections)
	require.Equal(1, s.ActiveConnections)
	require.Equal(2, s.TrackedAddresses)
	require.Equal(1, s.BlockedAddresses)
	require.Equal(1, s.BlacklistedPeers)
	require.Equal(800*time.Millisecond, s.AverageConnectionTime)
	require.Equal(mock.Now(), s.LastConnectionTime)
	require.Equal(LevelMedium, s.ThreatLevel)
}

func TestSweepWorker(t *testing.T) {
	require := require.New(t)

	e, mock := newTestEngine(t, DefaultConfig())
	e.Blacklist("peer-q", EntityPeer, "manual", LevelLow)
	e.Start()
	defer e.Halt()

	mock.Add(DefaultBlacklistDuration + time.Second)
	require.Eventually(func() bool {
		mock.Add(DefaultSweepInterval)
		e.RLock()
		defer e.RUnlock()
		return len(e.blacklist) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEventLogCap(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConfig()
	cfg.MaxEvents = 100
	e, _ := newTestEngine(t, cfg)

	addr := netip.MustParseAddr("192.0.2.1")
	for i := 0; i < 1000; i++ {
		e.RecordAttempt(addr, true, strconv.Itoa(i))
		require.LessOrEqual(len(e.events), cfg.MaxEvents)
	}
	require.LessOrEqual(cap(e.events), 2*cfg.MaxEvents)

	events := e.Events()
	require.GreaterOrEqual(len(events), cfg.MaxEvents-cfg.MaxEvents/eventTrimDivisor)
	prev := -1
	for _, ev := range events {
		n, err := strconv.Atoi(ev.(*ConnectionAttempt).Reason)
		require.NoError(err)
		require.Greater(n, prev)
		prev = n
	}
	require.Equal(999, prev)
}

func TestStoreFollowsMemory(t *testing.T) {
	require := require.New(t)

	store := newMemStore()
	e, _ := newTestEngine(t, nil, WithStore(store))

	const id = "peer-under-contention"
	for round := 0; round < 50; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				e.BlacklistFor(id, EntityPeer, "flapping", LevelMedium, time.Hour)
			}()
			go func() {
				defer wg.Done()
				e.Unblock(id)
			}()
		}
		wg.Wait()

		_, inMemory := e.blacklist[id]
		store.Lock()
		_, inStore := store.entries[id]
		store.Unlock()
		require.Equal(inMemory, inStore, "round %d", round)
	}
}

func BenchmarkRecordAttemptFullLog(b *testing.B) {
	logBackend, err := log.New("", "ERROR", true)
	require.NoError(b, err)
	e, err := New(nil, logBackend)
	require.NoError(b, err)

	addr := netip.MustParseAddr("192.0.2.1")
	for i := 0; i < DefaultMaxEvents; i++ {
		e.RecordAttempt(addr, true, "")
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.RecordAttempt(addr, true, "")
	}
}
