// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package stealth

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// limiter is a table of per-address token buckets.
type limiter struct {
	sync.Mutex

	clock   clock.Clock
	limit   rate.Limit
	burst   int
	buckets map[netip.Addr]*rate.Limiter
}

func newLimiter(clk clock.Clock, perMinute int) *limiter {
	return &limiter{
		clock:   clk,
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		buckets: make(map[netip.Addr]*rate.Limiter),
	}
}

func (l *limiter) allow(addr netip.Addr) bool {
	l.Lock()
	defer l.Unlock()

	b, ok := l.buckets[addr]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[addr] = b
	}
	return b.AllowN(l.clock.Now(), 1)
}

// prune drops every bucket that has refilled completely, as it is
// indistinguishable from a fresh one.
func (l *limiter) prune() int {
	l.Lock()
	defer l.Unlock()

	now := l.clock.Now()
	n := 0
	for addr, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.burst) {
			delete(l.buckets, addr)
			n++
		}
	}
	return n
}

func (l *limiter) len() int {
	l.Lock()
	defer l.Unlock()
	return len(l.buckets)
}
