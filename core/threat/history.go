// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package threat

import "time"

const (
	weightFailureRate = 0.4
	weightFrequency   = 0.3
	weightLatency     = 0.3

	latencyAnomaly = time.Second
)

// ConnectionHistory is the handshake record for a single remote address.
type ConnectionHistory struct {
	FirstSeen time.Time
	LastSeen  time.Time

	TotalAttempts uint64
	Successes     uint64
	Failures      uint64
	Timeouts      uint64

	// AverageLatency is the mean latency of successful handshakes.
	AverageLatency time.Duration
	LastOutcome    Outcome

	// ThreatScore is in [0,1] and is always recomputed from the fields
	// above.
	ThreatScore float64
}

func (h *ConnectionHistory) observe(now time.Time, outcome Outcome, latency time.Duration) {
	if h.TotalAttempts == 0 {
		h.FirstSeen = now
	}
	h.LastSeen = now
	h.TotalAttempts++
	h.LastOutcome = outcome

	switch outcome {
	case OutcomeAccepted:
		h.Successes++
		n := time.Duration(h.Successes)
		h.AverageLatency = (h.AverageLatency*(n-1) + latency) / n
	case OutcomeTimeout:
		h.Timeouts++
		h.Failures++
	default:
		h.Failures++
	}
	h.ThreatScore = h.score(now)
}

func (h *ConnectionHistory) score(now time.Time) float64 {
	if h.TotalAttempts == 0 {
		return 0
	}
	total := float64(h.TotalAttempts)
	failureRate := float64(h.Failures) / total

	elapsed := now.Sub(h.FirstSeen).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	frequency := total / elapsed
	if frequency > 1 {
		frequency = 1
	}

	var latency float64
	if h.AverageLatency > latencyAnomaly {
		latency = 1
	}

	s := weightFailureRate*failureRate + weightFrequency*frequency + weightLatency*latency
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// failureWindow is the sliding per-address failure counter.  At most
// threshold+1 timestamps are retained.
type failureWindow struct {
	times   []time.Time
	limited bool
}

func (w *failureWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	w.times = w.times[i:]
}

func (w *failureWindow) add(now time.Time, window time.Duration, threshold int) {
	w.prune(now.Add(-window))
	if len(w.times) <= threshold {
		w.limited = false
	}
	w.times = append(w.times, now)
	if over := len(w.times) - (threshold + 1); over > 0 {
		w.times = append(w.times[:0], w.times[over:]...)
	}
}
