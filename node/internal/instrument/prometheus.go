//go:build !noprometheus
// +build !noprometheus

// SPDX-FileCopyrightText: © 2025 GhostWire Developers
// SPDX-License-Identifier: AGPL-3.0-only

package instrument

import (
	"errors"
	goLog "log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostwire_handshakes_total",
			Help: "Number of handshakes by outcome",
		},
		[]string{"outcome"},
	)
	admissionDenied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostwire_admission_denied_total",
			Help: "Number of connections denied admission",
		},
	)
	envelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ghostwire_envelopes_total",
			Help: "Number of envelopes by disposition",
		},
		[]string{"disposition"},
	)
	forwardRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ghostwire_forward_retries_total",
			Help: "Number of retried outbound forwards",
		},
	)
	threatLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostwire_threat_level",
			Help: "Current threat level, 0 (low) to 3 (critical)",
		},
	)
	blacklistSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostwire_blacklist_entries",
			Help: "Number of live blacklist entries",
		},
	)
	activeConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ghostwire_active_connections",
			Help: "Number of open inbound connections",
		},
	)

	initOnce sync.Once
)

// Init registers the metrics.  It is safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(handshakes)
		prometheus.MustRegister(admissionDenied)
		prometheus.MustRegister(envelopes)
		prometheus.MustRegister(forwardRetries)
		prometheus.MustRegister(threatLevel)
		prometheus.MustRegister(blacklistSize)
		prometheus.MustRegister(activeConns)
	})
}

// StartListener serves /metrics on address.
func StartListener(address string, errorLog *goLog.Logger) (Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Handler:           mux,
		ErrorLog:          errorLog,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("metrics listener failed: %v", err)
		}
	}()
	return srv, nil
}

// Handshake counts a handshake outcome.
func Handshake(outcome string) {
	handshakes.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// AdmissionDenied counts a connection turned away before the handshake.
func AdmissionDenied() {
	admissionDenied.Inc()
}

// Envelope counts an envelope disposition.
func Envelope(disposition string) {
	envelopes.With(prometheus.Labels{"disposition": disposition}).Inc()
}

// ForwardRetry counts a retried forward.
func ForwardRetry() {
	forwardRetries.Inc()
}

// ThreatLevel sets the threat level gauge.
func ThreatLevel(level int) {
	threatLevel.Set(float64(level))
}

// BlacklistSize sets the blacklist size gauge.
func BlacklistSize(n int) {
	blacklistSize.Set(float64(n))
}

// ActiveConnections sets the open connection gauge.
func ActiveConnections(n int) {
	activeConns.Set(float64(n))
}
