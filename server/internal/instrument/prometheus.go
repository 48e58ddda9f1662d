// SPDX-FileCopyrightText: Copyright (C) 2017  David Anthony Stainton, Yawning Angel
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes the host's prometheus metrics.
package instrument

import (
	"errors"
	"log"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons, used as the "reason" label of the dropped datagram counter.
const (
	ReasonMalformed         = "malformed"
	ReasonIntegrity         = "integrity_mismatch"
	ReasonUnknownConnection = "unknown_connection"
	ReasonExhausted         = "exhausted"
	ReasonExpired           = "expired"
	ReasonReplay            = "replay"
	ReasonInvalidState      = "invalid_state"
)

// Metrics is the set of host metrics.  All methods are safe to call on a nil
// *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	datagramsIn   prometheus.Counter
	datagramsOut  prometheus.Counter
	challenges    prometheus.Counter
	handshakes    prometheus.Counter
	teardowns     *prometheus.CounterVec
	drops         *prometheus.CounterVec
	sessions      prometheus.Gauge
	pending       prometheus.Gauge
	pendingSwept  prometheus.Counter
	handshakeTime prometheus.Summary
}

// New returns a Metrics registered with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		datagramsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpconn_datagrams_received_total",
			Help: "Number of datagrams received",
		}),
		datagramsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpconn_datagrams_sent_total",
			Help: "Number of datagrams sent",
		}),
		challenges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpconn_challenges_total",
			Help: "Number of challenges answered",
		}),
		handshakes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpconn_handshakes_completed_total",
			Help: "Number of completed handshakes",
		}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udpconn_sessions_torn_down_total",
			Help: "Number of sessions torn down",
		}, []string{"cause"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "udpconn_datagrams_dropped_total",
			Help: "Number of dropped datagrams",
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udpconn_sessions",
			Help: "Number of connected peers",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "udpconn_pending_challenges",
			Help: "Number of outstanding challenges",
		}),
		pendingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "udpconn_pending_challenges_expired_total",
			Help: "Number of challenges removed by the sweeper",
		}),
		handshakeTime: prometheus.NewSummary(prometheus.SummaryOpts{
			Name:       "udpconn_handshake_seconds",
			Help:       "Time from challenge to connect request",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.datagramsIn,
		m.datagramsOut,
		m.challenges,
		m.handshakes,
		m.teardowns,
		m.drops,
		m.sessions,
		m.pending,
		m.pendingSwept,
		m.handshakeTime,
	)
	return m
}

// Registry returns the registry the metrics are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// DatagramIn increments the counter for received datagrams.
func (m *Metrics) DatagramIn() {
	if m != nil {
		m.datagramsIn.Inc()
	}
}

// DatagramOut increments the counter for sent datagrams.
func (m *Metrics) DatagramOut() {
	if m != nil {
		m.datagramsOut.Inc()
	}
}

// Challenge increments the counter for answered challenges.
func (m *Metrics) Challenge() {
	if m != nil {
		m.challenges.Inc()
	}
}

// Handshake increments the counter for completed handshakes and observes
// how long the handshake took in seconds.
func (m *Metrics) Handshake(seconds float64) {
	if m != nil {
		m.handshakes.Inc()
		m.handshakeTime.Observe(seconds)
	}
}

// Teardown increments the counter for torn down sessions.
func (m *Metrics) Teardown(cause string) {
	if m != nil {
		m.teardowns.WithLabelValues(cause).Inc()
	}
}

// Drop increments the counter for dropped datagrams.
func (m *Metrics) Drop(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

// PendingSwept adds n to the counter of expired pending challenges.
func (m *Metrics) PendingSwept(n int) {
	if m != nil {
		m.pendingSwept.Add(float64(n))
	}
}

// SetTables sets the session and pending challenge gauges.
func (m *Metrics) SetTables(sessions, pending int) {
	if m != nil {
		m.sessions.Set(float64(sessions))
		m.pending.Set(float64(pending))
	}
}

// Serve exposes the metrics via HTTP on addr.  Errors from the HTTP server
// are written to errorLog.
func (m *Metrics) Serve(addr string, errorLog *log.Logger) (*http.Server, error) {
	if m == nil {
		return nil, errors.New("instrument: no metrics")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog: errorLog,
	}))
	srv := &http.Server{
		Addr:     ln.Addr().String(),
		Handler:  mux,
		ErrorLog: errorLog,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("metrics listener failed: %v", err)
		}
	}()
	return srv, nil
}
