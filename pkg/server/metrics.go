// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/idhive/pkg/events"
)

// Metrics collects Prometheus counters for the platform. It doubles as an
// event sink so journey and token counters ride the existing emitter.
type Metrics struct {
	registry *prometheus.Registry

	journeys *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates the metric set on its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		journeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idhive_journeys_total",
			Help: "Journeys by tenant and outcome (started, completed, failed).",
		}, []string{"tenant", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idhive_tokens_issued_total",
			Help: "Tokens issued by tenant and type.",
		}, []string{"tenant", "type"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idhive_http_requests_total",
			Help: "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "idhive_http_request_duration_seconds",
			Help:    "HTTP request latency by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(m.journeys, m.tokens, m.requests, m.duration)
	return m
}

// Emit implements events.Sink.
func (m *Metrics) Emit(_ context.Context, evt events.Event) {
	switch evt.Name {
	case events.JourneyStarted:
		m.journeys.WithLabelValues(evt.TenantID, "started").Inc()
	case events.JourneyCompleted:
		m.journeys.WithLabelValues(evt.TenantID, "completed").Inc()
	case events.JourneyFailed:
		m.journeys.WithLabelValues(evt.TenantID, "failed").Inc()
	case events.TokenIssued:
		typ, _ := evt.Details["token_type"].(string)
		if typ == "" {
			typ = "access"
		}
		m.tokens.WithLabelValues(evt.TenantID, typ).Inc()
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		m.requests.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		m.duration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	})
}
