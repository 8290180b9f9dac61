// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the chat service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring completion
// traffic over the notebook websocket. Metrics include:
//   - Request counters (by message type and status)
//   - Retry counters (by provider)
//   - Completion latency histograms
//   - Active socket and stream gauges
//   - Streamed token counters (by model)
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian"

// Subsystem for chat metrics
const chatSubsystem = "chat"

// ChatMetrics holds all Prometheus metrics for chat completion operations.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring completion
// traffic. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type ChatMetrics struct {
	// RequestsTotal counts completion requests by message type and status.
	// Labels: message_type (chat, agent_execution, ...), status (success, error)
	RequestsTotal *prometheus.CounterVec

	// RetriesTotal counts completion retries by provider.
	// Labels: provider (openai, anthropic, ...)
	RetriesTotal *prometheus.CounterVec

	// ErrorsTotal counts completion errors by message type and error kind.
	// Labels: message_type, error_kind (ProviderError, PermissionError, ...)
	ErrorsTotal *prometheus.CounterVec

	// CompletionDurationSeconds measures wall time per completion.
	// Labels: message_type, status (success, error)
	CompletionDurationSeconds *prometheus.HistogramVec

	// ActiveSockets tracks currently connected notebook clients.
	ActiveSockets prometheus.Gauge

	// ActiveStreams tracks in-flight streamed completions.
	ActiveStreams prometheus.Gauge

	// TokensStreamedTotal counts streamed output tokens by model.
	// Labels: model
	TokensStreamedTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of ChatMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *ChatMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once at
// application startup.
//
// # Outputs
//
//   - *ChatMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *ChatMetrics {
	DefaultMetrics = &ChatMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "requests_total",
				Help:      "Total completion requests by message type and status",
			},
			[]string{"message_type", "status"},
		),

		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "retries_total",
				Help:      "Total completion retries by provider",
			},
			[]string{"provider"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total completion errors by message type and error kind",
			},
			[]string{"message_type", "error_kind"},
		),

		CompletionDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "completion_duration_seconds",
				Help:      "Wall time per completion in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"message_type", "status"},
		),

		ActiveSockets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_sockets",
				Help:      "Number of currently connected notebook clients",
			},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of in-flight streamed completions",
			},
		),

		TokensStreamedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "tokens_streamed_total",
				Help:      "Total streamed output tokens by model",
			},
			[]string{"model"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed request.
func (m *ChatMetrics) RecordRequest(messageType string, success bool) {
	m.RequestsTotal.WithLabelValues(messageType, statusLabel(success)).Inc()
}

// RecordRetry records one completion retry against a provider.
func (m *ChatMetrics) RecordRetry(provider string) {
	m.RetriesTotal.WithLabelValues(provider).Inc()
}

// RecordError records a completion error by kind.
func (m *ChatMetrics) RecordError(messageType, errorKind string) {
	m.ErrorsTotal.WithLabelValues(messageType, errorKind).Inc()
}

// RecordCompletionDuration records wall time for one completion.
func (m *ChatMetrics) RecordCompletionDuration(messageType string, seconds float64, success bool) {
	m.CompletionDurationSeconds.WithLabelValues(messageType, statusLabel(success)).Observe(seconds)
}

// SocketOpened increments the connected client gauge.
func (m *ChatMetrics) SocketOpened() {
	m.ActiveSockets.Inc()
}

// SocketClosed decrements the connected client gauge.
func (m *ChatMetrics) SocketClosed() {
	m.ActiveSockets.Dec()
}

// StreamStarted increments the in-flight stream gauge.
func (m *ChatMetrics) StreamStarted() {
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the in-flight stream gauge.
func (m *ChatMetrics) StreamEnded() {
	m.ActiveStreams.Dec()
}

// RecordTokensStreamed adds streamed token counts for a model.
func (m *ChatMetrics) RecordTokensStreamed(model string, tokens int) {
	m.TokensStreamedTotal.WithLabelValues(model).Add(float64(tokens))
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
