// Package observability exposes Prometheus metrics for chat turns.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	turns        *prometheus.CounterVec
	records      *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	turnDuration prometheus.Histogram
	probes       *prometheus.CounterVec
	persistence  *prometheus.CounterVec
}

// New registers the collectors with a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors with reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: g,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmchat_turns_total",
			Help: "Completed chat turns by outcome and error type",
		}, []string{"outcome", "error_type"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmchat_stream_records_total",
			Help: "Parsed stream records by kind",
		}, []string{"kind", "malformed"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmchat_tokens_total",
			Help: "Tokens added to the conversation by source",
		}, []string{"source"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmchat_turn_duration_seconds",
			Help:    "Time from send to the end of the response stream",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmchat_model_probes_total",
			Help: "Model list lookups by result",
		}, []string{"result"}),
		persistence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmchat_history_saves_total",
			Help: "History save attempts by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.turns, m.records, m.tokens, m.turnDuration, m.probes, m.persistence)
	return m
}

// ObserveTurn records a finished turn. errorType is empty on success.
func (m *Metrics) ObserveTurn(errorType string, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if errorType != "" {
		outcome = OutcomeError
	}
	m.turns.WithLabelValues(outcome, errorType).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// ObserveRecord counts one parsed stream line
func (m *Metrics) ObserveRecord(kind string, malformed bool) {
	if m == nil {
		return
	}
	label := "false"
	if malformed {
		label = "true"
	}
	m.records.WithLabelValues(kind, label).Inc()
}

// ObserveTokens counts tokens added to the running total
func (m *Metrics) ObserveTokens(n int, exact bool) {
	if m == nil || n <= 0 {
		return
	}
	source := "estimated"
	if exact {
		source = "exact"
	}
	m.tokens.WithLabelValues(source).Add(float64(n))
}

// ObserveProbe counts a model list lookup: "cache", "remote" or "error"
func (m *Metrics) ObserveProbe(result string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(result).Inc()
}

// ObserveSave counts a history save: "ok", "quota" or "error"
func (m *Metrics) ObserveSave(result string) {
	if m == nil {
		return
	}
	m.persistence.WithLabelValues(result).Inc()
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
