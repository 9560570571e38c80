// Package metrics exposes deckfold's Prometheus metrics.
//
// Metrics live in a private registry so several hosts can run in one process
// (tests do) without duplicate registration. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reply results.
const (
	ReplyApplied = "applied"
	ReplyStale   = "stale"
	ReplyInvalid = "invalid"
)

// Metrics holds the collectors.
//
//   - deckfold_sessions_active - attached sessions
//   - deckfold_messages_sent_total - messages written to analyzers
//   - deckfold_replies_total{result} - classification replies by result
//   - deckfold_decode_errors_total - malformed frames from analyzers
//   - deckfold_process_exits_total{expected} - analyzer exits
//   - deckfold_fold_refresh_seconds - time to apply a patch and derive folds
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive prometheus.Gauge
	MessagesSent   prometheus.Counter
	Replies        *prometheus.CounterVec
	DecodeErrors   prometheus.Counter
	ProcessExits   *prometheus.CounterVec
	FoldRefresh    prometheus.Histogram
}

// New creates the collectors in a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "deckfold_sessions_active",
			Help: "Number of attached buffer sessions",
		}),
		MessagesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "deckfold_messages_sent_total",
			Help: "Total number of protocol messages written to analyzers",
		}),
		Replies: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deckfold_replies_total",
			Help: "Total number of classification replies by result",
		}, []string{"result"}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "deckfold_decode_errors_total",
			Help: "Total number of malformed frames read from analyzers",
		}),
		ProcessExits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "deckfold_process_exits_total",
			Help: "Total number of analyzer exits",
		}, []string{"expected"}),
		FoldRefresh: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "deckfold_fold_refresh_seconds",
			Help:    "Time to apply a classification patch and derive folds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SessionAttached records a new session.
func (m *Metrics) SessionAttached() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// SessionDetached records a released session.
func (m *Metrics) SessionDetached() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// MessageSent records one message written to an analyzer.
func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.MessagesSent.Inc()
}

// Reply records a classification reply with one of the Reply* results.
func (m *Metrics) Reply(result string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(result).Inc()
}

// DecodeError records a malformed frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// ProcessExit records an analyzer exit.
func (m *Metrics) ProcessExit(expected bool) {
	if m == nil {
		return
	}
	m.ProcessExits.WithLabelValues(strconv.FormatBool(expected)).Inc()
}

// ObserveRefresh records how long a patch took to apply.
func (m *Metrics) ObserveRefresh(d time.Duration) {
	if m == nil {
		return
	}
	m.FoldRefresh.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
