// Package metrics exposes Prometheus instrumentation and the
// append-only bundle-metric sink. Metric recording never blocks or
// fails a request.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/toolgate/toolgate/internal/store"
	"github.com/toolgate/toolgate/pkg/models"
)

var (
	ToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "tool_executions_total",
		Help:      "Tool executions by tool name and outcome.",
	}, []string{"tool", "outcome"})

	ToolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "toolgate",
		Name:      "tool_duration_seconds",
		Help:      "Tool execution latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"tool"})

	BundleCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "bundle_cache_lookups_total",
		Help:      "Bundle cache lookups by result (hit or miss).",
	}, []string{"result"})

	CDNResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "cdn_resolutions_total",
		Help:      "CDN package resolutions by winning provider.",
	}, []string{"provider", "from_cache"})

	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "rate_limit_denials_total",
		Help:      "Denied tool calls by limit kind.",
	}, []string{"tool", "kind"})

	BreakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "circuit_breaker_opens_total",
		Help:      "Circuit breaker transitions to open.",
	}, []string{"tool"})

	InjectionDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "injection_detections_total",
		Help:      "Requests whose free-text input matched injection patterns.",
	}, []string{"tool"})
)

// Recorder persists bundle-build observations without coupling request
// latency to the metrics table.
type Recorder struct {
	store    store.MetricStore
	dispatch func(fn func())
}

// NewRecorder creates a Recorder over s.
func NewRecorder(s store.MetricStore) *Recorder {
	return &Recorder{
		store:    s,
		dispatch: func(fn func()) { go fn() },
	}
}

// WithSyncDispatch runs writes inline. Tests only.
func (r *Recorder) WithSyncDispatch() *Recorder {
	r.dispatch = func(fn func()) { fn() }
	return r
}

// RecordBundle appends one bundle observation. Failures are logged,
// never returned: a metrics outage must not fail tool execution.
func (r *Recorder) RecordBundle(ctx context.Context, metric models.BundleMetric) {
	r.dispatch(func() {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := r.store.InsertBundleMetric(writeCtx, &metric); err != nil {
			log.Error().
				Err(err).
				Str("artifact_id", metric.ArtifactID).
				Msg("bundle metric insert failed")
		}
	})
}
