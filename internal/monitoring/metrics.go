// Package monitoring exports prometheus metrics for provider calls, cache
// transitions, background work, and HTTP requests.
package monitoring

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/riskdesk/internal/modules/riskcache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskdesk"

// HealthSource reports cache status counts
type HealthSource interface {
	Health(ctx context.Context) (riskcache.Health, error)
}

// Recorder holds every collector. Each Recorder owns its registry so tests
// can build as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	providerCalls  *prometheus.CounterVec
	cacheChanges   *prometheus.CounterVec
	workRuns       *prometheus.CounterVec
	workDuration   *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
	cacheEntries   *prometheus.GaugeVec
	cacheExhausted prometheus.Gauge
}

// New creates a recorder with Go runtime and process collectors registered
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Market data provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		cacheChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_transitions_total",
			Help:      "Risk cache entry transitions by subject type and resulting status.",
		}, []string{"subject_type", "status"}),
		workRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_runs_total",
			Help:      "Background work executions by type and result.",
		}, []string{"work_type", "result"}),
		workDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "work_duration_seconds",
			Help:      "Background work execution time.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 180, 420},
		}, []string{"work_type"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Risk cache entries by status at the last health poll.",
		}, []string{"status"}),
		cacheExhausted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_retry_exhausted_entries",
			Help:      "Error entries that will not be retried automatically.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.providerCalls, r.cacheChanges, r.workRuns, r.workDuration,
		r.httpRequests, r.httpDuration, r.httpInFlight,
		r.cacheEntries, r.cacheExhausted,
	)
	return r
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the prometheus text format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ProviderCall counts one provider call
func (r *Recorder) ProviderCall(provider, outcome string) {
	r.providerCalls.WithLabelValues(provider, outcome).Inc()
}

// EntryChanged counts one cache transition
func (r *Recorder) EntryChanged(e riskcache.Entry) {
	r.cacheChanges.WithLabelValues(e.SubjectType, string(e.Status)).Inc()
}

// WorkFinished records one background execution
func (r *Recorder) WorkFinished(typeID string, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
	}
	r.workRuns.WithLabelValues(typeID, result).Inc()
	r.workDuration.WithLabelValues(typeID).Observe(elapsed.Seconds())
}

// ObserveHealth copies a cache health snapshot into gauges
func (r *Recorder) ObserveHealth(h riskcache.Health) {
	r.cacheEntries.WithLabelValues(string(riskcache.StatusFresh)).Set(float64(h.Fresh))
	r.cacheEntries.WithLabelValues(string(riskcache.StatusStale)).Set(float64(h.Stale))
	r.cacheEntries.WithLabelValues(string(riskcache.StatusCalculating)).Set(float64(h.Calculating))
	r.cacheEntries.WithLabelValues(string(riskcache.StatusError)).Set(float64(h.Error))
	r.cacheExhausted.Set(float64(h.Exhausted))
}

// PollHealth refreshes cache gauges every interval until ctx is done
func (r *Recorder) PollHealth(ctx context.Context, source HealthSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if h, err := source.Health(ctx); err == nil {
			r.ObserveHealth(h)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Middleware records request counts and latency. Routes are labelled with
// their chi pattern to keep cardinality bounded.
func (r *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.httpInFlight.Inc()
		defer r.httpInFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
		next.ServeHTTP(ww, req)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(req)
		r.httpRequests.WithLabelValues(route, req.Method, strconv.Itoa(status)).Inc()
		r.httpDuration.WithLabelValues(route, req.Method).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(req *http.Request) string {
	if rctx := chi.RouteContext(req.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
