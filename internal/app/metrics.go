package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// depthReader is the slice of the engine the metrics endpoint scrapes for
// queue-depth gauges.
type depthReader interface {
	NotHandledRequestIDs(ctx context.Context) ([]int64, error)
	NotNotifiedRequestIDs(ctx context.Context) ([]int64, error)
	NotifiedRequestIDs(ctx context.Context) ([]int64, error)
}

type queueDepth struct {
	pending    int
	unnotified int
	notified   int
}

type runtimeMetrics struct {
	tracingEnabled           atomic.Int64
	tracingInitFailuresTotal atomic.Int64
	tracingExportErrorsTotal atomic.Int64

	handlePassesTotal       atomic.Int64
	handleFailuresTotal     atomic.Int64
	requestsHandledTotal    atomic.Int64
	respondPassesTotal      atomic.Int64
	respondFailuresTotal    atomic.Int64
	responsesDeliveredTotal atomic.Int64

	// Depth gauges are read from the store on scrape, behind a short TTL so
	// scrape storms do not turn into inspection-query storms.
	engine depthReader
	depth  struct {
		mu       sync.Mutex
		ttl      time.Duration
		cached   queueDepth
		cachedAt time.Time
		cachedOK bool
	}
}

func newRuntimeMetrics(engine depthReader) *runtimeMetrics {
	m := &runtimeMetrics{engine: engine}
	m.depth.ttl = time.Second
	return m
}

func (m *runtimeMetrics) setTracingEnabled(enabled bool) {
	if enabled {
		m.tracingEnabled.Store(1)
		return
	}
	m.tracingEnabled.Store(0)
}

func (m *runtimeMetrics) incTracingInitFailures() {
	m.tracingInitFailuresTotal.Add(1)
}

func (m *runtimeMetrics) incTracingExportErrors() {
	m.tracingExportErrorsTotal.Add(1)
}

func (m *runtimeMetrics) observeHandlePass(handled int, err error) {
	m.handlePassesTotal.Add(1)
	if err != nil {
		m.handleFailuresTotal.Add(1)
		return
	}
	m.requestsHandledTotal.Add(int64(handled))
}

func (m *runtimeMetrics) observeRespondPass(delivered int, err error) {
	m.respondPassesTotal.Add(1)
	if err != nil {
		m.respondFailuresTotal.Add(1)
		return
	}
	m.responsesDeliveredTotal.Add(int64(delivered))
}

func (m *runtimeMetrics) depthSnapshot(ctx context.Context) (queueDepth, bool) {
	if m.engine == nil {
		return queueDepth{}, false
	}

	m.depth.mu.Lock()
	defer m.depth.mu.Unlock()
	if m.depth.cachedOK && time.Since(m.depth.cachedAt) <= m.depth.ttl {
		return m.depth.cached, true
	}

	pending, err := m.engine.NotHandledRequestIDs(ctx)
	if err != nil {
		return m.depth.cached, m.depth.cachedOK
	}
	unnotified, err := m.engine.NotNotifiedRequestIDs(ctx)
	if err != nil {
		return m.depth.cached, m.depth.cachedOK
	}
	notified, err := m.engine.NotifiedRequestIDs(ctx)
	if err != nil {
		return m.depth.cached, m.depth.cachedOK
	}

	m.depth.cached = queueDepth{
		pending:    len(pending),
		unnotified: len(unnotified),
		notified:   len(notified),
	}
	m.depth.cachedAt = time.Now()
	m.depth.cachedOK = true
	return m.depth.cached, true
}

func newMetricsHandler(version string, start time.Time, rm *runtimeMetrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprintf(w, "# HELP schlange_up Whether the Schlange process is up.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_up gauge\n")
		_, _ = fmt.Fprintf(w, "schlange_up 1\n")
		_, _ = fmt.Fprintf(w, "# HELP schlange_build_info Build information.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_build_info gauge\n")
		_, _ = fmt.Fprintf(w, "schlange_build_info{version=%q} 1\n", version)
		_, _ = fmt.Fprintf(w, "# HELP schlange_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "schlange_start_time_seconds %d\n", start.Unix())

		if rm == nil {
			return
		}

		_, _ = fmt.Fprintf(w, "# HELP schlange_tracing_enabled Whether tracing is enabled.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_tracing_enabled gauge\n")
		_, _ = fmt.Fprintf(w, "schlange_tracing_enabled %d\n", rm.tracingEnabled.Load())
		_, _ = fmt.Fprintf(w, "# HELP schlange_tracing_init_failures_total Total number of tracing initialization failures.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_tracing_init_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_tracing_init_failures_total %d\n", rm.tracingInitFailuresTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP schlange_tracing_export_errors_total Total number of tracing exporter errors reported by OpenTelemetry.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_tracing_export_errors_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_tracing_export_errors_total %d\n", rm.tracingExportErrorsTotal.Load())

		_, _ = fmt.Fprintf(w, "# HELP schlange_handle_passes_total Total number of handle passes run.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_handle_passes_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_handle_passes_total %d\n", rm.handlePassesTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP schlange_handle_failures_total Total number of failed handle passes.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_handle_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_handle_failures_total %d\n", rm.handleFailuresTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP schlange_requests_handled_total Total number of requests handled and responses persisted.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_requests_handled_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_requests_handled_total %d\n", rm.requestsHandledTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP schlange_respond_passes_total Total number of respond passes run.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_respond_passes_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_respond_passes_total %d\n", rm.respondPassesTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP schlange_respond_failures_total Total number of failed respond passes.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_respond_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_respond_failures_total %d\n", rm.respondFailuresTotal.Load())
		_, _ = fmt.Fprintf(w, "# HELP schlange_responses_delivered_total Total number of responses delivered to the sink.\n")
		_, _ = fmt.Fprintf(w, "# TYPE schlange_responses_delivered_total counter\n")
		_, _ = fmt.Fprintf(w, "schlange_responses_delivered_total %d\n", rm.responsesDeliveredTotal.Load())

		if depth, ok := rm.depthSnapshot(r.Context()); ok {
			_, _ = fmt.Fprintf(w, "# HELP schlange_queue_depth Current number of rows in the queue table by state.\n")
			_, _ = fmt.Fprintf(w, "# TYPE schlange_queue_depth gauge\n")
			_, _ = fmt.Fprintf(w, "schlange_queue_depth{state=\"new\"} %d\n", depth.pending)
			_, _ = fmt.Fprintf(w, "schlange_queue_depth{state=\"handled\"} %d\n", depth.unnotified)
			_, _ = fmt.Fprintf(w, "schlange_queue_depth{state=\"notified\"} %d\n", depth.notified)
		}
	})
}
