package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of provider calls by provider, operation and outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)
	LLMRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "operation"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Total number of jobs accepted at ingress",
		},
		[]string{"provider"},
	)
	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Jobs currently claimed by a worker invocation",
		},
	)
	WorkerOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_outcomes_total",
			Help: "Per-message worker outcomes (completed, waiting_llm, retrying, exhausted, post_processing_failed, skipped, failed)",
		},
		[]string{"outcome"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Callback receiver results by provider and disposition (guard name or processed)",
		},
		[]string{"provider", "result"},
	)

	DLQReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_replays_total",
			Help: "DLQ replay attempts by outcome (resolved, deferred)",
		},
		[]string{"outcome"},
	)

	QuotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_decisions_total",
			Help: "Rate limiter decisions (allowed, exhausted, cache_exhausted)",
		},
		[]string{"decision"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Lifecycle event publishes by event and outcome (published, failed)",
		},
		[]string{"event", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(LLMRequestsTotal)
	prometheus.MustRegister(LLMRequestDuration)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(WorkerOutcomesTotal)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(DLQReplaysTotal)
	prometheus.MustRegister(QuotaDecisionsTotal)
	prometheus.MustRegister(NotificationsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveLLMRequest records one provider call.
func ObserveLLMRequest(provider, operation, outcome string, dur time.Duration) {
	LLMRequestsTotal.WithLabelValues(provider, operation, outcome).Inc()
	LLMRequestDuration.WithLabelValues(provider, operation).Observe(dur.Seconds())
}

func JobSubmitted(provider string) {
	JobsSubmittedTotal.WithLabelValues(provider).Inc()
}

func JobClaimed() {
	JobsInFlight.Inc()
}

// JobReleased pairs with JobClaimed once the worker finishes a message.
func JobReleased(outcome string) {
	JobsInFlight.Dec()
	WorkerOutcomesTotal.WithLabelValues(outcome).Inc()
}

func WebhookResult(provider, result string) {
	WebhookEventsTotal.WithLabelValues(provider, result).Inc()
}

func DLQReplayed(outcome string) {
	DLQReplaysTotal.WithLabelValues(outcome).Inc()
}

func QuotaDecision(decision string) {
	QuotaDecisionsTotal.WithLabelValues(decision).Inc()
}

func NotificationPublished(event, outcome string) {
	NotificationsTotal.WithLabelValues(event, outcome).Inc()
}
