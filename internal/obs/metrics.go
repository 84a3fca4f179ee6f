package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Bank metrics.
var (
	bankOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bank_operations_total",
			Help: "Bank operations by name and outcome.",
		},
		[]string{"op", "outcome"},
	)

	sessionActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bank_session_active",
		Help: "1 while a user is logged in.",
	})

	loansPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bank_loans_pending",
		Help: "Loans requested but not yet credited.",
	})

	sessionExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bank_session_expirations_total",
		Help: "Sessions ended by the inactivity timer.",
	})

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 when the service reports ready.",
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry. Safe to call twice.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			bankOperations, sessionActive, loansPending, sessionExpirations,
			readyGauge,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records in-flight, count and latency per canonical route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

var knownRoutes = map[string]struct{}{
	"/":                   {},
	"/healthz":            {},
	"/readyz":             {},
	"/metrics":            {},
	"/v1/info":            {},
	"/v1/session":         {},
	"/v1/transfers":       {},
	"/v1/loans":           {},
	"/v1/loans/pending":   {},
	"/v1/account/close":   {},
	"/v1/movements":       {},
	"/v1/movements/sort":  {},
	"/v1/ledger/postings": {},
	"/v1/audit":           {},
	"/v1/events":          {},
}

// CanonicalPath folds a request path into a bounded label value.
func CanonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if _, ok := knownRoutes[p]; ok {
		return p
	}
	return "other"
}

// ObserveBankOp counts one bank operation.
func ObserveBankOp(op, outcome string) {
	bankOperations.WithLabelValues(op, outcome).Inc()
}

// SetSessionActive flips bank_session_active.
func SetSessionActive(active bool) {
	if active {
		sessionActive.Set(1)
		return
	}
	sessionActive.Set(0)
}

// SetLoansPending reports the number of scheduled loan credits.
func SetLoansPending(n int) {
	loansPending.Set(float64(n))
}

// IncSessionExpirations counts a timer-driven logout.
func IncSessionExpirations() {
	sessionExpirations.Inc()
}

// SetReady flips the ready gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
