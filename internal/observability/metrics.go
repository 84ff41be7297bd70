package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	movements     *prometheus.CounterVec
	lockWait      prometheus.Histogram
	appendRetries prometheus.Counter
	notifyDropped prometheus.Counter
	subscribers   prometheus.Gauge
}

// NewMetrics menginisialisasi registry, metrik HTTP dan metrik inventori.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	movements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_movements_total",
		Help: "Stock movements processed, by type and result.",
	}, []string{"type", "result"})
	lockWait := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stockledger_lock_wait_seconds",
		Help:    "Time spent acquiring per-key inventory locks.",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_ledger_append_retries_total",
		Help: "Ledger appends retried after a failure.",
	})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_notify_dropped_total",
		Help: "Change events dropped for slow subscribers.",
	})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stockledger_notify_subscribers",
		Help: "Live change-stream subscriptions.",
	})
	registry.MustRegister(requests, duration, movements, lockWait, retries, dropped, subscribers)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		movements:       movements,
		lockWait:        lockWait,
		appendRetries:   retries,
		notifyDropped:   dropped,
		subscribers:     subscribers,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveMovement menghitung hasil setiap permintaan pergerakan stok.
func (m *Metrics) ObserveMovement(movementType, result string) {
	if m == nil {
		return
	}
	if movementType == "" {
		movementType = "unknown"
	}
	m.movements.WithLabelValues(movementType, result).Inc()
}

// ObserveAppendRetry menghitung percobaan ulang append ledger.
func (m *Metrics) ObserveAppendRetry() {
	if m == nil {
		return
	}
	m.appendRetries.Inc()
}

// ObserveLockWait mencatat durasi menunggu kunci per key.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// IncNotifyDropped menghitung event yang dibuang.
func (m *Metrics) IncNotifyDropped() {
	if m == nil {
		return
	}
	m.notifyDropped.Inc()
}

// AddSubscribers menyesuaikan jumlah langganan aktif.
func (m *Metrics) AddSubscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush meneruskan flush agar stream SSE tetap berjalan di balik middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap memungkinkan http.ResponseController menjangkau writer asli.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
