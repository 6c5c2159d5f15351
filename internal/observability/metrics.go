package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	reservationsTotal *prometheus.CounterVec
	movesTotal        *prometheus.CounterVec
	costingUnderflow  prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bodega_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodega_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reservations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bodega_reservations_total",
		Help: "Reservation state transitions by action.",
	}, []string{"action"})
	moves := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bodega_stock_moves_total",
		Help: "Posted stock ledger moves by kind.",
	}, []string{"kind"})
	underflow := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bodega_costing_underflow_total",
		Help: "FIFO lot underflows. Any increment indicates a gating defect.",
	})
	registry.MustRegister(requests, duration, reservations, moves, underflow)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		reservationsTotal: reservations,
		movesTotal:        moves,
		costingUnderflow:  underflow,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ReservationEvent counts one reservation state transition.
// Actions: reserved, consumed, cancelled, expired, rejected.
func (m *Metrics) ReservationEvent(action string) {
	if m == nil {
		return
	}
	m.reservationsTotal.WithLabelValues(action).Inc()
}

// MovePosted counts one appended stock ledger move.
func (m *Metrics) MovePosted(kind string) {
	if m == nil {
		return
	}
	m.movesTotal.WithLabelValues(kind).Inc()
}

// CostingUnderflow counts a FIFO lot underflow integrity fault.
func (m *Metrics) CostingUnderflow() {
	if m == nil {
		return
	}
	m.costingUnderflow.Inc()
}

// Middleware records metrics for every HTTP request.
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

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
