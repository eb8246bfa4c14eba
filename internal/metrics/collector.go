// Package metrics exposes Prometheus instruments for the admission pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector holds every pipeline instrument. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Pipeline
	candidatesTotal   *prometheus.CounterVec
	gateRejections    *prometheus.CounterVec
	cycleDuration     prometheus.Histogram
	cyclesSkipped     prometheus.Counter
	generatorFailures prometheus.Counter

	// Delivery
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec

	// Budget
	usageUnits   *prometheus.CounterVec
	usageCost    *prometheus.CounterVec
	budgetMode   *prometheus.GaugeVec
	budgetDenied *prometheus.CounterVec

	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector registers all instruments on a fresh registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.candidatesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidates seen by the scheduler, by outcome",
		},
		[]string{"outcome"},
	)
	c.gateRejections = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Admission filter rejections by gate and action type",
		},
		[]string{"gate", "type"},
	)
	c.cycleDuration = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "cycle_duration_seconds",
		Help:      "Orchestration cycle duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
	c.cyclesSkipped = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cycles_skipped_total",
		Help:      "Cycles skipped because another cycle was in flight",
	})
	c.generatorFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "generator_failures_total",
		Help:      "Candidate generator calls that failed",
	})

	c.deliveriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Side-effect deliveries by channel kind and result",
		},
		[]string{"kind", "result"},
	)
	c.deliveryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Side-effect delivery duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	c.usageUnits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_units_total",
			Help:      "Metered units recorded in the usage ledger",
		},
		[]string{"service"},
	)
	c.usageCost = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_cost_total",
			Help:      "Cost incurred after free-tier offsets",
		},
		[]string{"service"},
	)
	c.budgetMode = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_mode",
			Help:      "Cost-efficiency mode per service (0 normal, 1 warning, 2 critical, 3 throttled)",
		},
		[]string{"service"},
	)
	c.budgetDenied = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denied_total",
			Help:      "Metered calls refused by the budget governor",
		},
		[]string{"service"},
	)

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// Registry returns the registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordCandidate(outcome string) {
	if c == nil {
		return
	}
	c.candidatesTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordRejection(gate, actionType string) {
	if c == nil {
		return
	}
	c.gateRejections.WithLabelValues(gate, actionType).Inc()
}

func (c *Collector) RecordCycle(d time.Duration) {
	if c == nil {
		return
	}
	c.cycleDuration.Observe(d.Seconds())
}

func (c *Collector) RecordSkippedCycle() {
	if c == nil {
		return
	}
	c.cyclesSkipped.Inc()
}

func (c *Collector) RecordGeneratorFailure() {
	if c == nil {
		return
	}
	c.generatorFailures.Inc()
}

func (c *Collector) RecordDelivery(kind, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.deliveriesTotal.WithLabelValues(kind, result).Inc()
	c.deliveryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (c *Collector) RecordUsage(service string, units int64, cost float64) {
	if c == nil {
		return
	}
	c.usageUnits.WithLabelValues(service).Add(float64(units))
	c.usageCost.WithLabelValues(service).Add(cost)
}

func (c *Collector) SetBudgetMode(service string, level int) {
	if c == nil {
		return
	}
	c.budgetMode.WithLabelValues(service).Set(float64(level))
}

func (c *Collector) RecordBudgetDenied(service string) {
	if c == nil {
		return
	}
	c.budgetDenied.WithLabelValues(service).Inc()
}

// Middleware records request counts and latency per route pattern.
func (c *Collector) Middleware(pattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			path := pattern(r)
			c.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			c.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
