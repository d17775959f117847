package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "klear"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	orders       *prometheus.CounterVec
	fills        *prometheus.CounterVec
	volume       *prometheus.CounterVec
	breakerTrips *prometheus.CounterVec
	batchAborts  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		orders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "order_status_changes_total",
			Help:      "Order status changes by pair, status and outcome code",
		}, []string{"pair", "status", "code"}),
		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fills_total",
			Help:      "Fills produced by pair",
		}, []string{"pair"}),
		volume: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "fill_quote_volume_total",
			Help:      "Quote amount traded by pair",
		}, []string{"pair"}),
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "max_fills_reached_total",
			Help:      "Orders canceled because the per call fill limit was reached",
		}, []string{"pair"}),
		batchAborts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "batch_aborts_total",
			Help:      "Batch operations rolled back as a unit",
		}, []string{"operation", "code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Time spent inside one serialized engine operation",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}, []string{"operation"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
	}
}

// Observe counts the events of one committed transaction.
func (m *Metrics) Observe(report types.Report) {
	for _, c := range report.Changes {
		m.orders.WithLabelValues(c.PairID, string(c.Status), string(c.Code)).Inc()
		if c.Code == types.CodeMaxFillsReached {
			m.breakerTrips.WithLabelValues(c.PairID).Inc()
		}
	}
	for _, f := range report.Fills {
		m.fills.WithLabelValues(f.PairID).Inc()
		m.volume.WithLabelValues(f.PairID).Add(f.QuoteAmount.InexactFloat64())
	}
}

func (m *Metrics) BatchAborted(operation string, code types.Code) {
	m.batchAborts.WithLabelValues(operation, string(code)).Inc()
}

// Time records how long an operation took. Use as defer m.Time("submit")().
func (m *Metrics) Time(operation string) func() {
	start := time.Now()
	return func() {
		m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// Middleware counts HTTP requests by route pattern.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
