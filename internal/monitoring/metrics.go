package monitoring

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Review allocation metrics
	ProfileSelections   *prometheus.CounterVec
	ReviewCompletions   *prometheus.CounterVec
	SelectionCancels    prometheus.Counter
	ResolveDuration     prometheus.Histogram
	BoardRefreshes      *prometheus.CounterVec
	BoardsActive        prometheus.Gauge
	LocksSwept          prometheus.Counter
	SubmissionsReleased prometheus.Counter

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

var (
	metrics  *Metrics
	initOnce sync.Once
)

// Init initializes all Prometheus metrics
func Init() *Metrics {
	initOnce.Do(func() {
		metrics = newMetrics()
	})
	return metrics
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		DBConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_active",
				Help: "Number of acquired database connections",
			},
		),
		DBConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		ProfileSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_profile_selections_total",
				Help: "Profile selection attempts by outcome",
			},
			[]string{"outcome"},
		),
		ReviewCompletions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_completions_total",
				Help: "Completed reviews, labelled by whether a cooldown signal was missed",
			},
			[]string{"degraded"},
		),
		SelectionCancels: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "review_selection_cancels_total",
				Help: "Cancelled profile selections",
			},
		),
		ResolveDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "review_resolve_duration_seconds",
				Help:    "Time spent computing profile availability",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		BoardRefreshes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "review_board_refreshes_total",
				Help: "Live board recomputations by trigger and result",
			},
			[]string{"trigger", "result"},
		),
		BoardsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "review_boards_active",
				Help: "Number of live profile boards",
			},
		),
		LocksSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "review_locks_swept_total",
				Help: "Expired profile locks removed by the sweeper",
			},
		),
		SubmissionsReleased: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "review_submissions_released_total",
				Help: "Abandoned in-progress submissions released by the sweeper",
			},
		),

		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 0.5=half-open)",
			},
			[]string{"name"},
		),
	}
}

// Get returns the global metrics instance
func Get() *Metrics {
	return Init()
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordCacheHit records a cache hit
func RecordCacheHit(cacheType string) {
	Get().CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss records a cache miss
func RecordCacheMiss(cacheType string) {
	Get().CacheMisses.WithLabelValues(cacheType).Inc()
}

// SetDBConnections sets database connection metrics
func SetDBConnections(active, idle int) {
	Get().DBConnectionsActive.Set(float64(active))
	Get().DBConnectionsIdle.Set(float64(idle))
}

// RecordSelection records a profile selection attempt
func RecordSelection(outcome string) {
	Get().ProfileSelections.WithLabelValues(outcome).Inc()
}

// RecordCompletion records a completed review
func RecordCompletion(degraded bool) {
	Get().ReviewCompletions.WithLabelValues(strconv.FormatBool(degraded)).Inc()
}

// RecordCancel records a cancelled selection
func RecordCancel() {
	Get().SelectionCancels.Inc()
}

// RecordResolve records how long an availability computation took
func RecordResolve(duration time.Duration) {
	Get().ResolveDuration.Observe(duration.Seconds())
}

// RecordBoardRefresh records a live board recomputation
func RecordBoardRefresh(trigger string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Get().BoardRefreshes.WithLabelValues(trigger, result).Inc()
}

// AddActiveBoards adjusts the live board gauge
func AddActiveBoards(delta int) {
	Get().BoardsActive.Add(float64(delta))
}

// RecordSweep records the result of a lock sweep
func RecordSweep(locksRemoved, submissionsReleased int64) {
	Get().LocksSwept.Add(float64(locksRemoved))
	Get().SubmissionsReleased.Add(float64(submissionsReleased))
}

// SetCircuitBreakerState sets the circuit breaker state
// state: 0=closed, 1=open, 0.5=half-open
func SetCircuitBreakerState(name string, state float64) {
	Get().CircuitBreakerState.WithLabelValues(name).Set(state)
}
