// Package telemetry registers and exposes the Prometheus collectors for the
// terrain engine, the worker pool, and the HTTP surface.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the process registers. A nil *Metrics is
// valid everywhere a *Metrics is accepted: every method is a safe no-op on
// a nil receiver, so telemetry can be wired in only when enabled.
type Metrics struct {
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	GridPutTotal            *prometheus.CounterVec
	GridGetTotal            *prometheus.CounterVec
	GridCacheHitsTotal      prometheus.Counter
	GridCacheMissesTotal    prometheus.Counter
	GridCacheSize           prometheus.GaugeFunc
	HotCellsTracked         prometheus.GaugeFunc
	L2HitsTotal             prometheus.Counter
	L2MissesTotal           prometheus.Counter
	InvalidationEventsTotal *prometheus.CounterVec
	PoolWorkers             prometheus.GaugeFunc
	PoolQueueDepth          prometheus.GaugeFunc
	PoolTasksTotal          *prometheus.CounterVec
	PoolTaskDuration        *prometheus.HistogramVec
}

// New registers collectors against r and returns the handle used to record
// observations. cacheSize and poolWorkers/poolQueueDepth are callback
// gauges so the registry always reflects live state without a background
// updater goroutine.
func New(r prometheus.Registerer, cacheSize, hotCellsTracked func() float64, poolWorkers, poolQueueDepth func() float64) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "terraingrid_http_requests_total", Help: "Total HTTP requests by route and status."},
			[]string{"route", "method", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "terraingrid_http_request_duration_seconds", Help: "HTTP request latency in seconds.", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)},
			[]string{"route", "method"},
		),
		GridPutTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "terraingrid_put_total", Help: "Total points written, by sync mode."},
			[]string{"sync"},
		),
		GridGetTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "terraingrid_get_total", Help: "Total point reads, by outcome."},
			[]string{"outcome"},
		),
		GridCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "terraingrid_cache_hits_total", Help: "L1 grid-cell cache hits."},
		),
		GridCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "terraingrid_cache_misses_total", Help: "L1 grid-cell cache misses."},
		),
		L2HitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "terraingrid_l2_hits_total", Help: "L2 (Redis) cache hits."},
		),
		L2MissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "terraingrid_l2_misses_total", Help: "L2 (Redis) cache misses."},
		),
		InvalidationEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "terraingrid_invalidation_events_total", Help: "Invalidation bus events by op and direction."},
			[]string{"op", "direction"},
		),
		PoolTasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "terraingrid_pool_tasks_total", Help: "Worker pool tasks by priority and outcome."},
			[]string{"priority", "outcome"},
		),
		PoolTaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "terraingrid_pool_task_duration_seconds", Help: "Worker pool task run time in seconds.", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14)},
			[]string{"priority"},
		),
	}

	if cacheSize != nil {
		m.GridCacheSize = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "terraingrid_cache_resident_cells", Help: "Grid cells currently resident in the L1 cache."},
			cacheSize,
		)
	}
	if hotCellsTracked != nil {
		m.HotCellsTracked = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "terraingrid_hotness_tracked_cells", Help: "Distinct grid cells with a nonzero hotness score."},
			hotCellsTracked,
		)
	}
	if poolWorkers != nil {
		m.PoolWorkers = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "terraingrid_pool_workers", Help: "Current worker pool goroutine count."},
			poolWorkers,
		)
	}
	if poolQueueDepth != nil {
		m.PoolQueueDepth = prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "terraingrid_pool_queue_depth", Help: "Current worker pool pending task count."},
			poolQueueDepth,
		)
	}

	if r != nil {
		collectors := []prometheus.Collector{
			m.HTTPRequestsTotal, m.HTTPRequestDuration,
			m.GridPutTotal, m.GridGetTotal,
			m.GridCacheHitsTotal, m.GridCacheMissesTotal,
			m.L2HitsTotal, m.L2MissesTotal,
			m.InvalidationEventsTotal,
			m.PoolTasksTotal, m.PoolTaskDuration,
		}
		if m.GridCacheSize != nil {
			collectors = append(collectors, m.GridCacheSize)
		}
		if m.HotCellsTracked != nil {
			collectors = append(collectors, m.HotCellsTracked)
		}
		if m.PoolWorkers != nil {
			collectors = append(collectors, m.PoolWorkers)
		}
		if m.PoolQueueDepth != nil {
			collectors = append(collectors, m.PoolQueueDepth)
		}
		for _, c := range collectors {
			r.MustRegister(c)
		}
	}

	return m
}

// ObserveHTTP records one completed HTTP request. Safe to call on a nil
// *Metrics.
func (m *Metrics) ObserveHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// ObservePut records one point write, labeled by sync mode.
func (m *Metrics) ObservePut(sync bool) {
	if m == nil {
		return
	}
	m.GridPutTotal.WithLabelValues(syncLabel(sync)).Inc()
}

// ObserveGet records one point read, labeled by outcome ("hit" or "miss").
func (m *Metrics) ObserveGet(outcome string) {
	if m == nil {
		return
	}
	m.GridGetTotal.WithLabelValues(outcome).Inc()
}

// ObserveCacheHit records an L1 grid-cell cache hit.
func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.GridCacheHitsTotal.Inc()
}

// ObserveCacheMiss records an L1 grid-cell cache miss.
func (m *Metrics) ObserveCacheMiss() {
	if m == nil {
		return
	}
	m.GridCacheMissesTotal.Inc()
}

// ObserveL2Hit records an L2 (Redis) cache hit.
func (m *Metrics) ObserveL2Hit() {
	if m == nil {
		return
	}
	m.L2HitsTotal.Inc()
}

// ObserveL2Miss records an L2 (Redis) cache miss.
func (m *Metrics) ObserveL2Miss() {
	if m == nil {
		return
	}
	m.L2MissesTotal.Inc()
}

// ObserveInvalidation records one invalidation bus event, labeled by op
// ("write"/"evict") and direction ("publish"/"consume").
func (m *Metrics) ObserveInvalidation(op, direction string) {
	if m == nil {
		return
	}
	m.InvalidationEventsTotal.WithLabelValues(op, direction).Inc()
}

// ObservePoolTask records one worker pool task's outcome and run time.
func (m *Metrics) ObservePoolTask(priority, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.PoolTasksTotal.WithLabelValues(priority, outcome).Inc()
	m.PoolTaskDuration.WithLabelValues(priority).Observe(d.Seconds())
}

func syncLabel(sync bool) string {
	if sync {
		return "sync"
	}
	return "async"
}
