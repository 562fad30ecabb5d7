package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the request pipeline.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with critical paths such as lease acquisition and release.
type Collector interface {
	ObserveRequest(route, method, status string, duration time.Duration)
	SetPoolEntries(total, idle int)
	SetPoolWaiters(waiters int)
	IncAcquireTimeout()
	IncEntryDiscarded()
	IncRateLimited(route string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveRequest(string, string, string, time.Duration) {}
func (noopCollector) SetPoolEntries(int, int)                             {}
func (noopCollector) SetPoolWaiters(int)                                  {}
func (noopCollector) IncAcquireTimeout()                                  {}
func (noopCollector) IncEntryDiscarded()                                  {}
func (noopCollector) IncRateLimited(string)                               {}

// PrometheusCollector exposes request and pool counters via Prometheus.
type PrometheusCollector struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	poolEntries     prometheus.Gauge
	poolIdle        prometheus.Gauge
	poolWaiters     prometheus.Gauge
	acquireTimeouts prometheus.Counter
	discarded       prometheus.Counter
	rateLimited     *prometheus.CounterVec
}

var registerLock sync.Mutex

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerCounter(reg prometheus.Registerer, opts prometheus.CounterOpts) (prometheus.Counter, error) {
	counter := prometheus.NewCounter(opts)
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, opts prometheus.GaugeOpts) (prometheus.Gauge, error) {
	gauge := prometheus.NewGauge(opts)
	if err := reg.Register(gauge); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return gauge, nil
}

func registerHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) (*prometheus.HistogramVec, error) {
	histogram := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(histogram); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return histogram, nil
}

// NewPrometheusCollector registers the required metrics with the provided registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	registerLock.Lock()
	defer registerLock.Unlock()

	requests, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "game_api_requests_total",
		Help: "Number of dispatched requests per route, method and status code.",
	}, []string{"route", "method", "status"})
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogramVec(reg, prometheus.HistogramOpts{
		Name:    "game_api_request_duration_seconds",
		Help:    "Request latency from dispatch entry to serialized response.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	if err != nil {
		return nil, err
	}
	poolEntries, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "game_api_pool_entries",
		Help: "Number of datastore connections owned by the pool.",
	})
	if err != nil {
		return nil, err
	}
	poolIdle, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "game_api_pool_idle_entries",
		Help: "Number of idle datastore connections available for lease.",
	})
	if err != nil {
		return nil, err
	}
	poolWaiters, err := registerGauge(reg, prometheus.GaugeOpts{
		Name: "game_api_pool_waiters",
		Help: "Number of requests currently waiting for a lease.",
	})
	if err != nil {
		return nil, err
	}
	acquireTimeouts, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "game_api_pool_acquire_timeouts_total",
		Help: "Number of lease acquisitions that gave up before capacity freed.",
	})
	if err != nil {
		return nil, err
	}
	discarded, err := registerCounter(reg, prometheus.CounterOpts{
		Name: "game_api_pool_entries_discarded_total",
		Help: "Number of pool entries discarded after fatal connection errors.",
	})
	if err != nil {
		return nil, err
	}
	rateLimited, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "game_api_rate_limited_total",
		Help: "Number of requests rejected by per-route rate limits.",
	}, []string{"route"})
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		requests:        requests,
		duration:        duration,
		poolEntries:     poolEntries,
		poolIdle:        poolIdle,
		poolWaiters:     poolWaiters,
		acquireTimeouts: acquireTimeouts,
		discarded:       discarded,
		rateLimited:     rateLimited,
	}, nil
}

// ObserveRequest records one completed request.
func (p *PrometheusCollector) ObserveRequest(route, method, status string, duration time.Duration) {
	if p == nil || p.requests == nil {
		return
	}
	p.requests.WithLabelValues(route, method, status).Inc()
	p.duration.WithLabelValues(route).Observe(duration.Seconds())
}

// SetPoolEntries updates the gauges tracking pool occupancy.
func (p *PrometheusCollector) SetPoolEntries(total, idle int) {
	if p == nil || p.poolEntries == nil {
		return
	}
	p.poolEntries.Set(float64(total))
	p.poolIdle.Set(float64(idle))
}

// SetPoolWaiters updates the gauge tracking queued acquisitions.
func (p *PrometheusCollector) SetPoolWaiters(waiters int) {
	if p == nil || p.poolWaiters == nil {
		return
	}
	p.poolWaiters.Set(float64(waiters))
}

// IncAcquireTimeout counts a lease acquisition that timed out.
func (p *PrometheusCollector) IncAcquireTimeout() {
	if p == nil || p.acquireTimeouts == nil {
		return
	}
	p.acquireTimeouts.Inc()
}

// IncEntryDiscarded counts a pool entry dropped for health reasons.
func (p *PrometheusCollector) IncEntryDiscarded() {
	if p == nil || p.discarded == nil {
		return
	}
	p.discarded.Inc()
}

// IncRateLimited counts a request rejected by a rate limit.
func (p *PrometheusCollector) IncRateLimited(route string) {
	if p == nil || p.rateLimited == nil {
		return
	}
	p.rateLimited.WithLabelValues(route).Inc()
}
