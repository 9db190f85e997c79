// Package ablmetrics exposes Prometheus instrumentation for the ableron
// transclusion engine's fragment cache and resolver, mirroring the
// counters the teacher's Caddy module registers in initMetrics.
package ablmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles the Prometheus metrics a Cache can be wired to via
// ableron.WithCacheObserver. It satisfies the engine's internal cache
// observer interface structurally; callers never need to name that
// interface.
type Collectors struct {
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	CacheEvictions      prometheus.Counter
	CacheRefreshSuccess prometheus.Counter
	CacheRefreshFailure prometheus.Counter
}

// Register creates and registers the fragment cache counters against reg
// under the ableron/fragment_cache namespace/subsystem.
func Register(reg prometheus.Registerer) *Collectors {
	factory := promautoWith(reg)

	return &Collectors{
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ableron",
			Subsystem: "fragment_cache",
			Name:      "hits_total",
			Help:      "Total number of fragment cache hits.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ableron",
			Subsystem: "fragment_cache",
			Name:      "misses_total",
			Help:      "Total number of fragment cache misses.",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ableron",
			Subsystem: "fragment_cache",
			Name:      "evictions_total",
			Help:      "Total number of fragment cache evictions due to the size budget.",
		}),
		CacheRefreshSuccess: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ableron",
			Subsystem: "fragment_cache",
			Name:      "refresh_success_total",
			Help:      "Total number of successful background fragment refreshes.",
		}),
		CacheRefreshFailure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ableron",
			Subsystem: "fragment_cache",
			Name:      "refresh_failure_total",
			Help:      "Total number of failed background fragment refreshes.",
		}),
	}
}

// OnHit implements the engine's cache observer interface.
func (c *Collectors) OnHit() { c.CacheHits.Inc() }

// OnMiss implements the engine's cache observer interface.
func (c *Collectors) OnMiss() { c.CacheMisses.Inc() }

// OnEviction implements the engine's cache observer interface.
func (c *Collectors) OnEviction() { c.CacheEvictions.Inc() }

// OnRefreshSuccess implements the engine's cache observer interface.
func (c *Collectors) OnRefreshSuccess() { c.CacheRefreshSuccess.Inc() }

// OnRefreshFailure implements the engine's cache observer interface.
func (c *Collectors) OnRefreshFailure() { c.CacheRefreshFailure.Inc() }

func promautoWith(reg prometheus.Registerer) promautoFactory {
	return promautoFactory{reg: reg}
}

// promautoFactory mirrors promauto.With's ergonomics (panicking, self
// registering constructors) on top of prometheus.Registerer.MustRegister,
// without importing the promauto subpackage.
type promautoFactory struct {
	reg prometheus.Registerer
}

func (f promautoFactory) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.reg.MustRegister(c)
	return c
}
