package cache

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts cache hits and misses per key class.
type Metrics struct {
	hits   *prometheus.CounterVec
	misses *prometheus.CounterVec
}

// NewMetrics registers the cache collectors on reg, reusing collectors that
// are already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	hits := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotledger_cache_hits_total",
		Help: "Number of read cache hits by key class.",
	}, []string{"class"})
	misses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lotledger_cache_miss_total",
		Help: "Number of read cache misses by key class.",
	}, []string{"class"})

	var err error
	if hits, err = registerCounter(reg, hits); err != nil {
		return nil, err
	}
	if misses, err = registerCounter(reg, misses); err != nil {
		return nil, err
	}
	return &Metrics{hits: hits, misses: misses}, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func (m *Metrics) hit(class string) {
	if m == nil {
		return
	}
	m.hits.WithLabelValues(class).Inc()
}

func (m *Metrics) miss(class string) {
	if m == nil {
		return
	}
	m.misses.WithLabelValues(class).Inc()
}
