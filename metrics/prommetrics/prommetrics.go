// Package prommetrics implements metrics.Sink on Prometheus collectors.
// Counters and histograms are created lazily per metric name and registered
// on the provided registerer.
package prommetrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/peergrid/collab-server-go/metrics"
)

type Sink struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

var _ metrics.Sink = (*Sink)(nil)

// New creates a Sink registering collectors on reg. Pass
// prometheus.DefaultRegisterer for the default registry.
func New(reg prometheus.Registerer) *Sink {
	return &Sink{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// tagKeys returns the sorted label names for a tag set. Prometheus vectors
// require a fixed label schema per name, so the first observation of a name
// fixes its labels.
func tagKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sanitize(name string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}

func (s *Sink) IncCounter(name string, tags map[string]string) {
	s.mu.Lock()
	cv, ok := s.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_" + sanitize(name) + "_total",
			Help: "Engine counter " + name + ".",
		}, tagKeys(tags))
		s.reg.MustRegister(cv)
		s.counters[name] = cv
	}
	s.mu.Unlock()

	cv.With(prometheus.Labels(tags)).Inc()
}

func (s *Sink) ObserveHistogram(name string, value float64, tags map[string]string) {
	s.mu.Lock()
	hv, ok := s.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collab_" + sanitize(name),
			Help:    "Engine histogram " + name + ".",
			Buckets: prometheus.DefBuckets,
		}, tagKeys(tags))
		s.reg.MustRegister(hv)
		s.histograms[name] = hv
	}
	s.mu.Unlock()

	hv.With(prometheus.Labels(tags)).Observe(value)
}
