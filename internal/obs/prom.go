package obs

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMeter bridges the Meter interface to Prometheus. Collectors are
// created lazily, one per metric name; the label names of the first
// observation define the vector's schema.
type PromMeter struct {
	reg prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPromMeter returns a meter registering on reg, or the default
// registerer when reg is nil.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PromMeter{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func (m *PromMeter) Counter(name string, value float64, labels ...Label) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = promauto.With(m.reg).NewCounterVec(
			prometheus.CounterOpts{Name: name, Help: name},
			names,
		)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Add(value)
}

func (m *PromMeter) Histogram(name string, value float64, labels ...Label) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = promauto.With(m.reg).NewHistogramVec(
			prometheus.HistogramOpts{Name: name, Help: name, Buckets: prometheus.DefBuckets},
			names,
		)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	vec.WithLabelValues(values...).Observe(value)
}

// splitLabels returns names and values in a stable order.
func splitLabels(labels []Label) ([]string, []string) {
	sorted := make([]Label, len(labels))
	copy(sorted, labels)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	names := make([]string, len(sorted))
	values := make([]string, len(sorted))
	for i, l := range sorted {
		names[i] = l.Key
		values[i] = l.Value
	}
	return names, values
}
