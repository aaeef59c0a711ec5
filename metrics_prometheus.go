package relay

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector records metrics into a Prometheus registerer.
// Metric names are prefixed with the namespace and dots become underscores,
// so "drain.published" is exported as "relay_drain_published_total".
type PrometheusMetricsCollector struct {
	namespace  string
	registerer prometheus.Registerer

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetricsCollector(namespace string, registerer prometheus.Registerer) *PrometheusMetricsCollector {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetricsCollector{
		namespace:  namespace,
		registerer: registerer,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (m *PrometheusMetricsCollector) IncrementCounter(name string, tags map[string]string) {
	labels := labelNames(tags)
	m.mu.Lock()
	vec, ok := m.counters[vecKey(name, labels)]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      metricName(name) + "_total",
			Help:      "Relay counter " + name + ".",
		}, labels)
		vec = registerOrExisting(m.registerer, vec)
		m.counters[vecKey(name, labels)] = vec
	}
	m.mu.Unlock()
	if vec != nil {
		vec.With(tags).Inc()
	}
}

func (m *PrometheusMetricsCollector) RecordDuration(name string, duration time.Duration, tags map[string]string) {
	labels := labelNames(tags)
	m.mu.Lock()
	vec, ok := m.histograms[vecKey(name, labels)]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      metricName(name) + "_seconds",
			Help:      "Relay duration " + name + ".",
			Buckets:   prometheus.DefBuckets,
		}, labels)
		vec = registerOrExisting(m.registerer, vec)
		m.histograms[vecKey(name, labels)] = vec
	}
	m.mu.Unlock()
	if vec != nil {
		vec.With(tags).Observe(duration.Seconds())
	}
}

func (m *PrometheusMetricsCollector) RecordGauge(name string, value float64, tags map[string]string) {
	labels := labelNames(tags)
	m.mu.Lock()
	vec, ok := m.gauges[vecKey(name, labels)]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      metricName(name),
			Help:      "Relay gauge " + name + ".",
		}, labels)
		vec = registerOrExisting(m.registerer, vec)
		m.gauges[vecKey(name, labels)] = vec
	}
	m.mu.Unlock()
	if vec != nil {
		vec.With(tags).Set(value)
	}
}

// registerOrExisting returns nil when the name is already taken by a collector with other labels.
func registerOrExisting[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		var zero C
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return zero
		}
		existing, ok := are.ExistingCollector.(C)
		if !ok {
			return zero
		}
		return existing
	}
	return collector
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func vecKey(name string, labels []string) string {
	return name + "|" + strings.Join(labels, ",")
}
