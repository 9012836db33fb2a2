package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric vectors are created on first use; a name must always be used with
// the same label keys.
type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
}

var reg = newRegistry()

func newRegistry() *registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &registry{
		prom:     r,
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
	}
}

const namespace = "swingtrader"

func labelKeys(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func help(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

func (r *registry) counter(name string, lbl map[string]string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.counters[name]
	if !ok {
		v = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help(name)}, labelKeys(lbl))
		if err := r.prom.Register(v); err != nil {
			return nil
		}
		r.counters[name] = v
	}
	return v
}

func (r *registry) gauge(name string, lbl map[string]string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[name]
	if !ok {
		v = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help(name)}, labelKeys(lbl))
		if err := r.prom.Register(v); err != nil {
			return nil
		}
		r.gauges[name] = v
	}
	return v
}

func (r *registry) histogram(name string, lbl map[string]string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.hist[name]
	if !ok {
		v = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help(name),
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, labelKeys(lbl))
		if err := r.prom.Register(v); err != nil {
			return nil
		}
		r.hist[name] = v
	}
	return v
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	v := reg.counter(name, labels)
	if v == nil {
		return
	}
	c, err := v.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(value)
}

func SetGauge(name string, value float64, labels map[string]string) {
	v := reg.gauge(name, labels)
	if v == nil {
		return
	}
	g, err := v.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Set(value)
}

func Observe(name string, value float64, labels map[string]string) {
	v := reg.histogram(name, labels)
	if v == nil {
		return
	}
	o, err := v.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	o.Observe(value)
}

// RecordDuration records a duration metric in milliseconds.
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// Registry exposes the process registry for exporters and tests.
func Registry() *prometheus.Registry {
	return reg.prom
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}
