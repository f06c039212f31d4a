// Package metrics2 is a thin facade over Prometheus that provides named
// counters, gauges, livenesses, and timers looked up by measurement name
// plus an optional set of tags.
package metrics2

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"go.shortlink.dev/infra/go/sklog"
)

// Counter is a cumulative metric that can also be decremented, e.g. for
// tracking in-flight work.
type Counter interface {
	Inc(i int64)
	Dec(i int64)
	Get() int64
	Reset()
}

// Int64Metric is a settable gauge.
type Int64Metric interface {
	Get() int64
	Update(v int64)
}

var (
	mutex   sync.Mutex
	metrics = map[string]*promMetric{}
)

type promMetric struct {
	gauge prometheus.Gauge

	mutex sync.Mutex
	value int64
}

func (m *promMetric) Inc(i int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.value += i
	m.gauge.Set(float64(m.value))
}

func (m *promMetric) Dec(i int64) {
	m.Inc(-i)
}

func (m *promMetric) Get() int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.value
}

func (m *promMetric) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.value = 0
	m.gauge.Set(0)
}

func (m *promMetric) Update(v int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.value = v
	m.gauge.Set(float64(v))
}

func key(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(tags)+1)
	parts = append(parts, name)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, tags[k]))
	}
	return strings.Join(parts, ",")
}

func sanitize(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", "/", "_", ":", "_").Replace(name)
}

func getMetric(name string, tagsList []map[string]string) *promMetric {
	tags := map[string]string{}
	for _, t := range tagsList {
		for k, v := range t {
			tags[k] = v
		}
	}
	mutex.Lock()
	defer mutex.Unlock()
	k := key(name, tags)
	if m, ok := metrics[k]; ok {
		return m
	}
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        sanitize(name),
		ConstLabels: tags,
	})
	if err := prometheus.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			gauge = are.ExistingCollector.(prometheus.Gauge)
		} else {
			sklog.Errorf("Failed to register metric %q: %s", name, err)
		}
	}
	m := &promMetric{gauge: gauge}
	metrics[k] = m
	return m
}

// GetCounter returns a Counter with the given name and tag set, creating
// it if it does not already exist.
func GetCounter(name string, tags ...map[string]string) Counter {
	return getMetric(name, tags)
}

// GetInt64Metric returns an Int64Metric with the given name and tag set,
// creating it if it does not already exist.
func GetInt64Metric(name string, tags ...map[string]string) Int64Metric {
	return getMetric(name, tags)
}
