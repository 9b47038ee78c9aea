/*
Copyright 2024 The BrokerLB Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// vecRegistry is the mutable state shared by a PrometheusEmitter and every
// emitter WithTags derives from it, so concurrent callers through any of
// them serialize on the same lock instead of racing past independent ones.
type vecRegistry struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	gauges   map[string]*prometheus.GaugeVec
	counters map[string]*prometheus.CounterVec
}

// PrometheusEmitter is the default MetricEmitter, registering one GaugeVec
// and one CounterVec per distinct metric name the first time it is used and
// reusing it afterwards. Label sets are derived from each call's tags, so
// callers are free to vary which tags they pass across calls as long as the
// key set for a given name stays consistent.
type PrometheusEmitter struct {
	shared   *vecRegistry
	baseTags []MetricTag
}

// NewPrometheusEmitter returns an emitter registering into registry. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer's registry to expose metrics on the process's
// default /metrics handler.
func NewPrometheusEmitter(registry *prometheus.Registry) *PrometheusEmitter {
	return &PrometheusEmitter{
		shared: &vecRegistry{
			registry: registry,
			gauges:   make(map[string]*prometheus.GaugeVec),
			counters: make(map[string]*prometheus.CounterVec),
		},
	}
}

func sanitize(name string) string {
	return strings.NewReplacer("-", "_", ".", "_", "/", "_").Replace(name)
}

func labelNamesAndValues(tags []MetricTag) ([]string, []string) {
	sorted := append([]MetricTag(nil), tags...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	names := make([]string, 0, len(sorted))
	values := make([]string, 0, len(sorted))
	for _, t := range sorted {
		names = append(names, sanitize(t.Key))
		values = append(values, t.Val)
	}
	return names, values
}

func (p *PrometheusEmitter) gaugeVec(name string, labelNames []string) *prometheus.GaugeVec {
	s := p.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	if gv, ok := s.gauges[name]; ok {
		return gv
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: sanitize(name)}, labelNames)
	s.registry.MustRegister(gv)
	s.gauges[name] = gv
	return gv
}

func (p *PrometheusEmitter) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	s := p.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	if cv, ok := s.counters[name]; ok {
		return cv
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitize(name)}, labelNames)
	s.registry.MustRegister(cv)
	s.counters[name] = cv
	return cv
}

// StoreInt64 implements MetricEmitter.
func (p *PrometheusEmitter) StoreInt64(name string, value int64, metricType MetricTypeName, tags ...MetricTag) error {
	return p.StoreFloat64(name, float64(value), metricType, tags...)
}

// StoreFloat64 implements MetricEmitter.
func (p *PrometheusEmitter) StoreFloat64(name string, value float64, metricType MetricTypeName, tags ...MetricTag) error {
	all := append(append([]MetricTag(nil), p.baseTags...), tags...)
	names, values := labelNamesAndValues(all)

	switch metricType {
	case MetricTypeNameCount:
		p.counterVec(name, names).WithLabelValues(values...).Add(value)
	default:
		p.gaugeVec(name, names).WithLabelValues(values...).Set(value)
	}
	return nil
}

// WithTags implements MetricEmitter.
func (p *PrometheusEmitter) WithTags(extraTags ...MetricTag) MetricEmitter {
	return &PrometheusEmitter{
		shared:   p.shared,
		baseTags: append(append([]MetricTag(nil), p.baseTags...), extraTags...),
	}
}

var _ MetricEmitter = (*PrometheusEmitter)(nil)
