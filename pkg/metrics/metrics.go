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

// Package metrics defines the MetricEmitter interface every component
// reports through, so business logic never imports a metrics backend
// directly. The default implementation is backed by prometheus client_golang
// gauges and counters.
package metrics

// MetricTypeName distinguishes the aggregation semantics of a metric name.
type MetricTypeName string

const (
	MetricTypeNameCount MetricTypeName = "count"
	MetricTypeNameGauge MetricTypeName = "gauge"
)

// MetricTag is one label key/value pair attached to an emitted sample.
type MetricTag struct {
	Key string
	Val string
}

// ConvertMapToTags is a convenience for building a []MetricTag from a map,
// used at call sites that already have their labels keyed by name.
func ConvertMapToTags(m map[string]string) []MetricTag {
	tags := make([]MetricTag, 0, len(m))
	for k, v := range m {
		tags = append(tags, MetricTag{Key: k, Val: v})
	}
	return tags
}

// MetricEmitter is the sink every component reports measurements through.
// StoreInt64/StoreFloat64 both accept a metricType hint: Count metrics are
// summed by the backend, Gauge metrics overwrite the previous value for the
// same name+tags.
type MetricEmitter interface {
	StoreInt64(name string, value int64, metricType MetricTypeName, tags ...MetricTag) error
	StoreFloat64(name string, value float64, metricType MetricTypeName, tags ...MetricTag) error
	// WithTags returns an emitter that always appends extraTags to every
	// subsequent call, letting a component bind its own name/instance id
	// once instead of re-specifying it at every call site.
	WithTags(extraTags ...MetricTag) MetricEmitter
}

// DummyMetricEmitter discards everything. Used where a caller requires a
// non-nil emitter but the surrounding code under test doesn't care about
// metrics assertions.
type DummyMetricEmitter struct{}

func (DummyMetricEmitter) StoreInt64(string, int64, MetricTypeName, ...MetricTag) error   { return nil }
func (DummyMetricEmitter) StoreFloat64(string, float64, MetricTypeName, ...MetricTag) error { return nil }
func (d DummyMetricEmitter) WithTags(...MetricTag) MetricEmitter                            { return d }

var _ MetricEmitter = DummyMetricEmitter{}
