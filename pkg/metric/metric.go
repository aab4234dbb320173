// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metric provides primitives for collecting metrics.
package metric

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"

	"gvisor.dev/kfutex/pkg/atomicbitops"
	"gvisor.dev/kfutex/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

// Metric names must be slash-separated lowercase paths, e.g. /futex/ops.
var metricNameRegexp = regexp.MustCompile("^(?:/[_\\w]+)+$")

// Field values may only contain characters that survive Prometheus label
// encoding untouched.
var fieldValueRegexp = regexp.MustCompile("^[-_\\w]+$")

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	name        string
	description string

	// fields is the map of field-value combination index keys to Uint64 counters.
	fields []atomicbitops.Uint64

	// fieldMapper is used to generate index keys for the fields array (above)
	// based on field value combinations, and vice-versa.
	fieldMapper fieldMapper
}

var (
	// allMetricsMu protects allMetrics and initialized.
	allMetricsMu sync.Mutex

	// initialized indicates that all metrics are registered.
	initialized bool

	// allMetrics are the registered metrics, by name.
	allMetrics = make(map[string]*Uint64Metric)
)

// Initialize marks all metrics as registered. Metrics created afterwards are
// rejected with ErrInitializationDone.
func Initialize() error {
	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if initialized {
		return errors.New("metric.Initialize called twice")
	}
	initialized = true
	return nil
}

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues ...string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

// fieldMapper provides multi-dimensional fields to a single unique integer key
type fieldMapper struct {
	// fields is a list of Field objects, which importantly include individual
	// Field names which are used to perform the keyToMultiField function; and
	// allowedValues for each field type which are used to perform the lookup
	// function.
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible field
	// combinations.
	numFieldCombinations int
}

// newFieldMapper returns a new fieldMapper for the given set of fields.
func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		// Disallow fields with no possible values. We could also ignore them
		// instead, but passing in a no-allowed-values field is probably a mistake.
		if len(f.allowedValues) == 0 {
			return fieldMapper{nil, 0}, ErrFieldHasNoAllowedValues
		}
		for _, v := range f.allowedValues {
			if !fieldValueRegexp.MatchString(v) {
				return fieldMapper{nil, 0}, ErrFieldValueContainsIllegalChar
			}
		}
		numFieldCombinations *= len(f.allowedValues)

		// Sanity check, could be useful in case someone dynamically generates too
		// many fields accidentally.
		if numFieldCombinations > math.MaxUint32 || numFieldCombinations < 0 {
			return fieldMapper{nil, 0}, ErrTooManyFieldCombinations
		}
	}

	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup looks up a key within the fieldMapper.
//
// This *must* be called with the correct number of fields, or it will panic.
func (m fieldMapper) lookup(fields ...string) int {
	if len(fields) != len(m.fields) {
		panic("invalid field lookup depth")
	}
	idx := 0
	remainingCombinationBucket := m.numFieldCombinations

IdxLookup:
	for i, val := range fields {
		for valIdx, allowedVal := range m.fields[i].allowedValues {
			if val == allowedVal {
				remainingCombinationBucket /= len(m.fields[i].allowedValues)
				idx += remainingCombinationBucket * valIdx
				continue IdxLookup
			}
		}

		panic(fmt.Sprintf("disallowed value %q for field %q", val, m.fields[i].name))
	}

	return idx
}

// numKeys returns the total number of key-to-field-combinations mappings
// defined by the fieldMapper.
func (m fieldMapper) numKeys() int {
	return m.numFieldCombinations
}

// keyToMultiField is the reverse of lookup/lookupConcat. The returned list of
// field values corresponds to the same order of fields that were passed in to
// newFieldMapper.
func (m fieldMapper) keyToMultiField(key int) []string {
	depth := len(m.fields)
	if depth == 0 {
		return nil
	}
	fieldValues := make([]string, depth)
	remainingCombinationBucket := m.numFieldCombinations
	for i := 0; i < depth; i++ {
		remainingCombinationBucket /= len(m.fields[i].allowedValues)
		fieldValues[i] = m.fields[i].allowedValues[key/remainingCombinationBucket]
		key = key % remainingCombinationBucket
	}
	return fieldValues
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	if !metricNameRegexp.MatchString(name) {
		return nil, fmt.Errorf("invalid metric name %q", name)
	}
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}

	allMetricsMu.Lock()
	defer allMetricsMu.Unlock()
	if initialized {
		return nil, ErrInitializationDone
	}
	if _, ok := allMetrics[name]; ok {
		return nil, ErrNameInUse
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		fieldMapper: f,
		fields:      make([]atomicbitops.Uint64, f.numKeys()),
	}
	allMetrics[name] = m
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
//
//go:nosplit
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	key := m.fieldMapper.lookup(fieldValues...)
	return m.fields[key].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
//
//go:nosplit
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
//
//go:nosplit
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	key := m.fieldMapper.lookup(fieldValues...)
	m.fields[key].Add(v)
}

// Point is one value of a metric for one combination of field values.
type Point struct {
	Fields map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
	Value  uint64            `json:"value" yaml:"value"`
}

// Snapshot is the state of one metric at an instant.
type Snapshot struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description" yaml:"description"`
	Points      []Point `json:"points" yaml:"points"`
}

// snapshot captures every field combination of m, including zero values.
func (m *Uint64Metric) snapshot() Snapshot {
	s := Snapshot{Name: m.name, Description: m.description}
	for key := range m.fields {
		p := Point{Value: m.fields[key].Load()}
		if vals := m.fieldMapper.keyToMultiField(key); len(vals) > 0 {
			p.Fields = make(map[string]string, len(vals))
			for i, v := range vals {
				p.Fields[m.fieldMapper.fields[i].name] = v
			}
		}
		s.Points = append(s.Points, p)
	}
	return s
}

// Snapshots returns the state of all registered metrics, sorted by name.
func Snapshots() []Snapshot {
	allMetricsMu.Lock()
	ms := make([]*Uint64Metric, 0, len(allMetrics))
	for _, m := range allMetrics {
		ms = append(ms, m)
	}
	allMetricsMu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].name < ms[j].name })
	snaps := make([]Snapshot, 0, len(ms))
	for _, m := range ms {
		snaps = append(snaps, m.snapshot())
	}
	return snaps
}
