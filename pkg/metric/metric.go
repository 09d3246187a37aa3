// Copyright 2026 The gVisor Authors.
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
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrFieldValueNotAllowed indicates that a metric was updated with a
	// field value outside of the field's allowed values.
	ErrFieldValueNotAllowed = errors.New("metric field value not allowed")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")

	// ErrTooManyFieldCombinations indicates that the number of unique
	// combinations of fields is too large to support.
	ErrTooManyFieldCombinations = errors.New("metric has too many combinations of allowed field values")
)

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

// fieldMapper maps multi-dimensional field values to a single integer key.
type fieldMapper struct {
	fields []Field

	// numFieldCombinations is the number of unique keys for all possible
	// field combinations.
	numFieldCombinations int
}

func newFieldMapper(fields ...Field) (fieldMapper, error) {
	numFieldCombinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return fieldMapper{}, ErrFieldHasNoAllowedValues
		}
		numFieldCombinations *= len(f.allowedValues)
		if numFieldCombinations > math.MaxUint16 {
			return fieldMapper{}, ErrTooManyFieldCombinations
		}
	}
	return fieldMapper{
		fields:               fields,
		numFieldCombinations: numFieldCombinations,
	}, nil
}

// lookup returns the key for the given field values. It panics if the number
// of values is wrong or a value is not allowed; both are programming errors.
func (m fieldMapper) lookup(fieldValues ...string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("invalid field lookup, got %d fields, want %d", len(fieldValues), len(m.fields)))
	}
	key := 0
	for i, f := range m.fields {
		idx := -1
		for j, allowed := range f.allowedValues {
			if allowed == fieldValues[i] {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic(fmt.Sprintf("%v: %q for field %q", ErrFieldValueNotAllowed, fieldValues[i], f.name))
		}
		key = key*len(f.allowedValues) + idx
	}
	return key
}

// keyToMultiField is the inverse of lookup.
func (m fieldMapper) keyToMultiField(key int) []string {
	if len(m.fields) == 0 {
		return nil
	}
	values := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		values[i] = m.fields[i].allowedValues[key%n]
		key /= n
	}
	return values
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored.
type Uint64Metric struct {
	// fields is the map of field-value combination index keys to counters.
	fields []atomic.Uint64

	fieldMapper fieldMapper
}

// Value returns the current value of the metric for the given set of fields.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.fields[m.fieldMapper.lookup(fieldValues...)].Load()
}

// Increment increments the metric field by 1.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(1)
}

// IncrementBy increments the metric by v.
// This must be called with the correct number of field values or it will panic.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.fields[m.fieldMapper.lookup(fieldValues...)].Add(v)
}

// registered is a metric as seen by exporters.
type registered struct {
	name        string
	description string
	cumulative  bool
	fields      fieldMapper
	value       func(key int) uint64
}

var (
	mu         sync.Mutex
	allMetrics = map[string]*registered{}
)

func register(r *registered) error {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := allMetrics[r.name]; ok {
		return ErrNameInUse
	}
	allMetrics[r.name] = r
	return nil
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	f, err := newFieldMapper(fields...)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		fields:      make([]atomic.Uint64, f.numFieldCombinations),
		fieldMapper: f,
	}
	return m, register(&registered{
		name:        name,
		description: description,
		cumulative:  true,
		fields:      f,
		value:       func(key int) uint64 { return m.fields[key].Load() },
	})
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a field-less metric whose value is
// computed on demand. Non-cumulative metrics are exported as gauges.
func RegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) error {
	return register(&registered{
		name:        name,
		description: description,
		cumulative:  cumulative,
		value:       func(int) uint64 { return value() },
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, cumulative, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Snapshot holds the values of one metric at one point in time, keyed by the
// joined field values.
type Snapshot struct {
	Name        string
	Description string
	Cumulative  bool
	FieldNames  []string
	Values      []FieldValue
}

// FieldValue is one field combination of a snapshot.
type FieldValue struct {
	Fields []string
	Value  uint64
}

// GetSnapshot returns the current value of every registered metric, sorted
// by name.
func GetSnapshot() []Snapshot {
	mu.Lock()
	metrics := make([]*registered, 0, len(allMetrics))
	for _, r := range allMetrics {
		metrics = append(metrics, r)
	}
	mu.Unlock()
	sort.Slice(metrics, func(i, j int) bool { return metrics[i].name < metrics[j].name })

	snapshots := make([]Snapshot, 0, len(metrics))
	for _, r := range metrics {
		s := Snapshot{
			Name:        r.name,
			Description: r.description,
			Cumulative:  r.cumulative,
		}
		for _, f := range r.fields.fields {
			s.FieldNames = append(s.FieldNames, f.name)
		}
		for key := 0; key < r.fields.numFieldCombinations || (key == 0 && len(r.fields.fields) == 0); key++ {
			s.Values = append(s.Values, FieldValue{
				Fields: r.fields.keyToMultiField(key),
				Value:  r.value(key),
			})
		}
		snapshots = append(snapshots, s)
	}
	return snapshots
}
