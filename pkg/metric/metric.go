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
	"regexp"
	"sort"
	"strings"

	"gvisor.dev/rvboot/pkg/atomicbitops"
	"gvisor.dev/rvboot/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInvalidName indicates that a metric name is not of the form
	// /component/name.
	ErrInvalidName = errors.New("metric name must match /[a-z0-9_/]+")

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

// maxFieldCombinations bounds the number of counters one metric may own.
const maxFieldCombinations = 1024

var nameRE = regexp.MustCompile(`^/[a-z0-9_]+(/[a-z0-9_]+)*$`)

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
	return Field{name: name, allowedValues: allowedValues}
}

// Uint64Metric encapsulates a uint64 that represents some kind of metric to be
// monitored. Every combination of field values owns one counter, allocated at
// registration so that Increment never allocates.
type Uint64Metric struct {
	name        string
	description string
	cumulative  bool
	fields      []Field

	// counters is indexed by the mixed-radix key of the field values.
	counters []atomicbitops.Uint64

	// value, if set, replaces counters.
	value func() uint64
}

// metricSet holds every registered metric.
type metricSet struct {
	mu sync.Mutex
	m  map[string]*Uint64Metric
}

// allMetrics are the registered metrics.
var allMetrics = makeMetricSet()

func makeMetricSet() *metricSet {
	return &metricSet{m: make(map[string]*Uint64Metric)}
}

func (s *metricSet) register(m *Uint64Metric) error {
	if !nameRE.MatchString(m.name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, m.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[m.name]; ok {
		return fmt.Errorf("%w: %q", ErrNameInUse, m.name)
	}
	s.m[m.name] = m
	return nil
}

// sorted returns the registered metrics ordered by name.
func (s *metricSet) sorted() []*Uint64Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Uint64Metric, 0, len(s.m))
	for _, m := range s.m {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func validateFields(fields []Field) (int, error) {
	combinations := 1
	for _, f := range fields {
		if len(f.allowedValues) == 0 {
			return 0, fmt.Errorf("%w: %q", ErrFieldHasNoAllowedValues, f.name)
		}
		for _, v := range f.allowedValues {
			if strings.ContainsAny(v, "\"\\\n{},=") {
				return 0, fmt.Errorf("%w: %q", ErrFieldValueContainsIllegalChar, v)
			}
		}
		combinations *= len(f.allowedValues)
		if combinations > maxFieldCombinations {
			return 0, ErrTooManyFieldCombinations
		}
	}
	return combinations, nil
}

// NewUint64Metric creates and registers a new cumulative metric with the
// given name.
//
// Metrics must be statically defined (i.e., at init).
func NewUint64Metric(name string, description string, fields ...Field) (*Uint64Metric, error) {
	n, err := validateFields(fields)
	if err != nil {
		return nil, err
	}
	m := &Uint64Metric{
		name:        name,
		description: description,
		cumulative:  true,
		fields:      fields,
		counters:    make([]atomicbitops.Uint64, n),
	}
	if err := allMetrics.register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns
// an error.
func MustCreateNewUint64Metric(name string, description string, fields ...Field) *Uint64Metric {
	m, err := NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

// RegisterCustomUint64Metric registers a gauge whose value is produced by the
// given function on every export.
func RegisterCustomUint64Metric(name string, description string, value func() uint64) error {
	return allMetrics.register(&Uint64Metric{
		name:        name,
		description: description,
		value:       value,
	})
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func MustRegisterCustomUint64Metric(name string, description string, value func() uint64) {
	if err := RegisterCustomUint64Metric(name, description, value); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// key returns the counter index for the given field values. It panics on a
// value the field does not allow, since that is a programming error.
func (m *Uint64Metric) key(fieldValues []string) int {
	if len(fieldValues) != len(m.fields) {
		panic(fmt.Sprintf("metric %s: got %d field values, want %d", m.name, len(fieldValues), len(m.fields)))
	}
	k := 0
	for i, f := range m.fields {
		idx := -1
		for j, v := range f.allowedValues {
			if v == fieldValues[i] {
				idx = j
				break
			}
		}
		if idx < 0 {
			panic(fmt.Sprintf("metric %s: invalid value %q for field %s", m.name, fieldValues[i], f.name))
		}
		k = k*len(f.allowedValues) + idx
	}
	return k
}

// values returns the field values for the counter at index k.
func (m *Uint64Metric) values(k int) []string {
	vs := make([]string, len(m.fields))
	for i := len(m.fields) - 1; i >= 0; i-- {
		n := len(m.fields[i].allowedValues)
		vs[i] = m.fields[i].allowedValues[k%n]
		k /= n
	}
	return vs
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	if m.value != nil {
		return m.value()
	}
	return m.counters[m.key(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.counters[m.key(fieldValues)].Add(v)
}
