// Package timing records per-action samples into the tabular and
// line-protocol sinks and reads the tabular sink back for aggregation.
package timing

import (
	"strconv"
	"strings"
	"time"
)

// DurationKey is the one metric every sample carries, in milliseconds.
const DurationKey = "duration"

// NullValue is written for a metric that has no value.
const NullValue = "null"

// Sample is the result of one action execution. Duration is always present;
// any further metrics live in an ordered extension map.
type Sample struct {
	Duration time.Duration

	keys   []string
	values map[string]*float64
}

// NewSample returns a sample with the given duration and no extensions.
func NewSample(d time.Duration) *Sample {
	return &Sample{
		Duration: d,
		values:   make(map[string]*float64, 4),
	}
}

// Set records a numeric extension metric. Setting an existing key keeps its
// original position.
func (s *Sample) Set(key string, v float64) {
	s.put(key, &v)
}

// SetNull records an extension metric with no value.
func (s *Sample) SetNull(key string) {
	s.put(key, nil)
}

func (s *Sample) put(key string, v *float64) {
	if key == DurationKey {
		if v != nil {
			s.Duration = time.Duration(*v * float64(time.Millisecond))
		}

		return
	}

	if s.values == nil {
		s.values = make(map[string]*float64, 4)
	}

	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}

	s.values[key] = v
}

// Keys returns the metric names in write order, duration first.
func (s *Sample) Keys() []string {
	keys := make([]string, 0, len(s.keys)+1)
	keys = append(keys, DurationKey)

	return append(keys, s.keys...)
}

// Value returns the value of a metric and whether it is set and non-null.
func (s *Sample) Value(key string) (float64, bool) {
	if key == DurationKey {
		return DurationMillis(s.Duration), true
	}

	v, ok := s.values[key]
	if !ok || v == nil {
		return 0, false
	}

	return *v, true
}

// Format renders a metric value the way both sinks write it.
func (s *Sample) Format(key string) string {
	v, ok := s.Value(key)
	if !ok {
		return NullValue
	}

	return FormatFloat(v)
}

// DurationMillis converts d to fractional milliseconds.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// FormatFloat renders v with the shortest exact representation.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FieldName rewrites a metric key into a column or field name. Dots are not
// allowed in line-protocol field keys.
func FieldName(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}
