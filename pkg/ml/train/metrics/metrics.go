// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds host-side accumulators for values reported during training and evaluation.
package metrics

import "fmt"

// RunningAverage accumulates a weighted sum of values and their total count.
//
// The zero value is ready to use: before any update its Average is 0.
type RunningAverage struct {
	name  string
	value float64
	sum   float64
	count float64
}

// NewRunningAverage returns an empty RunningAverage with the given name, used only for printing.
func NewRunningAverage(name string) *RunningAverage {
	return &RunningAverage{name: name}
}

// Update records one observation.
func (m *RunningAverage) Update(value float64) {
	m.UpdateN(value, 1)
}

// UpdateN records value with weight n: as if value had been observed n times.
func (m *RunningAverage) UpdateN(value float64, n int) {
	m.value = value
	m.sum += value * float64(n)
	m.count += float64(n)
}

// Value returns the last value recorded.
func (m *RunningAverage) Value() float64 { return m.value }

// Sum returns the weighted sum of the recorded values.
func (m *RunningAverage) Sum() float64 { return m.sum }

// Count returns the total weight recorded.
func (m *RunningAverage) Count() float64 { return m.count }

// Average returns Sum/Count, or 0 if nothing was recorded yet.
func (m *RunningAverage) Average() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / m.count
}

// Reset discards all recorded values.
func (m *RunningAverage) Reset() {
	m.value, m.sum, m.count = 0, 0, 0
}

// String implements fmt.Stringer.
func (m *RunningAverage) String() string {
	return fmt.Sprintf("%s: %.4g (avg %.4g over %g)", m.name, m.value, m.Average(), m.count)
}
