// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
)

// StreamingMedian keeps an approximate median of a stream of values, using reservoir sampling.
type StreamingMedian struct {
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

// NewStreamingMedian creates a streaming median that keeps at most 10,001 samples.
func NewStreamingMedian() *StreamingMedian {
	return &StreamingMedian{maxNumSamples: 10_001}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedian) WithSampleSize(n int) *StreamingMedian {
	m.maxNumSamples = n
	return m
}

// WithSeed makes the sampling deterministic.
func (m *StreamingMedian) WithSeed(seed uint64) *StreamingMedian {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update records a new value.
func (m *StreamingMedian) Update(x float64) {
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	// We replace the new sampled x in a random position.
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Median returns the median of the sampled values, and false if no values were seen yet.
func (m *StreamingMedian) Median() (float64, bool) {
	if len(m.samples) == 0 {
		return 0, false
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2], true
}

// Count returns the number of values seen, including the ones not sampled.
func (m *StreamingMedian) Count() int { return m.samplesSeen }

// Reset discards all samples.
func (m *StreamingMedian) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
