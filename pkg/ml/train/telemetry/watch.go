// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"math"
	"slices"

	"github.com/gomlx/rdcompress/pkg/ml/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// HistogramBins is the number of bins of the histograms of watched models.
const HistogramBins = 64

// NewHistogram returns the histogram of the finite values, with numBins bins of equal width
// spanning from the minimum to the maximum value.
func NewHistogram(values []float32, numBins int) Histogram {
	h := Histogram{Type: "histogram"}
	data := make([]float64, 0, len(values))
	for _, v := range values {
		f := float64(v)
		if !math.IsNaN(f) && !math.IsInf(f, 0) {
			data = append(data, f)
		}
	}
	if len(data) == 0 || numBins <= 0 {
		return h
	}
	slices.Sort(data)
	low, high := data[0], data[len(data)-1]
	if high == low {
		high = low + 1
	}
	h.Edges = floats.Span(make([]float64, numBins+1), low, high)
	// The last bin is closed on the right.
	h.Edges[numBins] = math.Nextafter(high, math.Inf(1))
	h.Counts = stat.Histogram(nil, h.Edges, data, nil)
	return h
}

// watcher produces the histograms of a watched model's parameters and gradients.
type watcher struct {
	m        model.Model
	mode     WatchMode
	logFreq  int
	lastStep int
	started  bool
}

func newWatcher(m model.Model, mode WatchMode, logFreq int) *watcher {
	if logFreq <= 0 {
		logFreq = DefaultWatchLogFreq
	}
	return &watcher{m: m, mode: mode, logFreq: logFreq}
}

// collect returns the histograms due at step, or nil if it's not time yet.
func (w *watcher) collect(step int) map[string]any {
	if w == nil || w.m == nil {
		return nil
	}
	if w.started && step < w.lastStep+w.logFreq {
		return nil
	}
	w.started = true
	w.lastStep = step
	values := make(map[string]any)
	for _, np := range w.m.NamedParameters() {
		if w.mode == WatchParameters || w.mode == WatchAll {
			values["parameters/"+np.Name] = NewHistogram(np.Param.Value.Flat(), HistogramBins)
		}
		if (w.mode == WatchGradients || w.mode == WatchAll) && np.Param.Grad != nil {
			values["gradients/"+np.Name] = NewHistogram(np.Param.Grad.Flat(), HistogramBins)
		}
	}
	return values
}
