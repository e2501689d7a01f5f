// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"math"

	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/pkg/errors"
)

// RunInfo identifies a run in a Backend.
type RunInfo struct {
	// ID is unique per run.
	ID string

	Project, Name string

	// Dir where local files of the run are stored.
	Dir string

	// Config is the run configuration.
	Config map[string]any
}

// WatchMode selects what the instrumentation of a watched model records.
type WatchMode string

const (
	WatchGradients  WatchMode = "gradients"
	WatchParameters WatchMode = "parameters"
	WatchAll        WatchMode = "all"
)

// Backend is an experiment-tracking service.
//
// Values passed to Log are float64 metrics, Image or Histogram.
type Backend interface {
	// Init starts the run. Errors are fatal to the run.
	Init(ctx context.Context, info RunInfo) error

	// Log records values at the given step.
	Log(values map[string]any, step int) error

	// Watch instruments the model: histograms of its parameters and/or gradients are recorded every
	// logFreq steps, along with the values given to Log.
	Watch(m model.Model, mode WatchMode, logFreq int) error

	// Finish ends the run and flushes any pending data.
	Finish() error
}

// ConfigUpdater is optionally implemented by backends that can record the run's hyperparameters
// after Init.
type ConfigUpdater interface {
	UpdateConfig(params map[string]any) error
}

// Image is an encoded image value.
type Image struct {
	Type          string `json:"_type"`
	Format        string `json:"format"`
	Width, Height int
	Data          []byte `json:"data"`
}

// Histogram of a tensor's values: Counts[i] is the number of values in [Edges[i], Edges[i+1]).
type Histogram struct {
	Type   string    `json:"_type"`
	Edges  []float64 `json:"edges"`
	Counts []float64 `json:"counts"`
}

// jsonCompatible converts v to the types produced by encoding/json decoding (map[string]any, []any, float64,
// string, bool and nil). Non-finite floats are converted to strings.
func jsonCompatible(v map[string]any) (map[string]any, error) {
	sanitized := make(map[string]any, len(v))
	for key, value := range v {
		if f, ok := value.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			sanitized[key] = nonFiniteString(f)
			continue
		}
		sanitized[key] = value
	}
	encoded, err := json.Marshal(sanitized)
	if err != nil {
		return nil, errors.Wrap(err, "values are not JSON serializable")
	}
	var decoded map[string]any
	if err = json.Unmarshal(encoded, &decoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode JSON values")
	}
	return decoded, nil
}

func nonFiniteString(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	default:
		return "-Infinity"
	}
}
