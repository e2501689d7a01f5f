// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package telemetry provides the sinks that receive metrics, images, parameters and model instrumentation
// during training.
//
// The Sink interface has three implementations:
//
//   - Dummy: discards everything. Used for debugging runs.
//   - Remote: forwards to an experiment-tracking Backend. Backend failures after initialization are logged
//     and counted, never returned, so training is never interrupted by telemetry.
//   - Memory: keeps everything in memory, for inspection.
//
// Use New to create the sink selected by the configuration.
package telemetry

import (
	"context"
	"os"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultProject is the project name used by Remote sinks if none is configured.
const DefaultProject = "dif"

// DefaultWatchLogFreq is the default number of steps between logging parameter and gradient histograms.
const DefaultWatchLogFreq = 1000

// Sink receives the telemetry of a training run.
//
// Implementations are safe for concurrent use.
type Sink interface {
	// WriteMetric records a scalar metric at the given step.
	WriteMetric(name string, value float64, step int)

	// WriteImage records an image tensor, shaped `[height, width, channels]` or `[1, height, width, channels]`,
	// with values in [0, 1].
	WriteImage(name string, image *tensors.Tensor, step int)

	// WriteParameters records the run's hyperparameters.
	WriteParameters(params map[string]any)

	// WatchAll registers the model for parameter and gradient instrumentation.
	WatchAll(m model.Model)

	// Close finishes the run. Only the first call has effect.
	Close() error
}

// BatchWriter is optionally implemented by sinks that can record many metrics of the same step at once.
type BatchWriter interface {
	WriteMetricsBatch(metrics map[string]float64, step int)
}

// WriteMetrics records all metrics at the given step. It uses the sink's BatchWriter if available; otherwise
// each metric is written with WriteMetric, in sorted order of names.
func WriteMetrics(sink Sink, metrics map[string]float64, step int) {
	if batcher, ok := sink.(BatchWriter); ok {
		batcher.WriteMetricsBatch(metrics, step)
		return
	}
	for _, name := range xslices.SortedKeys(metrics) {
		sink.WriteMetric(name, metrics[name], step)
	}
}

// Config of the sink created by New.
type Config struct {
	// Project groups runs in the tracking backend. Defaults to DefaultProject.
	Project string

	// RunName identifies the run (the experiment name).
	RunName string

	// Dir is where local run files are written.
	Dir string

	// Offline selects the LocalBackend: nothing is sent over the network.
	Offline bool

	// RunConfig is the run configuration recorded at initialization.
	RunConfig map[string]any

	// URL and APIKey of the tracking server, used by the HTTPBackend when not Offline.
	URL, APIKey string

	// WatchLogFreq is the number of steps between histograms of watched models. Defaults to DefaultWatchLogFreq.
	WatchLogFreq int

	// Backend, if set, is used instead of the one selected by Offline and URL.
	Backend Backend
}

// ConfigFromEnv fills the fields of cfg that are not set from environment variables:
// RDTRAIN_TRACKING_URL, RDTRAIN_API_KEY and RDTRAIN_MODE (set to "offline" to force offline mode).
func ConfigFromEnv(cfg Config) Config {
	if cfg.URL == "" {
		cfg.URL = os.Getenv("RDTRAIN_TRACKING_URL")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("RDTRAIN_API_KEY")
	}
	if os.Getenv("RDTRAIN_MODE") == "offline" {
		cfg.Offline = true
	}
	return cfg
}

// New creates the sink for a run: a Dummy if dummy is set, otherwise a Remote with the backend
// selected by cfg.
//
// Initialization failures of the backend are returned.
func New(ctx context.Context, cfg Config, dummy bool) (Sink, error) {
	if dummy {
		klog.V(1).Info("Using dummy telemetry sink")
		return NewDummy(os.Stdout), nil
	}
	remote, err := NewRemote(ctx, cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create telemetry sink for run %q", cfg.RunName)
	}
	return remote, nil
}
