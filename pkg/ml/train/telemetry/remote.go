// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// FailureStreakLimit is the number of consecutive backend failures after which Remote suspends writes.
	FailureStreakLimit = 3

	// ReprobeInterval is how long writes stay suspended before the backend is tried again.
	ReprobeInterval = 30 * time.Second
)

// Remote is a Sink that forwards everything to a Backend.
//
// Only the initialization errors are returned (by NewRemote). Later failures are counted (see Failures)
// and logged once per streak of consecutive failures. After FailureStreakLimit consecutive failures
// writes are dropped (see Dropped), and the backend is tried again every ReprobeInterval.
type Remote struct {
	mu       sync.Mutex
	backend  Backend
	info     RunInfo
	logFreq  int
	watchers []*watcher
	closed   bool

	failures, streak, dropped int
	streakLimit               int
	reprobe                   time.Duration
	retryAt                   time.Time
	now                       func() time.Time
}

var (
	_ Sink        = (*Remote)(nil)
	_ BatchWriter = (*Remote)(nil)
)

// NewRemote initializes a run in the backend selected by cfg: cfg.Backend if set, a LocalBackend
// if cfg.Offline, or else an HTTPBackend to cfg.URL.
func NewRemote(ctx context.Context, cfg Config) (*Remote, error) {
	backend := cfg.Backend
	if backend == nil {
		if cfg.Offline {
			backend = NewLocalBackend(cfg.Dir)
		} else {
			if cfg.URL == "" {
				return nil, errors.New("no tracking URL configured: set RDTRAIN_TRACKING_URL or use offline mode")
			}
			backend = NewHTTPBackend(cfg.URL, cfg.APIKey)
		}
	}
	info := RunInfo{
		ID:      uuid.NewString(),
		Project: cfg.Project,
		Name:    cfg.RunName,
		Dir:     cfg.Dir,
		Config:  maps.Clone(cfg.RunConfig),
	}
	if info.Project == "" {
		info.Project = DefaultProject
	}
	if info.Name == "" {
		info.Name = "run-" + time.Now().Format("20060102-150405")
	}
	if err := backend.Init(ctx, info); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize run %q of project %q", info.Name, info.Project)
	}
	logFreq := cfg.WatchLogFreq
	if logFreq <= 0 {
		logFreq = DefaultWatchLogFreq
	}
	klog.V(1).Infof("Telemetry run %q (id=%s) initialized", info.Name, info.ID)
	return &Remote{
		backend:     backend,
		info:        info,
		logFreq:     logFreq,
		streakLimit: FailureStreakLimit,
		reprobe:     ReprobeInterval,
		now:         time.Now,
	}, nil
}

// Run returns the information of the run.
func (r *Remote) Run() RunInfo { return r.info }

// Failures returns the number of backend failures so far.
func (r *Remote) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// Dropped returns the number of writes dropped while the backend was suspended.
func (r *Remote) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// suspended must be called with the lock held. It returns true, and counts the write as dropped,
// if the backend is failing and not yet due for another try.
func (r *Remote) suspended() bool {
	if r.streak < r.streakLimit || !r.now().Before(r.retryAt) {
		return false
	}
	r.dropped++
	return true
}

// report must be called with the lock held, with the result of every backend call.
func (r *Remote) report(err error, format string, args ...any) {
	if err == nil {
		if r.streak > 0 {
			klog.Infof("Telemetry: backend recovered after %d consecutive failures, %d writes dropped", r.streak, r.dropped)
			r.streak = 0
		}
		return
	}
	r.failures++
	r.streak++
	if r.streak == 1 {
		klog.Warningf("Telemetry: %v", errors.WithMessagef(err, format, args...))
	}
	if r.streak >= r.streakLimit {
		if r.streak == r.streakLimit {
			klog.Warningf("Telemetry: %d consecutive failures, suspending writes for %s: %v", r.streak, r.reprobe, err)
		}
		r.retryAt = r.now().Add(r.reprobe)
	}
}

// reject must be called with the lock held. It counts a write rejected for its invalid input,
// which says nothing about the backend health.
func (r *Remote) reject(err error, format string, args ...any) {
	r.failures++
	klog.Warningf("Telemetry: %v", errors.WithMessagef(err, format, args...))
}

// log must be called with the lock held. It adds the histograms of watched models due at step.
func (r *Remote) log(values map[string]any, step int) {
	if r.closed || r.suspended() {
		return
	}
	for _, w := range r.watchers {
		maps.Copy(values, w.collect(step))
	}
	r.report(r.backend.Log(values, step), "failed to log %d values at step %d", len(values), step)
}

func (r *Remote) WriteMetric(name string, value float64, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log(map[string]any{name: value}, step)
}

// WriteMetricsBatch implements BatchWriter: all metrics are sent in one call to the backend.
func (r *Remote) WriteMetricsBatch(metrics map[string]float64, step int) {
	values := make(map[string]any, len(metrics))
	for name, value := range metrics {
		values[name] = value
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log(values, step)
}

func (r *Remote) WriteImage(name string, image *tensors.Tensor, step int) {
	img, err := EncodeImage(image)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if err != nil {
		r.reject(err, "failed to encode image %q", name)
		return
	}
	r.log(map[string]any{name: img}, step)
}

// WriteParameters implements Sink. It requires a backend that implements ConfigUpdater, otherwise
// the parameters are dropped with a warning.
func (r *Remote) WriteParameters(params map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.suspended() {
		return
	}
	updater, ok := r.backend.(ConfigUpdater)
	if !ok {
		klog.Warningf("Telemetry backend %T can't record parameters, %d parameters dropped", r.backend, len(params))
		return
	}
	r.report(updater.UpdateConfig(params), "failed to record %d parameters", len(params))
}

// WatchAll implements Sink: histograms of parameters and gradients of m are logged every
// Config.WatchLogFreq steps.
func (r *Remote) WatchAll(m model.Model) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if m == nil {
		r.reject(errors.New("nil model"), "failed to watch model")
		return
	}
	if r.suspended() {
		return
	}
	if err := r.backend.Watch(m, WatchAll, r.logFreq); err != nil {
		r.report(err, "failed to watch model %T", m)
		return
	}
	r.report(nil, "")
	r.watchers = append(r.watchers, newWatcher(m, WatchAll, r.logFreq))
}

// Close finishes the run in the backend. Only the first call has effect.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if err := r.backend.Finish(); err != nil {
		return errors.WithMessagef(err, "failed to finish run %q", r.info.Name)
	}
	return nil
}
