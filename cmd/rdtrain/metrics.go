// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gomlx/rdcompress/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// processMetricsName is the name of the loop hooks that update the process metrics.
const processMetricsName = "rdtrain.processMetrics"

// processMetrics exports the progress of the training process to Prometheus.
type processMetrics struct {
	gatherer prometheus.Gatherer

	epoch        prometheus.Gauge
	globalStep   prometheus.Gauge
	loss         *prometheus.GaugeVec
	stepDuration prometheus.Histogram
	steps        prometheus.Counter
}

// newProcessMetrics registers the collectors in reg, along with the Go runtime and process collectors.
func newProcessMetrics(reg *prometheus.Registry) *processMetrics {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &processMetrics{
		gatherer: reg,
		epoch: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rdtrain_epoch",
			Help: "Epoch being trained.",
		}),
		globalStep: factory.NewGauge(prometheus.GaugeOpts{
			Name: "rdtrain_global_step",
			Help: "Global step of the last training step.",
		}),
		// The "metric" label is one of "loss", "mse", "bpp", "psnr" or "aux_loss".
		loss: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rdtrain_last_step_loss",
			Help: "Losses of the last training step.",
		}, []string{"metric"}),
		// From 1ms to ~65s.
		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "rdtrain_step_duration_seconds",
			Help:    "Wall-clock duration of training steps.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 17),
		}),
		steps: factory.NewCounter(prometheus.CounterOpts{
			Name: "rdtrain_steps_total",
			Help: "Number of training steps executed by the process.",
		}),
	}
}

// attach the metrics to the loop hooks.
func (pm *processMetrics) attach(loop *train.Loop) {
	loop.OnStart(processMetricsName, 0, func(loop *train.Loop, _ train.Dataset) error {
		pm.epoch.Set(float64(loop.Epoch))
		return nil
	})
	loop.OnStep(processMetricsName, 0, func(_ *train.Loop, result *train.StepResult) error {
		pm.globalStep.Set(float64(result.GlobalStep))
		pm.loss.WithLabelValues("loss").Set(result.Losses.Loss)
		pm.loss.WithLabelValues("mse").Set(result.Losses.MSE)
		pm.loss.WithLabelValues("bpp").Set(result.Losses.BPP)
		pm.loss.WithLabelValues("psnr").Set(result.PSNR)
		pm.loss.WithLabelValues("aux_loss").Set(result.AuxLoss)
		pm.stepDuration.Observe(result.Duration.Seconds())
		pm.steps.Inc()
		return nil
	})
}

// handler serves the registered metrics.
func (pm *processMetrics) handler() http.Handler {
	return promhttp.HandlerFor(pm.gatherer, promhttp.HandlerOpts{})
}

// serve the metrics at "/metrics" on addr, in the background. The returned function stops the server.
func (pm *processMetrics) serve(addr string) (stop func(), err error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %q for metrics", addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", pm.handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("Metrics server on %q failed: %v", addr, err)
		}
	}()
	klog.Infof("Serving process metrics on http://%s/metrics", listener.Addr())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			klog.Warningf("Failed to shut down metrics server: %v", err)
		}
	}, nil
}
