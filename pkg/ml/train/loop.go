// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training and evaluation loops of rate-distortion image compression models.
//
// Each training step updates two optimizers: the main optimizer follows the rate-distortion loss, and
// the auxiliary optimizer follows the model's auxiliary loss (which trains the entropy model's quantiles).
package train

import (
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"sort"
	"time"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/ml/train/losses"
	"github.com/gomlx/rdcompress/pkg/ml/train/metrics"
	"github.com/gomlx/rdcompress/pkg/ml/train/optimizers"
	"github.com/gomlx/rdcompress/pkg/ml/train/telemetry"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the metrics written to the telemetry sink. Evaluation metrics are prefixed with EvalPrefix.
const (
	MetricPSNR    = "psnr"
	MetricMSE     = "mse"
	MetricBPP     = "bpp"
	MetricAuxLoss = "aux loss"
	MetricLoss    = "loss"

	EvalPrefix = "val/"
)

// DefaultProgressEvery is the default number of batches between progress lines.
const DefaultProgressEvery = 10

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// StepResult holds the results of one training step, passed to OnStep and OnEnd hooks.
type StepResult struct {
	// Epoch and BatchIdx (within the epoch) of the step.
	Epoch, BatchIdx int

	// GlobalStep used for the metrics of this step.
	GlobalStep int

	// BatchSize of the batch used in the step.
	BatchSize int

	Losses  losses.Bundle
	PSNR    float64
	AuxLoss float64

	// GradNorm is the L2 norm of the main parameters' gradients before clipping. It is only computed if
	// clipping is enabled, otherwise it's NaN.
	GradNorm float64

	Duration time.Duration
}

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks.
type OnStepFn func(loop *Loop, result *StepResult) error

// OnEndFn is the type of OnEnd hooks. result is the last step of the epoch.
type OnEndFn func(loop *Loop, result *StepResult) error

// Loop trains a model with two optimizers, one epoch at a time, and evaluates it.
//
// Hooks can be attached to the start, each step and the end of a training epoch: see OnStart, OnStep
// and OnEnd. They are used for progress bars, process metrics, etc.
//
// Steps are executed strictly sequentially. The public attributes are meant for reading only,
// except the configuration ones that can be set before training.
type Loop struct {
	Model        model.Model
	Loss         *losses.RateDistortion
	Optimizer    optimizers.Interface
	AuxOptimizer optimizers.Interface
	Sink         telemetry.Sink

	// ClipMaxNorm is the maximum L2 norm of the main gradients. If <= 0 clipping is disabled.
	ClipMaxNorm float64

	// Out is where progress lines are printed. Defaults to os.Stdout. Set to io.Discard to disable them.
	Out io.Writer

	// ProgressEvery is the number of batches between training progress lines.
	ProgressEvery int

	// EvalSnapshot, if set, writes the reconstruction of the first evaluation image to the sink.
	EvalSnapshot bool

	// Epoch currently (or last) trained.
	Epoch int

	// BatchIdx is the index within the epoch of the batch currently being trained.
	BatchIdx int

	// NumBatches in the current epoch.
	NumBatches int

	// GlobalStep of the last step trained, used as the step of evaluation metrics.
	GlobalStep int

	// SharedData allows for cross-tools to publish and consume information.
	SharedData map[string]any

	// TrainStepDurations of the current epoch, in a streaming median estimator.
	TrainStepDurations *metrics.StreamingMedian

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a training loop for the model, the loss and the two optimizers (see optimizers.Configure).
// Metrics are written to sink.
func NewLoop(m model.Model, loss *losses.RateDistortion, main, aux optimizers.Interface, sink telemetry.Sink) *Loop {
	return &Loop{
		Model:              m,
		Loss:               loss,
		Optimizer:          main,
		AuxOptimizer:       aux,
		Sink:               sink,
		Out:                os.Stdout,
		ProgressEvery:      DefaultProgressEvery,
		SharedData:         make(map[string]any),
		TrainStepDurations: metrics.NewStreamingMedian(),
		onStart:            newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:             newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:              newPriorityHooks[*hookWithName[OnEndFn]](),
	}
}

func (loop *Loop) printf(format string, args ...any) {
	if loop.Out == nil {
		return
	}
	_, _ = fmt.Fprintf(loop.Out, format, args...)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// checkDataset returns an error if ds can't be iterated.
func checkDataset(ds Dataset) error {
	if ds.Len() <= 0 {
		return errors.Errorf("dataset %q is empty", ds.Name())
	}
	if ds.BatchSize() <= 0 {
		return errors.Errorf("dataset %q has invalid batch size %d", ds.Name(), ds.BatchSize())
	}
	return nil
}

// TrainEpoch trains the model over one epoch of ds. It returns the global step of the last batch,
// to be used by Evaluate.
//
// For each batch: the batch is moved to the model's device, the gradients of both optimizers are zeroed,
// the rate-distortion loss is back-propagated (and optionally clipped) and the main optimizer updated;
// then the auxiliary loss is back-propagated and the auxiliary optimizer updated. Metrics psnr, mse, bpp and
// "aux loss" are written at GlobalStep(batchIdx, epoch, ds.Len(), ds.BatchSize()).
//
// A non-finite loss terminates the training with an error. ds is Reset at the end of the epoch.
func (loop *Loop) TrainEpoch(epoch int, ds Dataset) (lastStep int, err error) {
	if err = checkDataset(ds); err != nil {
		return 0, err
	}
	loop.Epoch = epoch
	loop.NumBatches = ds.NumBatches()
	loop.TrainStepDurations.Reset()
	defer ds.Reset()

	for hook := range loop.onStart.All() {
		if err = hook.fn(loop, ds); err != nil {
			return 0, errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}

	var result *StepResult
	for loop.BatchIdx = 0; ; loop.BatchIdx++ {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, errors.WithMessagef(err, "TrainEpoch(%d): failed reading batch #%d from dataset %q",
				epoch, loop.BatchIdx, ds.Name())
		}
		result, err = loop.trainStep(batch, GlobalStep(loop.BatchIdx, epoch, ds.Len(), ds.BatchSize()))
		if err != nil {
			return 0, errors.WithMessagef(err, "TrainEpoch(%d): failed batch #%d", epoch, loop.BatchIdx)
		}
		loop.GlobalStep = result.GlobalStep
		loop.TrainStepDurations.Update(float64(result.Duration))
		telemetry.WriteMetrics(loop.Sink, map[string]float64{
			MetricPSNR:    result.PSNR,
			MetricMSE:     result.Losses.MSE,
			MetricBPP:     result.Losses.BPP,
			MetricAuxLoss: result.AuxLoss,
		}, result.GlobalStep)

		if loop.ProgressEvery > 0 && loop.BatchIdx%loop.ProgressEvery == 0 {
			loop.printProgress(result, ds)
		}
		for hook := range loop.onStep.All() {
			if err = hook.fn(loop, result); err != nil {
				return 0, errors.WithMessagef(err, "OnStep(hook %q)", hook.name)
			}
		}
	}
	if result == nil {
		return 0, errors.Errorf("TrainEpoch(%d): dataset %q yielded no batches", epoch, ds.Name())
	}
	for hook := range loop.onEnd.All() {
		if err = hook.fn(loop, result); err != nil {
			return 0, errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return result.GlobalStep, nil
}

// trainStep runs one step on the batch, updating both optimizers.
func (loop *Loop) trainStep(batch *tensors.Tensor, globalStep int) (*StepResult, error) {
	startTime := time.Now()
	result := &StepResult{
		Epoch:      loop.Epoch,
		BatchIdx:   loop.BatchIdx,
		GlobalStep: globalStep,
		BatchSize:  batch.Dim(0),
		GradNorm:   math.NaN(),
	}
	x, err := model.ToDevice(loop.Model, batch)
	if err != nil {
		return nil, err
	}
	loop.Optimizer.ZeroGrad()
	loop.AuxOptimizer.ZeroGrad()

	out, err := loop.Model.Forward(x, model.Training)
	if err != nil {
		return nil, errors.WithMessage(err, "forward pass failed")
	}
	bundle, grads, err := loop.Loss.Evaluate(out, x)
	if err != nil {
		return nil, err
	}
	if !isFinite(bundle.Loss) {
		return nil, errors.Errorf("training diverged at step %d: loss=%g (mse=%g, bpp=%g)",
			globalStep, bundle.Loss, bundle.MSE, bundle.BPP)
	}
	result.Losses = bundle
	result.PSNR = losses.PSNR(bundle.MSE)

	if err = loop.Model.Backward(out, grads); err != nil {
		return nil, errors.WithMessage(err, "backward pass failed")
	}
	if loop.ClipMaxNorm > 0 {
		result.GradNorm = optimizers.ClipGradNorm(loop.Optimizer.Parameters(), loop.ClipMaxNorm)
	}
	if err = loop.Optimizer.Step(); err != nil {
		return nil, errors.WithMessagef(err, "optimizer %q failed", loop.Optimizer.Name())
	}

	auxLoss, err := model.AuxLossOf(loop.Model)
	if err != nil {
		return nil, err
	}
	if err = auxLoss.Backward(); err != nil {
		return nil, errors.WithMessage(err, "backward pass of auxiliary loss failed")
	}
	if err = loop.AuxOptimizer.Step(); err != nil {
		return nil, errors.WithMessagef(err, "auxiliary optimizer %q failed", loop.AuxOptimizer.Name())
	}
	result.AuxLoss = auxLoss.Value()
	result.Duration = time.Since(startTime)
	return result, nil
}

func (loop *Loop) printProgress(result *StepResult, ds Dataset) {
	loop.printf("Train epoch %d: [%d/%d (%.0f%%)]\tLoss: %.3f |\tMSE loss: %.3f |\tPSNR loss: %.3f |"+
		"\tBpp loss: %.2f |\tAux loss: %.2f\n",
		loop.Epoch, loop.BatchIdx*result.BatchSize, ds.Len(), 100*float64(loop.BatchIdx)/float64(max(ds.NumBatches(), 1)),
		result.Losses.Loss, result.Losses.MSE, result.PSNR, result.Losses.BPP, result.AuxLoss)
}

// EvalResult holds the averages of an evaluation pass.
type EvalResult struct {
	Loss, MSE, BPP, AuxLoss, PSNR float64

	// NumBatches evaluated.
	NumBatches int
}

// Map returns the evaluation averages keyed by their metric names (without EvalPrefix).
func (r EvalResult) Map() map[string]float64 {
	return map[string]float64{
		MetricLoss:    r.Loss,
		MetricPSNR:    r.PSNR,
		MetricMSE:     r.MSE,
		MetricBPP:     r.BPP,
		MetricAuxLoss: r.AuxLoss,
	}
}

// Evaluate runs the model in inference mode over ds, without computing gradients, and returns the average loss.
//
// The averages of loss, mse, bpp and "aux loss" (and the psnr of the average mse) are written with EvalPrefix at
// lastStep, the global step returned by the preceding TrainEpoch. One summary line is printed.
// ds is Reset at the end.
func (loop *Loop) Evaluate(epoch int, ds Dataset, lastStep int) (float64, error) {
	result, err := loop.EvaluateAll(epoch, ds, lastStep)
	if err != nil {
		return 0, err
	}
	return result.Loss, nil
}

// EvaluateAll is like Evaluate, but returns all averages.
func (loop *Loop) EvaluateAll(epoch int, ds Dataset, lastStep int) (EvalResult, error) {
	var result EvalResult
	if err := checkDataset(ds); err != nil {
		return result, err
	}
	defer ds.Reset()
	loss := metrics.NewRunningAverage(MetricLoss)
	bpp := metrics.NewRunningAverage(MetricBPP)
	mse := metrics.NewRunningAverage(MetricMSE)
	auxLoss := metrics.NewRunningAverage(MetricAuxLoss)
	for batchIdx := 0; ; batchIdx++ {
		batch, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return result, errors.WithMessagef(err, "Evaluate(%d): failed reading batch #%d from dataset %q",
				epoch, batchIdx, ds.Name())
		}
		x, err := model.ToDevice(loop.Model, batch)
		if err != nil {
			return result, err
		}
		out, err := loop.Model.Forward(x, model.Inference)
		if err != nil {
			return result, errors.WithMessagef(err, "Evaluate(%d): forward pass of batch #%d failed", epoch, batchIdx)
		}
		bundle, _, err := loop.Loss.Evaluate(out, x)
		if err != nil {
			return result, err
		}
		aux, err := model.AuxLossOf(loop.Model)
		if err != nil {
			return result, err
		}
		auxLoss.Update(aux.Value())
		bpp.Update(bundle.BPP)
		loss.Update(bundle.Loss)
		mse.Update(bundle.MSE)
		result.NumBatches++

		if batchIdx == 0 && loop.EvalSnapshot {
			first, err := out.Reconstruction.Slice(0, 1)
			if err != nil {
				return result, err
			}
			loop.Sink.WriteImage(EvalPrefix+"reconstruction", first, lastStep)
		}
	}
	if result.NumBatches == 0 {
		return result, errors.Errorf("Evaluate(%d): dataset %q yielded no batches", epoch, ds.Name())
	}

	result.Loss = loss.Average()
	result.MSE = mse.Average()
	result.BPP = bpp.Average()
	result.AuxLoss = auxLoss.Average()
	result.PSNR = losses.PSNR(result.MSE)
	evalMetrics := make(map[string]float64, 5)
	for name, value := range result.Map() {
		evalMetrics[EvalPrefix+name] = value
	}
	telemetry.WriteMetrics(loop.Sink, evalMetrics, lastStep)
	loop.printf("Test epoch %d: Average losses:\tLoss: %.3f |\tMSE loss: %.3f |\tBpp loss: %.2f |\tAux loss: %.2f\n\n",
		epoch, result.Loss, result.MSE, result.BPP, result.AuxLoss)
	klog.V(1).Infof("Evaluation of epoch %d over %d batches: %+v", epoch, result.NumBatches, result)
	return result, nil
}

// MedianTrainStepDuration returns the median duration of the training steps of the current epoch.
// It returns 1 millisecond if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	median, ok := loop.TrainStepDurations.Median()
	if !ok {
		return time.Millisecond
	}
	return time.Duration(median)
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of each training epoch.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each training step.
// The function `fn` is called after the metrics of the step are written.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of each training epoch,
// after the last step.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
