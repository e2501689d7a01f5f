// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/rdcompress/pkg/ml/checkpoints"
	"github.com/gomlx/rdcompress/pkg/ml/datasets"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/ml/models/factorized"
	"github.com/gomlx/rdcompress/pkg/ml/train"
	"github.com/gomlx/rdcompress/pkg/ml/train/losses"
	"github.com/gomlx/rdcompress/pkg/ml/train/optimizers"
	"github.com/gomlx/rdcompress/pkg/ml/train/telemetry"
	"github.com/gomlx/rdcompress/pkg/support/fsutil"
	"github.com/gomlx/rdcompress/ui/commandline"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

// run trains opts.epochs epochs, evaluating after each one.
//
// Cancelling ctx stops the training before the next epoch starts.
func run(ctx context.Context, opts *options) error {
	if opts.seed < 0 {
		opts.seed = time.Now().UnixNano() & math.MaxInt32
		klog.Infof("Using random seed %d", opts.seed)
	}
	logsDir, err := fsutil.ReplaceTildeInDir(opts.logsDir)
	if err != nil {
		return err
	}
	experimentDir := filepath.Join(logsDir, opts.experiment)
	if err = os.MkdirAll(experimentDir, checkpoints.DirPermMode); err != nil {
		return errors.Wrapf(err, "failed to create experiment directory %q", experimentDir)
	}
	klog.V(1).Infof("Training %s", opts)

	trainDS, testDS, err := createDatasets(opts)
	if err != nil {
		return err
	}
	m, err := createModel(opts)
	if err != nil {
		return err
	}

	sink, err := telemetry.New(ctx, telemetry.ConfigFromEnv(telemetry.Config{
		RunName:   opts.experiment,
		Dir:       experimentDir,
		Offline:   opts.offline,
		RunConfig: opts.runConfig(),
	}), opts.dummy)
	if err != nil {
		return err
	}
	defer func() {
		if err := sink.Close(); err != nil {
			klog.Errorf("Failed to close telemetry: %+v", err)
		}
	}()
	sink.WatchAll(m)

	mainOptimizer, auxOptimizer := optimizers.Configure(m, optimizers.Config{
		LearningRate:    opts.learningRate,
		AuxLearningRate: opts.auxLearningRate,
	})
	loop := train.NewLoop(m, losses.NewRateDistortion(opts.lambda), mainOptimizer, auxOptimizer, sink)
	loop.ClipMaxNorm = opts.clipMaxNorm
	loop.EvalSnapshot = true
	loop.Out = opts.out
	if opts.progressBar {
		loop.ProgressEvery = 0
		commandline.AttachProgressBar(loop)
	}
	if opts.metricsAddr != "" {
		pm := newProcessMetrics(prometheus.NewRegistry())
		pm.attach(loop)
		stop, err := pm.serve(opts.metricsAddr)
		if err != nil {
			return err
		}
		defer stop()
	}

	manager, err := checkpoints.NewManager(experimentDir)
	if err != nil {
		return err
	}
	best := checkpoints.NewBestTracker()
	startEpoch := 0
	if opts.resume {
		startEpoch, err = resume(manager, best, loop)
		if err != nil {
			return err
		}
	}

	for epoch := startEpoch; epoch < opts.epochs; epoch++ {
		if ctx.Err() != nil {
			klog.Warningf("Training interrupted before epoch %d: %v", epoch, ctx.Err())
			break
		}
		lastStep, err := loop.TrainEpoch(epoch, trainDS)
		if err != nil {
			return errors.WithMessagef(err, "training epoch %d", epoch)
		}
		result, err := loop.EvaluateAll(epoch, testDS, lastStep)
		if err != nil {
			return errors.WithMessagef(err, "evaluating epoch %d", epoch)
		}
		isBest := best.Update(result.Loss)
		if opts.progressBar {
			commandline.ReportEval(opts.out, epoch, result, best.Best())
		}
		if opts.save {
			rec := checkpoints.Snapshot(epoch+1, result.Loss, m, mainOptimizer, auxOptimizer)
			if err = manager.Save(rec, isBest); err != nil {
				return err
			}
		}
	}
	return nil
}

// resume restores the loop's model and optimizers from the latest checkpoint of manager, and the best loss
// from its best checkpoint. It returns the epoch to continue from, 0 if there is no checkpoint.
func resume(manager *checkpoints.Manager, best *checkpoints.BestTracker, loop *train.Loop) (int, error) {
	rec, err := manager.LoadLatest()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.Infof("No checkpoint in %q, starting from scratch", manager.Dir())
			return 0, nil
		}
		return 0, err
	}
	if err = rec.Restore(loop.Model, loop.Optimizer, loop.AuxOptimizer); err != nil {
		return 0, errors.WithMessagef(err, "failed to resume from %q", manager.Path())
	}
	best.Update(rec.Loss)
	bestRec, err := manager.LoadBest()
	switch {
	case err == nil:
		best.Update(bestRec.Loss)
	case !errors.Is(err, os.ErrNotExist):
		return 0, err
	}
	klog.Infof("Resuming from epoch %d, best loss so far %g", rec.Epoch, best.Best())
	return rec.Epoch, nil
}

// createDatasets for training (shuffled random crops) and evaluation (center crops).
func createDatasets(opts *options) (trainDS, testDS train.Dataset, err error) {
	dataset, err := fsutil.ReplaceTildeInDir(opts.dataset)
	if err != nil {
		return nil, nil, err
	}
	trainPaths, err := datasets.ImageFolder(dataset, "train")
	if err != nil {
		return nil, nil, err
	}
	testPaths, err := datasets.ImageFolder(dataset, "test")
	if err != nil {
		return nil, nil, err
	}
	klog.V(1).Infof("Dataset %q: %d train and %d test images", dataset, len(trainPaths), len(testPaths))

	trainImages := datasets.NewImages("train", trainPaths, opts.batchSize).
		WithTransform(datasets.RandomCrop(opts.patchWidth, opts.patchHeight)).
		NumWorkers(opts.numWorkers).
		Seed(uint64(opts.seed)).
		Shuffle()
	testImages := datasets.NewImages("test", testPaths, opts.testBatchSize).
		WithTransform(datasets.CenterCrop(opts.patchWidth, opts.patchHeight)).
		NumWorkers(opts.numWorkers)
	return datasets.ReadAhead(trainImages, opts.readAhead), datasets.ReadAhead(testImages, opts.readAhead), nil
}

// createModel creates the model, replicated over the devices if opts.cuda is set and there is more than one.
func createModel(opts *options) (model.Model, error) {
	m, err := factorized.New().LatentChannels(opts.channels).Seed(uint64(opts.seed)).Done()
	if err != nil {
		return nil, err
	}
	if !opts.cuda || len(opts.devices) == 1 {
		klog.V(1).Infof("Training on %q", opts.devices[0])
		return m, nil
	}
	dp, err := model.NewDataParallel(m, opts.devices...)
	if err != nil {
		return nil, err
	}
	klog.Infof("Model replicated over devices %v", opts.devices)
	return dp, nil
}
