// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rdtrain trains a learned image-compression model, optimizing its rate-distortion trade-off.
//
// The dataset directory must have "train" and "test" sub-directories with images. Example:
//
//	rdtrain -dataset ~/work/images -experiment factorized_0.01 -lambda 0.01 -save -offline
//
// Telemetry is sent to the tracking server given by RDTRAIN_TRACKING_URL and RDTRAIN_API_KEY (they can be
// set in a ".env" file), or written to the experiment directory with -offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDataset = flag.String("dataset", "", "Training dataset directory, with \"train\" and \"test\" sub-directories of images.")
	flagEpochs  = flag.Int("epochs", 100, "Number of epochs to train.")

	// Optimization.
	flagLearningRate    = flag.Float64("learning_rate", 1e-4, "Learning rate of the main optimizer.")
	flagAuxLearningRate = flag.Float64("aux_learning_rate", 1e-3, "Learning rate of the auxiliary optimizer, that trains the entropy model quantiles.")
	flagLambda          = flag.Float64("lambda", 1e-2, "Bit-rate distortion parameter: weight of the distortion in the loss.")
	flagClipMaxNorm     = flag.Float64("clip_max_norm", 1.0, "Gradient clipping max norm. Set to 0 to disable clipping.")
	flagSeed            = flag.Int64("seed", -1, "Random seed for reproducibility. If negative a time based seed is used.")

	// Data.
	flagBatchSize     = flag.Int("batch_size", 16, "Training batch size.")
	flagTestBatchSize = flag.Int("test_batch_size", 64, "Evaluation batch size.")
	flagPatchSize     = xslices.Flag("patch_size", []int{64, 64}, "Size of the patches cropped from the images, as \"height,width\".", strconv.Atoi)
	flagNumWorkers    = flag.Int("num_workers", 3, "Number of parallel workers decoding images.")
	flagReadAhead     = flag.Int("read_ahead", 2, "Number of batches prepared in the background. Set to 0 to disable.")

	// Model and devices.
	flagChannels = flag.Int("channels", 8, "Number of latent channels of the model.")
	flagCuda     = flag.Bool("cuda", false, "Train on all devices given by -devices, replicating the model across them if there is more than one. Otherwise only the first device is used.")
	flagDevices  = xslices.Flag("devices", []string{"cpu:0"}, "Comma-separated list of devices.", func(s string) (string, error) { return s, nil })

	// Outputs.
	flagExperiment  = flag.String("experiment", "default", "Name of the experiment: it's the run name, and the sub-directory of -logs_dir with its files.")
	flagLogsDir     = flag.String("logs_dir", "_logs", "Directory where experiment directories are created.")
	flagSave        = flag.Bool("save", false, "Save checkpoints to the experiment directory at the end of every epoch.")
	flagResume      = flag.Bool("resume", false, "Resume training from the checkpoint in the experiment directory, if there is one.")
	flagOffline     = flag.Bool("offline", false, "Write telemetry to the experiment directory, instead of sending it to the tracking server.")
	flagDummy       = flag.Bool("dummy", false, "Discard all telemetry.")
	flagProgressBar = flag.Bool("progress_bar", false, "Display a progress bar, instead of the periodic progress lines.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, address (e.g. \":9090\") where Prometheus process metrics are served.")
)

func main() {
	_ = godotenv.Load(".env")
	klog.InitFlags(nil)
	flag.Parse()
	opts, err := optionsFromFlags()
	if err != nil {
		klog.Fatalf("Invalid flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	err = exceptions.TryCatch[error](func() { must.M(run(ctx, opts)) })
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
}

// options of a training run, see the flags for their meanings.
type options struct {
	dataset                       string
	epochs                        int
	learningRate, auxLearningRate float64
	lambda, clipMaxNorm           float64
	seed                          int64
	batchSize, testBatchSize      int
	patchHeight, patchWidth       int
	numWorkers, readAhead         int
	channels                      int
	cuda                          bool
	devices                       []string
	experiment, logsDir           string
	save, resume, offline, dummy  bool
	progressBar                   bool
	metricsAddr                   string

	// out is where the user-facing progress is printed.
	out io.Writer
}

// optionsFromFlags validates the flags.
func optionsFromFlags() (*options, error) {
	opts := &options{
		dataset:         *flagDataset,
		epochs:          *flagEpochs,
		learningRate:    *flagLearningRate,
		auxLearningRate: *flagAuxLearningRate,
		lambda:          *flagLambda,
		clipMaxNorm:     *flagClipMaxNorm,
		seed:            *flagSeed,
		batchSize:       *flagBatchSize,
		testBatchSize:   *flagTestBatchSize,
		numWorkers:      *flagNumWorkers,
		readAhead:       *flagReadAhead,
		channels:        *flagChannels,
		cuda:            *flagCuda,
		devices:         *flagDevices,
		experiment:      *flagExperiment,
		logsDir:         *flagLogsDir,
		save:            *flagSave,
		resume:          *flagResume,
		offline:         *flagOffline,
		dummy:           *flagDummy,
		progressBar:     *flagProgressBar,
		metricsAddr:     *flagMetricsAddr,
		out:             os.Stdout,
	}
	if len(*flagPatchSize) != 2 {
		return nil, errors.Errorf("-patch_size requires 2 values (height,width), got %v", *flagPatchSize)
	}
	opts.patchHeight, opts.patchWidth = (*flagPatchSize)[0], (*flagPatchSize)[1]
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func (opts *options) validate() error {
	switch {
	case opts.dataset == "":
		return errors.New("-dataset is required")
	case opts.epochs <= 0:
		return errors.Errorf("-epochs must be > 0, got %d", opts.epochs)
	case opts.learningRate <= 0:
		return errors.Errorf("-learning_rate must be > 0, got %g", opts.learningRate)
	case opts.auxLearningRate <= 0:
		return errors.Errorf("-aux_learning_rate must be > 0, got %g", opts.auxLearningRate)
	case opts.lambda < 0:
		return errors.Errorf("-lambda must be >= 0, got %g", opts.lambda)
	case opts.clipMaxNorm < 0:
		return errors.Errorf("-clip_max_norm must be >= 0 (0 disables clipping), got %g", opts.clipMaxNorm)
	case opts.batchSize <= 0 || opts.testBatchSize <= 0:
		return errors.Errorf("-batch_size and -test_batch_size must be > 0, got %d and %d", opts.batchSize, opts.testBatchSize)
	case opts.patchHeight <= 0 || opts.patchWidth <= 0:
		return errors.Errorf("-patch_size must be positive, got %dx%d", opts.patchHeight, opts.patchWidth)
	case opts.channels <= 0:
		return errors.Errorf("-channels must be > 0, got %d", opts.channels)
	case len(opts.devices) == 0:
		return errors.New("-devices requires at least one device")
	case opts.experiment == "":
		return errors.New("-experiment can't be empty")
	}
	return nil
}

// runConfig is the configuration recorded with the telemetry of the run.
func (opts *options) runConfig() map[string]any {
	return map[string]any{
		"dataset":           opts.dataset,
		"epochs":            opts.epochs,
		"learning_rate":     opts.learningRate,
		"aux_learning_rate": opts.auxLearningRate,
		"lambda":            opts.lambda,
		"clip_max_norm":     opts.clipMaxNorm,
		"seed":              opts.seed,
		"batch_size":        opts.batchSize,
		"test_batch_size":   opts.testBatchSize,
		"patch_size":        []any{opts.patchHeight, opts.patchWidth},
		"num_workers":       opts.numWorkers,
		"channels":          opts.channels,
		"cuda":              opts.cuda,
		"devices":           xslices.Map(opts.devices, func(d string) any { return d }),
		"experiment":        opts.experiment,
		"save":              opts.save,
	}
}

func (opts *options) String() string {
	return fmt.Sprintf("experiment %q: dataset=%q, epochs=%d, lambda=%g", opts.experiment, opts.dataset, opts.epochs, opts.lambda)
}
