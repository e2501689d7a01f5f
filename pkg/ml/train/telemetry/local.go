// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/support/fsutil"
	"github.com/gomlx/rdcompress/ui/plots"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

// Files written by the LocalBackend in the run directory.
const (
	LocalConfigFileName     = "config.json"
	LocalParametersFileName = "parameters.json"
	LocalHistogramsFileName = "histograms.jsonl"
	LocalPlotsFileName      = "metrics.html"
	LocalImagesDir          = "media/images"
)

// LocalBackend is a Backend that writes the run to a local directory, for offline runs:
//
//   - config.json: the run configuration.
//   - parameters.json: the parameters given by UpdateConfig.
//   - metrics.jsonl: the scalar metrics, as plots.Point.
//   - histograms.jsonl: the histograms, one per line.
//   - media/images/<name>_<step>.png: the images.
//   - metrics.html: plots of the metrics, generated on Finish.
type LocalBackend struct {
	baseDir string

	mu         sync.Mutex
	runDir     string
	points     chan<- plots.Point
	pointsErr  <-chan error
	histograms *os.File
	parameters map[string]any
	finished   bool
}

var (
	_ Backend       = (*LocalBackend)(nil)
	_ ConfigUpdater = (*LocalBackend)(nil)
)

// NewLocalBackend creates a LocalBackend whose runs are created under baseDir.
func NewLocalBackend(baseDir string) *LocalBackend {
	return &LocalBackend{baseDir: baseDir, parameters: make(map[string]any)}
}

// RunDir returns the directory of the run, available after Init.
func (b *LocalBackend) RunDir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runDir
}

// Init implements Backend: it creates the run directory, named "offline-run-<time>-<id>".
func (b *LocalBackend) Init(_ context.Context, info RunInfo) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runDir != "" {
		return errors.Errorf("LocalBackend already initialized with run in %q", b.runDir)
	}
	baseDir := b.baseDir
	if baseDir == "" {
		baseDir = "."
	}
	baseDir, err := fsutil.ReplaceTildeInDir(baseDir)
	if err != nil {
		return err
	}
	id := strings.ReplaceAll(info.ID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	runDir := filepath.Join(baseDir, fmt.Sprintf("offline-run-%s-%s", time.Now().Format("20060102_150405"), id))
	if err = os.MkdirAll(filepath.Join(runDir, LocalImagesDir), 0770); err != nil {
		return errors.Wrapf(err, "failed to create run directory %q", runDir)
	}

	config := maps.Clone(info.Config)
	if config == nil {
		config = make(map[string]any)
	}
	config["_run"] = map[string]any{"id": info.ID, "project": info.Project, "name": info.Name}
	if err = writeJSONStruct(filepath.Join(runDir, LocalConfigFileName), config); err != nil {
		return err
	}
	b.runDir = runDir
	b.points, b.pointsErr = plots.CreatePointsWriter(filepath.Join(runDir, plots.MetricsFileName))
	klog.Infof("Offline telemetry run in %q", runDir)
	return nil
}

// writeJSONStruct writes values as a protobuf Struct in its canonical JSON form.
func writeJSONStruct(path string, values map[string]any) error {
	compatible, err := jsonCompatible(values)
	if err != nil {
		return err
	}
	s, err := structpb.NewStruct(compatible)
	if err != nil {
		return errors.Wrapf(err, "failed to convert values to be written to %q", path)
	}
	encoded, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "failed to encode values to be written to %q", path)
	}
	if err = os.WriteFile(path, encoded, 0664); err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	return nil
}

type histogramRecord struct {
	Name string `json:"name"`
	Step int    `json:"step"`
	Histogram
}

// Log implements Backend.
func (b *LocalBackend) Log(values map[string]any, step int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRunning(); err != nil {
		return err
	}
	for name, value := range values {
		var err error
		switch v := value.(type) {
		case float64:
			b.points <- plots.NewPoint(name, step, v)
		case float32:
			b.points <- plots.NewPoint(name, step, float64(v))
		case Image:
			err = b.writeImage(name, v, step)
		case Histogram:
			err = b.writeHistogram(name, v, step)
		default:
			err = errors.Errorf("value of type %T not supported for %q", value, name)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *LocalBackend) checkRunning() error {
	if b.runDir == "" {
		return errors.New("LocalBackend not initialized")
	}
	if b.finished {
		return errors.New("LocalBackend run already finished")
	}
	return nil
}

func (b *LocalBackend) writeImage(name string, img Image, step int) error {
	fileName := fmt.Sprintf("%s_%d.%s", strings.ReplaceAll(name, "/", "_"), step, img.Format)
	path := filepath.Join(b.runDir, LocalImagesDir, fileName)
	if err := os.WriteFile(path, img.Data, 0664); err != nil {
		return errors.Wrapf(err, "failed to write image %q", path)
	}
	return nil
}

func (b *LocalBackend) writeHistogram(name string, h Histogram, step int) error {
	if b.histograms == nil {
		path := filepath.Join(b.runDir, LocalHistogramsFileName)
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			return errors.Wrapf(err, "failed to open %q", path)
		}
		b.histograms = f
	}
	if err := json.NewEncoder(b.histograms).Encode(histogramRecord{Name: name, Step: step, Histogram: h}); err != nil {
		return errors.Wrapf(err, "failed to write histogram %q", name)
	}
	return nil
}

// Watch implements Backend. The histograms themselves are passed to Log.
func (b *LocalBackend) Watch(m model.Model, mode WatchMode, logFreq int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRunning(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("can't watch a nil model")
	}
	klog.V(1).Infof("Watching %d parameters of %T (%s), every %d steps", len(m.NamedParameters()), m, mode, logFreq)
	return nil
}

// UpdateConfig implements ConfigUpdater. All parameters given so far are written to parameters.json.
func (b *LocalBackend) UpdateConfig(params map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRunning(); err != nil {
		return err
	}
	maps.Copy(b.parameters, params)
	return writeJSONStruct(filepath.Join(b.runDir, LocalParametersFileName), b.parameters)
}

// Finish implements Backend: it flushes the metrics and generates the plots page.
func (b *LocalBackend) Finish() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRunning(); err != nil {
		return err
	}
	b.finished = true
	close(b.points)
	err := <-b.pointsErr
	if b.histograms != nil {
		if closeErr := b.histograms.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "failed to close histograms file")
		}
	}
	if err != nil {
		return err
	}
	metricsPath := filepath.Join(b.runDir, plots.MetricsFileName)
	if exists, err := fsutil.FileExists(metricsPath); err != nil || !exists {
		return err
	}
	points, err := plots.LoadPoints(metricsPath)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	return plots.PlotlyToHTMLFile(filepath.Join(b.runDir, LocalPlotsFileName), points)
}
