// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/checkpoints"
	"github.com/gomlx/rdcompress/pkg/ml/train/optimizers"
	"github.com/gomlx/rdcompress/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestCheckpoint(t *testing.T, dir string, loss float64) string {
	manager := must.M1(checkpoints.NewManager(dir))
	rec := &checkpoints.Record{
		Epoch: 3,
		Loss:  loss,
		StateDict: map[string]*tensors.Tensor{
			"g_a.weight":                   tensors.FromScalarAndDimensions(1, 100, 100),
			"g_a.bias":                     tensors.FromFlatDataAndDimensions([]float32{-2, 2}, 2),
			"entropy_bottleneck.quantiles": tensors.FromScalarAndDimensions(0.5, 2, 3),
		},
		Optimizer: &optimizers.State{
			Name:            "adam",
			Step:            1200,
			Hyperparameters: map[string]float64{optimizers.ParamLearningRate: 1e-4},
		},
	}
	require.NoError(t, manager.Save(rec, true))
	return manager.Path()
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a/b/c"}, MinimalUniquePaths("a/b/c"))
	assert.Equal(t, []string{"x", "y"}, MinimalUniquePaths("logs/x/checkpoint.bin", "logs/y/checkpoint.bin"))
	assert.Equal(t, []string{"x...c", "y...d"},
		MinimalUniquePaths("logs/x/b/c", "logs/y/b/d"))
	assert.Equal(t, []string{"c", "c"}, MinimalUniquePaths("a/b/c", "a/b/c"))
}

func TestCheckpointPath(t *testing.T) {
	dir := t.TempDir()
	path := saveTestCheckpoint(t, dir, 1.5)
	assert.Equal(t, path, must.M1(checkpointPath(dir, false)))
	assert.Equal(t, filepath.Join(dir, checkpoints.BestFileName), must.M1(checkpointPath(dir, true)))
	assert.Equal(t, path, must.M1(checkpointPath(path, true)))
	_, err := checkpointPath(filepath.Join(dir, "missing"), false)
	require.Error(t, err)
}

func TestSummaryAndVariables(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	paths := []string{saveTestCheckpoint(t, dirA, 1.5), saveTestCheckpoint(t, dirB, math.NaN())}
	recs := []*checkpoints.Record{must.M1(checkpoints.Load(paths[0])), must.M1(checkpoints.Load(paths[1]))}

	var buf bytes.Buffer
	Summary(&buf, recs, paths, []string{"a", "b"})
	s := buf.String()
	assert.Contains(t, s, "10,008") // # parameters.
	assert.Contains(t, s, "1.5")
	assert.Contains(t, s, "NaN")
	assert.Contains(t, s, "adam: 1,200 steps, lr=0.0001")

	buf.Reset()
	ListVariables(&buf, "a", recs[0])
	s = buf.String()
	assert.Contains(t, s, "g_a.weight")
	assert.Contains(t, s, "[100 100]")
	assert.Contains(t, s, "entropy_bottleneck.quantiles")
	assert.Contains(t, s, "Glossary")
}

func TestTensorStats(t *testing.T) {
	mav, rms, maxAV := tensorStats([]float32{-3, 4})
	assert.InDelta(t, 3.5, mav, 1e-9)
	assert.InDelta(t, math.Sqrt(12.5), rms, 1e-9)
	assert.InDelta(t, 4.0, maxAV, 1e-9)
}

func TestPerturbVars(t *testing.T) {
	path := saveTestCheckpoint(t, t.TempDir(), 1.0)

	const perturbAmount = 0.1
	require.NoError(t, PerturbVars(path, perturbAmount, 1))
	rec, err := checkpoints.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Epoch)

	var lowerCount, higherCount int
	weight := rec.StateDict["g_a.weight"]
	for _, v := range weight.Flat() {
		require.Greater(t, v, float32(1.0-perturbAmount))
		require.Less(t, v, float32(1.0+perturbAmount))
		if v < 1.0 {
			lowerCount++
		} else if v > 1.0 {
			higherCount++
		}
	}
	totalCount := weight.Size()
	// At least 99% of the values must have changed.
	require.Greater(t, lowerCount+higherCount, 99*totalCount/100)
	// The difference of values moving up and down < 10%.
	require.Less(t, max(lowerCount-higherCount, higherCount-lowerCount), 10*totalCount/100)

	// Auxiliary parameters are not perturbed.
	for _, v := range rec.StateDict["entropy_bottleneck.quantiles"].Flat() {
		require.Equal(t, float32(0.5), v)
	}
}

func TestListMetrics(t *testing.T) {
	runDir := t.TempDir()
	points, errs := plots.CreatePointsWriter(filepath.Join(runDir, plots.MetricsFileName))
	points <- plots.NewPoint("psnr", 0, 12.5)
	points <- plots.NewPoint("bpp", 0, 0.75)
	points <- plots.NewPoint("val/psnr", 1, 13.25)
	close(points)
	require.NoError(t, <-errs)

	var buf bytes.Buffer
	require.NoError(t, ListMetrics(&buf, runDir))
	assert.Contains(t, buf.String(), "12.5")
	assert.Contains(t, buf.String(), "val/psnr")

	*flagMetricsTypes = "bpp"
	defer func() { *flagMetricsTypes = "" }()
	buf.Reset()
	require.NoError(t, ListMetrics(&buf, runDir))
	assert.Contains(t, buf.String(), "0.75")
	assert.NotContains(t, buf.String(), "val/psnr")

	require.Error(t, ListMetrics(&buf, filepath.Join(runDir, "missing")))
}
