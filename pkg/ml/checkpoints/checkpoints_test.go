// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/ml/models/factorized"
	"github.com/gomlx/rdcompress/pkg/ml/train/losses"
	"github.com/gomlx/rdcompress/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trainedState returns a model and its optimizers after one training step, so optimizer slots are non-zero.
func trainedState(t *testing.T, seed uint64) (*factorized.Model, optimizers.Interface, optimizers.Interface) {
	m := must.M1(factorized.New().LatentChannels(2).Seed(seed).Done())
	main, aux := optimizers.Configure(m, optimizers.Config{LearningRate: 1e-3, AuxLearningRate: 1e-2})
	x := tensors.FromScalarAndDimensions(0.25, 1, 2, 2, 3)
	out := must.M1(m.Forward(x, model.Training))
	_, grads, err := losses.NewRateDistortion(0.01).Evaluate(out, x)
	require.NoError(t, err)
	require.NoError(t, m.Backward(out, grads))
	require.NoError(t, main.Step())
	auxLoss := must.M1(m.AuxLoss())
	require.NoError(t, auxLoss.Backward())
	require.NoError(t, aux.Step())
	return m, main, aux
}

func assertSameTensors(t *testing.T, want, got map[string]*tensors.Tensor) {
	require.Len(t, got, len(want))
	for name, value := range want {
		require.Contains(t, got, name)
		assert.Equal(t, value.Shape(), got[name].Shape(), "tensor %q", name)
		assert.Equal(t, value.Flat(), got[name].Flat(), "tensor %q", name)
	}
}

func TestWriteRead(t *testing.T) {
	m, main, aux := trainedState(t, 1)
	rec := Snapshot(3, 1.25, m, main, aux)
	var buf bytes.Buffer
	require.NoError(t, rec.Write(&buf))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("gomlx_checkpoints\x04gzip")))

	loaded, err := Read(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Epoch)
	assert.Equal(t, 1.25, loaded.Loss)
	assertSameTensors(t, rec.StateDict, loaded.StateDict)
	assert.Equal(t, rec.Optimizer.Step, loaded.Optimizer.Step)
	assert.Equal(t, rec.Optimizer.Hyperparameters, loaded.Optimizer.Hyperparameters)
	assertSameTensors(t, rec.Optimizer.Slots, loaded.Optimizer.Slots)
	assertSameTensors(t, rec.AuxOptimizer.Slots, loaded.AuxOptimizer.Slots)

	// Restore into a differently initialized model.
	m2 := must.M1(factorized.New().LatentChannels(2).Seed(2).Done())
	main2, aux2 := optimizers.Configure(m2, optimizers.Config{LearningRate: 0.5, AuxLearningRate: 0.5})
	require.NoError(t, loaded.Restore(m2, main2, aux2))
	assertSameTensors(t, model.StateDict(m), model.StateDict(m2))
	assert.Equal(t, main.LearningRate(), main2.LearningRate())
	assert.Equal(t, aux.StateDict().Step, aux2.StateDict().Step)

	// Mismatched models are rejected.
	other := must.M1(factorized.New().LatentChannels(3).Done())
	require.Error(t, loaded.Restore(other, nil, nil))

	_, err = Read(bytes.NewReader([]byte("not a checkpoint file")))
	require.Error(t, err)
}

func TestNonFiniteLoss(t *testing.T) {
	m, main, aux := trainedState(t, 1)
	for _, loss := range []float64{math.Inf(1), math.NaN()} {
		var buf bytes.Buffer
		require.NoError(t, Snapshot(1, loss, m, main, aux).Write(&buf))
		loaded, err := Read(&buf)
		require.NoError(t, err)
		if math.IsNaN(loss) {
			assert.True(t, math.IsNaN(loaded.Loss))
		} else {
			assert.Equal(t, loss, loaded.Loss)
		}
	}
}

func TestManagerSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "experiment")
	manager, err := NewManager(dir)
	require.NoError(t, err)
	m, main, aux := trainedState(t, 1)

	require.NoError(t, manager.Save(Snapshot(1, 2.0, m, main, aux), true))
	first, err := os.ReadFile(manager.Path())
	require.NoError(t, err)
	best, err := os.ReadFile(manager.BestPath())
	require.NoError(t, err)
	assert.Equal(t, first, best, "best checkpoint must be a byte-identical copy")

	// Not best: only the current checkpoint is overwritten.
	require.NoError(t, manager.Save(Snapshot(2, 3.0, m, main, aux), false))
	latest, err := manager.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Epoch)
	bestRec, err := manager.LoadBest()
	require.NoError(t, err)
	assert.Equal(t, 1, bestRec.Epoch)
	assert.Equal(t, 2.0, bestRec.Loss)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temporary files are left behind")

	// A file where the directory should be.
	filePath := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(filePath, nil, 0660))
	_, err = NewManager(filePath)
	require.Error(t, err)
}

func TestBestTracker(t *testing.T) {
	tracker := NewBestTracker()
	assert.True(t, math.IsInf(tracker.Best(), 1))
	assert.True(t, tracker.Update(1.0))
	assert.False(t, tracker.Update(1.0), "ties are not improvements")
	assert.False(t, tracker.Update(1.5))
	assert.False(t, tracker.Update(math.NaN()))
	assert.True(t, tracker.Update(0.5))
	assert.Equal(t, 0.5, tracker.Best())
	tracker.Reset(0.1)
	assert.False(t, tracker.Update(0.2))
}
