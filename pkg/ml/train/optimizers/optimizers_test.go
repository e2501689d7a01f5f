// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newParam(values ...float32) *model.Parameter {
	return model.NewParameter(tensors.FromFlatDataAndDimensions(values, len(values)))
}

// quadraticGrad sets p.Grad to the gradient of sum((p - target)^2).
func quadraticGrad(p *model.Parameter, target float32) {
	for ii, v := range p.Value.Flat() {
		p.Grad.Flat()[ii] = 2 * (v - target)
	}
}

func TestAdamFirstStep(t *testing.T) {
	p := newParam(1, -1, 0.5)
	copy(p.Grad.Flat(), []float32{0.3, -20, 0})
	opt := Adam().LearningRate(0.01).Done([]*model.Parameter{p})
	require.NoError(t, opt.Step())
	// The first Adam step moves each value by ~learning_rate * sign(gradient).
	assert.InDelta(t, 0.99, p.Value.Flat()[0], 1e-5)
	assert.InDelta(t, -0.99, p.Value.Flat()[1], 1e-5)
	assert.InDelta(t, 0.5, p.Value.Flat()[2], 1e-6)
	assert.Equal(t, "adam", opt.Name())
	assert.Equal(t, 0.01, opt.LearningRate())
}

func TestOptimizersConverge(t *testing.T) {
	for _, name := range []string{"sgd", "adam", "adamax", "adamw", "rmsprop"} {
		t.Run(name, func(t *testing.T) {
			p := newParam(3, -2)
			lr := 0.05
			opt := ByName(name, lr, []*model.Parameter{p})
			assert.Equal(t, name, opt.Name())
			for range 500 {
				opt.ZeroGrad()
				quadraticGrad(p, 1)
				require.NoError(t, opt.Step())
			}
			for _, v := range p.Value.Flat() {
				assert.InDelta(t, 1.0, v, 0.1)
			}
		})
	}
	require.Panics(t, func() { ByName("adagrad", 0.1, nil) })
}

func TestNonTrainableAreSkipped(t *testing.T) {
	frozen := newParam(1)
	frozen.Trainable = false
	trained := newParam(1)
	opt := Adam().Done([]*model.Parameter{frozen, trained})
	require.Len(t, opt.Parameters(), 1)
	frozen.Grad.Flat()[0] = 1
	trained.Grad.Flat()[0] = 1
	require.NoError(t, opt.Step())
	assert.Equal(t, float32(1), frozen.Value.Flat()[0])
	assert.Less(t, trained.Value.Flat()[0], float32(1))
}

func TestAdamStateDict(t *testing.T) {
	run := func(opt Interface, p *model.Parameter, steps int) {
		for range steps {
			opt.ZeroGrad()
			quadraticGrad(p, 0)
			require.NoError(t, opt.Step())
		}
	}
	// Reference: 10 uninterrupted steps.
	pRef := newParam(2, -3)
	run(Adam().LearningRate(0.1).Done([]*model.Parameter{pRef}), pRef, 10)

	// 5 steps, save, restore into a fresh optimizer, 5 more steps.
	p := newParam(2, -3)
	opt := Adam().LearningRate(0.1).Done([]*model.Parameter{p})
	run(opt, p, 5)
	state := opt.StateDict()
	assert.Equal(t, int64(5), state.Step)
	assert.Len(t, state.Slots, 2)
	assert.Equal(t, 0.1, state.Hyperparameters[ParamLearningRate])

	opt2 := Adam().LearningRate(0.5).Done([]*model.Parameter{p})
	require.NoError(t, opt2.LoadStateDict(state))
	assert.Equal(t, 0.1, opt2.LearningRate())
	run(opt2, p, 5)
	assert.InDeltaSlice(t, pRef.Value.Flat(), p.Value.Flat(), 1e-6)

	// Incompatible states.
	require.Error(t, opt2.LoadStateDict(nil))
	require.Error(t, StochasticGradientDescent().Done([]*model.Parameter{p}).LoadStateDict(state))
	other := Adam().Done([]*model.Parameter{newParam(1, 2, 3)})
	require.Error(t, other.LoadStateDict(state))
	two := Adam().Done([]*model.Parameter{p, newParam(1)})
	require.Error(t, two.LoadStateDict(state))
}

func TestClipGradNorm(t *testing.T) {
	a, b := newParam(0, 0), newParam(0)
	copy(a.Grad.Flat(), []float32{3, 0})
	b.Grad.Flat()[0] = 4
	params := []*model.Parameter{a, b}
	assert.InDelta(t, 5.0, GradNorm(params), 1e-6)

	// Disabled.
	assert.InDelta(t, 5.0, ClipGradNorm(params, 0), 1e-6)
	assert.Equal(t, float32(3), a.Grad.Flat()[0])

	// Below the threshold: untouched.
	assert.InDelta(t, 5.0, ClipGradNorm(params, 10), 1e-6)
	assert.Equal(t, float32(4), b.Grad.Flat()[0])

	// Clipped to norm 1.
	assert.InDelta(t, 5.0, ClipGradNorm(params, 1), 1e-6)
	assert.InDelta(t, 1.0, GradNorm(params), 1e-5)
	assert.InDelta(t, 0.6, a.Grad.Flat()[0], 1e-5)
	assert.InDelta(t, 0.8, b.Grad.Flat()[0], 1e-5)
	assert.False(t, math.IsNaN(GradNorm(params)))
}

func TestSGDStateDict(t *testing.T) {
	p := newParam(1)
	opt := StochasticGradientDescent().LearningRate(0.5).Done([]*model.Parameter{p})
	p.Grad.Flat()[0] = 1
	require.NoError(t, opt.Step())
	assert.Equal(t, float32(0.5), p.Value.Flat()[0])
	state := opt.StateDict()
	assert.Equal(t, int64(1), state.Step)
	opt2 := StochasticGradientDescent().Done([]*model.Parameter{p})
	require.NoError(t, opt2.LoadStateDict(state))
	assert.Equal(t, 0.5, opt2.LearningRate())
}
