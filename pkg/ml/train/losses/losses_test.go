// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package losses

import (
	"math"
	"testing"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateDistortionPerfectReconstruction(t *testing.T) {
	// N=1, H=2, W=2, C=3, likelihoods all 0.5 over 4 elements: bpp = 4*log(0.5)/(-ln2*4) = 1.
	target := tensors.FromScalarAndDimensions(0.25, 1, 2, 2, 3)
	out := &model.Output{
		Reconstruction: target.Clone(),
		Likelihoods:    map[string]*tensors.Tensor{"y": tensors.FromScalarAndDimensions(0.5, 1, 2, 2, 1)},
	}
	bundle, grads, err := NewRateDistortion(0.01).Evaluate(out, target)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, bundle.BPP, 1e-9)
	assert.Equal(t, 0.0, bundle.MSE)
	assert.InDelta(t, 1.0, bundle.Loss, 1e-9)
	for _, g := range grads.Reconstruction.Flat() {
		assert.Equal(t, float32(0), g)
	}
	m := bundle.Map()
	assert.Equal(t, bundle.Loss, m[KeyLoss])
	assert.Equal(t, bundle.BPP, m[KeyBPP])
	assert.Equal(t, bundle.MSE, m[KeyMSE])
}

func TestRateDistortionComponents(t *testing.T) {
	// N=2, H=1, W=2, C=1 -> numPixels = 4.
	target := tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 0}, 2, 1, 2, 1)
	recon := tensors.FromFlatDataAndDimensions([]float32{0.1, 0, 0, -0.1}, 2, 1, 2, 1)
	out := &model.Output{
		Reconstruction: recon,
		Likelihoods: map[string]*tensors.Tensor{
			"y": tensors.FromFlatDataAndDimensions([]float32{0.25, 0.25}, 2, 1),
			"z": tensors.FromFlatDataAndDimensions([]float32{1, 1}, 2, 1),
		},
	}
	lambda := 0.01
	bundle, grads, err := NewRateDistortion(lambda).Evaluate(out, target)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, bundle.MSE, 1e-8)
	// Two likelihoods of 1/4 = 4 bits, over 4 pixels.
	assert.InDelta(t, 1.0, bundle.BPP, 1e-9)
	assert.InDelta(t, lambda*255*255*0.005+1.0, bundle.Loss, 1e-6)

	// d(loss)/d(recon) = lambda * 255² * 2 * diff / numElements.
	assert.InDelta(t, lambda*65025*2*0.1/4, grads.Reconstruction.Flat()[0], 1e-3)
	assert.InDelta(t, -lambda*65025*2*0.1/4, grads.Reconstruction.Flat()[3], 1e-3)
	// d(loss)/d(likelihood) = 1 / (l * -ln2 * numPixels).
	assert.InDelta(t, 1/(0.25*-math.Ln2*4), grads.Likelihoods["y"].Flat()[0], 1e-5)
	assert.InDelta(t, 1/(-math.Ln2*4), grads.Likelihoods["z"].Flat()[1], 1e-5)
}

func TestRateDistortionGradientsNumerically(t *testing.T) {
	target := tensors.FromFlatDataAndDimensions([]float32{0.2, 0.4, 0.6, 0.8, 0.1, 0.3}, 1, 1, 2, 3)
	recon := tensors.FromFlatDataAndDimensions([]float32{0.25, 0.35, 0.7, 0.75, 0.2, 0.3}, 1, 1, 2, 3)
	lik := tensors.FromFlatDataAndDimensions([]float32{0.3, 0.6}, 1, 1, 2, 1)
	rd := NewRateDistortion(0.001)
	lossOf := func() float64 {
		bundle, _, err := rd.Evaluate(&model.Output{Reconstruction: recon, Likelihoods: map[string]*tensors.Tensor{"y": lik}}, target)
		require.NoError(t, err)
		return bundle.Loss
	}
	_, grads, err := rd.Evaluate(&model.Output{Reconstruction: recon, Likelihoods: map[string]*tensors.Tensor{"y": lik}}, target)
	require.NoError(t, err)
	const eps = 1e-3
	check := func(values []float32, analytic []float32) {
		for ii := range values {
			original := values[ii]
			values[ii] = original + eps
			plus := lossOf()
			values[ii] = original - eps
			minus := lossOf()
			values[ii] = original
			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, float64(analytic[ii]), 1e-2*math.Max(1, math.Abs(numeric)))
		}
	}
	check(recon.Flat(), grads.Reconstruction.Flat())
	check(lik.Flat(), grads.Likelihoods["y"].Flat())
}

func TestRateDistortionErrors(t *testing.T) {
	rd := NewRateDistortion(0.01)
	target := tensors.FromShape(1, 2, 2, 3)
	_, _, err := rd.Evaluate(&model.Output{Reconstruction: tensors.FromShape(1, 2, 2, 1)}, target)
	require.Error(t, err)
	_, _, err = rd.Evaluate(&model.Output{Reconstruction: tensors.FromShape(12)}, tensors.FromShape(12))
	require.Error(t, err)
	_, _, err = rd.Evaluate(nil, target)
	require.Error(t, err)
}

func TestPSNR(t *testing.T) {
	assert.InDelta(t, 20.0, PSNR(0.01), 1e-9)
	assert.InDelta(t, float32(30.0), PSNR(float32(0.001)), 1e-4)
	assert.True(t, math.IsInf(PSNR(0.0), 1))
	assert.True(t, math.IsNaN(PSNR(math.NaN())))

	psnr := PSNRTensor(tensors.FromFlatDataAndDimensions([]float32{1, 0.1}, 2))
	assert.InDeltaSlice(t, []float32{0, 10}, psnr.Flat(), 1e-5)
}
