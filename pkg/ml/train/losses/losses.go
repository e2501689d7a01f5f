// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the rate-distortion objective used to train learned image compression models,
// and the PSNR quality measure.
//
// Losses are evaluated on the host, and return the gradients of the scalar loss with respect to the
// model outputs (model.OutputGradients), to be back-propagated by model.Model.Backward.
package losses

import (
	"math"
	"sort"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Keys of the components of a Bundle, as returned by Bundle.Map.
const (
	KeyBPP  = "bpp_loss"
	KeyMSE  = "mse_loss"
	KeyLoss = "loss"
)

// DistortionScale is the square of the maximum pixel value in 8 bits: MSE on images in [0, 1] is
// multiplied by it to be on the 8-bit pixel scale.
const DistortionScale = 255 * 255

// Bundle holds the components of the rate-distortion loss for one batch.
type Bundle struct {
	// BPP is the estimated rate, in bits per pixel.
	BPP float64

	// MSE is the mean squared error between reconstruction and target, over all elements.
	MSE float64

	// Loss = Lambda * 255² * MSE + BPP.
	Loss float64
}

// Map returns the bundle as a map keyed by KeyBPP, KeyMSE and KeyLoss.
func (b Bundle) Map() map[string]float64 {
	return map[string]float64{KeyBPP: b.BPP, KeyMSE: b.MSE, KeyLoss: b.Loss}
}

// RateDistortion is the loss `Lambda * 255² * MSE + BPP`, where Lambda trades off rate and distortion.
type RateDistortion struct {
	Lambda float64
}

// NewRateDistortion returns a RateDistortion loss with the given trade-off.
func NewRateDistortion(lambda float64) *RateDistortion {
	return &RateDistortion{Lambda: lambda}
}

// toFloat64 converts a tensor's values to float64, for accumulation.
func toFloat64(t *tensors.Tensor) []float64 {
	values := make([]float64, t.Size())
	for ii, v := range t.Flat() {
		values[ii] = float64(v)
	}
	return values
}

// Evaluate computes the loss of a model output with respect to the target images, shaped
// `[batch, height, width, channels]`.
//
// The number of pixels used to normalize the rate is batch*height*width. The rate sums over all
// the likelihood tensors of the output.
//
// It also returns the gradients of Bundle.Loss with respect to the output reconstruction and likelihoods.
func (rd *RateDistortion) Evaluate(out *model.Output, target *tensors.Tensor) (Bundle, *model.OutputGradients, error) {
	var bundle Bundle
	if target.Rank() != 4 {
		return bundle, nil, errors.Errorf("RateDistortion requires target images shaped [batch, height, width, channels], got %v",
			target.Shape())
	}
	if out == nil || out.Reconstruction == nil {
		return bundle, nil, errors.New("RateDistortion requires an output with a reconstruction")
	}
	if !out.Reconstruction.SameShape(target) {
		return bundle, nil, errors.Errorf("RateDistortion: reconstruction shaped %v doesn't match target shaped %v",
			out.Reconstruction.Shape(), target.Shape())
	}
	numPixels := float64(target.Dim(0) * target.Dim(1) * target.Dim(2))
	numElements := float64(target.Size())
	if numElements == 0 {
		return bundle, nil, errors.Errorf("RateDistortion: empty target shaped %v", target.Shape())
	}
	grads := &model.OutputGradients{
		Reconstruction: tensors.ZerosLike(target),
		Likelihoods:    make(map[string]*tensors.Tensor, len(out.Likelihoods)),
	}

	// Rate: sum of -log2(likelihood) over all latents, per pixel.
	names := make([]string, 0, len(out.Likelihoods))
	for name := range out.Likelihoods {
		names = append(names, name)
	}
	sort.Strings(names)
	rateScale := -math.Ln2 * numPixels
	for _, name := range names {
		likelihoods := out.Likelihoods[name]
		logs := toFloat64(likelihoods)
		grad := tensors.ZerosLike(likelihoods)
		for ii, l := range logs {
			grad.Flat()[ii] = float32(1.0 / (l * rateScale))
			logs[ii] = math.Log(l)
		}
		bundle.BPP += floats.Sum(logs) / rateScale
		grads.Likelihoods[name] = grad
	}

	// Distortion.
	diff := toFloat64(out.Reconstruction)
	floats.Sub(diff, toFloat64(target))
	bundle.MSE = floats.Dot(diff, diff) / numElements
	distortionScale := rd.Lambda * DistortionScale
	floats.Scale(2*distortionScale/numElements, diff)
	for ii, g := range diff {
		grads.Reconstruction.Flat()[ii] = float32(g)
	}

	bundle.Loss = distortionScale*bundle.MSE + bundle.BPP
	return bundle, grads, nil
}

// PSNR returns the peak signal-to-noise ratio, in dB, for images in [0, 1] with the given mean squared error.
// A zero mse returns +Inf.
func PSNR[T float32 | float64](mse T) T {
	return T(10 * math.Log10(1/float64(mse)))
}

// PSNRTensor applies PSNR to each element of mse.
func PSNRTensor(mse *tensors.Tensor) *tensors.Tensor {
	psnr := tensors.ZerosLike(mse)
	for ii, v := range mse.Flat() {
		psnr.Flat()[ii] = PSNR(v)
	}
	return psnr
}
