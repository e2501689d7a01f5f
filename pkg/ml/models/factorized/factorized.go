// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package factorized implements a small learned image compression model with a factorized entropy model.
//
// The analysis transform g_a and the synthesis transform g_s are per-pixel affine maps between the image
// channels and the latent channels. Each latent channel has a logistic density with learned location and
// scale, and its quantiles (".quantiles") are fitted by the auxiliary loss, as in the
// "EntropyBottleneck" of learned compression literature.
//
// During training latents are perturbed with uniform noise in [-0.5, 0.5), during inference they are rounded.
// Gradients flow through rounding and noise unchanged.
package factorized

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

const (
	// LikelihoodBound is the minimum likelihood reported for a latent element.
	LikelihoodBound = 1e-9

	// LatentName is the key of the latent likelihoods in model.Output.Likelihoods.
	LatentName = "y"

	// tailMass is the probability mass left out of the range covered by the lower and upper quantiles.
	tailMass = 1e-9

	// quantilesInitScale is the initial distance of the lower and upper quantiles from the median.
	quantilesInitScale = 10.0
)

// Config for the Model. Create it with New and finish it with Done.
type Config struct {
	inChannels, latentChannels int
	seed                       uint64
	encoderInitScale           float64
}

// New returns the configuration of a factorized model, with 3 image channels and 8 latent channels.
func New() *Config {
	return &Config{
		inChannels:       3,
		latentChannels:   8,
		seed:             42,
		encoderInitScale: 4.0,
	}
}

// InChannels sets the number of image channels. Default is 3.
func (c *Config) InChannels(n int) *Config {
	c.inChannels = n
	return c
}

// LatentChannels sets the number of latent channels. Default is 8.
func (c *Config) LatentChannels(n int) *Config {
	c.latentChannels = n
	return c
}

// Seed used for initialization and for the training noise.
func (c *Config) Seed(seed uint64) *Config {
	c.seed = seed
	return c
}

// Done creates the model with freshly initialized parameters.
func (c *Config) Done() (*Model, error) {
	if c.inChannels <= 0 || c.latentChannels <= 0 {
		return nil, errors.Errorf("factorized model requires positive channels, got in=%d latent=%d",
			c.inChannels, c.latentChannels)
	}
	m := &Model{
		config: *c,
		rng:    rand.New(rand.NewPCG(c.seed, c.seed^0x9e3779b97f4a7c15)),
	}
	cin, cl := c.inChannels, c.latentChannels
	normal := func(stddev float64, dims ...int) *model.Parameter {
		t := tensors.FromShape(dims...)
		for ii := range t.Flat() {
			t.Flat()[ii] = float32(m.rng.NormFloat64() * stddev)
		}
		return model.NewParameter(t)
	}
	m.encoderWeight = normal(c.encoderInitScale/math.Sqrt(float64(cin)), cin, cl)
	m.encoderBias = model.NewParameter(tensors.FromShape(cl))
	m.decoderWeight = normal(0.1/math.Sqrt(float64(cl)), cl, cin)
	m.decoderBias = model.NewParameter(tensors.FromScalarAndDimensions(0.5, cin))
	m.loc = model.NewParameter(tensors.FromShape(cl))
	m.logScale = model.NewParameter(tensors.FromShape(cl))
	quantiles := tensors.FromShape(cl, 3)
	for ch := range cl {
		copy(quantiles.Flat()[3*ch:], []float32{-quantilesInitScale, 0, quantilesInitScale})
	}
	m.quantiles = model.NewParameter(quantiles)
	klog.V(1).Infof("factorized model created with %d image channels and %d latent channels", cin, cl)
	return m, nil
}

// Model is a factorized-prior compression model. It implements model.Model, model.AuxLosser and
// model.DeviceMover.
type Model struct {
	config Config

	encoderWeight, encoderBias *model.Parameter
	decoderWeight, decoderBias *model.Parameter
	loc, logScale, quantiles   *model.Parameter

	muRng sync.Mutex
	rng   *rand.Rand
}

var (
	_ model.Model       = (*Model)(nil)
	_ model.AuxLosser   = (*Model)(nil)
	_ model.DeviceMover = (*Model)(nil)
)

// NamedParameters implements model.Model.
func (m *Model) NamedParameters() []model.NamedParameter {
	return []model.NamedParameter{
		{Name: "g_a.weight", Param: m.encoderWeight},
		{Name: "g_a.bias", Param: m.encoderBias},
		{Name: "g_s.weight", Param: m.decoderWeight},
		{Name: "g_s.bias", Param: m.decoderBias},
		{Name: "entropy_bottleneck.loc", Param: m.loc},
		{Name: "entropy_bottleneck.log_scale", Param: m.logScale},
		{Name: "entropy_bottleneck.quantiles", Param: m.quantiles},
	}
}

// ToDevice implements model.DeviceMover. The model runs on the host, so it only validates the input.
func (m *Model) ToDevice(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x.Rank() != 4 || x.Dim(-1) != m.config.inChannels {
		return nil, errors.Errorf("factorized model expects images shaped [batch, height, width, %d], got %v",
			m.config.inChannels, x.Shape())
	}
	return x, nil
}

func toDense(t *tensors.Tensor, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for ii, v := range t.Flat() {
		data[ii] = float64(v)
	}
	return mat.NewDense(rows, cols, data)
}

// accumulate adds the matrix m, in row-major order, to the tensor t.
func accumulate(t *tensors.Tensor, m mat.Matrix) {
	rows, cols := m.Dims()
	flat := t.Flat()
	for i := range rows {
		for j := range cols {
			flat[i*cols+j] += float32(m.At(i, j))
		}
	}
}

// accumulateColumnSums adds the sum of each column of m to the tensor t.
func accumulateColumnSums(t *tensors.Tensor, m *mat.Dense) {
	rows, cols := m.Dims()
	flat := t.Flat()
	for j := range cols {
		flat[j] += float32(mat.Sum(m.Slice(0, rows, j, j+1)))
	}
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// sigmoidDerivative returns sigmoid'(x), computed without cancellation for large |x|.
func sigmoidDerivative(x float64) float64 {
	e := math.Exp(-math.Abs(x))
	return e / ((1 + e) * (1 + e))
}

// forwardState is kept in model.Output.State between Forward and Backward.
type forwardState struct {
	numPixels int
	x, yHat   *mat.Dense

	// Per latent element: raw likelihood (before the lower bound), normalized upper and lower
	// bin edges, and the logistic density at the edges.
	raw, upper, lower, dUpper, dLower []float64
}

// Forward implements model.Model.
func (m *Model) Forward(x *tensors.Tensor, mode model.Mode) (*model.Output, error) {
	if _, err := m.ToDevice(x); err != nil {
		return nil, err
	}
	cin, cl := m.config.inChannels, m.config.latentChannels
	dims := x.Shape()
	numPixels := dims[0] * dims[1] * dims[2]
	if numPixels == 0 {
		return nil, errors.Errorf("factorized model given an empty batch shaped %v", dims)
	}
	st := &forwardState{
		numPixels: numPixels,
		x:         toDense(x, numPixels, cin),
		raw:       make([]float64, numPixels*cl),
		upper:     make([]float64, numPixels*cl),
		lower:     make([]float64, numPixels*cl),
		dUpper:    make([]float64, numPixels*cl),
		dLower:    make([]float64, numPixels*cl),
	}

	// Analysis transform, and quantization (or its noisy proxy).
	st.yHat = mat.NewDense(numPixels, cl, nil)
	st.yHat.Mul(st.x, toDense(m.encoderWeight.Value, cin, cl))
	bias := m.encoderBias.Value.Flat()
	if mode == model.Training {
		m.muRng.Lock()
		st.yHat.Apply(func(_, j int, v float64) float64 { return v + float64(bias[j]) + m.rng.Float64() - 0.5 }, st.yHat)
		m.muRng.Unlock()
	} else {
		st.yHat.Apply(func(_, j int, v float64) float64 { return math.Round(v + float64(bias[j])) }, st.yHat)
	}

	// Entropy model.
	likelihoods := tensors.FromShape(dims[0], dims[1], dims[2], cl)
	locs, logScales := m.loc.Value.Flat(), m.logScale.Value.Flat()
	yData := st.yHat.RawMatrix().Data
	for idx, y := range yData {
		ch := idx % cl
		mu, scale := float64(locs[ch]), math.Exp(float64(logScales[ch]))
		upper, lower := (y+0.5-mu)/scale, (y-0.5-mu)/scale
		// Evaluate on the side of the median where the sigmoids are not saturated.
		sign := -1.0
		if upper+lower < 0 {
			sign = 1.0
		}
		raw := math.Abs(sigmoid(sign*upper) - sigmoid(sign*lower))
		st.raw[idx], st.upper[idx], st.lower[idx] = raw, upper, lower
		st.dUpper[idx], st.dLower[idx] = sigmoidDerivative(upper), sigmoidDerivative(lower)
		likelihoods.Flat()[idx] = float32(math.Max(raw, LikelihoodBound))
	}

	// Synthesis transform.
	var recon mat.Dense
	recon.Mul(st.yHat, toDense(m.decoderWeight.Value, cl, cin))
	reconstruction := tensors.FromShape(dims...)
	decoderBias := m.decoderBias.Value.Flat()
	for idx, v := range recon.RawMatrix().Data {
		reconstruction.Flat()[idx] = float32(v + float64(decoderBias[idx%cin]))
	}
	return &model.Output{
		Reconstruction: reconstruction,
		Likelihoods:    map[string]*tensors.Tensor{LatentName: likelihoods},
		State:          st,
	}, nil
}

// Backward implements model.Model.
func (m *Model) Backward(out *model.Output, grads *model.OutputGradients) error {
	st, ok := out.State.(*forwardState)
	if !ok {
		return errors.Errorf("factorized.Backward given an output not produced by factorized.Forward (state %T)", out.State)
	}
	cin, cl := m.config.inChannels, m.config.latentChannels
	gradY := mat.NewDense(st.numPixels, cl, nil)

	// Synthesis transform.
	if grads.Reconstruction != nil {
		if grads.Reconstruction.Size() != st.numPixels*cin {
			return errors.Errorf("factorized.Backward: reconstruction gradient shaped %v doesn't match output shaped %v",
				grads.Reconstruction.Shape(), out.Reconstruction.Shape())
		}
		gradRecon := toDense(grads.Reconstruction, st.numPixels, cin)
		var gradDecoderWeight mat.Dense
		gradDecoderWeight.Mul(st.yHat.T(), gradRecon)
		accumulate(m.decoderWeight.Grad, &gradDecoderWeight)
		accumulateColumnSums(m.decoderBias.Grad, gradRecon)
		gradY.Mul(gradRecon, toDense(m.decoderWeight.Value, cl, cin).T())
	}

	// Entropy model.
	if gradLik := grads.Likelihoods[LatentName]; gradLik != nil {
		if gradLik.Size() != st.numPixels*cl {
			return errors.Errorf("factorized.Backward: likelihood gradient shaped %v doesn't match latent shaped %v",
				gradLik.Shape(), out.Likelihoods[LatentName].Shape())
		}
		logScales := m.logScale.Value.Flat()
		gradLoc, gradLogScale := m.loc.Grad.Flat(), m.logScale.Grad.Flat()
		gradYData := gradY.RawMatrix().Data
		for idx, g32 := range gradLik.Flat() {
			g := float64(g32)
			// The lower bound only blocks gradients that would push the likelihood further down.
			if st.raw[idx] < LikelihoodBound && g > 0 {
				continue
			}
			ch := idx % cl
			scale := math.Exp(float64(logScales[ch]))
			density := st.dUpper[idx] - st.dLower[idx]
			gradYData[idx] += g * density / scale
			gradLoc[ch] -= float32(g * density / scale)
			gradLogScale[ch] -= float32(g * (st.dUpper[idx]*st.upper[idx] - st.dLower[idx]*st.lower[idx]))
		}
	}

	// Analysis transform: quantization passes gradients straight through.
	var gradEncoderWeight mat.Dense
	gradEncoderWeight.Mul(st.x.T(), gradY)
	accumulate(m.encoderWeight.Grad, &gradEncoderWeight)
	accumulateColumnSums(m.encoderBias.Grad, gradY)
	return nil
}

// auxTargets are the logits of the cumulative at the lower quantile, median and upper quantile.
var auxTargets = [3]float64{-math.Log(2/tailMass - 1), 0, math.Log(2/tailMass - 1)}

// auxLoss fits the quantiles to the tails and median of the current density.
type auxLoss struct {
	m     *Model
	value float64
	// signs of (logit - target) divided by the scale, per quantile.
	grads []float64
}

// AuxLoss implements model.AuxLosser. The location and scale of the density are treated as constants:
// only the quantiles receive gradients.
func (m *Model) AuxLoss() (model.Scalar, error) {
	cl := m.config.latentChannels
	locs, logScales, quantiles := m.loc.Value.Flat(), m.logScale.Value.Flat(), m.quantiles.Value.Flat()
	loss := &auxLoss{m: m, grads: make([]float64, 3*cl)}
	for ch := range cl {
		mu, scale := float64(locs[ch]), math.Exp(float64(logScales[ch]))
		for jj, target := range auxTargets {
			idx := 3*ch + jj
			diff := (float64(quantiles[idx])-mu)/scale - target
			loss.value += math.Abs(diff)
			switch {
			case diff > 0:
				loss.grads[idx] = 1 / scale
			case diff < 0:
				loss.grads[idx] = -1 / scale
			}
		}
	}
	if math.IsNaN(loss.value) {
		return nil, errors.New("auxiliary loss is NaN")
	}
	return loss, nil
}

func (l *auxLoss) Value() float64 { return l.value }

func (l *auxLoss) Backward() error {
	grad := l.m.quantiles.Grad.Flat()
	for idx, g := range l.grads {
		grad[idx] += float32(g)
	}
	return nil
}

// Quantiles returns a copy of the lower, median and upper quantiles per latent channel, shaped [latent_channels, 3].
func (m *Model) Quantiles() *tensors.Tensor {
	return m.quantiles.Value.Clone()
}
