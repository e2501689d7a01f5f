// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	adamSlotMoment1 = "1st_moment"
	adamSlotMoment2 = "2nd_moment"
)

// AdamConfig holds the configuration of an Adam optimizer. Create it with Adam or RMSProp, and
// finish the configuration with Done.
type AdamConfig struct {
	learningRate, beta1, beta2, epsilon float64
	weightDecay, clipStepByValue        float64
	backoffSteps                        int
	rmsProp, adamax                     bool
}

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done
// with the parameters to optimize.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam to implement it -- it's somewhat equivalent to an Adam without the 1st moment
// of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// LearningRate sets the base learning rate. It defaults to AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
// It defaults to 1e-8.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use an L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay,
// also scaled by the learning rate.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// ClipStepByValue clips each value of the step, after being scaled by the learning rate.
// If set to <= 0 (the default), there is no clipping.
func (c *AdamConfig) ClipStepByValue(value float64) *AdamConfig {
	c.clipStepByValue = value
	return c
}

// WithBackoffSteps prevents any gradient steps to be taken, until numSteps steps have been taken
// to allow for a better estimate of the gradient momentums (numerator) and variance of gradients (denominator)
// before the optimization start.
//
// If set to <= 0 (the default), no backoff is configured.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// Done will finish the configuration and construct an optimizer over the trainable parameters in params.
func (c *AdamConfig) Done(params []*model.Parameter) Interface {
	o := &adam{config: *c, params: trainableOnly(params)}
	o.moment1 = make([]*tensors.Tensor, len(o.params))
	o.moment2 = make([]*tensors.Tensor, len(o.params))
	for ii, p := range o.params {
		if !c.rmsProp {
			o.moment1[ii] = tensors.ZerosLike(p.Value)
		}
		o.moment2[ii] = tensors.ZerosLike(p.Value)
	}
	return o
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config           AdamConfig
	params           []*model.Parameter
	moment1, moment2 []*tensors.Tensor
	step             int64
}

// Name implements optimizers.Interface.
func (o *adam) Name() string {
	switch {
	case o.config.rmsProp:
		return "rmsprop"
	case o.config.adamax:
		return "adamax"
	case o.config.weightDecay > 0:
		return "adamw"
	default:
		return "adam"
	}
}

func (o *adam) Parameters() []*model.Parameter { return o.params }
func (o *adam) ZeroGrad()                      { ZeroGrads(o.params) }
func (o *adam) LearningRate() float64          { return o.config.learningRate }

func (o *adam) slots() []string {
	if o.config.rmsProp {
		return []string{adamSlotMoment2}
	}
	return []string{adamSlotMoment1, adamSlotMoment2}
}

// Step implements optimizers.Interface.
func (o *adam) Step() error {
	o.step++
	learningRate := o.config.learningRate
	if o.config.backoffSteps > 0 && o.step <= int64(o.config.backoffSteps) {
		learningRate = 0
	}
	beta1, beta2 := o.config.beta1, o.config.beta2
	debiasTermBeta1 := 1.0 / (1.0 - math.Pow(beta1, float64(o.step)))
	debiasTermBeta2 := 1.0 / (1.0 - math.Pow(beta2, float64(o.step)))
	for ii, p := range o.params {
		if p.Grad == nil || !p.Grad.SameShape(p.Value) {
			return errors.Errorf("%s: parameter #%d has no gradient matching its shape %v", o.Name(), ii, p.Value.Shape())
		}
		value, grad, moment2 := p.Value.Flat(), p.Grad.Flat(), o.moment2[ii].Flat()
		var moment1 []float32
		if !o.config.rmsProp {
			moment1 = o.moment1[ii].Flat()
		}
		for jj, g64 := range grad {
			g := float64(g64)
			debiasedMoment1 := g
			if moment1 != nil {
				m1 := beta1*float64(moment1[jj]) + (1-beta1)*g
				moment1[jj] = float32(m1)
				debiasedMoment1 = m1 * debiasTermBeta1
			}
			var denominator float64
			if o.config.adamax {
				m2 := math.Max(beta2*float64(moment2[jj]), math.Abs(g))
				moment2[jj] = float32(m2)
				denominator = m2 + o.config.epsilon
			} else {
				m2 := beta2*float64(moment2[jj]) + (1-beta2)*g*g
				moment2[jj] = float32(m2)
				denominator = math.Sqrt(m2*debiasTermBeta2) + o.config.epsilon
			}
			stepDirection := learningRate * debiasedMoment1 / denominator
			if o.config.weightDecay > 0 {
				stepDirection += learningRate * o.config.weightDecay * float64(value[jj])
			}
			if clip := o.config.clipStepByValue; clip > 0 {
				stepDirection = math.Max(-clip, math.Min(clip, stepDirection))
			}
			value[jj] -= float32(stepDirection)
		}
	}
	return nil
}

// StateDict implements optimizers.Interface.
func (o *adam) StateDict() *State {
	state := &State{
		Name: o.Name(),
		Step: o.step,
		Hyperparameters: map[string]float64{
			ParamLearningRate: o.config.learningRate,
			"beta1":           o.config.beta1,
			"beta2":           o.config.beta2,
			"epsilon":         o.config.epsilon,
			"weight_decay":    o.config.weightDecay,
		},
		Slots: make(map[string]*tensors.Tensor, 2*len(o.params)),
	}
	for ii := range o.params {
		if !o.config.rmsProp {
			state.Slots[slotName(adamSlotMoment1, ii)] = o.moment1[ii].Clone()
		}
		state.Slots[slotName(adamSlotMoment2, ii)] = o.moment2[ii].Clone()
	}
	return state
}

// LoadStateDict implements optimizers.Interface.
func (o *adam) LoadStateDict(state *State) error {
	if err := checkState(state, o.Name(), o.params, o.slots()); err != nil {
		return err
	}
	o.step = state.Step
	for key, target := range map[string]*float64{
		ParamLearningRate: &o.config.learningRate,
		"beta1":           &o.config.beta1,
		"beta2":           &o.config.beta2,
		"epsilon":         &o.config.epsilon,
		"weight_decay":    &o.config.weightDecay,
	} {
		if v, found := state.Hyperparameters[key]; found {
			*target = v
		}
	}
	for ii := range o.params {
		if !o.config.rmsProp {
			o.moment1[ii] = state.Slots[slotName(adamSlotMoment1, ii)].Clone()
		}
		o.moment2[ii] = state.Slots[slotName(adamSlotMoment2, ii)].Clone()
	}
	return nil
}
