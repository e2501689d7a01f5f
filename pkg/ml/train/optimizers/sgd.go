// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"
)

// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SgdDefaultLearningRate = 0.1

// SGDConfig holds the configuration of a StochasticGradientDescent optimizer.
type SGDConfig struct {
	learningRate float64
}

// StochasticGradientDescent creates an optimizer that applies `value -= learning_rate * gradient`.
func StochasticGradientDescent() *SGDConfig {
	return &SGDConfig{learningRate: SgdDefaultLearningRate}
}

// LearningRate sets the learning rate.
func (c *SGDConfig) LearningRate(value float64) *SGDConfig {
	c.learningRate = value
	return c
}

// Done creates the optimizer over the trainable parameters in params.
func (c *SGDConfig) Done(params []*model.Parameter) Interface {
	return &sgd{config: *c, params: trainableOnly(params)}
}

type sgd struct {
	config SGDConfig
	params []*model.Parameter
	step   int64
}

func (o *sgd) Name() string                   { return "sgd" }
func (o *sgd) Parameters() []*model.Parameter { return o.params }
func (o *sgd) ZeroGrad()                      { ZeroGrads(o.params) }
func (o *sgd) LearningRate() float64          { return o.config.learningRate }

func (o *sgd) Step() error {
	o.step++
	for ii, p := range o.params {
		if p.Grad == nil || !p.Grad.SameShape(p.Value) {
			return errors.Errorf("sgd: parameter #%d has no gradient matching its shape %v", ii, p.Value.Shape())
		}
		blas32.Axpy(float32(-o.config.learningRate), vectorOf(p.Grad), vectorOf(p.Value))
	}
	return nil
}

func (o *sgd) StateDict() *State {
	return &State{
		Name:            o.Name(),
		Step:            o.step,
		Hyperparameters: map[string]float64{ParamLearningRate: o.config.learningRate},
	}
}

func (o *sgd) LoadStateDict(state *State) error {
	if err := checkState(state, o.Name(), o.params, nil); err != nil {
		return err
	}
	o.step = state.Step
	if lr, found := state.Hyperparameters[ParamLearningRate]; found {
		o.config.learningRate = lr
	}
	return nil
}
