// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers used to train compression models, and the partition of a
// model's parameters into the main group (trained by the rate-distortion loss) and the auxiliary
// group (the entropy model's quantiles, trained by the auxiliary loss).
//
// All optimizers implement optimizers.Interface, and update model.Parameter values in place from
// their accumulated gradients.
package optimizers

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas/blas32"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Name of the optimizer, as used in KnownOptimizers.
	Name() string

	// Parameters returns the parameters updated by the optimizer.
	Parameters() []*model.Parameter

	// ZeroGrad resets the gradients of all the optimizer's parameters.
	ZeroGrad()

	// Step updates the parameters from their accumulated gradients.
	Step() error

	// LearningRate returns the configured learning rate.
	LearningRate() float64

	// StateDict returns a copy of the optimizer state, so it can be saved and restored with LoadStateDict.
	StateDict() *State

	// LoadStateDict restores a state saved with StateDict. The optimizer must have been created over
	// parameters with the same shapes, in the same order.
	LoadStateDict(state *State) error
}

// State is the serializable state of an optimizer.
type State struct {
	// Name of the optimizer that generated the state.
	Name string

	// Step is the number of steps taken.
	Step int64

	// Hyperparameters used by the optimizer, like "learning_rate".
	Hyperparameters map[string]float64

	// Slots holds per-parameter tensors (e.g.: moments), named "<slot>.<parameter index>".
	Slots map[string]*tensors.Tensor
}

const (
	// ParamLearningRate is the hyperparameter name for the learning rate in State.Hyperparameters.
	ParamLearningRate = "learning_rate"
)

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]func(learningRate float64, params []*model.Parameter) Interface{
		"sgd": func(learningRate float64, params []*model.Parameter) Interface {
			return StochasticGradientDescent().LearningRate(learningRate).Done(params)
		},
		"adam": func(learningRate float64, params []*model.Parameter) Interface {
			return Adam().LearningRate(learningRate).Done(params)
		},
		"adamax": func(learningRate float64, params []*model.Parameter) Interface {
			return Adam().Adamax().LearningRate(learningRate).Done(params)
		},
		"adamw": func(learningRate float64, params []*model.Parameter) Interface {
			return Adam().WeightDecay(0.004).LearningRate(learningRate).Done(params)
		},
		"rmsprop": func(learningRate float64, params []*model.Parameter) Interface {
			return RMSProp().LearningRate(learningRate).Done(params)
		},
	}
)

// ByName returns an optimizer given the name, or panics if one does not exist.
// It uses KnownOptimizers -- in case one wants to better handle invalid values.
func ByName(optName string, learningRate float64, params []*model.Parameter) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		exceptions.Panicf("Unknown optimizer %q, valid values are %v.", optName, xslices.SortedKeys(KnownOptimizers))
	}
	return optBuilder(learningRate, params)
}

// ZeroGrads resets the gradients of params.
func ZeroGrads(params []*model.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func vectorOf(t *tensors.Tensor) blas32.Vector {
	return blas32.Vector{N: t.Size(), Data: t.Flat(), Inc: 1}
}

// GradNorm returns the global L2 norm of the gradients of params.
func GradNorm(params []*model.Parameter) float64 {
	var sumSquares float64
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		norm := float64(blas32.Nrm2(vectorOf(p.Grad)))
		sumSquares += norm * norm
	}
	return math.Sqrt(sumSquares)
}

// ClipGradNorm scales the gradients of params such that their global L2 norm is at most maxNorm.
// It returns the norm before clipping. If maxNorm <= 0, gradients are left untouched.
func ClipGradNorm(params []*model.Parameter, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		if p.Grad != nil {
			blas32.Scal(scale, vectorOf(p.Grad))
		}
	}
	return norm
}

func slotName(slot string, paramIdx int) string {
	return fmt.Sprintf("%s.%d", slot, paramIdx)
}

// checkState verifies that state was produced by an optimizer named name, over params, with the given slots.
func checkState(state *State, name string, params []*model.Parameter, slots []string) error {
	if state == nil {
		return errors.New("nil optimizer state")
	}
	if state.Name != name {
		return errors.Errorf("cannot load optimizer state of %q into optimizer %q", state.Name, name)
	}
	want := len(slots) * len(params)
	if len(state.Slots) != want {
		return errors.Errorf("optimizer %q state has %d slots, expected %d (%d slots per parameter for %d parameters)",
			name, len(state.Slots), want, len(slots), len(params))
	}
	for ii, p := range params {
		for _, slot := range slots {
			key := slotName(slot, ii)
			value, found := state.Slots[key]
			if !found {
				return errors.Errorf("optimizer %q state missing slot %q", name, key)
			}
			if !value.SameShape(p.Value) {
				return errors.Errorf("optimizer %q state slot %q is shaped %v, but parameter #%d is shaped %v",
					name, key, value.Shape(), ii, p.Value.Shape())
			}
		}
	}
	return nil
}

// trainableOnly filters out parameters not marked as trainable, keeping the order.
func trainableOnly(params []*model.Parameter) []*model.Parameter {
	return slices.DeleteFunc(slices.Clone(params), func(p *model.Parameter) bool { return !p.Trainable })
}
