// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the contract between the training loop and a learned compression model.
//
// A Model maps a batch of images (shaped `[batch, height, width, channels]`) to an Output with the
// reconstructed images and the likelihoods of every latent element. Models compute their own gradients:
// the training loop computes the gradients of the loss with respect to the Output (OutputGradients)
// and calls Model.Backward, which accumulates the gradients into each Parameter.Grad.
//
// Optional capabilities are discovered with type assertions:
//
//   - AuxLosser: models with an entropy model expose the auxiliary loss used to fit its quantiles.
//   - DeviceMover: models that want inputs placed somewhere else before Forward.
//   - Unwrapper: wrappers (like DataParallel) that hold another model.
//
// Use AuxLossOf and DeviceMoverOf to find a capability through wrappers.
package model

import (
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Mode of execution of a Model.
type Mode int

const (
	// Training mode: latents are perturbed with additive uniform noise.
	Training Mode = iota

	// Inference mode: latents are rounded.
	Inference
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Training:
		return "Training"
	case Inference:
		return "Inference"
	default:
		return "Unknown"
	}
}

// Output of a model's forward pass.
type Output struct {
	// Reconstruction of the input, same shape as the input.
	Reconstruction *tensors.Tensor

	// Likelihoods of the latent elements, indexed by latent name (e.g. "y", "z").
	// Each value is in (0, 1], and the tensors are batch-major.
	Likelihoods map[string]*tensors.Tensor

	// State is kept by the model between Forward and Backward. It's opaque to the caller.
	State any
}

// OutputGradients holds the gradients of a scalar loss with respect to the fields of an Output.
// Nil entries are treated as zero gradients.
type OutputGradients struct {
	Reconstruction *tensors.Tensor
	Likelihoods    map[string]*tensors.Tensor
}

// Model is a differentiable compression model.
type Model interface {
	// Forward runs the model on a batch of images.
	Forward(x *tensors.Tensor, mode Mode) (*Output, error)

	// Backward accumulates into the parameters' Grad the gradients implied by grads, for the given output,
	// which must have been returned by the last call to Forward.
	Backward(out *Output, grads *OutputGradients) error

	// NamedParameters returns all the parameters with their unique fully-qualified names, in a stable order.
	NamedParameters() []NamedParameter
}

// Scalar is a differentiable scalar value, like a loss.
type Scalar interface {
	Value() float64

	// Backward accumulates the gradients of the value into the parameters that produced it.
	Backward() error
}

// AuxLosser is implemented by models with an auxiliary loss, that fits the entropy model's quantiles.
type AuxLosser interface {
	AuxLoss() (Scalar, error)
}

// DeviceMover is implemented by models that need their inputs placed on a device before Forward.
type DeviceMover interface {
	ToDevice(x *tensors.Tensor) (*tensors.Tensor, error)
}

// Unwrapper is implemented by model wrappers.
type Unwrapper interface {
	Unwrap() Model
}

// ErrNoAuxLoss is returned by AuxLossOf if neither the model nor any model it wraps exposes an auxiliary loss.
var ErrNoAuxLoss = errors.New("model exposes no auxiliary loss")

// AuxLossOf returns the auxiliary loss of m. If m doesn't implement AuxLosser, it's looked up
// in the models m wraps (see Unwrapper).
func AuxLossOf(m Model) (Scalar, error) {
	for current := m; current != nil; {
		if auxLosser, ok := current.(AuxLosser); ok {
			loss, err := auxLosser.AuxLoss()
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to compute auxiliary loss of %T", current)
			}
			return loss, nil
		}
		wrapper, ok := current.(Unwrapper)
		if !ok {
			break
		}
		current = wrapper.Unwrap()
	}
	return nil, errors.Wrapf(ErrNoAuxLoss, "model %T", m)
}

// DeviceMoverOf returns the DeviceMover of m, or of the models it wraps. It returns nil if there is none.
func DeviceMoverOf(m Model) DeviceMover {
	for current := m; current != nil; {
		if mover, ok := current.(DeviceMover); ok {
			return mover
		}
		wrapper, ok := current.(Unwrapper)
		if !ok {
			break
		}
		current = wrapper.Unwrap()
	}
	return nil
}

// ToDevice moves x to the device of m, if m (or a model it wraps) is a DeviceMover. Otherwise, it returns x.
func ToDevice(m Model, x *tensors.Tensor) (*tensors.Tensor, error) {
	mover := DeviceMoverOf(m)
	if mover == nil {
		return x, nil
	}
	moved, err := mover.ToDevice(x)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to move input shaped %v to device", x.Shape())
	}
	return moved, nil
}
