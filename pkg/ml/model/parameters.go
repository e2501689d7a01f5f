// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"iter"
	"slices"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/support/sets"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Parameter is a learnable tensor of a model, with its accumulated gradient.
//
// Parameters are compared by identity (pointer): the same *Parameter may be shared by
// more than one module.
type Parameter struct {
	Value *tensors.Tensor

	// Grad has the same shape as Value. Models accumulate into it during Backward.
	Grad *tensors.Tensor

	// Trainable parameters are updated by optimizers.
	Trainable bool
}

// NewParameter creates a trainable parameter with the given initial value and a zero gradient.
func NewParameter(value *tensors.Tensor) *Parameter {
	return &Parameter{
		Value:     value,
		Grad:      tensors.ZerosLike(value),
		Trainable: true,
	}
}

// ZeroGrad resets the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	if p.Grad == nil {
		p.Grad = tensors.ZerosLike(p.Value)
		return
	}
	p.Grad.Zero()
}

// NamedParameter pairs a parameter with its fully-qualified name (e.g. "entropy_bottleneck.quantiles").
type NamedParameter struct {
	Name  string
	Param *Parameter
}

// IterParameters returns an iterator over the named parameters of m, in m's order.
func IterParameters(m Model) iter.Seq2[string, *Parameter] {
	return func(yield func(string, *Parameter) bool) {
		for _, np := range m.NamedParameters() {
			if !yield(np.Name, np.Param) {
				return
			}
		}
	}
}

// ParametersOf returns the distinct parameters of m in order of first appearance.
func ParametersOf(m Model) []*Parameter {
	seen := sets.Make[*Parameter]()
	var params []*Parameter
	for _, p := range IterParameters(m) {
		if seen.Has(p) {
			continue
		}
		seen.Insert(p)
		params = append(params, p)
	}
	return params
}

// ZeroGrads resets the gradients of all parameters of m.
func ZeroGrads(m Model) {
	for _, p := range IterParameters(m) {
		p.ZeroGrad()
	}
}

// StateDict returns a copy of all parameter values of m, indexed by name.
func StateDict(m Model) map[string]*tensors.Tensor {
	dict := make(map[string]*tensors.Tensor)
	for name, p := range IterParameters(m) {
		dict[name] = p.Value.Clone()
	}
	return dict
}

// LoadStateDict copies the values in dict into the parameters of m.
//
// It fails if any parameter is missing from dict, if there are entries in dict with no matching parameter,
// or if shapes differ. Nothing is modified if it fails.
func LoadStateDict(m Model, dict map[string]*tensors.Tensor) error {
	named := m.NamedParameters()
	names := sets.Make[string](len(named))
	for _, np := range named {
		names.Insert(np.Name)
		value, found := dict[np.Name]
		if !found {
			return errors.Errorf("state dict is missing parameter %q", np.Name)
		}
		if !value.SameShape(np.Param.Value) {
			return errors.Errorf("state dict parameter %q is shaped %v, but model expects %v",
				np.Name, value.Shape(), np.Param.Value.Shape())
		}
	}
	var unexpected []string
	for _, name := range xslices.SortedKeys(dict) {
		if !names.Has(name) {
			unexpected = append(unexpected, name)
		}
	}
	if len(unexpected) > 0 {
		return errors.Errorf("state dict has unexpected parameters %q", unexpected)
	}
	for _, np := range named {
		if err := np.Param.Value.CopyFrom(dict[np.Name]); err != nil {
			return err
		}
	}
	return nil
}

// ParameterNames returns the sorted names of the parameters of m.
func ParameterNames(m Model) []string {
	names := xslices.Map(m.NamedParameters(), func(np NamedParameter) string { return np.Name })
	slices.Sort(names)
	return names
}
