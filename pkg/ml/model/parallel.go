// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModulePrefix is prepended by DataParallel to the names of the wrapped model's parameters.
const ModulePrefix = "module."

// DataParallel wraps a Model and splits each batch into one shard per device.
//
// Replicas share the wrapped model's parameters, so gradients of all shards accumulate into the same
// Parameter.Grad. Shards are executed in order.
//
// DataParallel doesn't implement AuxLosser or DeviceMover itself: use AuxLossOf and DeviceMoverOf, which
// look through Unwrap.
type DataParallel struct {
	module  Model
	devices []string
}

var _ Unwrapper = (*DataParallel)(nil)

// NewDataParallel wraps module to run over the given devices. At least one device is required.
func NewDataParallel(module Model, devices ...string) (*DataParallel, error) {
	if len(devices) == 0 {
		return nil, errors.New("DataParallel requires at least one device")
	}
	klog.V(1).Infof("DataParallel over %d devices: %v", len(devices), devices)
	return &DataParallel{module: module, devices: devices}, nil
}

// Unwrap returns the wrapped model.
func (dp *DataParallel) Unwrap() Model { return dp.module }

// Devices returns the devices the batch is split over.
func (dp *DataParallel) Devices() []string { return dp.devices }

// NamedParameters returns the wrapped model's parameters, with names prefixed by ModulePrefix.
func (dp *DataParallel) NamedParameters() []NamedParameter {
	return xslices.Map(dp.module.NamedParameters(), func(np NamedParameter) NamedParameter {
		return NamedParameter{Name: ModulePrefix + np.Name, Param: np.Param}
	})
}

type parallelState struct {
	// bounds of each shard in the batch: shard ii covers [bounds[ii], bounds[ii+1]).
	bounds  []int
	outputs []*Output
}

func shardBounds(batchSize, numShards int) []int {
	numShards = max(1, min(numShards, batchSize))
	bounds := make([]int, numShards+1)
	for ii := range numShards {
		bounds[ii+1] = bounds[ii] + batchSize/numShards
		if ii < batchSize%numShards {
			bounds[ii+1]++
		}
	}
	return bounds
}

// Forward splits x along the batch axis, runs each shard through the wrapped model and concatenates the results.
func (dp *DataParallel) Forward(x *tensors.Tensor, mode Mode) (*Output, error) {
	if x.Rank() == 0 || x.Dim(0) == 0 {
		return nil, errors.Errorf("DataParallel.Forward requires a non-empty batch, got shape %v", x.Shape())
	}
	state := &parallelState{bounds: shardBounds(x.Dim(0), len(dp.devices))}
	numShards := len(state.bounds) - 1
	if numShards == 1 {
		out, err := dp.module.Forward(x, mode)
		if err != nil {
			return nil, err
		}
		state.outputs = []*Output{out}
		return &Output{Reconstruction: out.Reconstruction, Likelihoods: out.Likelihoods, State: state}, nil
	}

	for ii := range numShards {
		shard, err := x.Slice(state.bounds[ii], state.bounds[ii+1])
		if err != nil {
			return nil, err
		}
		out, err := dp.module.Forward(shard, mode)
		if err != nil {
			return nil, errors.WithMessagef(err, "DataParallel shard #%d on device %q", ii, dp.devices[ii])
		}
		state.outputs = append(state.outputs, out)
	}

	merged := &Output{Likelihoods: make(map[string]*tensors.Tensor), State: state}
	var err error
	merged.Reconstruction, err = tensors.Concatenate(xslices.Map(state.outputs, func(o *Output) *tensors.Tensor {
		return o.Reconstruction
	})...)
	if err != nil {
		return nil, errors.WithMessage(err, "DataParallel failed to gather reconstructions")
	}
	for name := range state.outputs[0].Likelihoods {
		parts := make([]*tensors.Tensor, numShards)
		for ii, out := range state.outputs {
			var found bool
			parts[ii], found = out.Likelihoods[name]
			if !found {
				return nil, errors.Errorf("DataParallel shard #%d has no likelihoods for %q", ii, name)
			}
		}
		merged.Likelihoods[name], err = tensors.Concatenate(parts...)
		if err != nil {
			return nil, errors.WithMessagef(err, "DataParallel failed to gather likelihoods %q", name)
		}
	}
	return merged, nil
}

// Backward splits grads the same way the batch was split in Forward, and back-propagates each shard.
func (dp *DataParallel) Backward(out *Output, grads *OutputGradients) error {
	state, ok := out.State.(*parallelState)
	if !ok {
		return errors.Errorf("DataParallel.Backward given an output not produced by DataParallel.Forward (state %T)", out.State)
	}
	numShards := len(state.outputs)
	if numShards == 1 {
		return dp.module.Backward(state.outputs[0], grads)
	}
	sliceOrNil := func(t *tensors.Tensor, shard int) (*tensors.Tensor, error) {
		if t == nil {
			return nil, nil
		}
		return t.Slice(state.bounds[shard], state.bounds[shard+1])
	}
	for ii, shardOut := range state.outputs {
		shardGrads := &OutputGradients{Likelihoods: make(map[string]*tensors.Tensor, len(grads.Likelihoods))}
		var err error
		if shardGrads.Reconstruction, err = sliceOrNil(grads.Reconstruction, ii); err != nil {
			return err
		}
		for name, g := range grads.Likelihoods {
			if shardGrads.Likelihoods[name], err = sliceOrNil(g, ii); err != nil {
				return errors.WithMessagef(err, "likelihood gradients %q", name)
			}
		}
		if err = dp.module.Backward(shardOut, shardGrads); err != nil {
			return errors.WithMessagef(err, "DataParallel shard #%d on device %q", ii, dp.devices[ii])
		}
	}
	return nil
}
