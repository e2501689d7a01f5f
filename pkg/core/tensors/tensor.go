// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a dense multidimensional array of float32 values stored in
// row-major order.
//
// Tensors are used as the inputs and outputs of models, as parameter values and gradients, and as
// optimizer state. There are various ways to construct one:
//
//   - FromShape(dimensions ...int): creates a tensor with the given dimensions and zero values.
//
//   - FromScalarAndDimensions(value float32, dimensions ...int): creates a Tensor with the given
//     dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions(data []float32, dimensions ...int): creates a Tensor with the
//     given dimensions, using the given flat data (not copied). Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
package tensors

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Tensor is a dense multidimensional array of float32 values.
//
// A scalar has rank 0 (no dimensions) and one element.
type Tensor struct {
	dimensions []int
	flat       []float32
}

// FromShape returns a zero-initialized tensor with the given dimensions.
// It panics if any dimension is negative.
func FromShape(dimensions ...int) *Tensor {
	return &Tensor{
		dimensions: slices.Clone(dimensions),
		flat:       make([]float32, mustSize(dimensions)),
	}
}

// FromScalarAndDimensions returns a tensor with the given dimensions, filled with value.
func FromScalarAndDimensions(value float32, dimensions ...int) *Tensor {
	t := FromShape(dimensions...)
	for ii := range t.flat {
		t.flat[ii] = value
	}
	return t
}

// FromScalar returns a rank-0 tensor with the given value.
func FromScalar(value float32) *Tensor {
	return &Tensor{flat: []float32{value}}
}

// FromFlatDataAndDimensions creates a tensor backed by flat, which is not copied.
// It panics if len(flat) doesn't match the size implied by dimensions.
func FromFlatDataAndDimensions(flat []float32, dimensions ...int) *Tensor {
	size := mustSize(dimensions)
	if len(flat) != size {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: flat data has %d elements, but dimensions %v require %d",
			len(flat), dimensions, size)
	}
	return &Tensor{dimensions: slices.Clone(dimensions), flat: flat}
}

func mustSize(dimensions []int) int {
	size := 1
	for axis, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("tensors: negative dimension %d for axis #%d in %v", dim, axis, dimensions)
		}
		size *= dim
	}
	return size
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return slices.Clone(t.dimensions)
}

// Dim returns the dimension of the given axis. Negative axes are counted from the end.
func (t *Tensor) Dim(axis int) int {
	if axis < 0 {
		axis += len(t.dimensions)
	}
	return t.dimensions[axis]
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dimensions) }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.flat) }

// Flat returns the underlying flat data. Changes to it are reflected in the tensor.
func (t *Tensor) Flat() []float32 { return t.flat }

// Value returns the value of a scalar (or any single element) tensor.
func (t *Tensor) Value() float32 {
	if len(t.flat) != 1 {
		exceptions.Panicf("tensors.Value() called on a tensor with %d elements (dimensions %v)", len(t.flat), t.dimensions)
	}
	return t.flat[0]
}

// SameShape returns whether t and other have the same dimensions.
func (t *Tensor) SameShape(other *Tensor) bool {
	return slices.Equal(t.dimensions, other.dimensions)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{dimensions: slices.Clone(t.dimensions), flat: slices.Clone(t.flat)}
}

// ZerosLike returns a zero-initialized tensor with the same dimensions as t.
func ZerosLike(t *Tensor) *Tensor {
	return FromShape(t.dimensions...)
}

// Zero sets all elements to 0.
func (t *Tensor) Zero() {
	clear(t.flat)
}

// CopyFrom copies the values of src into t. Both must have the same dimensions.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.SameShape(src) {
		return errors.Errorf("tensors.CopyFrom: cannot copy tensor shaped %v into tensor shaped %v", src.dimensions, t.dimensions)
	}
	copy(t.flat, src.flat)
	return nil
}

// Reshape returns a tensor sharing the same data with new dimensions. The total size must be preserved.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	if size != len(t.flat) {
		return nil, errors.Errorf("tensors.Reshape: cannot reshape %v (size %d) into %v (size %d)",
			t.dimensions, len(t.flat), dimensions, size)
	}
	return &Tensor{dimensions: slices.Clone(dimensions), flat: t.flat}, nil
}

// Slice returns a copy of the sub-tensor with indices [start, end) along the first axis.
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if t.Rank() == 0 {
		return nil, errors.New("tensors.Slice: cannot slice a scalar")
	}
	if start < 0 || end > t.dimensions[0] || start > end {
		return nil, errors.Errorf("tensors.Slice: invalid range [%d, %d) for leading dimension %d", start, end, t.dimensions[0])
	}
	stride := len(t.flat) / max(t.dimensions[0], 1)
	dims := slices.Clone(t.dimensions)
	dims[0] = end - start
	return &Tensor{dimensions: dims, flat: slices.Clone(t.flat[start*stride : end*stride])}, nil
}

// Concatenate tensors along the first axis. All the other axes must match.
func Concatenate(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("tensors.Concatenate: no tensors given")
	}
	first := parts[0]
	if first.Rank() == 0 {
		return nil, errors.New("tensors.Concatenate: cannot concatenate scalars")
	}
	dims := slices.Clone(first.dimensions)
	dims[0] = 0
	total := 0
	for ii, part := range parts {
		if part.Rank() != first.Rank() || !slices.Equal(part.dimensions[1:], first.dimensions[1:]) {
			return nil, errors.Errorf("tensors.Concatenate: tensor #%d shaped %v is incompatible with tensor #0 shaped %v",
				ii, part.dimensions, first.dimensions)
		}
		dims[0] += part.dimensions[0]
		total += len(part.flat)
	}
	flat := make([]float32, 0, total)
	for _, part := range parts {
		flat = append(flat, part.flat...)
	}
	return &Tensor{dimensions: dims, flat: flat}, nil
}
