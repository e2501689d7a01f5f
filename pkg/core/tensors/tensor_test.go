// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	zeros := FromShape(2, 3)
	assert.Equal(t, []int{2, 3}, zeros.Shape())
	assert.Equal(t, 6, zeros.Size())
	assert.Equal(t, 2, zeros.Rank())
	assert.Equal(t, 3, zeros.Dim(-1))

	scalar := FromScalar(7)
	assert.Equal(t, 0, scalar.Rank())
	assert.Equal(t, float32(7), scalar.Value())

	filled := FromScalarAndDimensions(0.5, 2, 2)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, filled.Flat())

	require.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
	require.Panics(t, func() { FromShape(-1, 2) })
}

func TestSliceAndConcatenate(t *testing.T) {
	x := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	head, err := x.Slice(0, 1)
	require.NoError(t, err)
	tail, err := x.Slice(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, head.Shape())
	assert.Equal(t, []float32{3, 4, 5, 6}, tail.Flat())

	// Slices are copies.
	tail.Flat()[0] = 100
	assert.Equal(t, float32(3), x.Flat()[2])

	joined, err := Concatenate(head, tail)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, joined.Shape())
	assert.Equal(t, []float32{1, 2, 100, 4, 5, 6}, joined.Flat())

	_, err = Concatenate(head, FromShape(1, 3))
	require.Error(t, err)
	_, err = x.Slice(2, 4)
	require.Error(t, err)
}

func TestReshapeAndCopy(t *testing.T) {
	x := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	y, err := x.Reshape(2, 2)
	require.NoError(t, err)
	y.Flat()[0] = 10
	assert.Equal(t, float32(10), x.Flat()[0])
	_, err = x.Reshape(3)
	require.Error(t, err)

	z := ZerosLike(y)
	require.NoError(t, z.CopyFrom(y))
	assert.Equal(t, y.Flat(), z.Flat())
	require.Error(t, z.CopyFrom(x))

	c := z.Clone()
	z.Zero()
	assert.Equal(t, []float32{10, 2, 3, 4}, c.Flat())
	assert.Equal(t, []float32{0, 0, 0, 0}, z.Flat())
}

func TestRawSerialization(t *testing.T) {
	x := FromFlatDataAndDimensions([]float32{1.5, -2, 3.25, 1e-9, 0, 42}, 2, 3)
	var buf bytes.Buffer
	require.NoError(t, x.WriteRaw(&buf))
	assert.Equal(t, x.ByteSize(), int64(buf.Len()))
	y, err := ReadRaw(&buf, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, x.Flat(), y.Flat())
	assert.Equal(t, x.Shape(), y.Shape())

	_, err = ReadRaw(bytes.NewReader([]byte{1, 2}), 2)
	require.Error(t, err)
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Float32)[2]: [1 2]", FromFlatDataAndDimensions([]float32{1, 2}, 2).String())
	assert.Contains(t, FromShape(10).String(), "...(2 more)")
}
