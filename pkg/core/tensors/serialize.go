// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// ByteSize returns the number of bytes used by WriteRaw.
func (t *Tensor) ByteSize() int64 {
	return int64(len(t.flat)) * 4
}

// WriteRaw writes the tensor's flat values as little-endian float32s. Dimensions are not written.
func (t *Tensor) WriteRaw(w io.Writer) error {
	buf := make([]byte, 4*len(t.flat))
	for ii, v := range t.flat {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	_, err := w.Write(buf)
	if err != nil {
		return errors.Wrapf(err, "failed to write tensor shaped %v", t.dimensions)
	}
	return nil
}

// ReadRaw reads a tensor with the given dimensions, in the format written by WriteRaw.
func ReadRaw(r io.Reader, dimensions ...int) (*Tensor, error) {
	t := FromShape(dimensions...)
	buf := make([]byte, 4*len(t.flat))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrapf(err, "failed to read tensor shaped %v", dimensions)
	}
	for ii := range t.flat {
		t.flat[ii] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*ii:]))
	}
	return t, nil
}
