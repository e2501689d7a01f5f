// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"fmt"
)

// maxPrintedValues is the number of leading values shown by String.
const maxPrintedValues = 8

// String implements fmt.Stringer. Large tensors are truncated.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	var buf bytes.Buffer
	w := func(format string, args ...any) { _, _ = fmt.Fprintf(&buf, format, args...) }
	w("(Float32)%v: [", t.dimensions)
	for ii, v := range t.flat {
		if ii == maxPrintedValues {
			w(" ...(%d more)", len(t.flat)-maxPrintedValues)
			break
		}
		if ii > 0 {
			w(" ")
		}
		w("%g", v)
	}
	w("]")
	return buf.String()
}
