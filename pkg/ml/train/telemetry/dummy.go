// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
)

// Dummy is a Sink that discards all writes.
type Dummy struct {
	out       io.Writer
	closeOnce sync.Once
}

var _ Sink = (*Dummy)(nil)

// NewDummy returns a Dummy that reports its closing to out.
func NewDummy(out io.Writer) *Dummy {
	return &Dummy{out: out}
}

func (d *Dummy) WriteMetric(string, float64, int)         {}
func (d *Dummy) WriteImage(string, *tensors.Tensor, int) {}
func (d *Dummy) WriteParameters(map[string]any)          {}
func (d *Dummy) WatchAll(model.Model)                    {}

// Close implements Sink.
func (d *Dummy) Close() error {
	d.closeOnce.Do(func() {
		_, _ = fmt.Fprintln(d.out, "Close dummy writer")
	})
	return nil
}
