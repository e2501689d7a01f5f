// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/rdcompress/pkg/ml/checkpoints"
	"github.com/gomlx/rdcompress/pkg/ml/train/optimizers"
)

// Summary prints one column per checkpoint with its epoch, loss, sizes and optimizers.
func Summary(w io.Writer, recs []*checkpoints.Record, paths, names []string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Table.Headers(append([]string{"checkpoint"}, names...)...)

	row := func(isRed bool, title string, fn func(ii int, rec *checkpoints.Record) string) {
		values := make([]string, len(recs)+1)
		values[0] = title
		for ii, rec := range recs {
			values[ii+1] = fn(ii, rec)
		}
		table.Row(isRed, values...)
	}
	nonFinite := false
	for _, rec := range recs {
		if math.IsNaN(rec.Loss) || math.IsInf(rec.Loss, 0) {
			nonFinite = true
		}
	}

	row(false, "epoch", func(_ int, rec *checkpoints.Record) string { return humanize.Comma(int64(rec.Epoch)) })
	row(nonFinite, "loss", func(_ int, rec *checkpoints.Record) string { return fmt.Sprintf("%.4g", rec.Loss) })
	row(false, "# tensors", func(_ int, rec *checkpoints.Record) string { return humanize.Comma(int64(len(rec.StateDict))) })
	row(false, "# parameters", func(_ int, rec *checkpoints.Record) string {
		var size int
		for _, t := range rec.StateDict {
			size += t.Size()
		}
		return humanize.Comma(int64(size))
	})
	row(false, "# bytes", func(_ int, rec *checkpoints.Record) string {
		var bytes int64
		for _, t := range rec.StateDict {
			bytes += t.ByteSize()
		}
		return humanize.Bytes(uint64(bytes))
	})
	row(false, "file size", func(ii int, _ *checkpoints.Record) string {
		fi, err := os.Stat(paths[ii])
		if err != nil {
			return "?"
		}
		return humanize.Bytes(uint64(fi.Size()))
	})
	row(false, "optimizer", func(_ int, rec *checkpoints.Record) string { return describeOptimizer(rec.Optimizer) })
	row(false, "aux optimizer", func(_ int, rec *checkpoints.Record) string { return describeOptimizer(rec.AuxOptimizer) })
	_, _ = fmt.Fprintln(w, table.Table.Render())
}

func describeOptimizer(state *optimizers.State) string {
	if state == nil {
		return "-"
	}
	return fmt.Sprintf("%s: %s steps, lr=%g", state.Name, humanize.Comma(state.Step),
		state.Hyperparameters[optimizers.ParamLearningRate])
}
