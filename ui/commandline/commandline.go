// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"math"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/rdcompress/pkg/ml/train"
)

// SprintEvalResult returns a table with the results of an evaluation pass of the given epoch.
//
// If best is finite, it is included as the best evaluation loss so far.
func SprintEvalResult(epoch int, result train.EvalResult, best float64) string {
	table := newTable().
		Headers("Epoch "+humanize.Comma(int64(epoch)), "Evaluation").
		Row("Loss", fmt.Sprintf("%.3f", result.Loss)).
		Row("MSE", fmt.Sprintf("%.5f", result.MSE)).
		Row("PSNR", fmt.Sprintf("%.2f dB", result.PSNR)).
		Row("Bpp", fmt.Sprintf("%.3f", result.BPP)).
		Row("Aux loss", fmt.Sprintf("%.2f", result.AuxLoss)).
		Row("Batches", humanize.Comma(int64(result.NumBatches)))
	if !math.IsInf(best, 0) && !math.IsNaN(best) {
		table.Row("Best loss", fmt.Sprintf("%.3f", best))
	}
	return lipgloss.NewStyle().PaddingLeft(4).Render(table.String())
}

// ReportEval prints to w the table built by SprintEvalResult.
func ReportEval(w io.Writer, epoch int, result train.EvalResult, best float64) {
	_, _ = fmt.Fprintln(w, SprintEvalResult(epoch, result, best))
}
