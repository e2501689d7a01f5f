// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/rdcompress/pkg/ml/checkpoints"
	"github.com/gomlx/rdcompress/pkg/ml/train/optimizers"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

var (
	flagVars        = flag.Bool("vars", false, "Lists the model parameters saved in the checkpoint.")
	flagPerturbVars = flag.Float64("perturb", 0,
		"Perturbs the model parameters by <x>: it multiplies the weights by 1.0+(RandomUniform(-1, 1)*x), "+
			"and saves the checkpoint back. The auxiliary parameters (entropy model quantiles) are not changed.")
	flagPerturbSeed = flag.Int64("perturb_seed", 0, "Seed used by -perturb.")
)

// tensorStats returns the mean absolute value, the root-mean-square and the max absolute value of flat.
func tensorStats(flat []float32) (mav, rms, maxAV float64) {
	abs := make([]float64, len(flat))
	for ii, v := range flat {
		abs[ii] = math.Abs(float64(v))
	}
	n := float64(len(abs))
	mav = floats.Sum(abs) / n
	rms = floats.Norm(abs, 2) / math.Sqrt(n)
	maxAV = floats.Max(abs)
	return
}

// ListVariables lists the parameters of a checkpoint, with their shape and MAV (mean absolute value),
// RMS (root-mean-square) and MaxAV (max absolute value) values. Parameters with non-finite values are
// highlighted.
func ListVariables(w io.Writer, name string, rec *checkpoints.Record) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Parameters of %q", name)))
	table := newPlainTable()
	table.Table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	for _, paramName := range xslices.SortedKeys(rec.StateDict) {
		t := rec.StateDict[paramName]
		var mav, rms, maxAV string
		isRed := false
		switch t.Size() {
		case 0:
		case 1:
			mav = fmt.Sprintf("%8v", t.Flat()[0])
		default:
			m, r, x := tensorStats(t.Flat())
			mav, rms, maxAV = fmt.Sprintf("%.3g", m), fmt.Sprintf("%.3g", r), fmt.Sprintf("%.3g", x)
		}
		for _, v := range t.Flat() {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				isRed = true
				break
			}
		}
		table.Row(isRed, paramName, fmt.Sprintf("%v", t.Shape()),
			humanize.Comma(int64(t.Size())), humanize.Bytes(uint64(t.ByteSize())),
			mav, rms, maxAV)
	}
	_, _ = fmt.Fprintln(w, table.Table.Render())
	printGlossary(w,
		[2]string{"Scalar/MAV", "If the parameter is a scalar then the value itself, else the Mean Absolute Value"},
		[2]string{"RMS", "Root Mean Square"},
		[2]string{"MaxAV", "Max Absolute Value"})
}

// PerturbVars multiplies the main parameters of the checkpoint in path by 1+U(-x, x), and saves it back.
//
// The optimizers state is kept: consider resetting it if the optimizer has running averages.
func PerturbVars(path string, x float64, seed uint64) error {
	rec, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	for _, name := range xslices.SortedKeys(rec.StateDict) {
		if optimizers.GroupOf(name) == optimizers.AuxGroup {
			continue
		}
		flat := rec.StateDict[name].Flat()
		for ii := range flat {
			perturbation := 1 + (2*rng.Float64()-1)*x
			flat[ii] = float32(float64(flat[ii]) * perturbation)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to rewrite checkpoint %q", path)
	}
	bw := bufio.NewWriter(f)
	if err = rec.Write(bw); err == nil {
		err = bw.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.WithMessagef(err, "saving perturbed checkpoint %q", path)
}
