// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rdcheckpoints reports on checkpoints saved by rdtrain, and on the metrics of offline runs.
//
// Each argument is a checkpoint file or an experiment directory, in which case its checkpoint (or its best
// checkpoint with -best) is used. Example:
//
//	rdcheckpoints -vars _logs/factorized_0.01 _logs/factorized_0.05
//
// With -metrics, the arguments are offline run directories instead.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/rdcompress/pkg/ml/checkpoints"
	"github.com/gomlx/rdcompress/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagBest     = flag.Bool("best", false, "For experiment directories, use the best checkpoint instead of the latest.")
	flagSummary  = flag.Bool("summary", true, "Display a summary of the checkpoints: epoch, loss, model and optimizers sizes.")
	flagGlossary = flag.Bool("glossary", true, "Whether to list glossary of abbreviations with the reports.")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	sectionStyle  = lipgloss.NewStyle().Bold(true)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
	italicStyle   = lipgloss.NewStyle().Italic(true).Faint(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint to read from. See 'rdcheckpoints -help'")
		os.Exit(1)
	}
	out := os.Stdout
	if *flagMetrics {
		must.M(ListMetrics(out, args...))
		return
	}
	if *flagPerturbVars != 0 {
		for _, arg := range args {
			path := must.M1(checkpointPath(arg, *flagBest))
			must.M(PerturbVars(path, *flagPerturbVars, uint64(*flagPerturbSeed)))
			_, _ = fmt.Fprintf(out, "Perturbed parameters of %q by up to %g\n", path, *flagPerturbVars)
		}
		return
	}

	paths := make([]string, len(args))
	recs := make([]*checkpoints.Record, len(args))
	for ii, arg := range args {
		paths[ii] = must.M1(checkpointPath(arg, *flagBest))
		recs[ii] = must.M1(checkpoints.Load(paths[ii]))
	}
	names := MinimalUniquePaths(paths...)
	if *flagSummary {
		Summary(out, recs, paths, names)
	}
	if *flagVars {
		for ii, rec := range recs {
			ListVariables(out, names[ii], rec)
		}
	}
}

// checkpointPath returns arg itself if it is a file, or the path of the (best) checkpoint in the directory arg.
func checkpointPath(arg string, best bool) (string, error) {
	path, err := fsutil.ReplaceTildeInDir(arg)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return path, nil
	}
	if best {
		return filepath.Join(path, checkpoints.BestFileName), nil
	}
	return filepath.Join(path, checkpoints.FileName), nil
}

func printGlossary(w io.Writer, entries ...[2]string) {
	if !*flagGlossary {
		return
	}
	_, _ = fmt.Fprintf(w, "  %s:\n", sectionStyle.Render("Glossary"))
	for _, entry := range entries {
		_, _ = fmt.Fprintf(w, "   ◦ %s: %s\n", emphasisStyle.Render(entry[0]), italicStyle.Render(entry[1]))
	}
}
