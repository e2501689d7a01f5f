// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gomlx/rdcompress/pkg/support/sets"
	"github.com/gomlx/rdcompress/ui/plots"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagMetrics = flag.Bool("metrics", false,
		fmt.Sprintf("Lists the metrics of offline runs, read from their file %q", plots.MetricsFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Regular expression that if matches the name or short name, the metric is included.")
	flagMetricsTypes = flag.String("metrics_types", "", "Comma-separate list of metric types to include in metrics reports (e.g.: \"psnr,bpp\").")
)

// metricsFilter selects the points to include in the report, given the -metrics_names and -metrics_types flags.
type metricsFilter struct {
	names *regexp.Regexp
	types sets.Set[string]
}

func newMetricsFilter(names, types string) (*metricsFilter, error) {
	f := &metricsFilter{}
	if names != "" {
		var err error
		f.names, err = regexp.Compile(names)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to compile -metrics_names=%q", names)
		}
	}
	if types != "" {
		f.types = sets.Make[string]()
		for _, metricType := range strings.Split(types, ",") {
			f.types.Insert(strings.TrimSpace(metricType))
		}
	}
	return f, nil
}

func (f *metricsFilter) includes(p *plots.Point) bool {
	if f.names == nil && f.types == nil {
		return true
	}
	foundName := f.names != nil && (f.names.MatchString(p.MetricName) || f.names.MatchString(p.Short))
	foundType := f.types != nil && f.types.Has(p.MetricType)
	return foundName || foundType
}

// ListMetrics prints a table of the metrics of each offline run directory, one row per step.
func ListMetrics(w io.Writer, runDirs ...string) error {
	filter, err := newMetricsFilter(*flagMetricsNames, *flagMetricsTypes)
	if err != nil {
		return err
	}
	names := MinimalUniquePaths(runDirs...)
	for ii, runDir := range runDirs {
		metricsPath := filepath.Join(runDir, plots.MetricsFileName)
		rawPoints, err := plots.LoadPoints(metricsPath)
		if err != nil {
			return err
		}
		var selected []plots.Point
		for _, p := range rawPoints {
			if filter.includes(&p) {
				selected = append(selected, p)
			}
		}
		if len(selected) == 0 {
			klog.Warningf("No metrics selected from %q", metricsPath)
			continue
		}
		_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Metrics of %q", names[ii])))
		_, _ = fmt.Fprintln(w, plots.NewPoints(selected).TableForMetrics())
	}
	return nil
}
