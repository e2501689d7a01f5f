// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"encoding/base64"
	"encoding/json"
	"html/template"
	"io"
	"os"

	grob "github.com/MetalBlueberry/go-plotly/generated/v2.34.0/graph_objects"
	ptypes "github.com/MetalBlueberry/go-plotly/pkg/types"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
)

// PlotlySrc is the URL of the Plotly.js library matching the figures' schema.
const PlotlySrc = "https://cdn.plot.ly/plotly-2.34.0.min.js"

// plotLineInfo contains the information for a single line in a plot.
type plotLineInfo struct {
	name          string
	steps, values []float64
}

// createPlotLines for the given metric type: one line per metric name, with points sorted by step.
func (points Points) createPlotLines(metricType string) []*plotLineInfo {
	lines := make(map[string]*plotLineInfo)
	points.Map(func(p *Point) {
		if p.MetricType != metricType {
			return
		}
		line, found := lines[p.MetricName]
		if !found {
			line = &plotLineInfo{name: p.Short}
			lines[p.MetricName] = line
		}
		line.steps = append(line.steps, p.Step)
		line.values = append(line.values, p.Value)
	})
	return xslices.Map(xslices.SortedKeys(lines), func(name string) *plotLineInfo { return lines[name] })
}

// BuildFigures creates one Plotly figure per metric type, and returns them serialized as JSON.
func (points Points) BuildFigures() ([][]byte, error) {
	var serialized [][]byte
	for _, metricType := range points.MetricTypes() {
		fig := &grob.Fig{
			Layout: &grob.Layout{
				Title: &grob.LayoutTitle{
					Text: ptypes.S(metricType),
				},
				Xaxis: &grob.LayoutXaxis{
					Showgrid: ptypes.B(true),
				},
				Yaxis: &grob.LayoutYaxis{
					Showgrid: ptypes.B(true),
				},
			},
		}
		for _, line := range points.createPlotLines(metricType) {
			fig.Data = append(fig.Data, &grob.Scatter{
				Name: ptypes.S(line.name),
				Line: &grob.ScatterLine{
					Shape: grob.ScatterLineShapeLinear,
				},
				Mode: "lines+markers",
				X:    ptypes.DataArray(line.steps),
				Y:    ptypes.DataArray(line.values),
			})
		}
		figAsJSON, err := json.Marshal(fig)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to marshal plotly figure for metric type %q", metricType)
		}
		serialized = append(serialized, figAsJSON)
	}
	return serialized, nil
}

var (
	singleFileHTML = `<!DOCTYPE html>
	<head>
		<meta charset="utf-8">
		<script src="{{ .CDN }}"></script>
	</head>
	<body>
{{- range $i, $f := .Figures }}
		<div id="plot{{ $i }}"></div>
{{- end }}
	<script>
{{- range $i, $f := .Figures }}
		data = JSON.parse(atob('{{ $f }}'))
		Plotly.newPlot('plot{{ $i }}', data);
{{- end }}
	</script>
	</body>
</html>`
	singleFileHTMLTmpl = template.Must(template.New("plotly").Parse(singleFileHTML))
)

// WritePlotlyAsHTML renders the Plotly figures (given as JSON) to an HTML page that can be
// served or saved to a file.
func WritePlotlyAsHTML(w io.Writer, figuresAsJSON ...[]byte) error {
	data := &struct {
		CDN     string
		Figures []string
	}{
		CDN:     PlotlySrc,
		Figures: xslices.Map(figuresAsJSON, func(fig []byte) string { return base64.StdEncoding.EncodeToString(fig) }),
	}
	err := singleFileHTMLTmpl.Execute(w, data)
	if err != nil {
		return errors.Wrap(err, "failed to render plotly")
	}
	return nil
}

// PlotlyToHTMLFile renders all metric types in points to an HTML file.
func PlotlyToHTMLFile(fileName string, points []Point) error {
	figures, err := NewPoints(points).BuildFigures()
	if err != nil {
		return err
	}
	f, err := os.Create(fileName)
	if err != nil {
		return errors.Wrapf(err, "failed to create file %q", fileName)
	}
	if err = WritePlotlyAsHTML(f, figures...); err != nil {
		_ = f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %q", fileName)
}
