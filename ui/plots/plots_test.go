// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plots

import (
	"bytes"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoint(t *testing.T) {
	p := NewPoint("val/bpp", 10, 0.5)
	assert.Equal(t, "bpp", p.MetricType)
	assert.Equal(t, "Eval bpp", p.Short)
	assert.Equal(t, 10.0, p.Step)

	p = NewPoint("aux loss", 3, 1)
	assert.Equal(t, "aux loss", p.MetricType)
	assert.Equal(t, "aux loss", p.Short)
}

func TestPointsWriterAndLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), MetricsFileName)
	writer, errReport := CreatePointsWriter(filePath)
	writer <- NewPoint("mse", 0, 0.1)
	writer <- NewPoint("mse", 1, math.NaN())
	writer <- NewPoint("val/mse", 1, 0.05)
	close(writer)
	require.NoError(t, <-errReport)

	points, err := LoadPoints(filePath)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, "val/mse", points[1].MetricName)

	// Appends on re-open.
	writer, errReport = CreatePointsWriter(filePath)
	writer <- NewPoint("mse", 2, 0.02)
	close(writer)
	require.NoError(t, <-errReport)
	points, err = LoadPoints(filePath)
	require.NoError(t, err)
	assert.Len(t, points, 3)

	_, err = LoadPoints(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
}

func TestPointsWriterReportsErrors(t *testing.T) {
	writer, errReport := CreatePointsWriter(filepath.Join(t.TempDir(), "missing_dir", MetricsFileName))
	writer <- NewPoint("mse", 0, 0.1)
	close(writer)
	require.Error(t, <-errReport)
}

func TestPointsTableAndFigures(t *testing.T) {
	points := NewPoints([]Point{
		NewPoint("mse", 2, 0.2),
		NewPoint("mse", 1, 0.3),
		NewPoint("val/mse", 2, 0.25),
		NewPoint("bpp", 1, 1.5),
	})
	assert.Equal(t, []string{"bpp", "mse", "val/mse"}, points.MetricsNames())
	assert.Equal(t, []string{"bpp", "mse"}, points.MetricTypes())
	assert.Len(t, points.Extract(), 4)
	table := points.TableForMetrics("mse")
	assert.Contains(t, table, "0.300000")
	assert.NotContains(t, table, "1.500000")

	lines := points.createPlotLines("mse")
	require.Len(t, lines, 2)
	assert.Equal(t, []float64{1, 2}, lines[0].steps)
	assert.Equal(t, "Eval mse", lines[1].name)

	figures, err := points.BuildFigures()
	require.NoError(t, err)
	require.Len(t, figures, 2)
	var fig map[string]any
	require.NoError(t, json.Unmarshal(figures[1], &fig))
	assert.Len(t, fig["data"], 2)

	var buf bytes.Buffer
	require.NoError(t, WritePlotlyAsHTML(&buf, figures...))
	assert.Contains(t, buf.String(), PlotlySrc)
	assert.Contains(t, buf.String(), "plot1")

	htmlPath := filepath.Join(t.TempDir(), "metrics.html")
	require.NoError(t, PlotlyToHTMLFile(htmlPath, points.Extract()))
	info, err := os.Stat(htmlPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}
