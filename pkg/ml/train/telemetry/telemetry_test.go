// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/ui/plots"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel only exposes parameters.
type fakeModel struct {
	params []model.NamedParameter
}

func newFakeModel() *fakeModel {
	weight := model.NewParameter(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))
	weight.Grad = tensors.FromFlatDataAndDimensions([]float32{0.1, -0.1, 0, 0.5}, 2, 2)
	bias := model.NewParameter(tensors.FromShape(2))
	bias.Grad = nil
	return &fakeModel{params: []model.NamedParameter{{Name: "weight", Param: weight}, {Name: "bias", Param: bias}}}
}

func (m *fakeModel) Forward(*tensors.Tensor, model.Mode) (*model.Output, error) { return nil, nil }
func (m *fakeModel) Backward(*model.Output, *model.OutputGradients) error      { return nil }
func (m *fakeModel) NamedParameters() []model.NamedParameter                    { return m.params }

func TestNewHistogram(t *testing.T) {
	values := []float32{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, float32(math.NaN()), float32(math.Inf(1))}
	h := NewHistogram(values, 5)
	require.Len(t, h.Edges, 6)
	assert.Equal(t, []float64{2, 2, 2, 2, 2}, h.Counts)
	assert.Equal(t, 0.0, h.Edges[0])
	assert.Greater(t, h.Edges[5], 9.0)

	constant := NewHistogram([]float32{3, 3, 3}, 4)
	assert.Equal(t, 3.0, constant.Edges[0])
	assert.Equal(t, 3.0, constant.Counts[0])

	empty := NewHistogram(nil, 4)
	assert.Empty(t, empty.Counts)
}

func TestWriteMetricsInOrder(t *testing.T) {
	sink := NewMemory()
	WriteMetrics(sink, map[string]float64{"psnr": 30, "bpp": 0.5, "mse": 0.001}, 7)
	records := sink.Metrics()
	require.Len(t, records, 3)
	assert.Equal(t, "bpp", records[0].Name)
	assert.Equal(t, "mse", records[1].Name)
	assert.Equal(t, "psnr", records[2].Name)
	assert.Equal(t, 7, records[2].Step)
}

func TestDummyClosesOnce(t *testing.T) {
	var buf bytes.Buffer
	d := NewDummy(&buf)
	d.WriteMetric("loss", 1, 0)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.Equal(t, "Close dummy writer\n", buf.String())
}

func TestDummyIgnoresInput(t *testing.T) {
	var buf bytes.Buffer
	d := NewDummy(&buf)
	require.NotPanics(t, func() {
		d.WriteMetric("", math.NaN(), -1)
		d.WriteImage("nil", nil, 0)
		d.WriteImage("empty", tensors.FromShape(0), 1)
		d.WriteImage("odd", tensors.FromShape(3, 1, 7, 2, 5), 2)
		d.WriteParameters(nil)
		d.WriteParameters(map[string]any{"": nil, "fn": func() {}, "nan": math.Inf(-1)})
		d.WatchAll(nil)
		d.WatchAll(newFakeModel())
	})
	assert.Empty(t, buf.String())
	require.NoError(t, d.Close())
	assert.Equal(t, "Close dummy writer\n", buf.String())
}

func TestEncodeImage(t *testing.T) {
	x := tensors.FromScalarAndDimensions(0.5, 1, 2, 3, 3)
	img, err := EncodeImage(x)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Width)
	assert.Equal(t, 2, img.Height)
	decoded, err := png.Decode(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, 3, decoded.Bounds().Dx())

	_, err = EncodeImage(tensors.FromShape(2, 2, 2, 3))
	require.Error(t, err)
	_, err = EncodeImage(tensors.FromShape(2, 2))
	require.Error(t, err)
	_, err = EncodeImage(nil)
	require.Error(t, err)
}

func TestRemoteNilInputs(t *testing.T) {
	sink, err := NewRemote(context.Background(), Config{Backend: NewLocalBackend(t.TempDir())})
	require.NoError(t, err)
	require.NotPanics(t, func() {
		sink.WriteImage("reconstruction", nil, 1)
		sink.WatchAll(nil)
	})
	assert.Equal(t, 2, sink.Failures())
	// Invalid inputs don't count as backend failures.
	assert.Equal(t, 0, sink.streak)
	sink.WriteMetric("loss", 1, 1)
	assert.Equal(t, 2, sink.Failures())
	assert.Equal(t, 0, sink.Dropped())
	require.NoError(t, sink.Close())

	backend := NewLocalBackend(t.TempDir())
	require.NoError(t, backend.Init(context.Background(), RunInfo{ID: "id", Name: "nil-watch"}))
	require.Error(t, backend.Watch(nil, WatchAll, 1))
	require.NoError(t, backend.Finish())
}

func TestRemoteLocalBackend(t *testing.T) {
	backend := NewLocalBackend(t.TempDir())
	sink, err := NewRemote(context.Background(), Config{
		RunName:   "test",
		RunConfig: map[string]any{"lambda": 0.01, "epochs": 3},
		Backend:   backend,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultProject, sink.Run().Project)

	sink.WatchAll(newFakeModel())
	WriteMetrics(sink, map[string]float64{"loss": 1.5, "bpp": 0.25}, 1)
	sink.WriteMetric("val/loss", 2.0, 1)
	sink.WriteMetric("loss", math.NaN(), 2)
	sink.WriteImage("reconstruction", tensors.FromScalarAndDimensions(0.25, 4, 4, 3), 1)
	sink.WriteParameters(map[string]any{"learning_rate": 1e-4})
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Equal(t, 0, sink.Failures())

	runDir := backend.RunDir()
	assert.True(t, strings.HasPrefix(filepath.Base(runDir), "offline-run-"))
	points, err := plots.LoadPoints(filepath.Join(runDir, plots.MetricsFileName))
	require.NoError(t, err)
	assert.Len(t, points, 3)
	for _, name := range []string{LocalConfigFileName, LocalParametersFileName, LocalPlotsFileName, LocalHistogramsFileName} {
		assert.FileExists(t, filepath.Join(runDir, name))
	}
	assert.FileExists(t, filepath.Join(runDir, LocalImagesDir, "reconstruction_1.png"))

	var config map[string]any
	contents, err := os.ReadFile(filepath.Join(runDir, LocalConfigFileName))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(contents, &config))
	assert.Equal(t, 0.01, config["lambda"])

	f, err := os.Open(filepath.Join(runDir, LocalHistogramsFileName))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var names []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record histogramRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &record))
		names = append(names, record.Name)
	}
	// Histograms are only logged with the first write: the next ones are within WatchLogFreq steps.
	assert.ElementsMatch(t, []string{"parameters/weight", "parameters/bias", "gradients/weight"}, names)

	// Writes after closing are ignored.
	sink.WriteMetric("loss", 1, 3)
	assert.Equal(t, 0, sink.Failures())
}

type trackingServer struct {
	mu        sync.Mutex
	requests  []string
	bodies    map[string][]map[string]any
	failFirst map[string]int
	status    int
}

func (s *trackingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.requests = append(s.requests, r.URL.Path)
	if s.failFirst[r.URL.Path] > 0 {
		s.failFirst[r.URL.Path]--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.status != 0 && strings.HasSuffix(r.URL.Path, "/log") {
		w.WriteHeader(s.status)
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.bodies[r.URL.Path] = append(s.bodies[r.URL.Path], body)
	w.WriteHeader(http.StatusOK)
}

func newTestBackend(t *testing.T, server *trackingServer, apiKey string) *HTTPBackend {
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	backend := NewHTTPBackend(ts.URL+"/", apiKey)
	backend.RetryDelay = 0
	return backend
}

func TestRemoteHTTPBackend(t *testing.T) {
	server := &trackingServer{bodies: make(map[string][]map[string]any), failFirst: make(map[string]int)}
	server.failFirst["/api/runs"] = 2
	backend := newTestBackend(t, server, "secret")
	sink, err := NewRemote(context.Background(), Config{Project: "p", RunName: "r", Backend: backend})
	require.NoError(t, err)
	id := sink.Run().ID
	require.NotEmpty(t, id)

	sink.WatchAll(newFakeModel())
	sink.WriteMetric("loss", math.Inf(1), 10)
	sink.WriteParameters(map[string]any{"batch_size": 16})
	require.NoError(t, sink.Close())
	assert.Equal(t, 0, sink.Failures())

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, []string{
		"/api/runs", "/api/runs", "/api/runs",
		"/api/runs/" + id + "/watch",
		"/api/runs/" + id + "/log",
		"/api/runs/" + id + "/config",
		"/api/runs/" + id + "/finish",
	}, server.requests)
	logged := server.bodies["/api/runs/"+id+"/log"][0]
	assert.Equal(t, 10.0, logged["step"])
	values := logged["values"].(map[string]any)
	assert.Equal(t, "Infinity", values["loss"])
	assert.Contains(t, values, "parameters/weight")
}

func TestRemoteHTTPBackendFailures(t *testing.T) {
	server := &trackingServer{bodies: make(map[string][]map[string]any), failFirst: make(map[string]int)}
	_, err := NewRemote(context.Background(), Config{Backend: newTestBackend(t, server, "wrong")})
	require.Error(t, err)

	server.status = http.StatusBadRequest
	sink, err := NewRemote(context.Background(), Config{Backend: newTestBackend(t, server, "secret")})
	require.NoError(t, err)
	sink.WriteMetric("loss", 1, 0)
	sink.WriteMetric("loss", 1, 1)
	assert.Equal(t, 2, sink.Failures())
	require.NoError(t, sink.Close())
}

func TestRemoteHTTPBackendCanceledContext(t *testing.T) {
	server := &trackingServer{bodies: make(map[string][]map[string]any), failFirst: make(map[string]int)}
	backend := newTestBackend(t, server, "secret")
	ctx, cancel := context.WithCancel(context.Background())
	sink, err := NewRemote(ctx, Config{RunName: "r", Backend: backend})
	require.NoError(t, err)
	id := sink.Run().ID

	// Interrupting the program cancels the context, but the run is still logged and finished.
	cancel()
	sink.WriteMetric("loss", 1, 1)
	WriteMetrics(sink, map[string]float64{"val/loss": 2, "val/bpp": 0.5}, 1)
	require.NoError(t, sink.Close())
	assert.Equal(t, 0, sink.Failures())

	server.mu.Lock()
	defer server.mu.Unlock()
	assert.Equal(t, []string{
		"/api/runs",
		"/api/runs/" + id + "/log",
		"/api/runs/" + id + "/log",
		"/api/runs/" + id + "/finish",
	}, server.requests)
}

func TestRemoteHangingServer(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/log") {
			select {
			case <-release:
			case <-r.Context().Done():
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	backend := NewHTTPBackend(ts.URL, "")
	backend.LogTimeout = 50 * time.Millisecond
	sink, err := NewRemote(context.Background(), Config{Backend: backend})
	require.NoError(t, err)

	const numSteps = 100
	start := time.Now()
	for step := range numSteps {
		sink.WriteMetric("loss", 1, step)
	}
	// Only the first FailureStreakLimit writes wait for the timeout, the others are dropped.
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, FailureStreakLimit, sink.Failures())
	assert.Equal(t, numSteps-FailureStreakLimit, sink.Dropped())
	require.NoError(t, sink.Close())
}

// flakyBackend fails its Log calls while failing is set.
type flakyBackend struct {
	failing bool
	logs    int
}

func (b *flakyBackend) Init(context.Context, RunInfo) error     { return nil }
func (b *flakyBackend) Watch(model.Model, WatchMode, int) error { return nil }
func (b *flakyBackend) Finish() error                           { return nil }

func (b *flakyBackend) Log(map[string]any, int) error {
	b.logs++
	if b.failing {
		return errors.New("tracking server unavailable")
	}
	return nil
}

func TestRemoteFailureStreak(t *testing.T) {
	backend := &flakyBackend{failing: true}
	sink, err := NewRemote(context.Background(), Config{Backend: backend})
	require.NoError(t, err)
	now := time.Unix(1_000_000, 0)
	sink.now = func() time.Time { return now }

	for step := range 10 {
		sink.WriteMetric("loss", 1, step)
	}
	assert.Equal(t, FailureStreakLimit, backend.logs)
	assert.Equal(t, FailureStreakLimit, sink.streak)
	assert.Equal(t, FailureStreakLimit, sink.Failures())
	assert.Equal(t, 10-FailureStreakLimit, sink.Dropped())

	// After ReprobeInterval the backend is tried once more: it still fails, so writes are suspended again.
	now = now.Add(ReprobeInterval)
	sink.WriteMetric("loss", 1, 10)
	sink.WriteMetric("loss", 1, 11)
	assert.Equal(t, FailureStreakLimit+1, backend.logs)
	assert.Equal(t, FailureStreakLimit+1, sink.streak)
	assert.Equal(t, 10-FailureStreakLimit+1, sink.Dropped())

	// Recovery ends the streak.
	now = now.Add(ReprobeInterval)
	backend.failing = false
	sink.WriteMetric("loss", 1, 12)
	sink.WriteMetric("loss", 1, 13)
	assert.Equal(t, FailureStreakLimit+3, backend.logs)
	assert.Equal(t, 0, sink.streak)
	assert.Equal(t, FailureStreakLimit+1, sink.Failures())

	// A new failure starts a new streak, without suspending writes yet.
	backend.failing = true
	sink.WriteMetric("loss", 1, 14)
	sink.WriteMetric("loss", 1, 15)
	assert.Equal(t, FailureStreakLimit+5, backend.logs)
	assert.Equal(t, 2, sink.streak)
	require.NoError(t, sink.Close())
}

func TestNewRemoteRequiresURL(t *testing.T) {
	_, err := NewRemote(context.Background(), Config{})
	require.Error(t, err)

	sink, err := New(context.Background(), Config{}, true)
	require.NoError(t, err)
	_, isDummy := sink.(*Dummy)
	assert.True(t, isDummy)
}
