// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gomlx/rdcompress/pkg/ml/model"
	"github.com/gomlx/rdcompress/pkg/support/xslices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// HTTPBackend is a Backend that sends the run to a tracking server with JSON requests:
//
//   - POST <url>/api/runs: creates the run.
//   - POST <url>/api/runs/<id>/log: logs values at a step.
//   - POST <url>/api/runs/<id>/watch: registers the watched model.
//   - POST <url>/api/runs/<id>/config: updates the run configuration.
//   - POST <url>/api/runs/<id>/finish: finishes the run.
//
// Requests carry the API key as a bearer token. Network errors and server errors (5xx) are retried,
// except for Log, which is called at every training step: it makes a single attempt bounded by LogTimeout.
//
// The context given to Init only bounds the creation of the run. Later requests outlive its
// cancellation, so that a run interrupted by the user is still logged to the end and finished.
type HTTPBackend struct {
	BaseURL, APIKey string
	Client          *http.Client

	// MaxAttempts per request, including the first. Defaults to 3.
	MaxAttempts int

	// RetryDelay before the first retry, doubled at each following one.
	RetryDelay time.Duration

	// LogTimeout bounds each Log request. Defaults to 5 seconds.
	LogTimeout time.Duration

	ctx   context.Context
	runID string
}

var (
	_ Backend       = (*HTTPBackend)(nil)
	_ ConfigUpdater = (*HTTPBackend)(nil)
)

// NewHTTPBackend creates an HTTPBackend for the server at baseURL.
func NewHTTPBackend(baseURL, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Client:      &http.Client{Timeout: 30 * time.Second},
		MaxAttempts: 3,
		RetryDelay:  200 * time.Millisecond,
		LogTimeout:  5 * time.Second,
	}
}

type httpError struct {
	status int
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("tracking server returned %d: %s", e.status, e.body)
}

// requestContext returns the context for requests after Init.
func (b *HTTPBackend) requestContext() context.Context {
	if b.ctx == nil {
		return context.Background()
	}
	return b.ctx
}

func (b *HTTPBackend) post(ctx context.Context, path string, payload any) error {
	return b.postAttempts(ctx, path, payload, b.MaxAttempts)
}

func (b *HTTPBackend) postAttempts(ctx context.Context, path string, payload any, attempts int) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to encode request to %s", path)
	}
	endpoint := b.BaseURL + path
	attempts = max(attempts, 1)
	delay := b.RetryDelay
	for attempt := 1; ; attempt++ {
		err = b.postOnce(ctx, endpoint, encoded)
		var httpErr *httpError
		retriable := err != nil && (!errors.As(err, &httpErr) || httpErr.status >= 500)
		if !retriable || attempt >= attempts {
			break
		}
		klog.V(1).Infof("Retrying POST %s (attempt %d/%d): %v", endpoint, attempt+1, attempts, err)
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "POST %s canceled", endpoint)
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		return errors.WithMessagef(err, "POST %s", endpoint)
	}
	return nil
}

func (b *HTTPBackend) postOnce(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *HTTPBackend) runPath(action string) string {
	return fmt.Sprintf("/api/runs/%s/%s", url.PathEscape(b.runID), action)
}

// Init implements Backend.
func (b *HTTPBackend) Init(ctx context.Context, info RunInfo) error {
	config, err := jsonCompatible(info.Config)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.ctx = context.WithoutCancel(ctx)
	err = b.post(ctx, "/api/runs", map[string]any{
		"id":      info.ID,
		"project": info.Project,
		"name":    info.Name,
		"config":  config,
	})
	if err != nil {
		return err
	}
	b.runID = info.ID
	return nil
}

func (b *HTTPBackend) checkInit() error {
	if b.runID == "" {
		return errors.New("HTTPBackend not initialized")
	}
	return nil
}

// Log implements Backend. Non-finite values are sent as the strings "NaN", "Infinity" and "-Infinity".
func (b *HTTPBackend) Log(values map[string]any, step int) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	compatible, err := jsonCompatible(values)
	if err != nil {
		return err
	}
	ctx := b.requestContext()
	if b.LogTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.LogTimeout)
		defer cancel()
	}
	return b.postAttempts(ctx, b.runPath("log"), map[string]any{"step": step, "values": compatible}, 1)
}

// Watch implements Backend.
func (b *HTTPBackend) Watch(m model.Model, mode WatchMode, logFreq int) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	if m == nil {
		return errors.New("can't watch a nil model")
	}
	names := xslices.Map(m.NamedParameters(), func(np model.NamedParameter) string { return np.Name })
	return b.post(b.requestContext(), b.runPath("watch"), map[string]any{"mode": mode, "log_freq": logFreq, "parameters": names})
}

// UpdateConfig implements ConfigUpdater.
func (b *HTTPBackend) UpdateConfig(params map[string]any) error {
	if err := b.checkInit(); err != nil {
		return err
	}
	compatible, err := jsonCompatible(params)
	if err != nil {
		return err
	}
	return b.post(b.requestContext(), b.runPath("config"), map[string]any{"config": compatible})
}

// Finish implements Backend.
func (b *HTTPBackend) Finish() error {
	if err := b.checkInit(); err != nil {
		return err
	}
	return b.post(b.requestContext(), b.runPath("finish"), map[string]any{})
}
