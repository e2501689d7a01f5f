// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"maps"
	"sync"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/model"
)

// MetricRecord is one metric write.
type MetricRecord struct {
	Name  string
	Value float64
	Step  int
}

// ImageRecord is one image write.
type ImageRecord struct {
	Name  string
	Image *tensors.Tensor
	Step  int
}

// Memory is a Sink that keeps all writes in memory, in order.
type Memory struct {
	mu         sync.Mutex
	metrics    []MetricRecord
	images     []ImageRecord
	parameters map[string]any
	watched    []model.Model
	closed     int
}

var _ Sink = (*Memory)(nil)

// NewMemory returns an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{parameters: make(map[string]any)}
}

func (s *Memory) WriteMetric(name string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, MetricRecord{Name: name, Value: value, Step: step})
}

func (s *Memory) WriteImage(name string, image *tensors.Tensor, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = append(s.images, ImageRecord{Name: name, Image: image.Clone(), Step: step})
}

func (s *Memory) WriteParameters(params map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.parameters, params)
}

func (s *Memory) WatchAll(m model.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched = append(s.watched, m)
}

// Close implements Sink. It counts the calls, see Closed.
func (s *Memory) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Metrics returns a copy of the metric writes, in order.
func (s *Memory) Metrics() []MetricRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MetricRecord(nil), s.metrics...)
}

// MetricsNamed returns the metric writes with the given name, in order.
func (s *Memory) MetricsNamed(name string) []MetricRecord {
	var selected []MetricRecord
	for _, record := range s.Metrics() {
		if record.Name == name {
			selected = append(selected, record)
		}
	}
	return selected
}

// Images returns a copy of the image writes, in order.
func (s *Memory) Images() []ImageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ImageRecord(nil), s.images...)
}

// Parameters returns a copy of the parameters written.
func (s *Memory) Parameters() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.parameters)
}

// Watched returns the models registered with WatchAll.
func (s *Memory) Watched() []model.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Model(nil), s.watched...)
}

// Closed returns how many times Close was called.
func (s *Memory) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
