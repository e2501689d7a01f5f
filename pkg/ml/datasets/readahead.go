// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"io"
	"sync"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/train"
)

type yieldUnit struct {
	batch *tensors.Tensor
	err   error
}

// ReadAheadDataset yields the batches of a dataset prefetched by a background goroutine.
// Create it with ReadAhead.
type ReadAheadDataset struct {
	ds         train.Dataset
	bufferSize int

	mu     sync.Mutex
	buffer chan yieldUnit
	stop   chan struct{}
	done   chan struct{}
}

var _ train.Dataset = (*ReadAheadDataset)(nil)

// ReadAhead returns a Dataset that reads bufferSize batches of the given `ds` ahead,
// so that when Yield is called, the results are immediate.
//
// The prefetching goroutine is started at the first Yield of each epoch, and stops at the end of the epoch
// (or on Reset).
func ReadAhead(ds train.Dataset, bufferSize int) train.Dataset {
	if bufferSize <= 0 {
		return ds
	}
	return &ReadAheadDataset{ds: ds, bufferSize: bufferSize}
}

// Name implements train.Dataset.
func (r *ReadAheadDataset) Name() string {
	return fmt.Sprintf("%s [ReadAhead %d]", r.ds.Name(), r.bufferSize)
}

// Len implements train.Dataset.
func (r *ReadAheadDataset) Len() int { return r.ds.Len() }

// BatchSize implements train.Dataset.
func (r *ReadAheadDataset) BatchSize() int { return r.ds.BatchSize() }

// NumBatches implements train.Dataset.
func (r *ReadAheadDataset) NumBatches() int { return r.ds.NumBatches() }

func (r *ReadAheadDataset) lockedStart() {
	buffer := make(chan yieldUnit, r.bufferSize)
	stop := make(chan struct{})
	done := make(chan struct{})
	r.buffer, r.stop, r.done = buffer, stop, done
	go func() {
		defer close(done)
		defer close(buffer)
		for {
			batch, err := r.ds.Yield()
			select {
			case buffer <- yieldUnit{batch: batch, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Yield implements train.Dataset.
func (r *ReadAheadDataset) Yield() (*tensors.Tensor, error) {
	r.mu.Lock()
	if r.buffer == nil {
		r.lockedStart()
	}
	buffer := r.buffer
	r.mu.Unlock()
	unit, ok := <-buffer
	if !ok {
		return nil, io.EOF
	}
	return unit.batch, unit.err
}

// Reset implements train.Dataset. It stops the prefetching before resetting the underlying dataset.
func (r *ReadAheadDataset) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.buffer != nil {
		close(r.stop)
		for range r.buffer {
			// Drain until the goroutine exits.
		}
		<-r.done
		r.buffer = nil
	}
	r.ds.Reset()
}
