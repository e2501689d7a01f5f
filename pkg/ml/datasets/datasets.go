// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements the image datasets (train.Dataset) used to train and evaluate compression
// models: `Images` (files decoded and cropped in parallel), `InMemory` (a tensor already in memory), and
// the wrappers `Take` and `ReadAhead`.
package datasets

import (
	"fmt"
	"io"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/train"
)

// numBatches returns the number of batches of size batchSize needed for n samples.
func numBatches(n, batchSize int, dropIncomplete bool) int {
	if batchSize <= 0 {
		return 0
	}
	if dropIncomplete {
		return n / batchSize
	}
	return (n + batchSize - 1) / batchSize
}

// takeDataset implements a `train.Dataset` that only yields `take` batches.
type takeDataset struct {
	ds          train.Dataset
	count, take int
}

// Take returns a wrapper to `ds`, a `train.Dataset` that only yields `n` batches per epoch.
func Take(ds train.Dataset, n int) train.Dataset {
	return &takeDataset{
		ds:   ds,
		take: n,
	}
}

// Name implements train.Dataset. It returns the dataset name.
func (ds *takeDataset) Name() string {
	return fmt.Sprintf("%s [Take %d]", ds.ds.Name(), ds.take)
}

// Len implements train.Dataset.
func (ds *takeDataset) Len() int {
	return min(ds.ds.Len(), ds.take*ds.ds.BatchSize())
}

// BatchSize implements train.Dataset.
func (ds *takeDataset) BatchSize() int {
	return ds.ds.BatchSize()
}

// NumBatches implements train.Dataset.
func (ds *takeDataset) NumBatches() int {
	return min(ds.ds.NumBatches(), ds.take)
}

// Reset implements train.Dataset.
func (ds *takeDataset) Reset() {
	ds.ds.Reset()
	ds.count = 0
}

// Yield implements train.Dataset.
func (ds *takeDataset) Yield() (*tensors.Tensor, error) {
	if ds.count >= ds.take {
		return nil, io.EOF
	}
	ds.count++
	return ds.ds.Yield()
}
