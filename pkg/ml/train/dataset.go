// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/rdcompress/pkg/core/tensors"
)

// Dataset provides the images to train or evaluate a model on, one batch at a time.
//
// A batch is one tensor shaped `[batch_size, height, width, channels]`, with values in [0, 1]. The target of the
// model is the input itself.
type Dataset interface {
	// Name identifies the dataset. Used for debugging, pretty-printing and plots.
	Name() string

	// Len is the number of samples (images) in the dataset.
	Len() int

	// BatchSize is the number of samples per batch. The last batch of an epoch may be smaller.
	BatchSize() int

	// NumBatches is the number of batches per epoch.
	NumBatches() int

	// Yield the next batch. It returns io.EOF at the end of the epoch, after which Reset must
	// be called before yielding again.
	//
	// The ownership of the tensor is transferred to the caller.
	Yield() (*tensors.Tensor, error)

	// Reset restarts the dataset from the beginning. It can be called at any time.
	Reset()
}

// GlobalStep returns the step index used for metrics of batch batchIdx of the given epoch:
// `batchIdx + epoch * datasetLen / batchSize`, truncated to an integer.
//
// Evaluation metrics use the last global step of the preceding training epoch, so both share the same axis.
func GlobalStep(batchIdx, epoch, datasetLen, batchSize int) int {
	return int(float64(batchIdx) + float64(epoch)*(float64(datasetLen)/float64(batchSize)))
}
