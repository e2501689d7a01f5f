// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/train"
	"github.com/pkg/errors"
)

// InMemoryDataset yields batches of the images of a tensor shaped `[num_images, height, width, channels]`.
//
// It supports shuffling (a new permutation every epoch) and dropping the last incomplete batch.
type InMemoryDataset struct {
	name                string
	data                *tensors.Tensor
	imageSize           int
	batchSize           int
	dropIncompleteBatch bool

	mu    sync.Mutex
	rng   *rand.Rand
	order []int
	next  int
}

var _ train.Dataset = (*InMemoryDataset)(nil)

// InMemory creates a dataset over the images in data, shaped `[num_images, height, width, channels]`.
// The data is not copied.
func InMemory(name string, data *tensors.Tensor, batchSize int) (*InMemoryDataset, error) {
	if data.Rank() != 4 {
		return nil, errors.Errorf("InMemory(%q) requires data shaped [num_images, height, width, channels], got %v",
			name, data.Shape())
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("InMemory(%q): invalid batch size %d", name, batchSize)
	}
	ds := &InMemoryDataset{
		name:      name,
		data:      data,
		imageSize: data.Size() / max(data.Dim(0), 1),
		batchSize: batchSize,
	}
	ds.order = make([]int, data.Dim(0))
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	return ds, nil
}

// Shuffle the images at every epoch, with a random number generator initialized with seed.
func (ds *InMemoryDataset) Shuffle(seed uint64) *InMemoryDataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	ds.lockedShuffle()
	return ds
}

// DropIncompleteBatch configures the dataset to not yield the last batch of an epoch if it is smaller
// than the batch size.
func (ds *InMemoryDataset) DropIncompleteBatch() *InMemoryDataset {
	ds.dropIncompleteBatch = true
	return ds
}

func (ds *InMemoryDataset) lockedShuffle() {
	if ds.rng != nil {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// Name implements train.Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Len implements train.Dataset.
func (ds *InMemoryDataset) Len() int { return ds.data.Dim(0) }

// BatchSize implements train.Dataset.
func (ds *InMemoryDataset) BatchSize() int { return ds.batchSize }

// NumBatches implements train.Dataset.
func (ds *InMemoryDataset) NumBatches() int {
	return numBatches(ds.Len(), ds.batchSize, ds.dropIncompleteBatch)
}

// Yield implements train.Dataset.
func (ds *InMemoryDataset) Yield() (*tensors.Tensor, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	remaining := len(ds.order) - ds.next
	if remaining <= 0 || (ds.dropIncompleteBatch && remaining < ds.batchSize) {
		return nil, io.EOF
	}
	n := min(remaining, ds.batchSize)
	dims := ds.data.Shape()
	dims[0] = n
	batch := tensors.FromShape(dims...)
	src, dst := ds.data.Flat(), batch.Flat()
	for ii, idx := range ds.order[ds.next : ds.next+n] {
		copy(dst[ii*ds.imageSize:(ii+1)*ds.imageSize], src[idx*ds.imageSize:(idx+1)*ds.imageSize])
	}
	ds.next += n
	return batch, nil
}

// Reset implements train.Dataset. If shuffling, a new permutation is drawn.
func (ds *InMemoryDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.lockedShuffle()
}
