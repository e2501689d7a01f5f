// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/rdcompress/internal/workerspool"
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/core/tensors/images"
	"github.com/gomlx/rdcompress/pkg/ml/train"
	"github.com/gomlx/rdcompress/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ImageFolder lists the image files of one split of a dataset organized as:
//
//	<root>/train/*.png
//	<root>/test/*.png
//
// Every regular file in `<root>/<split>` that is not hidden is listed, sorted by name.
func ImageFolder(root, split string) ([]string, error) {
	root, err := fsutil.ReplaceTildeInDir(root)
	if err != nil {
		return nil, err
	}
	splitDir := filepath.Join(root, split)
	entries, err := os.ReadDir(splitDir)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid directory for split %q", split)
	}
	var paths []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(splitDir, entry.Name()))
	}
	if len(paths) == 0 {
		return nil, errors.Errorf("no images found in %q", splitDir)
	}
	slices.Sort(paths)
	klog.V(1).Infof("ImageFolder(%q, %q): %d images", root, split, len(paths))
	return paths, nil
}

// ImagesDataset yields batches of images read from files. Images are decoded and transformed (e.g. cropped)
// in parallel, and converted to tensors shaped `[batch_size, height, width, 3]` with values in [0, 1].
//
// All images of a batch must have the same size after the transformation: use RandomCrop or CenterCrop.
type ImagesDataset struct {
	name                string
	paths               []string
	batchSize           int
	transform           Transform
	pool                *workerspool.Pool
	dropIncompleteBatch bool

	mu      sync.Mutex
	shuffle bool
	rng     *rand.Rand
	order   []int
	next    int
}

var _ train.Dataset = (*ImagesDataset)(nil)

// NewImages creates a dataset over the image files in paths. By default, images are decoded with
// as many workers as there are CPUs, not shuffled and not transformed.
func NewImages(name string, paths []string, batchSize int) *ImagesDataset {
	ds := &ImagesDataset{
		name:      name,
		paths:     paths,
		batchSize: batchSize,
		pool:      workerspool.New(),
		rng:       rand.New(rand.NewPCG(0, 0)),
		order:     make([]int, len(paths)),
	}
	for ii := range ds.order {
		ds.order[ii] = ii
	}
	return ds
}

// WithTransform sets the transformation applied to every image after decoding.
func (ds *ImagesDataset) WithTransform(transform Transform) *ImagesDataset {
	ds.transform = transform
	return ds
}

// NumWorkers sets the number of images decoded in parallel. If 0 images are decoded sequentially.
func (ds *ImagesDataset) NumWorkers(n int) *ImagesDataset {
	ds.pool.SetMaxParallelism(n)
	return ds
}

// Seed sets the seed of the random transformations and of the shuffling.
func (ds *ImagesDataset) Seed(seed uint64) *ImagesDataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	ds.lockedShuffle()
	return ds
}

// Shuffle the images at every epoch.
func (ds *ImagesDataset) Shuffle() *ImagesDataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = true
	ds.lockedShuffle()
	return ds
}

// DropIncompleteBatch configures the dataset to not yield the last batch of an epoch if it is smaller
// than the batch size.
func (ds *ImagesDataset) DropIncompleteBatch() *ImagesDataset {
	ds.dropIncompleteBatch = true
	return ds
}

func (ds *ImagesDataset) lockedShuffle() {
	if ds.shuffle {
		ds.rng.Shuffle(len(ds.order), func(i, j int) { ds.order[i], ds.order[j] = ds.order[j], ds.order[i] })
	}
}

// Name implements train.Dataset.
func (ds *ImagesDataset) Name() string { return ds.name }

// Len implements train.Dataset.
func (ds *ImagesDataset) Len() int { return len(ds.paths) }

// BatchSize implements train.Dataset.
func (ds *ImagesDataset) BatchSize() int { return ds.batchSize }

// NumBatches implements train.Dataset.
func (ds *ImagesDataset) NumBatches() int {
	return numBatches(len(ds.paths), ds.batchSize, ds.dropIncompleteBatch)
}

// Yield implements train.Dataset.
func (ds *ImagesDataset) Yield() (*tensors.Tensor, error) {
	ds.mu.Lock()
	remaining := len(ds.order) - ds.next
	if ds.batchSize <= 0 || remaining <= 0 || (ds.dropIncompleteBatch && remaining < ds.batchSize) {
		ds.mu.Unlock()
		return nil, io.EOF
	}
	n := min(remaining, ds.batchSize)
	indices := slices.Clone(ds.order[ds.next : ds.next+n])
	seeds := make([]uint64, n)
	for ii := range seeds {
		seeds[ii] = ds.rng.Uint64()
	}
	ds.next += n
	ds.mu.Unlock()

	imgs := make([]image.Image, n)
	err := ds.pool.ForEach(n, func(ii int) error {
		img, err := ds.load(ds.paths[indices[ii]], seeds[ii])
		imgs[ii] = img
		return err
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", ds.name)
	}
	var batch *tensors.Tensor
	err = exceptions.TryCatch[error](func() { batch = images.ToTensor().Batch(imgs) })
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q: failed to batch images", ds.name)
	}
	return batch, nil
}

func (ds *ImagesDataset) load(path string, seed uint64) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", path)
	}
	if ds.transform != nil {
		img, err = ds.transform(img, rand.New(rand.NewPCG(seed, 0)))
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to transform image %q", path)
		}
	}
	return img, nil
}

// Reset implements train.Dataset. If shuffling, a new permutation is drawn.
func (ds *ImagesDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	ds.lockedShuffle()
}
