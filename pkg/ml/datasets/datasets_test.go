// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeImages writes n images of the given size to dir, each filled with a distinct gray level.
func writeImages(t *testing.T, dir string, n, width, height int) {
	require.NoError(t, os.MkdirAll(dir, 0770))
	for ii := range n {
		img := imaging.New(width, height, color.NRGBA{R: uint8(10 * ii), G: uint8(10 * ii), B: uint8(10 * ii), A: 255})
		require.NoError(t, imaging.Save(img, filepath.Join(dir, fmt.Sprintf("img%02d.png", ii))))
	}
}

// yieldAll returns all batches of one epoch.
func yieldAll(t *testing.T, ds train.Dataset) []*tensors.Tensor {
	var batches []*tensors.Tensor
	for {
		batch, err := ds.Yield()
		if err == io.EOF {
			return batches
		}
		require.NoError(t, err)
		batches = append(batches, batch)
	}
}

// firstValues returns the first value of each image in the batches: with images of a constant color
// it identifies the image.
func firstValues(batches []*tensors.Tensor) []float32 {
	var values []float32
	for _, batch := range batches {
		imageSize := batch.Size() / batch.Dim(0)
		for ii := range batch.Dim(0) {
			values = append(values, batch.Flat()[ii*imageSize])
		}
	}
	return values
}

func TestImageFolder(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "train"), 3, 8, 8)
	require.NoError(t, os.WriteFile(filepath.Join(root, "train", ".DS_Store"), []byte("x"), 0660))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "train", "subdir"), 0770))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "test"), 0770))

	paths, err := ImageFolder(root, "train")
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(root, "train", "img00.png"), paths[0])

	_, err = ImageFolder(root, "test")
	require.Error(t, err)
	_, err = ImageFolder(root, "validation")
	require.Error(t, err)
}

func TestImagesDataset(t *testing.T) {
	root := t.TempDir()
	writeImages(t, filepath.Join(root, "train"), 5, 10, 8)
	paths, err := ImageFolder(root, "train")
	require.NoError(t, err)

	newDS := func() *ImagesDataset {
		return NewImages("train", paths, 2).WithTransform(RandomCrop(4, 4)).NumWorkers(2).Seed(7).Shuffle()
	}
	ds := newDS()
	assert.Equal(t, 5, ds.Len())
	assert.Equal(t, 3, ds.NumBatches())
	batches := yieldAll(t, ds)
	require.Len(t, batches, 3)
	assert.Equal(t, []int{2, 4, 4, 3}, batches[0].Shape())
	assert.Equal(t, []int{1, 4, 4, 3}, batches[2].Shape())
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// Each image is seen exactly once per epoch.
	seen := firstValues(batches)
	assert.ElementsMatch(t, []float32{0, 10.0 / 255, 20.0 / 255, 30.0 / 255, 40.0 / 255}, roundAll(seen))

	// Same seed, same order.
	assert.Equal(t, seen, firstValues(yieldAll(t, newDS())))

	ds.Reset()
	assert.Len(t, yieldAll(t, ds), 3)

	dropped := NewImages("train", paths, 2).WithTransform(CenterCrop(4, 4)).DropIncompleteBatch()
	assert.Equal(t, 2, dropped.NumBatches())
	assert.Len(t, yieldAll(t, dropped), 2)

	// Images of different sizes can't be batched without a crop.
	writeImages(t, filepath.Join(root, "mixed"), 1, 10, 8)
	writeImages(t, filepath.Join(root, "mixed2"), 1, 6, 6)
	mixed := NewImages("mixed", []string{
		filepath.Join(root, "mixed", "img00.png"), filepath.Join(root, "mixed2", "img00.png")}, 2)
	_, err = mixed.Yield()
	require.Error(t, err)

	missing := NewImages("missing", []string{filepath.Join(root, "nope.png")}, 1)
	_, err = missing.Yield()
	require.Error(t, err)
}

func roundAll(values []float32) []float32 {
	rounded := make([]float32, len(values))
	for ii, v := range values {
		rounded[ii] = float32(int(v*255+0.5)) / 255
	}
	return rounded
}

func TestTransforms(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	img := imaging.New(10, 6, color.White)
	cropped, err := RandomCrop(4, 3)(img, rng)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 3), cropped.Bounds().Size())
	_, err = RandomCrop(12, 3)(img, rng)
	require.Error(t, err)

	padded, err := CenterCrop(4, 4)(imaging.New(2, 2, color.White), rng)
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 4), padded.Bounds().Size())
	r, _, _, _ := padded.At(0, 0).RGBA()
	assert.Equal(t, uint32(0), r)
	r, _, _, _ = padded.At(1, 1).RGBA()
	assert.Equal(t, uint32(0xFFFF), r)
}

func newRangeData(n int) *tensors.Tensor {
	data := tensors.FromShape(n, 2, 2, 1)
	for ii := range n {
		for jj := range 4 {
			data.Flat()[ii*4+jj] = float32(ii)
		}
	}
	return data
}

func TestInMemoryDataset(t *testing.T) {
	ds, err := InMemory("range", newRangeData(5), 2)
	require.NoError(t, err)
	batches := yieldAll(t, ds)
	require.Len(t, batches, 3)
	assert.Equal(t, []float32{0, 1, 2, 3, 4}, firstValues(batches))

	ds.Shuffle(42)
	ds.Reset()
	shuffled := firstValues(yieldAll(t, ds))
	assert.ElementsMatch(t, []float32{0, 1, 2, 3, 4}, shuffled)

	ds.DropIncompleteBatch()
	ds.Reset()
	assert.Len(t, yieldAll(t, ds), 2)
	assert.Equal(t, 2, ds.NumBatches())

	_, err = InMemory("bad", tensors.FromShape(2, 2), 1)
	require.Error(t, err)
	_, err = InMemory("bad", newRangeData(2), 0)
	require.Error(t, err)
}

func TestTakeAndReadAhead(t *testing.T) {
	base, err := InMemory("range", newRangeData(7), 2)
	require.NoError(t, err)
	take := Take(base, 2)
	assert.Equal(t, 2, take.NumBatches())
	assert.Equal(t, 4, take.Len())
	assert.Equal(t, []float32{0, 1, 2, 3}, firstValues(yieldAll(t, take)))
	take.Reset()

	ds := ReadAhead(base, 2)
	assert.Equal(t, 7, ds.Len())
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6}, firstValues(yieldAll(t, ds)))
	_, err = ds.Yield()
	assert.Equal(t, io.EOF, err)

	// Reset in the middle of an epoch.
	ds.Reset()
	first, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, float32(0), first.Flat()[0])
	ds.Reset()
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6}, firstValues(yieldAll(t, ds)))

	assert.Same(t, base, ReadAhead(base, 0))
}
