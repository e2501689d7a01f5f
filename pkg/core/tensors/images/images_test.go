// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package images

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradientImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 10), G: uint8(y * 20), B: 200, A: 255})
		}
	}
	return img
}

func TestTensorToFromImage(t *testing.T) {
	img := gradientImage(5, 3)
	single := ToTensor().Single(img)
	assert.Equal(t, []int{3, 5, 3}, single.Shape())
	assert.InDelta(t, 40.0/255.0, single.Flat()[4*3], 1e-6) // x=4, y=0, red.
	assert.InDelta(t, 200.0/255.0, single.Flat()[2], 1e-6)

	back := ToImage().Single(single)
	assert.Equal(t, img.Pix, back.Pix)

	batch := ToTensor().Batch([]image.Image{img, img})
	assert.Equal(t, []int{2, 3, 5, 3}, batch.Shape())
	imgs := ToImage().Batch(batch)
	require.Len(t, imgs, 2)
	assert.Equal(t, img.Pix, imgs[1].Pix)

	withAlpha := ToTensor().WithAlpha().MaxValue(255).Single(img)
	assert.Equal(t, []int{3, 5, 4}, withAlpha.Shape())
	assert.InDelta(t, 255.0, withAlpha.Flat()[3], 1e-3)
}

func TestBatchRequiresSameSizes(t *testing.T) {
	require.Panics(t, func() {
		ToTensor().Batch([]image.Image{gradientImage(2, 2), gradientImage(3, 2)})
	})
	require.Panics(t, func() { ToTensor().Batch(nil) })
}

func TestToImageClips(t *testing.T) {
	x := ToTensor().Single(gradientImage(1, 1))
	x.Flat()[0] = 2.0
	x.Flat()[1] = -1.0
	img := ToImage().Single(x)
	c := img.NRGBAAt(0, 0)
	assert.Equal(t, uint8(255), c.R)
	assert.Equal(t, uint8(0), c.G)
}
