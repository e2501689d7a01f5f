// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package images provides several functions to transform images back and
// forth from tensors.
//
// Tensors are channels-last: a single image is shaped `[height, width, channels]` and a
// batch is shaped `[batch_size, height, width, channels]`.
package images

import (
	"image"
	"image/color"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/rdcompress/pkg/core/tensors"
)

// ToTensorConfig holds the configuration returned by the ToTensor function. Use
// its methods to configure it, and then call Single or Batch to convert images.
type ToTensorConfig struct {
	channels int
	maxValue float64
}

// ToTensor converts an image (or batch) to a tensor.
//
// It returns a configuration object that can be further configured. Once set, use Single or Batch
// methods to convert an image or a batch of images.
func ToTensor() *ToTensorConfig {
	return &ToTensorConfig{
		channels: 3,
		maxValue: 1.0,
	}
}

// WithAlpha configures ToTensorConfig object to include the alpha channel in the conversion,
// so the converted tensor will have 4 channels. The default is dropping the alpha channel.
func (tt *ToTensorConfig) WithAlpha() *ToTensorConfig {
	tt.channels = 4
	return tt
}

// MaxValue sets the value each channel maps to at full intensity. It defaults to 1.0.
func (tt *ToTensorConfig) MaxValue(v float64) *ToTensorConfig {
	tt.maxValue = v
	return tt
}

// Single converts the given img to a tensor shaped `[height, width, channels]`.
func (tt *ToTensorConfig) Single(img image.Image) *tensors.Tensor {
	size := img.Bounds().Size()
	t := tensors.FromShape(size.Y, size.X, tt.channels)
	tt.fill(t.Flat(), img)
	return t
}

// Batch converts the given images to a tensor shaped `[batch_size, height, width, channels]`.
//
// It panics if the images don't all have the same size.
func (tt *ToTensorConfig) Batch(imgs []image.Image) *tensors.Tensor {
	if len(imgs) == 0 {
		exceptions.Panicf("images.ToTensor().Batch() requires at least one image")
	}
	size := imgs[0].Bounds().Size()
	t := tensors.FromShape(len(imgs), size.Y, size.X, tt.channels)
	imageSize := size.X * size.Y * tt.channels
	flat := t.Flat()
	for ii, img := range imgs {
		if img.Bounds().Size() != size {
			exceptions.Panicf("images.ToTensor().Batch(): image #%d has size %v, but image #0 has size %v",
				ii, img.Bounds().Size(), size)
		}
		tt.fill(flat[ii*imageSize:(ii+1)*imageSize], img)
	}
	return t
}

func (tt *ToTensorConfig) fill(flat []float32, img image.Image) {
	bounds := img.Bounds()
	scale := tt.maxValue / float64(0xFFFF)
	pos := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			flat[pos] = float32(float64(c.R) * scale)
			flat[pos+1] = float32(float64(c.G) * scale)
			flat[pos+2] = float32(float64(c.B) * scale)
			if tt.channels == 4 {
				flat[pos+3] = float32(float64(c.A) * scale)
			}
			pos += tt.channels
		}
	}
}

// ToImageConfig holds the configuration returned by the ToImage function. Use
// its methods to configure it, and then call Single or Batch to convert tensors to images.
type ToImageConfig struct {
	maxValue float64
}

// ToImage returns a configuration that can be used to convert tensors to Images.
// Use Single or Batch to convert single images or batch of images at once.
//
// It only generates `*image.NRGBA` images. Values are clipped to [0, maxValue].
func ToImage() *ToImageConfig {
	return &ToImageConfig{maxValue: 1.0}
}

// MaxValue sets the channel value that maps to full intensity. It defaults to 1.0.
func (ti *ToImageConfig) MaxValue(v float64) *ToImageConfig {
	ti.maxValue = v
	return ti
}

// Single converts the given tensor shaped `[height, width, channels]` to an image.
//
// It panics in case of error.
func (ti *ToImageConfig) Single(t *tensors.Tensor) *image.NRGBA {
	if t.Rank() != 3 {
		exceptions.Panicf("images.ToImage().Single() requires a rank-3 tensor, got shape %v", t.Shape())
	}
	return ti.convert(t.Flat(), t.Dim(0), t.Dim(1), t.Dim(2))
}

// Batch converts the given tensor shaped `[batch_size, height, width, channels]` to images.
//
// It panics in case of error.
func (ti *ToImageConfig) Batch(t *tensors.Tensor) []*image.NRGBA {
	if t.Rank() != 4 {
		exceptions.Panicf("images.ToImage().Batch() requires a rank-4 tensor, got shape %v", t.Shape())
	}
	height, width, channels := t.Dim(1), t.Dim(2), t.Dim(3)
	imageSize := height * width * channels
	imgs := make([]*image.NRGBA, t.Dim(0))
	for ii := range imgs {
		imgs[ii] = ti.convert(t.Flat()[ii*imageSize:(ii+1)*imageSize], height, width, channels)
	}
	return imgs
}

func (ti *ToImageConfig) convert(flat []float32, height, width, channels int) *image.NRGBA {
	if channels != 1 && channels != 3 && channels != 4 {
		exceptions.Panicf("images.ToImage() supports 1, 3 or 4 channels, got %d", channels)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	toUint8 := func(v float32) uint8 {
		scaled := math.Round(float64(v) / ti.maxValue * 255.0)
		return uint8(max(0, min(255, scaled)))
	}
	pos := 0
	for y := range height {
		for x := range width {
			var c color.NRGBA
			if channels == 1 {
				gray := toUint8(flat[pos])
				c = color.NRGBA{R: gray, G: gray, B: gray, A: 255}
			} else {
				c = color.NRGBA{R: toUint8(flat[pos]), G: toUint8(flat[pos+1]), B: toUint8(flat[pos+2]), A: 255}
				if channels == 4 {
					c.A = toUint8(flat[pos+3])
				}
			}
			img.SetNRGBA(x, y, c)
			pos += channels
		}
	}
	return img
}
