// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"image"
	"image/color"
	"math/rand/v2"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// Transform is applied to each image after decoding. rng is a random number generator specific to the image,
// derived from the dataset's seed.
type Transform func(img image.Image, rng *rand.Rand) (image.Image, error)

// RandomCrop returns a Transform that crops a random `width x height` patch. Images smaller than the patch
// are an error.
func RandomCrop(width, height int) Transform {
	return func(img image.Image, rng *rand.Rand) (image.Image, error) {
		bounds := img.Bounds()
		if bounds.Dx() < width || bounds.Dy() < height {
			return nil, errors.Errorf("image of size %dx%d is smaller than the %dx%d crop",
				bounds.Dx(), bounds.Dy(), width, height)
		}
		x0 := bounds.Min.X + rng.IntN(bounds.Dx()-width+1)
		y0 := bounds.Min.Y + rng.IntN(bounds.Dy()-height+1)
		return imaging.Crop(img, image.Rect(x0, y0, x0+width, y0+height)), nil
	}
}

// CenterCrop returns a Transform that crops the `width x height` patch at the center of the image.
// Images smaller than the patch are padded with black.
func CenterCrop(width, height int) Transform {
	return func(img image.Image, _ *rand.Rand) (image.Image, error) {
		cropped := imaging.CropCenter(img, width, height)
		if cropped.Bounds().Dx() == width && cropped.Bounds().Dy() == height {
			return cropped, nil
		}
		background := imaging.New(width, height, color.NRGBA{A: 255})
		return imaging.PasteCenter(background, cropped), nil
	}
}
