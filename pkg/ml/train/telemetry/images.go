// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"

	"github.com/disintegration/imaging"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/rdcompress/pkg/core/tensors"
	"github.com/gomlx/rdcompress/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// EncodeImage converts an image tensor, shaped `[height, width, channels]` or `[1, height, width, channels]`
// with values in [0, 1], to a PNG Image.
func EncodeImage(t *tensors.Tensor) (img Image, err error) {
	if t == nil {
		return img, errors.New("nil image tensor")
	}
	if t.Rank() == 4 {
		if t.Dim(0) != 1 {
			return img, errors.Errorf("image tensor must hold a single image, got shape %v", t.Shape())
		}
		t, err = t.Reshape(t.Shape()[1:]...)
		if err != nil {
			return img, err
		}
	}
	if t.Rank() != 3 {
		return img, errors.Errorf("image tensor must be shaped [height, width, channels], got shape %v", t.Shape())
	}
	err = exceptions.TryCatch[error](func() {
		nrgba := images.ToImage().Single(t)
		var buf bytes.Buffer
		if encodeErr := imaging.Encode(&buf, nrgba, imaging.PNG); encodeErr != nil {
			panic(errors.Wrap(encodeErr, "failed to encode PNG"))
		}
		img = Image{Type: "image", Format: "png", Width: t.Dim(1), Height: t.Dim(0), Data: buf.Bytes()}
	})
	return img, err
}
