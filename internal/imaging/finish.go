// Package imaging re-encodes enhanced images for delivery.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Spec describes how an image is finished before delivery.
type Spec struct {
	// MaxDimension caps the longest side in pixels. Zero keeps the original size.
	MaxDimension int
	// Quality is the JPEG quality (1-100).
	Quality int
}

// Finish decodes data (JPEG or PNG), downsizes it to fit spec.MaxDimension and
// encodes it as JPEG.
func Finish(data []byte, spec Spec) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := FitDimensions(bounds.Dx(), bounds.Dy(), spec.MaxDimension)
	if w != bounds.Dx() || h != bounds.Dy() {
		resized := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
		img = resized
	}

	quality := spec.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// FitDimensions scales (w, h) so the longest side is at most max, keeping the
// aspect ratio. Images already within bounds are returned unchanged.
func FitDimensions(w, h, max int) (int, int) {
	if max <= 0 || (w <= max && h <= max) {
		return w, h
	}
	if w >= h {
		nh := h * max / w
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := w * max / h
	if nw < 1 {
		nw = 1
	}
	return nw, max
}
