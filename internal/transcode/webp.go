// Package transcode converts raster images to WebP.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"

	// Sources may already be WebP; register the decoder with image.Decode.
	_ "golang.org/x/image/webp"
)

// DefaultQuality is the lossy WebP quality used when none is configured.
const DefaultQuality = 85

// ErrQuality is returned for a quality outside 0..100.
var ErrQuality = errors.New("webp quality must be within 0..100")

// WebP decodes any registered raster format (JPEG, PNG, GIF, BMP, TIFF, WebP),
// applies EXIF orientation, optionally bounds the longest edge and encodes a
// lossy WebP.
type WebP struct {
	maxDimension int
}

// NewWebP returns an encoder. maxDimension <= 0 keeps the original size.
func NewWebP(maxDimension int) *WebP {
	return &WebP{maxDimension: maxDimension}
}

// Encode converts data to WebP at the given quality.
func (w *WebP) Encode(data []byte, quality int) ([]byte, error) {
	const op = "transcode.Encode"

	if quality < 0 || quality > 100 {
		return nil, fmt.Errorf("%s: %w (got %d)", op, ErrQuality, quality)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: empty input", op)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	img = w.bound(img)

	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(quality))
	if err != nil {
		return nil, fmt.Errorf("%s: encoder options: %w", op, err)
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, options); err != nil {
		return nil, fmt.Errorf("%s: encode: %w", op, err)
	}
	return buf.Bytes(), nil
}

func (w *WebP) bound(img image.Image) image.Image {
	if w.maxDimension <= 0 {
		return img
	}
	b := img.Bounds()
	if b.Dx() <= w.maxDimension && b.Dy() <= w.maxDimension {
		return img
	}
	return imaging.Fit(img, w.maxDimension, w.maxDimension, imaging.Lanczos)
}
