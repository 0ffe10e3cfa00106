// Package imageproc turns raw line images into the fixed-size grayscale
// tensors stored in a container, and applies the training-time
// augmentation and normalisation used by the batch generator.
package imageproc

import (
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"os"

	_ "golang.org/x/image/bmp" // register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder
)

// Background is the pixel value used for padding (white paper).
const Background = 255

// ErrInvalidSize is returned for non-positive target dimensions.
var ErrInvalidSize = errors.New("imageproc: image size must be positive")

// Size is the target image shape, Height rows by Width columns.
type Size struct {
	Height int
	Width  int
}

// Pixels returns Height*Width.
func (s Size) Pixels() int { return s.Height * s.Width }

// Validate checks both dimensions are positive.
func (s Size) Validate() error {
	if s.Height <= 0 || s.Width <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, s.Height, s.Width)
	}

	return nil
}

// Preprocess decodes the image at path and returns it fitted into size as
// Height*Width row-major gray pixels.
func Preprocess(path string, size Size) ([]uint8, error) {
	if err := size.Validate(); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imageproc: open %s: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("imageproc: decode %s: %w", path, err)
	}

	return Fit(img, size), nil
}

// Fit scales img by f = max(w/W, h/H) so it fits inside size while keeping
// its aspect ratio, and pastes it at the top-left corner of a white canvas.
func Fit(img image.Image, size Size) []uint8 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	canvas := image.NewGray(image.Rect(0, 0, size.Width, size.Height))
	fill(canvas.Pix, Background)

	if w == 0 || h == 0 {
		return canvas.Pix
	}

	gray := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	f := max(float64(w)/float64(size.Width), float64(h)/float64(size.Height))
	nw := max(min(size.Width, int(float64(w)/f)), 1)
	nh := max(min(size.Height, int(float64(h)/f)), 1)

	draw.BiLinear.Scale(canvas, image.Rect(0, 0, nw, nh), gray, gray.Bounds(), draw.Src, nil)

	return canvas.Pix
}

// view wraps one image of a contiguous batch as an *image.Gray without
// copying.
func view(pix []uint8, size Size) *image.Gray {
	return &image.Gray{
		Pix:    pix,
		Stride: size.Width,
		Rect:   image.Rect(0, 0, size.Width, size.Height),
	}
}

func fill(pix []uint8, v uint8) {
	for i := range pix {
		pix[i] = v
	}
}
