// Package imageio reads and writes frames through a registry of codecs keyed by file
// extension. TIFF, PNG and JPEG are built in; other formats are added by registering
// further codecs (see internal/magick).
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"sync"

	"starstack/internal/imaging"
)

// ErrUnsupported is returned for extensions no codec claims.
var ErrUnsupported = errors.New("unsupported image format")

// Codec converts between files and planar float32 images with samples in [0,1].
type Codec interface {
	Name() string
	Extensions() []string
	Decode(path string) (*imaging.Image, error)
	Encode(path string, img *imaging.Image) error
}

// Registry maps lower-case extensions to codecs. Later registrations win.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry returns a registry holding the built-in codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec)}
	r.Register(TIFF{})
	r.Register(Std{})
	return r
}

// Register adds c for each of its extensions.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range c.Extensions() {
		r.codecs[strings.ToLower(ext)] = c
	}
}

// For returns the codec responsible for path.
func (r *Registry) For(path string) (Codec, error) {
	ext := strings.ToLower(filepath.Ext(path))
	r.mu.RLock()
	c, ok := r.codecs[ext]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	return c, nil
}

// Read decodes path with the matching codec.
func (r *Registry) Read(path string) (*imaging.Image, error) {
	c, err := r.For(path)
	if err != nil {
		return nil, err
	}
	img, err := c.Decode(path)
	if err != nil {
		return nil, fmt.Errorf("%s decode %s: %w", c.Name(), path, err)
	}
	return img, nil
}

// Write encodes img to path with the matching codec.
func (r *Registry) Write(path string, img *imaging.Image) error {
	c, err := r.For(path)
	if err != nil {
		return err
	}
	if err := c.Encode(path, img); err != nil {
		return fmt.Errorf("%s encode %s: %w", c.Name(), path, err)
	}
	return nil
}

// FromImage converts a decoded image.Image. Gray sources give one channel, everything
// else three (alpha is dropped).
func FromImage(src image.Image) *imaging.Image {
	b := src.Bounds()
	rows, cols := b.Dy(), b.Dx()
	switch m := src.(type) {
	case *image.Gray16:
		img := imaging.New(rows, cols, 1)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				img.Set(x, y, 0, float32(m.Gray16At(b.Min.X+x, b.Min.Y+y).Y)/0xffff)
			}
		}
		return img
	case *image.Gray:
		img := imaging.New(rows, cols, 1)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				img.Set(x, y, 0, float32(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y)/0xff)
			}
		}
		return img
	}

	img := imaging.New(rows, cols, 3)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			r, g, bl, _ := src.At(b.Min.X+x, b.Min.Y+y).RGBA()
			img.Set(x, y, 0, float32(r)/0xffff)
			img.Set(x, y, 1, float32(g)/0xffff)
			img.Set(x, y, 2, float32(bl)/0xffff)
		}
	}
	return img
}

// ToImage converts img to a 16-bit image.Image, clamping samples to [0,1].
// One- and two-channel images become Gray16 from channel 0.
func ToImage(img *imaging.Image) image.Image {
	rows, cols := img.Rows(), img.Cols()
	rect := image.Rect(0, 0, cols, rows)
	if img.Channels() < 3 {
		out := image.NewGray16(rect)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				out.SetGray16(x, y, color.Gray16{Y: quantize(img.At(x, y, 0))})
			}
		}
		return out
	}
	out := image.NewRGBA64(rect)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			out.SetRGBA64(x, y, color.RGBA64{
				R: quantize(img.At(x, y, 0)),
				G: quantize(img.At(x, y, 1)),
				B: quantize(img.At(x, y, 2)),
				A: 0xffff,
			})
		}
	}
	return out
}

func quantize(v float32) uint16 {
	switch {
	case v != v || v <= 0:
		return 0
	case v >= 1:
		return 0xffff
	}
	return uint16(v*0xffff + 0.5)
}
