// Package magick is an imageio codec backed by ImageMagick. It covers FITS and camera RAW
// frames, which the built-in codecs cannot read.
package magick

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"starstack/internal/imaging"
)

var (
	mu          sync.Mutex
	initialized bool
)

func initialize() {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		imagick.Initialize()
		initialized = true
	}
}

// Terminate releases ImageMagick if the codec was used. Call once at process exit.
func Terminate() {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		imagick.Terminate()
		initialized = false
	}
}

// Codec reads any format ImageMagick has a delegate for and writes 16-bit output.
type Codec struct {
	// Exts overrides the claimed extensions.
	Exts []string
}

func (Codec) Name() string { return "imagick" }

func (c Codec) Extensions() []string {
	if len(c.Exts) > 0 {
		return c.Exts
	}
	return []string{".fits", ".fit", ".fts", ".dng", ".nef", ".cr2", ".cr3", ".arw", ".raf", ".orf"}
}

func (Codec) Decode(path string) (*imaging.Image, error) {
	initialize()
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	width, height := mw.GetImageWidth(), mw.GetImageHeight()

	pmap, chans := "RGB", 3
	if mw.GetImageColorspace() == imagick.COLORSPACE_GRAY {
		pmap, chans = "I", 1
	}
	pixels, err := mw.ExportImagePixels(0, 0, width, height, pmap, imagick.PIXEL_FLOAT)
	if err != nil {
		return nil, fmt.Errorf("failed to export pixels: %w", err)
	}

	var interleaved []float32
	switch v := pixels.(type) {
	case []float32:
		interleaved = v
	case []float64:
		interleaved = make([]float32, len(v))
		for i, f := range v {
			interleaved[i] = float32(f)
		}
	default:
		return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
	}
	return deinterleave(interleaved, int(height), int(width), chans)
}

func (Codec) Encode(path string, img *imaging.Image) error {
	initialize()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	pmap := "RGB"
	if img.Channels() < 3 {
		pmap = "I"
	}
	pixels := interleave(img)
	if err := mw.ConstituteImage(uint(img.Cols()), uint(img.Rows()), pmap, imagick.PIXEL_FLOAT, pixels); err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	if err := mw.SetImageDepth(16); err != nil {
		return fmt.Errorf("failed to set bit depth: %w", err)
	}
	return mw.WriteImage(path)
}

func deinterleave(px []float32, rows, cols, chans int) (*imaging.Image, error) {
	if len(px) != rows*cols*chans {
		return nil, fmt.Errorf("pixel buffer has %d samples, want %d", len(px), rows*cols*chans)
	}
	img := imaging.New(rows, cols, chans)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			base := (y*cols + x) * chans
			for ch := 0; ch < chans; ch++ {
				img.Set(x, y, ch, px[base+ch])
			}
		}
	}
	return img, nil
}

// interleave packs img for ConstituteImage: one channel for "I", the first three for "RGB".
func interleave(img *imaging.Image) []float32 {
	chans := 3
	if img.Channels() < 3 {
		chans = 1
	}
	rows, cols := img.Rows(), img.Cols()
	out := make([]float32, rows*cols*chans)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			base := (y*cols + x) * chans
			for ch := 0; ch < chans; ch++ {
				out[base+ch] = img.At(x, y, ch)
			}
		}
	}
	return out
}
