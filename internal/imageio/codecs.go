package imageio

import (
	"image"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/tiff"

	"starstack/internal/imaging"
)

// TIFF reads 8/16-bit gray and colour TIFFs and writes 16-bit deflate-compressed ones.
type TIFF struct{}

func (TIFF) Name() string         { return "tiff" }
func (TIFF) Extensions() []string { return []string{".tif", ".tiff"} }

func (TIFF) Decode(path string) (*imaging.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := tiff.Decode(f)
	if err != nil {
		return nil, err
	}
	return FromImage(m), nil
}

func (TIFF) Encode(path string, img *imaging.Image) error {
	return writeFile(path, func(f *os.File) error {
		return tiff.Encode(f, ToImage(img), &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	})
}

// Std covers PNG and JPEG through the standard decoders. Output is always PNG.
type Std struct{}

func (Std) Name() string         { return "std" }
func (Std) Extensions() []string { return []string{".png", ".jpg", ".jpeg"} }

func (Std) Decode(path string) (*imaging.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return FromImage(m), nil
}

func (Std) Encode(path string, img *imaging.Image) error {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".png" {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".png"
	}
	return writeFile(path, func(f *os.File) error {
		return png.Encode(f, ToImage(img))
	})
}

func writeFile(path string, encode func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
