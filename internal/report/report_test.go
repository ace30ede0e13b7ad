package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteProducesPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "report.png")
	frames := []Frame{
		{Name: "l_001.fits", Stars: 42, FWHM: 2.4},
		{Name: "l_002.fits", Stars: 40, FWHM: 2.6},
		{Name: "l_003.fits", Stars: 2, FWHM: 5.1, Dropped: "no stars"},
	}
	if err := Write(path, frames); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatalf("output is not a PNG")
	}
}

func TestWriteRejectsEmptyRun(t *testing.T) {
	if err := Write(filepath.Join(t.TempDir(), "r.png"), nil); err == nil {
		t.Fatalf("expected error for empty run")
	}
}
