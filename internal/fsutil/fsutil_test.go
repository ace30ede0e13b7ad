package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestListImagesSkipsSidecars(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.fits", "a.TIF", "a.homography", "notes.txt", "c.cr2"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	got, err := ListImages(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{filepath.Join(dir, "a.TIF"), filepath.Join(dir, "b.fits"), filepath.Join(dir, "c.cr2")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected listing (-want +got):\n%s", diff)
	}
	if !IsRAWFile("c.CR2") || IsRAWFile("a.tif") {
		t.Fatalf("raw detection wrong")
	}
}

func TestSidecarPath(t *testing.T) {
	if got := SidecarPath("/in/light_001.fits", "", ".homography"); got != "/in/light_001.homography" {
		t.Fatalf("unexpected sidecar %q", got)
	}
	if got := SidecarPath("/in/light_001.fits", "/out", ".wmap"); got != "/out/light_001.wmap" {
		t.Fatalf("unexpected sidecar %q", got)
	}
}

func TestResidentFrames(t *testing.T) {
	fb := FrameBytes(100, 100, 3)
	if fb != 120000 {
		t.Fatalf("frame bytes %d", fb)
	}
	if got := ResidentFrames(10, fb, 3*fb+1, nil); got != 3 {
		t.Fatalf("expected 3 resident, got %d", got)
	}
	if got := ResidentFrames(2, fb, 100*fb, nil); got != 2 {
		t.Fatalf("expected all resident, got %d", got)
	}
}
