package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var imageExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".tif":  {},
	".tiff": {},
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".raf":  {},
	".orf":  {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".raf": {},
	".orf": {},
}

// ListImages returns all frame files directly under or below root, in lexical order.
// Sidecar outputs (.homography, .wmap) are skipped.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isRaw := rawExts[ext]
	return isRaw
}

// IsImageFile checks if a file is any supported frame format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// SidecarPath returns path with its extension replaced by ext, placed in dir when dir is set.
func SidecarPath(path, dir, ext string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ext
	if dir == "" {
		dir = filepath.Dir(path)
	}
	return filepath.Join(dir, base)
}
