package homography

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// WriteFile stores h next to a frame as text: the source path, a blank line, then one
// "Hi: value" line per coefficient.
func WriteFile(path, source string, h H) error {
	var b strings.Builder
	b.WriteString(source)
	b.WriteString("\n\n")
	for i, v := range h {
		fmt.Fprintf(&b, "H%d: %s\n", i, strconv.FormatFloat(v, 'g', -1, 64))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write homography %s: %w", path, err)
	}
	return nil
}

// ReadFile parses a file written by WriteFile.
func ReadFile(path string) (string, H, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", Sentinel(), fmt.Errorf("open homography %s: %w", path, err)
	}
	defer f.Close()

	var (
		h      H
		source string
		seen   [9]bool
		line   int
	)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		line++
		if line == 1 {
			source = text
			continue
		}
		if text == "" {
			continue
		}
		key, val, ok := strings.Cut(text, ":")
		if !ok || !strings.HasPrefix(key, "H") {
			return "", Sentinel(), fmt.Errorf("%s:%d: malformed line %q", path, line, text)
		}
		i, err := strconv.Atoi(strings.TrimPrefix(key, "H"))
		if err != nil || i < 0 || i > 8 {
			return "", Sentinel(), fmt.Errorf("%s:%d: bad coefficient %q", path, line, key)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return "", Sentinel(), fmt.Errorf("%s:%d: %w", path, line, err)
		}
		h[i], seen[i] = v, true
	}
	if err := sc.Err(); err != nil {
		return "", Sentinel(), fmt.Errorf("read homography %s: %w", path, err)
	}
	for i, ok := range seen {
		if !ok {
			return "", Sentinel(), fmt.Errorf("%s: missing H%d", path, i)
		}
	}
	return source, h, nil
}
