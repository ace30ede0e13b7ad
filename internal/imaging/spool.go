package imaging

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
)

// Spool is a Frame backed by a raw little-endian float32 file. It lets the integration
// engine stream rows of frames that do not fit the memory budget.
type Spool struct {
	rows, cols, channels int

	mu   sync.Mutex
	f    *os.File
	path string
	buf  []byte
}

// NewSpool writes img to a temporary file under dir and returns a Frame reading it back.
func NewSpool(dir string, img *Image) (*Spool, error) {
	f, err := os.CreateTemp(dir, "starstack-spool-*.f32")
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}

	buf := make([]byte, 4*img.cols)
	for ch := 0; ch < img.channels; ch++ {
		for y := 0; y < img.rows; y++ {
			for x, v := range img.Row(y, ch) {
				binary.LittleEndian.PutUint32(buf[4*x:], math.Float32bits(v))
			}
			if _, err := f.Write(buf); err != nil {
				f.Close()
				os.Remove(f.Name())
				return nil, fmt.Errorf("write spool: %w", err)
			}
		}
	}

	return &Spool{
		rows:     img.rows,
		cols:     img.cols,
		channels: img.channels,
		f:        f,
		path:     f.Name(),
		buf:      buf,
	}, nil
}

func (s *Spool) Rows() int     { return s.rows }
func (s *Spool) Cols() int     { return s.cols }
func (s *Spool) Channels() int { return s.channels }

// ReadRow implements Frame. Safe for concurrent use.
func (s *Spool) ReadRow(y, ch int, dst []float32) error {
	if y < 0 || y >= s.rows || ch < 0 || ch >= s.channels {
		return fmt.Errorf("row %d channel %d out of range", y, ch)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	off := int64(ch*s.rows+y) * int64(4*s.cols)
	if _, err := s.f.ReadAt(s.buf, off); err != nil {
		return fmt.Errorf("read spool row %d: %w", y, err)
	}
	for x := 0; x < s.cols; x++ {
		dst[x] = math.Float32frombits(binary.LittleEndian.Uint32(s.buf[4*x:]))
	}
	return nil
}

// Close releases and deletes the backing file.
func (s *Spool) Close() error {
	if s == nil || s.f == nil {
		return nil
	}
	err := s.f.Close()
	os.Remove(s.path)
	s.f = nil
	return err
}
