package imaging

import (
	"errors"
	"fmt"
)

// ErrGeometry is returned when two buffers do not share rows, cols and channels.
var ErrGeometry = errors.New("image geometry mismatch")

// Frame is the read-only, row-oriented contract the integration engine streams from.
// Implementations may keep pixels in memory or on disk.
type Frame interface {
	Rows() int
	Cols() int
	Channels() int
	// ReadRow copies row y of channel ch into dst, which must hold Cols() values.
	ReadRow(y, ch int, dst []float32) error
}

// Image is a dense planar float32 buffer. Channel planes are stored back to back,
// rows within a plane are contiguous.
type Image struct {
	rows     int
	cols     int
	channels int
	Data     []float32
}

// New allocates a zeroed image.
func New(rows, cols, channels int) *Image {
	if channels < 1 {
		channels = 1
	}
	return &Image{
		rows:     rows,
		cols:     cols,
		channels: channels,
		Data:     make([]float32, rows*cols*channels),
	}
}

// FromData wraps an existing planar buffer without copying.
func FromData(rows, cols, channels int, data []float32) (*Image, error) {
	if len(data) != rows*cols*channels {
		return nil, fmt.Errorf("buffer holds %d values, want %dx%dx%d", len(data), rows, cols, channels)
	}
	return &Image{rows: rows, cols: cols, channels: channels, Data: data}, nil
}

func (m *Image) Rows() int     { return m.rows }
func (m *Image) Cols() int     { return m.cols }
func (m *Image) Channels() int { return m.channels }

// At returns the sample at (x, y) in channel ch. Out-of-range access panics like a slice would.
func (m *Image) At(x, y, ch int) float32 {
	return m.Data[ch*m.rows*m.cols+y*m.cols+x]
}

// Set stores v at (x, y) in channel ch.
func (m *Image) Set(x, y, ch int, v float32) {
	m.Data[ch*m.rows*m.cols+y*m.cols+x] = v
}

// Inside reports whether integer coordinates address a pixel.
func (m *Image) Inside(x, y int) bool {
	return x >= 0 && y >= 0 && x < m.cols && y < m.rows
}

// Plane returns the backing slice of one channel.
func (m *Image) Plane(ch int) []float32 {
	n := m.rows * m.cols
	return m.Data[ch*n : (ch+1)*n]
}

// Row returns the backing slice of row y in channel ch.
func (m *Image) Row(y, ch int) []float32 {
	off := ch*m.rows*m.cols + y*m.cols
	return m.Data[off : off+m.cols]
}

// ReadRow implements Frame.
func (m *Image) ReadRow(y, ch int, dst []float32) error {
	if y < 0 || y >= m.rows || ch < 0 || ch >= m.channels {
		return fmt.Errorf("row %d channel %d out of range", y, ch)
	}
	copy(dst, m.Row(y, ch))
	return nil
}

// Channel returns a single-channel copy of channel ch.
func (m *Image) Channel(ch int) *Image {
	out := New(m.rows, m.cols, 1)
	copy(out.Data, m.Plane(ch))
	return out
}

// Luminance averages all channels into a new single-channel image. Single channel images are copied.
func (m *Image) Luminance() *Image {
	out := New(m.rows, m.cols, 1)
	n := m.rows * m.cols
	inv := 1 / float32(m.channels)
	for ch := 0; ch < m.channels; ch++ {
		plane := m.Data[ch*n : (ch+1)*n]
		for i, v := range plane {
			out.Data[i] += v * inv
		}
	}
	return out
}

// Clone returns a deep copy.
func (m *Image) Clone() *Image {
	out := New(m.rows, m.cols, m.channels)
	copy(out.Data, m.Data)
	return out
}

// SameGeometry reports whether two frames have identical dimensions.
func SameGeometry(a, b Frame) bool {
	return a.Rows() == b.Rows() && a.Cols() == b.Cols() && a.Channels() == b.Channels()
}
