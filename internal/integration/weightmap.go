package integration

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// WeightMap records, per frame, how much each sample contributed: 255 fully used,
// 0 rejected, in between for winsorized samples.
type WeightMap struct {
	Rows, Cols, Channels int
	Data                 []uint8
}

func NewWeightMap(rows, cols, chans int) *WeightMap {
	return &WeightMap{Rows: rows, Cols: cols, Channels: chans, Data: make([]uint8, rows*cols*chans)}
}

func (w *WeightMap) At(x, y, ch int) uint8 { return w.Data[ch*w.Rows*w.Cols+y*w.Cols+x] }

func (w *WeightMap) Set(x, y, ch int, v uint8) { w.Data[ch*w.Rows*w.Cols+y*w.Cols+x] = v }

// Compression modes of the weight-map file.
const (
	CompressionNone uint32 = 0
	CompressionRLE  uint32 = 1
)

const maxRun = 255

var errBadWeightMap = errors.New("malformed weight map")

// Encode writes the header and the body, run-length encoded when compression is RLE.
// Each row of each channel is one line terminated by (0,0); the stream ends with (0,1).
func (w *WeightMap) Encode(dst io.Writer, compression uint32) error {
	bw := bufio.NewWriter(dst)
	header := []uint32{
		uint32(w.Rows), uint32(w.Cols), uint32(w.Channels),
		uint32(w.Rows * w.Cols), uint32(len(w.Data)), compression,
	}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return err
	}
	switch compression {
	case CompressionNone:
		if _, err := bw.Write(w.Data); err != nil {
			return err
		}
	case CompressionRLE:
		for line := 0; line < w.Rows*w.Channels; line++ {
			row := w.Data[line*w.Cols : (line+1)*w.Cols]
			for i := 0; i < len(row); {
				v := row[i]
				run := 1
				for i+run < len(row) && row[i+run] == v && run < maxRun {
					run++
				}
				if err := bw.WriteByte(byte(run)); err != nil {
					return err
				}
				if err := bw.WriteByte(v); err != nil {
					return err
				}
				i += run
			}
			if _, err := bw.Write([]byte{0, 0}); err != nil {
				return err
			}
		}
		if _, err := bw.Write([]byte{0, 1}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown weight map compression %d", compression)
	}
	return bw.Flush()
}

// DecodeWeightMap reads a weight map written by Encode.
func DecodeWeightMap(src io.Reader) (*WeightMap, error) {
	br := bufio.NewReader(src)
	var header [6]uint32
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("weight map header: %w", err)
	}
	rows, cols, chans := int(header[0]), int(header[1]), int(header[2])
	if header[3] != uint32(rows*cols) || header[4] != uint32(rows*cols*chans) {
		return nil, fmt.Errorf("%w: inconsistent header %v", errBadWeightMap, header)
	}
	w := NewWeightMap(rows, cols, chans)
	switch header[5] {
	case CompressionNone:
		if _, err := io.ReadFull(br, w.Data); err != nil {
			return nil, fmt.Errorf("weight map body: %w", err)
		}
		return w, nil
	case CompressionRLE:
	default:
		return nil, fmt.Errorf("%w: compression %d", errBadWeightMap, header[5])
	}

	var tok [2]byte
	line, pos := 0, 0
	for {
		if _, err := io.ReadFull(br, tok[:]); err != nil {
			return nil, fmt.Errorf("weight map body: %w", err)
		}
		count, v := int(tok[0]), tok[1]
		if count == 0 {
			if v == 1 {
				break
			}
			if pos != cols {
				return nil, fmt.Errorf("%w: line %d holds %d of %d values", errBadWeightMap, line, pos, cols)
			}
			line++
			pos = 0
			continue
		}
		if line >= rows*chans || pos+count > cols {
			return nil, fmt.Errorf("%w: run overflows line %d", errBadWeightMap, line)
		}
		off := line*cols + pos
		for i := 0; i < count; i++ {
			w.Data[off+i] = v
		}
		pos += count
	}
	if line != rows*chans {
		return nil, fmt.Errorf("%w: %d of %d lines", errBadWeightMap, line, rows*chans)
	}
	return w, nil
}

// WriteFile stores w at path.
func (w *WeightMap) WriteFile(path string, compression uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create weight map: %w", err)
	}
	if err := w.Encode(f, compression); err != nil {
		f.Close()
		return fmt.Errorf("encode weight map %s: %w", path, err)
	}
	return f.Close()
}

// ReadWeightMapFile loads a weight map from path.
func ReadWeightMapFile(path string) (*WeightMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weight map: %w", err)
	}
	defer f.Close()
	return DecodeWeightMap(f)
}
