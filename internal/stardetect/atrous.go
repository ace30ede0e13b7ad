package stardetect

import (
	"context"

	"starstack/internal/imaging"
	"starstack/internal/parallel"
)

// b3 is the cubic B-spline smoothing kernel.
var b3 = [5]float32{1.0 / 16, 4.0 / 16, 6.0 / 16, 4.0 / 16, 1.0 / 16}

// mirror reflects an out-of-range index back into [0, n).
func mirror(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}

// smooth convolves a single-channel plane with the B3 kernel dilated by hole, separably.
func smooth(ctx context.Context, src []float32, rows, cols, hole, workers int) ([]float32, error) {
	tmp := make([]float32, len(src))
	dst := make([]float32, len(src))

	err := parallel.Range(ctx, rows, workers, func(lo, hi int) error {
		for y := lo; y < hi; y++ {
			row := src[y*cols : (y+1)*cols]
			out := tmp[y*cols : (y+1)*cols]
			for x := 0; x < cols; x++ {
				var acc float32
				for k := -2; k <= 2; k++ {
					acc += b3[k+2] * row[mirror(x+k*hole, cols)]
				}
				out[x] = acc
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = parallel.Range(ctx, rows, workers, func(lo, hi int) error {
		for y := lo; y < hi; y++ {
			out := dst[y*cols : (y+1)*cols]
			for x := 0; x < cols; x++ {
				var acc float32
				for k := -2; k <= 2; k++ {
					acc += b3[k+2] * tmp[mirror(y+k*hole, rows)*cols+x]
				}
				out[x] = acc
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dst, nil
}

// waveletLayers returns the first n detail layers of the à-trous decomposition of a
// single-channel image. Layer j uses holes of 2^j pixels.
func waveletLayers(ctx context.Context, img *imaging.Image, n, workers int) ([][]float32, error) {
	rows, cols := img.Rows(), img.Cols()
	cur := img.Plane(0)
	layers := make([][]float32, 0, n)
	for j := 0; j < n; j++ {
		next, err := smooth(ctx, cur, rows, cols, 1<<j, workers)
		if err != nil {
			return nil, err
		}
		detail := make([]float32, len(cur))
		for i := range cur {
			detail[i] = cur[i] - next[i]
		}
		layers = append(layers, detail)
		cur = next
	}
	return layers, nil
}
