package stardetect

import (
	"context"
	"math"
	"sync"

	"starstack/internal/parallel"
	"starstack/internal/stats"
)

const (
	cellBackground uint8 = iota
	cellEdge
	cellCore
)

// Rays cast per growth step, 30 degrees apart, and how many must agree.
const (
	rayCount  = 12
	rayQuorum = 6
)

// thresholdSamples bounds how many pixels feed the per-layer median/MAD.
const thresholdSamples = 1 << 20

type structureMap struct {
	rows, cols int
	cells      []uint8
}

func (s *structureMap) at(x, y int) uint8 {
	if x < 0 || y < 0 || x >= s.cols || y >= s.rows {
		return cellBackground
	}
	return s.cells[y*s.cols+x]
}

// layerThreshold returns median + k*MAD of a wavelet layer, subsampled on large frames.
func layerThreshold(layer []float32, k float64) float64 {
	sample := layer
	if len(layer) > thresholdSamples {
		stride := len(layer) / thresholdSamples
		sample = make([]float32, 0, thresholdSamples+1)
		for i := 0; i < len(layer); i += stride {
			sample = append(sample, layer[i])
		}
	}
	med, mad := stats.MedianMAD(sample)
	return med + k*mad
}

func buildStructure(layer []float32, rows, cols int, threshold float64) *structureMap {
	above := func(x, y int) bool {
		if x < 0 || y < 0 || x >= cols || y >= rows {
			return false
		}
		return float64(layer[y*cols+x]) > threshold
	}
	sm := &structureMap{rows: rows, cols: cols, cells: make([]uint8, rows*cols)}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if !above(x, y) {
				continue
			}
			if above(x-1, y) && above(x+1, y) && above(x, y-1) && above(x, y+1) {
				sm.cells[y*cols+x] = cellCore
			} else {
				sm.cells[y*cols+x] = cellEdge
			}
		}
	}
	return sm
}

type growthState int

const (
	growing growthState = iota
	accepted
	rejected
)

var rayDirs = func() [rayCount][2]float64 {
	var d [rayCount][2]float64
	for i := range d {
		a := float64(i) * 2 * math.Pi / rayCount
		d[i] = [2]float64{math.Cos(a), math.Sin(a)}
	}
	return d
}()

// grow runs the ray state machine from a core pixel. It returns the extent radius and
// whether the pixel was accepted as a star candidate.
func grow(sm *structureMap, x, y, rmin, rmax int) (int, bool) {
	state := growing
	radius := 0
	for r := rmin; r <= rmax; r++ {
		coreHits, bgHits := 0, 0
		for _, d := range rayDirs {
			px := x + int(math.Round(float64(r)*d[0]))
			py := y + int(math.Round(float64(r)*d[1]))
			switch sm.at(px, py) {
			case cellCore:
				coreHits++
			case cellBackground:
				bgHits++
			}
		}
		switch state {
		case growing:
			if coreHits >= rayQuorum {
				state = accepted
				radius = r
			} else if bgHits >= rayQuorum {
				return 0, false
			}
		case accepted:
			if coreHits < rayQuorum {
				return radius, true
			}
			radius = r
		}
	}
	return radius, state == accepted
}

type candidate struct {
	sumX, sumY float64
	n          float64
	r          int
}

func (c *candidate) pos() (float64, float64) { return c.sumX / c.n, c.sumY / c.n }

// candidateSet merges detections that fall within max(existing, new) radius of each
// other. A coarse grid keeps the neighbour lookup local.
type candidateSet struct {
	cell    float64
	items   []*candidate
	buckets map[[2]int][]int
}

func newCandidateSet(maxRadius int) *candidateSet {
	return &candidateSet{
		cell:    float64(2*maxRadius + 1),
		buckets: make(map[[2]int][]int),
	}
}

func (s *candidateSet) key(x, y float64) [2]int {
	return [2]int{int(math.Floor(x / s.cell)), int(math.Floor(y / s.cell))}
}

// add merges a detection carrying weight n (a pre-summed candidate) into the set.
func (s *candidateSet) add(sumX, sumY, n float64, r int) {
	x, y := sumX/n, sumY/n
	k := s.key(x, y)
	best, bestDist := -1, math.Inf(1)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			for _, idx := range s.buckets[[2]int{k[0] + dx, k[1] + dy}] {
				c := s.items[idx]
				cx, cy := c.pos()
				d := math.Hypot(cx-x, cy-y)
				if d <= float64(max(c.r, r)) && d < bestDist {
					best, bestDist = idx, d
				}
			}
		}
	}
	if best < 0 {
		s.items = append(s.items, &candidate{sumX: sumX, sumY: sumY, n: n, r: r})
		s.buckets[k] = append(s.buckets[k], len(s.items)-1)
		return
	}
	c := s.items[best]
	ox, oy := c.pos()
	c.sumX += sumX
	c.sumY += sumY
	c.n += n
	c.r = max(c.r, r)
	nx, ny := c.pos()
	if from, to := s.key(ox, oy), s.key(nx, ny); from != to {
		list := s.buckets[from]
		for i, idx := range list {
			if idx == best {
				s.buckets[from] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.buckets[to] = append(s.buckets[to], best)
	}
}

// layerCandidates scans a structure map for accepted core pixels. Row chunks are scanned
// in parallel into private sets which are then merged in row order.
func layerCandidates(ctx context.Context, sm *structureMap, rmin, rmax, workers int) ([]*candidate, error) {
	var mu sync.Mutex
	parts := make(map[int]*candidateSet)

	count, err := parallel.Chunks(ctx, sm.rows, workers, func(chunk, lo, hi int) error {
		set := newCandidateSet(rmax)
		for y := lo; y < hi; y++ {
			for x := 0; x < sm.cols; x++ {
				if sm.cells[y*sm.cols+x] != cellCore {
					continue
				}
				if r, ok := grow(sm, x, y, rmin, rmax); ok {
					set.add(float64(x), float64(y), 1, r)
				}
			}
		}
		mu.Lock()
		parts[chunk] = set
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	merged := newCandidateSet(rmax)
	for c := 0; c < count; c++ {
		p, ok := parts[c]
		if !ok {
			continue
		}
		for _, cand := range p.items {
			merged.add(cand.sumX, cand.sumY, cand.n, cand.r)
		}
	}
	return merged.items, nil
}

// mergeLayers combines per-layer candidate lists finest first. A coarser candidate is kept
// only when it does not overlap one already registered.
func mergeLayers(layers [][]*candidate) []*candidate {
	var out []*candidate
	for _, list := range layers {
		var fresh []*candidate
		for _, c := range list {
			cx, cy := c.pos()
			overlaps := false
			for _, o := range out {
				ox, oy := o.pos()
				if math.Hypot(cx-ox, cy-oy) < float64(c.r+o.r) {
					overlaps = true
					break
				}
			}
			if !overlaps {
				fresh = append(fresh, c)
			}
		}
		out = append(out, fresh...)
	}
	return out
}
