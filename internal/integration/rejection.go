package integration

import (
	"math"
	"slices"
)

// stack is the per-pixel sample set. Each worker owns one and reuses it across pixels.
type stack struct {
	values   []float64 // current, possibly winsorized, values
	original []float64
	frame    []int
	kept     []bool
	scratch  []float64
}

func newStack(n int) *stack {
	return &stack{
		values:   make([]float64, 0, n),
		original: make([]float64, 0, n),
		frame:    make([]int, 0, n),
		kept:     make([]bool, 0, n),
		scratch:  make([]float64, 0, n),
	}
}

func (s *stack) reset() {
	s.values = s.values[:0]
	s.original = s.original[:0]
	s.frame = s.frame[:0]
	s.kept = s.kept[:0]
}

func (s *stack) push(v float64, frame int) {
	s.values = append(s.values, v)
	s.original = append(s.original, v)
	s.frame = append(s.frame, frame)
	s.kept = append(s.kept, true)
}

func (s *stack) keptCount() int {
	n := 0
	for _, k := range s.kept {
		if k {
			n++
		}
	}
	return n
}

// moments returns mean and sum of squared deviations of the kept values.
func (s *stack) moments() (mean, m2 float64, n int) {
	for i, v := range s.values {
		if s.kept[i] {
			mean += v
			n++
		}
	}
	if n == 0 {
		return 0, 0, 0
	}
	mean /= float64(n)
	for i, v := range s.values {
		if s.kept[i] {
			d := v - mean
			m2 += d * d
		}
	}
	return mean, m2, n
}

// leaveOneOut returns the mean and sample deviation of the kept values excluding x.
// Requires n >= 3.
func leaveOneOut(x, mean, m2 float64, n int) (float64, float64) {
	m := (float64(n)*mean - x) / float64(n-1)
	rest := m2 - (x-mean)*(x-m)
	if rest < 0 {
		rest = 0
	}
	return m, math.Sqrt(rest / float64(n-2))
}

// sigmaClip discards samples outside [m - lo*sd, m + hi*sd], where m and sd describe the
// other kept samples, until a pass rejects nothing. When the others agree exactly any
// differing sample is rejected.
func (s *stack) sigmaClip(lo, hi float64, maxIter int) {
	for it := 0; it < maxIter; it++ {
		mean, m2, n := s.moments()
		if n < 3 {
			return
		}
		var reject []int
		for i, v := range s.values {
			if !s.kept[i] {
				continue
			}
			m, sd := leaveOneOut(v, mean, m2, n)
			if outside(v, m, sd, lo, hi) {
				reject = append(reject, i)
			}
		}
		if len(reject) == 0 || len(reject) == n {
			return
		}
		for _, i := range reject {
			s.kept[i] = false
		}
	}
}

func outside(v, m, sd, lo, hi float64) bool {
	if sd == 0 {
		return v != m
	}
	return v < m-lo*sd || v > m+hi*sd
}

// winsorize clamps samples to the same bounds instead of discarding them.
func (s *stack) winsorize(lo, hi float64, maxIter int) {
	for it := 0; it < maxIter; it++ {
		mean, m2, n := s.moments()
		if n < 3 {
			return
		}
		changed := false
		clamped := s.scratch[:0]
		for i, v := range s.values {
			m, sd := leaveOneOut(v, mean, m2, n)
			c := math.Min(math.Max(v, m-lo*sd), m+hi*sd)
			clamped = append(clamped, c)
			if c != s.values[i] {
				changed = true
			}
		}
		s.scratch = clamped
		if !changed {
			return
		}
		copy(s.values, clamped)
	}
}

// percentileClip rejects samples deviating from the median by more than the given
// fractions of it, below and above.
func (s *stack) percentileClip(lo, hi float64) {
	s.scratch = append(s.scratch[:0], s.values...)
	slices.Sort(s.scratch)
	med := medianSorted(s.scratch)
	if med == 0 {
		return
	}
	for i, v := range s.values {
		d := (v - med) / math.Abs(med)
		if d < -lo || d > hi {
			s.kept[i] = false
		}
	}
	if s.keptCount() == 0 {
		for i := range s.kept {
			s.kept[i] = true
		}
	}
}

func medianSorted(v []float64) float64 {
	n := len(v)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return v[n/2]
	}
	return 0.5 * (v[n/2-1] + v[n/2])
}

// reduce combines the kept values. If every sample was rejected the median of all
// samples is returned.
func (s *stack) reduce(r Reduction) float64 {
	sel := s.scratch[:0]
	for i, v := range s.values {
		if s.kept[i] {
			sel = append(sel, v)
		}
	}
	if len(sel) == 0 {
		sel = append(sel, s.values...)
		r = ReduceMedian
	}
	s.scratch = sel
	if len(sel) == 0 {
		return 0
	}
	switch r {
	case ReduceMedian:
		slices.Sort(sel)
		return medianSorted(sel)
	case ReduceMin:
		return slices.Min(sel)
	case ReduceMax:
		return slices.Max(sel)
	}
	var sum float64
	for _, v := range sel {
		sum += v
	}
	return sum / float64(len(sel))
}

// weight is the weight-map value of sample i: 255 kept, 0 rejected, scaled for clamped values.
func (s *stack) weight(i int) uint8 {
	if !s.kept[i] {
		return 0
	}
	o, v := math.Abs(s.original[i]), math.Abs(s.values[i])
	hi := math.Max(o, v)
	if s.original[i] == s.values[i] || hi == 0 {
		return 255
	}
	// Symmetric in the clamp direction: a low outlier pulled up weighs the same as a
	// high one pulled down by the same ratio.
	w := math.Round(255 * math.Min(o, v) / hi)
	return uint8(math.Min(255, math.Max(0, w)))
}
