package homography

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"starstack/internal/starmatch"
)

// Estimator fits a homography to star pairs with RANSAC over 4-pair samples and a
// least-squares refit on the inliers of the best sample.
type Estimator struct {
	Iterations        int
	Threshold         float64 // reprojection error in pixels
	EarlyExit         float64 // inlier fraction that stops sampling
	MinInlierFraction float64
	Rand              *rand.Rand
}

// NewEstimator returns an estimator with default parameters and a seeded generator.
func NewEstimator(seed uint64) *Estimator {
	return &Estimator{
		Iterations:        500,
		Threshold:         2,
		EarlyExit:         0.98,
		MinInlierFraction: 0.25,
		Rand:              rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Fit describes an estimate.
type Fit struct {
	H        H
	Inliers  int
	Fraction float64
	RMS      float64 // reprojection error over the inliers
}

// Estimate returns the best homography for pairs, or the sentinel when fewer than four
// pairs are given, no non-degenerate sample exists or too few pairs agree.
func (e *Estimator) Estimate(pairs []starmatch.StarPair) Fit {
	fail := Fit{H: Sentinel()}
	n := len(pairs)
	if n < 4 {
		return fail
	}
	rng := e.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(1, 2))
	}
	iters := e.Iterations
	if iters <= 0 {
		iters = 500
	}

	best := Sentinel()
	bestCount := 0
	var sample [4]starmatch.StarPair
	for it := 0; it < iters; it++ {
		idx := pickDistinct(rng, n)
		for i, j := range idx {
			sample[i] = pairs[j]
		}
		if degenerate(sample[:]) {
			continue
		}
		h, ok := solveDLT(sample[:])
		if !ok {
			continue
		}
		count := countInliers(h, pairs, e.Threshold, nil)
		if count > bestCount {
			best, bestCount = h, count
			if float64(count)/float64(n) >= e.EarlyExit {
				break
			}
		}
	}
	if bestCount == 0 || float64(bestCount)/float64(n) < e.MinInlierFraction {
		return fail
	}

	var inliers []starmatch.StarPair
	countInliers(best, pairs, e.Threshold, &inliers)
	if refit, ok := solveDLT(inliers); ok {
		var refitInliers []starmatch.StarPair
		if countInliers(refit, pairs, e.Threshold, &refitInliers) >= bestCount {
			best, inliers = refit, refitInliers
		}
	}
	return Fit{
		H:        best,
		Inliers:  len(inliers),
		Fraction: float64(len(inliers)) / float64(n),
		RMS:      ReprojectionRMS(best, inliers),
	}
}

func pickDistinct(rng *rand.Rand, n int) [4]int {
	var idx [4]int
	for i := 0; i < 4; {
		v := rng.IntN(n)
		dup := false
		for j := 0; j < i; j++ {
			if idx[j] == v {
				dup = true
				break
			}
		}
		if !dup {
			idx[i] = v
			i++
		}
	}
	return idx
}

// degenerate reports whether any three reference or target points of a sample are collinear.
func degenerate(s []starmatch.StarPair) bool {
	area := func(ax, ay, bx, by, cx, cy float64) float64 {
		return math.Abs((bx-ax)*(cy-ay) - (by-ay)*(cx-ax))
	}
	for a := 0; a < 4; a++ {
		for b := a + 1; b < 4; b++ {
			for c := b + 1; c < 4; c++ {
				if area(s[a].RefX, s[a].RefY, s[b].RefX, s[b].RefY, s[c].RefX, s[c].RefY) < 1e-6 ||
					area(s[a].TgtX, s[a].TgtY, s[b].TgtX, s[b].TgtY, s[c].TgtX, s[c].TgtY) < 1e-6 {
					return true
				}
			}
		}
	}
	return false
}

func countInliers(h H, pairs []starmatch.StarPair, threshold float64, out *[]starmatch.StarPair) int {
	count := 0
	for _, p := range pairs {
		x, y := h.Apply(p.RefX, p.RefY)
		if math.Hypot(x-p.TgtX, y-p.TgtY) <= threshold {
			count++
			if out != nil {
				*out = append(*out, p)
			}
		}
	}
	return count
}

// ReprojectionRMS is the root mean square distance between h(ref) and tgt over pairs.
func ReprojectionRMS(h H, pairs []starmatch.StarPair) float64 {
	if len(pairs) == 0 {
		return 0
	}
	var ss float64
	for _, p := range pairs {
		x, y := h.Apply(p.RefX, p.RefY)
		dx, dy := x-p.TgtX, y-p.TgtY
		ss += dx*dx + dy*dy
	}
	return math.Sqrt(ss / float64(len(pairs)))
}

// normalizer is the similarity moving points to zero centroid and mean distance sqrt(2).
func normalizer(xs, ys []float64) H {
	var cx, cy float64
	for i := range xs {
		cx += xs[i]
		cy += ys[i]
	}
	n := float64(len(xs))
	cx /= n
	cy /= n
	var md float64
	for i := range xs {
		md += math.Hypot(xs[i]-cx, ys[i]-cy)
	}
	md /= n
	s := 1.0
	if md > 0 {
		s = math.Sqrt2 / md
	}
	return H{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
}

// solveDLT solves for H with H[8] = 1 on normalized coordinates. Four pairs are solved
// exactly, more by least squares via QR.
func solveDLT(pairs []starmatch.StarPair) (H, bool) {
	n := len(pairs)
	if n < 4 {
		return Sentinel(), false
	}
	rx, ry := make([]float64, n), make([]float64, n)
	tx, ty := make([]float64, n), make([]float64, n)
	for i, p := range pairs {
		rx[i], ry[i], tx[i], ty[i] = p.RefX, p.RefY, p.TgtX, p.TgtY
	}
	nr, nt := normalizer(rx, ry), normalizer(tx, ty)

	a := mat.NewDense(2*n, 8, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		x, y := nr.Apply(rx[i], ry[i])
		u, v := nt.Apply(tx[i], ty[i])
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -v * x, -v * y})
		b.SetVec(2*i, u)
		b.SetVec(2*i+1, v)
	}

	var sol mat.VecDense
	if n == 4 {
		if err := sol.SolveVec(a, b); err != nil {
			return Sentinel(), false
		}
	} else {
		var qr mat.QR
		qr.Factorize(a)
		if err := qr.SolveVecTo(&sol, false, b); err != nil {
			return Sentinel(), false
		}
	}

	var hn H
	for i := 0; i < 8; i++ {
		hn[i] = sol.AtVec(i)
	}
	hn[8] = 1
	h := Mul(Mul(nt.Inverse(), hn), nr)
	if !h.IsValid() {
		return Sentinel(), false
	}
	return h, true
}

// FromAffinePairs fits the exact affine transform through three pairs. It is the
// fallback when a frame yields exactly three correspondences.
func FromAffinePairs(pairs []starmatch.StarPair) H {
	if len(pairs) != 3 {
		return Sentinel()
	}
	a := mat.NewDense(3, 3, nil)
	bu := mat.NewVecDense(3, nil)
	bv := mat.NewVecDense(3, nil)
	for i, p := range pairs {
		a.SetRow(i, []float64{p.RefX, p.RefY, 1})
		bu.SetVec(i, p.TgtX)
		bv.SetVec(i, p.TgtY)
	}
	if math.Abs(mat.Det(a)) < 1e-9 {
		return Sentinel()
	}
	var su, sv mat.VecDense
	if err := su.SolveVec(a, bu); err != nil {
		return Sentinel()
	}
	if err := sv.SolveVec(a, bv); err != nil {
		return Sentinel()
	}
	h := H{su.AtVec(0), su.AtVec(1), su.AtVec(2), sv.AtVec(0), sv.AtVec(1), sv.AtVec(2), 0, 0, 1}
	if !h.IsValid() {
		return Sentinel()
	}
	return h
}
