// Package homography holds the 3x3 projective transform between a reference frame and a
// target frame, its RANSAC estimator and its on-disk text form.
package homography

import (
	"math"
)

// H is a row-major 3x3 homography mapping reference coordinates to target coordinates.
// H[8] is 1 for every valid transform; the all-NaN value marks an alignment failure.
type H [9]float64

func Identity() H { return H{1, 0, 0, 0, 1, 0, 0, 0, 1} }

func Translation(dx, dy float64) H { return H{1, 0, dx, 0, 1, dy, 0, 0, 1} }

// Scale returns a pure scaling about the origin.
func Scale(s float64) H { return H{s, 0, 0, 0, s, 0, 0, 0, 1} }

// Sentinel is the failure value returned instead of an error when no transform fits.
func Sentinel() H {
	nan := math.NaN()
	return H{nan, nan, nan, nan, nan, nan, nan, nan, nan}
}

// IsValid reports whether h is finite and normalized.
func (h H) IsValid() bool {
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return h[8] == 1
}

// Apply maps (x, y). Points on the line at infinity map to NaN.
func (h H) Apply(x, y float64) (float64, float64) {
	w := h[6]*x + h[7]*y + h[8]
	if w == 0 {
		return math.NaN(), math.NaN()
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w
}

// Mul returns the composition a·b, i.e. b applied first.
func Mul(a, b H) H {
	var out H
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out[r*3+c] = a[r*3]*b[c] + a[r*3+1]*b[3+c] + a[r*3+2]*b[6+c]
		}
	}
	return out.normalized()
}

func (h H) normalized() H {
	if h[8] == 0 || math.IsNaN(h[8]) {
		return Sentinel()
	}
	s := h[8]
	for i := range h {
		h[i] /= s
	}
	h[8] = 1
	return h
}

// Inverse returns the inverse transform, or the sentinel when h is singular or invalid.
func (h H) Inverse() H {
	if !h.IsValid() {
		return Sentinel()
	}
	a, b, c := h[0], h[1], h[2]
	d, e, f := h[3], h[4], h[5]
	g, k, l := h[6], h[7], h[8]
	det := a*(e*l-f*k) - b*(d*l-f*g) + c*(d*k-e*g)
	if det == 0 || math.IsNaN(det) {
		return Sentinel()
	}
	inv := H{
		(e*l - f*k), -(b*l - c*k), (b*f - c*e),
		-(d*l - f*g), (a*l - c*g), -(a*f - c*d),
		(d*k - e*g), -(a*k - b*g), (a*e - b*d),
	}
	for i := range inv {
		inv[i] /= det
	}
	return inv.normalized()
}
