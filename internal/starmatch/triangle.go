package starmatch

import (
	"math"
	"slices"

	"starstack/internal/stardetect"
)

// Triangle is a scale and rotation invariant descriptor of three stars. Vertex I is
// opposite the shortest side, J opposite the middle one and K opposite the longest,
// so equal roles correspond between similar triangles.
type Triangle struct {
	RX, RY  float64
	I, J, K int
}

// BuildTriangles enumerates every triple of stars, drops degenerate or near-equilateral
// triangles (RX >= maxRX) and returns the rest sorted by RX.
func BuildTriangles(stars stardetect.StarVector, maxRX float64) []Triangle {
	n := len(stars)
	var out []Triangle
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			for c := b + 1; c < n; c++ {
				if t, ok := newTriangle(stars, a, b, c); ok && t.RX < maxRX {
					out = append(out, t)
				}
			}
		}
	}
	slices.SortFunc(out, func(p, q Triangle) int {
		switch {
		case p.RX < q.RX:
			return -1
		case p.RX > q.RX:
			return 1
		}
		return 0
	})
	return out
}

func newTriangle(stars stardetect.StarVector, a, b, c int) (Triangle, bool) {
	dist := func(i, j int) float64 {
		return math.Hypot(stars[i].X-stars[j].X, stars[i].Y-stars[j].Y)
	}
	// Side opposite each vertex.
	type side struct {
		vertex int
		length float64
	}
	sides := [3]side{{a, dist(b, c)}, {b, dist(a, c)}, {c, dist(a, b)}}
	slices.SortStableFunc(sides[:], func(p, q side) int {
		switch {
		case p.length < q.length:
			return -1
		case p.length > q.length:
			return 1
		}
		return 0
	})
	short, mid, long := sides[0].length, sides[1].length, sides[2].length
	if short == 0 || long == 0 {
		return Triangle{}, false
	}
	return Triangle{
		RX: mid / long,
		RY: short / long,
		I:  sides[0].vertex,
		J:  sides[1].vertex,
		K:  sides[2].vertex,
	}, true
}
