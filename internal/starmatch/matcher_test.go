package starmatch

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"starstack/internal/stardetect"
)

func shifted(base stardetect.StarVector, dx, dy float64) stardetect.StarVector {
	out := make(stardetect.StarVector, len(base))
	for i, s := range base {
		s.X += dx
		s.Y += dy
		out[i] = s
	}
	return out
}

func TestMatchThreeStarTranslation(t *testing.T) {
	ref := stardetect.StarVector{
		{X: 15, Y: 20, Luminance: 3},
		{X: 85, Y: 25, Luminance: 2},
		{X: 30, Y: 45, Luminance: 1},
	}
	m := NewMatcher(ref, Config{})
	if len(m.Triangles()) != 1 {
		t.Fatalf("expected one reference triangle, got %d", len(m.Triangles()))
	}
	for i := 1; i < 5; i++ {
		tgt := shifted(ref, float64(2*i), float64(i))
		pairs, err := m.Match(context.Background(), tgt)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if len(pairs) != 3 {
			t.Fatalf("frame %d: expected 3 pairs, got %d", i, len(pairs))
		}
		for _, p := range pairs {
			if p.RefIndex != p.TgtIndex {
				t.Fatalf("frame %d: wrong correspondence %+v", i, p)
			}
			if p.TgtX-p.RefX != float64(2*i) || p.TgtY-p.RefY != float64(i) {
				t.Fatalf("frame %d: pair coordinates %+v", i, p)
			}
		}
	}
}

func TestMatchRotatedScaledField(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 1))
	ref := make(stardetect.StarVector, 25)
	for i := range ref {
		ref[i] = stardetect.Star{X: rng.Float64() * 1000, Y: rng.Float64() * 800, Luminance: float64(100 - i)}
	}
	theta, scale := 0.17, 1.04
	cos, sin := math.Cos(theta)*scale, math.Sin(theta)*scale
	tgt := make(stardetect.StarVector, len(ref))
	// Reverse the order so indices differ between the two vectors.
	for i, s := range ref {
		j := len(ref) - 1 - i
		tgt[j] = stardetect.Star{X: cos*s.X - sin*s.Y + 33, Y: sin*s.X + cos*s.Y - 12, Luminance: s.Luminance}
	}

	pairs, err := NewMatcher(ref, Config{}).Match(context.Background(), tgt)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(pairs) < 20 {
		t.Fatalf("expected most stars matched, got %d", len(pairs))
	}
	for _, p := range pairs {
		if p.TgtIndex != len(ref)-1-p.RefIndex {
			t.Fatalf("wrong correspondence ref %d -> tgt %d", p.RefIndex, p.TgtIndex)
		}
	}
}

func TestMatchTooFewStars(t *testing.T) {
	ref := stardetect.StarVector{{X: 1, Y: 1}, {X: 10, Y: 3}}
	pairs, err := NewMatcher(ref, Config{}).Match(context.Background(), ref)
	if err != nil || len(pairs) != 0 {
		t.Fatalf("expected no pairs, got %v %v", pairs, err)
	}
}

func TestTriangleInvariants(t *testing.T) {
	stars := stardetect.StarVector{{X: 15, Y: 20}, {X: 85, Y: 25}, {X: 30, Y: 45}}
	tris := BuildTriangles(stars, 0.9)
	if len(tris) != 1 {
		t.Fatalf("expected one triangle, got %d", len(tris))
	}
	tr := tris[0]
	// Longest side is 0-1, so vertex 2 is opposite it.
	if tr.K != 2 || tr.I != 1 || tr.J != 0 {
		t.Fatalf("unexpected vertex roles %+v", tr)
	}
	if math.Abs(tr.RX-0.8338) > 1e-3 || math.Abs(tr.RY-0.4154) > 1e-3 {
		t.Fatalf("unexpected ratios %+v", tr)
	}

	equilateral := stardetect.StarVector{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 5, Y: 8.66}}
	if len(BuildTriangles(equilateral, 0.9)) != 0 {
		t.Fatalf("near-equilateral triangle should be discarded")
	}
	collinearDup := stardetect.StarVector{{X: 0, Y: 0}, {X: 0, Y: 0}, {X: 5, Y: 5}}
	if len(BuildTriangles(collinearDup, 0.9)) != 0 {
		t.Fatalf("zero-length side should be discarded")
	}
}

func TestVoteWeightsRoleConsistentCells(t *testing.T) {
	const nr = 4
	acc := make([]int32, 3*nr)
	vote(acc, nr, Triangle{I: 0, J: 1, K: 2}, Triangle{I: 3, J: 1, K: 0})

	var cells, total int32
	for _, v := range acc {
		if v > 0 {
			cells++
		}
		total += v
	}
	if cells != 9 || total != 9*vertexVote+3*roleBonus {
		t.Fatalf("expected 9 voted cells totalling %d, got %d cells totalling %d", 9*vertexVote+3*roleBonus, cells, total)
	}
	for _, c := range [][2]int{{0, 3}, {1, 1}, {2, 0}} {
		if got := acc[c[0]*nr+c[1]]; got != vertexVote+roleBonus {
			t.Fatalf("role cell tgt %d ref %d: got %d", c[0], c[1], got)
		}
	}
	if got := acc[0*nr+0]; got != vertexVote {
		t.Fatalf("cross-role cell: got %d, want %d", got, vertexVote)
	}
}
