// Package starmatch finds star correspondences between two frames by voting over
// similar triangles.
package starmatch

import (
	"context"
	"math"
	"sort"
	"sync"

	"starstack/internal/parallel"
	"starstack/internal/stardetect"
	"starstack/internal/stats"
)

// StarPair links a reference star to a target star.
type StarPair struct {
	RefX, RefY float64
	TgtX, TgtY float64
	RefIndex   int
	TgtIndex   int
	Votes      int
}

type Config struct {
	MaxStars  int     `json:"max_stars"`
	Tolerance float64 `json:"tolerance"`
	RXWindow  float64 `json:"rx_window"`
	MaxRX     float64 `json:"max_rx"`
	Workers   int     `json:"workers"`
}

func DefaultConfig() Config {
	return Config{MaxStars: 40, Tolerance: 0.002, RXWindow: 0.0002, MaxRX: 0.9}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxStars <= 0 {
		c.MaxStars = d.MaxStars
	}
	if c.Tolerance <= 0 {
		c.Tolerance = d.Tolerance
	}
	if c.RXWindow <= 0 {
		c.RXWindow = d.RXWindow
	}
	if c.MaxRX <= 0 {
		c.MaxRX = d.MaxRX
	}
	return c
}

const (
	vertexVote = 1
	roleBonus  = 2
)

// Matcher holds the reference stars and their triangles so many targets can be matched
// against one reference without rebuilding them.
type Matcher struct {
	cfg     Config
	ref     stardetect.StarVector
	refTris []Triangle
}

func NewMatcher(ref stardetect.StarVector, cfg Config) *Matcher {
	cfg = cfg.withDefaults()
	ref = capStars(ref, cfg.MaxStars)
	return &Matcher{cfg: cfg, ref: ref, refTris: BuildTriangles(ref, cfg.MaxRX)}
}

// Reference returns the capped reference stars.
func (m *Matcher) Reference() stardetect.StarVector { return m.ref }

// Triangles returns the cached reference triangles.
func (m *Matcher) Triangles() []Triangle { return m.refTris }

func capStars(s stardetect.StarVector, n int) stardetect.StarVector {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Match returns star pairs between the reference and tgt. Fewer than three stars on
// either side, or no similar triangles, yield an empty result.
func (m *Matcher) Match(ctx context.Context, tgt stardetect.StarVector) ([]StarPair, error) {
	tgt = capStars(tgt, m.cfg.MaxStars)
	nr, nt := len(m.ref), len(tgt)
	if nr < 3 || nt < 3 || len(m.refTris) == 0 {
		return nil, nil
	}
	tgtTris := BuildTriangles(tgt, m.cfg.MaxRX)
	if len(tgtTris) == 0 {
		return nil, nil
	}

	votes := make([]int32, nt*nr)
	var mu sync.Mutex
	err := parallel.Range(ctx, len(tgtTris), m.cfg.Workers, func(lo, hi int) error {
		local := make([]int32, nt*nr)
		hit := false
		for _, tt := range tgtTris[lo:hi] {
			start := sort.Search(len(m.refTris), func(i int) bool {
				return m.refTris[i].RX >= tt.RX-m.cfg.RXWindow
			})
			for i := start; i < len(m.refTris); i++ {
				rt := m.refTris[i]
				if rt.RX > tt.RX+m.cfg.RXWindow {
					break
				}
				if math.Hypot(rt.RX-tt.RX, rt.RY-tt.RY) > m.cfg.Tolerance {
					continue
				}
				vote(local, nr, tt, rt)
				hit = true
			}
		}
		if !hit {
			return nil
		}
		mu.Lock()
		for i, v := range local {
			votes[i] += v
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return extract(votes, nt, nr, m.ref, tgt), nil
}

// vote credits every vertex combination of a matched triangle pair and gives the three
// role-consistent combinations a bonus.
func vote(acc []int32, nr int, tt, rt Triangle) {
	tv := [3]int{tt.I, tt.J, tt.K}
	rv := [3]int{rt.I, rt.J, rt.K}
	for a, t := range tv {
		for b, r := range rv {
			acc[t*nr+r] += vertexVote
			if a == b {
				acc[t*nr+r] += roleBonus
			}
		}
	}
}

// extract greedily takes the strongest cell above mean + 1 stddev, clearing its row and
// column, until none remain or every star on the smaller side is paired.
func extract(votes []int32, nt, nr int, ref, tgt stardetect.StarVector) []StarPair {
	vals := make([]float64, len(votes))
	for i, v := range votes {
		vals[i] = float64(v)
	}
	mean, std := stats.PopulationMeanStdDev(vals)
	threshold := mean + std

	limit := min(nt, nr)
	var pairs []StarPair
	for len(pairs) < limit {
		best, bi := int32(0), -1
		for i, v := range votes {
			if v > best {
				best, bi = v, i
			}
		}
		if bi < 0 || float64(best) <= threshold {
			break
		}
		t, r := bi/nr, bi%nr
		pairs = append(pairs, StarPair{
			RefX:     ref[r].X,
			RefY:     ref[r].Y,
			TgtX:     tgt[t].X,
			TgtY:     tgt[t].Y,
			RefIndex: r,
			TgtIndex: t,
			Votes:    int(best),
		})
		for j := 0; j < nr; j++ {
			votes[t*nr+j] = 0
		}
		for j := 0; j < nt; j++ {
			votes[j*nr+r] = 0
		}
	}
	return pairs
}
