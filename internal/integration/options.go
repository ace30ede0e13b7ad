package integration

import (
	"fmt"
	"strings"
)

type Normalization int

const (
	NormNone Normalization = iota
	NormAdditive
	NormMultiplicative
	NormAdditiveScaling
	NormMultiplicativeScaling
)

var normNames = map[Normalization]string{
	NormNone:                  "none",
	NormAdditive:              "additive",
	NormMultiplicative:        "multiplicative",
	NormAdditiveScaling:       "additive-scaling",
	NormMultiplicativeScaling: "multiplicative-scaling",
}

func (n Normalization) String() string { return normNames[n] }

type Rejection int

const (
	RejectNone Rejection = iota
	RejectSigmaClip
	RejectWinsorizedSigmaClip
	RejectPercentileClip
)

var rejectNames = map[Rejection]string{
	RejectNone:                "none",
	RejectSigmaClip:           "sigma-clip",
	RejectWinsorizedSigmaClip: "winsorized-sigma-clip",
	RejectPercentileClip:      "percentile-clip",
}

func (r Rejection) String() string { return rejectNames[r] }

type Reduction int

const (
	ReduceMean Reduction = iota
	ReduceMedian
	ReduceMin
	ReduceMax
)

var reduceNames = map[Reduction]string{
	ReduceMean:   "mean",
	ReduceMedian: "median",
	ReduceMin:    "min",
	ReduceMax:    "max",
}

func (r Reduction) String() string { return reduceNames[r] }

func lookup[T comparable](names map[T]string, kind, s string) (T, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, v := range names {
		if v == s {
			return k, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown %s %q", kind, s)
}

func ParseNormalization(s string) (Normalization, error) {
	return lookup(normNames, "normalization", s)
}

func ParseRejection(s string) (Rejection, error) { return lookup(rejectNames, "rejection", s) }

func ParseReduction(s string) (Reduction, error) { return lookup(reduceNames, "reduction", s) }

// Options configure one integration run.
type Options struct {
	Normalization  Normalization
	Rejection      Rejection
	Reduction      Reduction
	SigmaLow       float64
	SigmaHigh      float64
	PercentileLow  float64
	PercentileHigh float64
	MaxIterations  int
	WeightMaps     bool
	Workers        int
}

func DefaultOptions() Options {
	return Options{
		Normalization:  NormAdditive,
		Rejection:      RejectSigmaClip,
		Reduction:      ReduceMean,
		SigmaLow:       3,
		SigmaHigh:      3,
		PercentileLow:  0.2,
		PercentileHigh: 0.1,
		MaxIterations:  5,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SigmaLow <= 0 {
		o.SigmaLow = d.SigmaLow
	}
	if o.SigmaHigh <= 0 {
		o.SigmaHigh = d.SigmaHigh
	}
	if o.PercentileLow <= 0 {
		o.PercentileLow = d.PercentileLow
	}
	if o.PercentileHigh <= 0 {
		o.PercentileHigh = d.PercentileHigh
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	return o
}
