// Package stats holds the location and scale estimators shared by the detector and the
// integration engine.
package stats

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// Median returns the median of values without modifying them. Even-length inputs
// return the mean of the two central samples. Empty input returns 0.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return medianSorted(sorted)
}

// MedianInPlace is Median but sorts values in place.
func MedianInPlace(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	slices.Sort(values)
	return medianSorted(values)
}

func medianSorted(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return 0.5 * (sorted[n/2-1] + sorted[n/2])
}

// Median32 returns the median of a float32 slice.
func Median32(values []float32) float64 {
	buf := make([]float64, len(values))
	for i, v := range values {
		buf[i] = float64(v)
	}
	return MedianInPlace(buf)
}

// MAD returns the median absolute deviation of values from center.
func MAD(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - center)
	}
	return MedianInPlace(dev)
}

// MedianMAD returns median and MAD of a float32 buffer in one pass over a scratch copy.
func MedianMAD(values []float32) (median, mad float64) {
	if len(values) == 0 {
		return 0, 0
	}
	buf := make([]float64, len(values))
	for i, v := range values {
		buf[i] = float64(v)
	}
	median = MedianInPlace(buf)
	for i := range buf {
		buf[i] = math.Abs(buf[i] - median)
	}
	return median, MedianInPlace(buf)
}

// BiweightMidvariance returns the biweight midvariance of values around median with
// tuning constant 9. Returns 0 when mad is zero or no sample lies inside the window.
func BiweightMidvariance(values []float64, median, mad float64) float64 {
	if mad == 0 || len(values) == 0 {
		return 0
	}
	const c = 9.0
	var num, den float64
	for _, v := range values {
		u := (v - median) / (c * mad)
		if math.Abs(u) >= 1 {
			continue
		}
		u2 := u * u
		d := v - median
		w := 1 - u2
		num += d * d * w * w * w * w
		den += w * (1 - 5*u2)
	}
	if den == 0 {
		return 0
	}
	return float64(len(values)) * num / (den * den)
}

// Location and Scale bundle the per-frame estimators the integration engine normalizes with.
type Location struct {
	Median float64
	Scale  float64 // square root of the biweight midvariance
}

// Estimate computes median and biweight scale of a sample.
func Estimate(values []float64) Location {
	med := Median(values)
	mad := MAD(values, med)
	return Location{Median: med, Scale: math.Sqrt(BiweightMidvariance(values, med, mad))}
}

// MeanStdDev returns the mean and unbiased standard deviation. Fewer than two samples
// yield a zero deviation.
func MeanStdDev(values []float64) (mean, std float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}
	mean, std = stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	return mean, std
}

// PopulationMeanStdDev returns the mean and population standard deviation.
func PopulationMeanStdDev(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(values, nil)
}
