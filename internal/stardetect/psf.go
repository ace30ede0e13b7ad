package stardetect

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"starstack/internal/imaging"
	"starstack/internal/stats"
)

// Fit failures. Each drops only the star being refined.
var (
	ErrFitDiverged    = errors.New("psf fit diverged")
	ErrFitDegenerate  = errors.New("psf fit has degenerate curvature")
	ErrFitOutOfBounds = errors.New("psf centroid left the frame")
	ErrFitFaint       = errors.New("psf peak too close to background")
	ErrFitElongated   = errors.New("psf roundness below threshold")
)

const (
	fwhmGaussian  = 2.3548200450309493 // 2*sqrt(2*ln 2)
	maxIterations = 5
	minSignalFrac = 1e-4
)

// PSF is the fitted point spread function of one star. X and Y are absolute pixel
// coordinates. For the Gaussian model SX/SY are standard deviations, for Moffat they are
// the alpha widths. SX >= SY always.
type PSF struct {
	Model     string
	A         float64
	B         float64
	X, Y      float64
	SX, SY    float64
	Beta      float64
	FWHM      float64
	Roundness float64
	RMSE      float64
}

type sample struct {
	dx, dy float64
	v      float64 // background-subtracted intensity
}

// Model is a PSF family the refiner can fit. The variant is picked once per detector.
type Model interface {
	Name() string
	// fit solves the linearized problem on samples around the current center. The returned
	// PSF carries offsets in X/Y; eval reproduces the background-free model at an offset.
	fit(samples []sample) (psf PSF, eval func(dx, dy float64) float64, err error)
}

// ModelFor resolves a configured model name.
func ModelFor(name string, beta float64) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gaussian":
		return gaussianModel{}, nil
	case "moffat":
		if beta <= 0 {
			return nil, fmt.Errorf("moffat beta must be positive, got %v", beta)
		}
		return moffatModel{beta: beta}, nil
	}
	return nil, fmt.Errorf("unknown psf model %q", name)
}

type gaussianModel struct{}

func (gaussianModel) Name() string { return "gaussian" }

func (gaussianModel) fit(samples []sample) (PSF, func(dx, dy float64) float64, error) {
	c, err := quadraticFit(samples, func(v float64) float64 { return math.Log(v) })
	if err != nil {
		return PSF{}, nil, err
	}
	a, b, d := 2*c[4], c[3], 2*c[5]
	det := a*d - b*b
	if a >= 0 || det <= 0 {
		return PSF{}, nil, ErrFitDegenerate
	}
	px, py := vertex(c, det)
	amp := math.Exp(quad(c, px, py))

	// Eigenvalues of the negated Hessian are 1/sigma^2.
	l1, l2 := eigen2(-a, -b, -d)
	sx, sy := 1/math.Sqrt(l2), 1/math.Sqrt(l1)
	psf := PSF{
		Model:     "gaussian",
		A:         amp,
		X:         px,
		Y:         py,
		SX:        sx,
		SY:        sy,
		FWHM:      fwhmGaussian * math.Sqrt(sx*sy),
		Roundness: sy / sx,
	}
	eval := func(dx, dy float64) float64 { return math.Exp(quad(c, dx, dy)) }
	return psf, eval, nil
}

type moffatModel struct {
	beta float64
}

func (m moffatModel) Name() string { return "moffat" }

func (m moffatModel) fit(samples []sample) (PSF, func(dx, dy float64) float64, error) {
	inv := -1 / m.beta
	c, err := quadraticFit(samples, func(v float64) float64 { return math.Pow(v, inv) })
	if err != nil {
		return PSF{}, nil, err
	}
	a, b, d := 2*c[4], c[3], 2*c[5]
	det := a*d - b*b
	if a <= 0 || det <= 0 {
		return PSF{}, nil, ErrFitDegenerate
	}
	px, py := vertex(c, det)
	zc := quad(c, px, py)
	if zc <= 0 {
		return PSF{}, nil, ErrFitDegenerate
	}
	amp := math.Pow(zc, -m.beta)

	// Hessian of z is 2*zc/alpha^2 along each principal axis.
	l1, l2 := eigen2(a, b, d)
	sx, sy := math.Sqrt(2*zc/l2), math.Sqrt(2*zc/l1)
	k := math.Sqrt(math.Pow(2, 1/m.beta) - 1)
	psf := PSF{
		Model:     "moffat",
		A:         amp,
		X:         px,
		Y:         py,
		SX:        sx,
		SY:        sy,
		Beta:      m.beta,
		FWHM:      2 * k * math.Sqrt(sx*sy),
		Roundness: sy / sx,
	}
	eval := func(dx, dy float64) float64 {
		z := quad(c, dx, dy)
		if z <= 0 {
			return amp
		}
		return math.Pow(z, -m.beta)
	}
	return psf, eval, nil
}

// quadraticFit solves weighted least squares for z = c0 + c1 x + c2 y + c3 xy + c4 x^2 + c5 y^2
// with z = transform(v) and weights v^2.
func quadraticFit(samples []sample, transform func(float64) float64) ([6]float64, error) {
	var c [6]float64
	if len(samples) < 6 {
		return c, ErrFitDegenerate
	}
	ata := mat.NewDense(6, 6, nil)
	atz := mat.NewVecDense(6, nil)
	var basis [6]float64
	for _, s := range samples {
		z := transform(s.v)
		if math.IsNaN(z) || math.IsInf(z, 0) {
			continue
		}
		w := s.v * s.v
		basis = [6]float64{1, s.dx, s.dy, s.dx * s.dy, s.dx * s.dx, s.dy * s.dy}
		for i := 0; i < 6; i++ {
			atz.SetVec(i, atz.AtVec(i)+w*basis[i]*z)
			for j := 0; j < 6; j++ {
				ata.Set(i, j, ata.At(i, j)+w*basis[i]*basis[j])
			}
		}
	}
	var sol mat.VecDense
	if err := sol.SolveVec(ata, atz); err != nil {
		return c, ErrFitDegenerate
	}
	for i := range c {
		c[i] = sol.AtVec(i)
		if math.IsNaN(c[i]) || math.IsInf(c[i], 0) {
			return c, ErrFitDegenerate
		}
	}
	return c, nil
}

func quad(c [6]float64, x, y float64) float64 {
	return c[0] + c[1]*x + c[2]*y + c[3]*x*y + c[4]*x*x + c[5]*y*y
}

// vertex returns the stationary point of the fitted quadratic.
func vertex(c [6]float64, det float64) (float64, float64) {
	a, b, d := 2*c[4], c[3], 2*c[5]
	px := -(d*c[1] - b*c[2]) / det
	py := -(a*c[2] - b*c[1]) / det
	return px, py
}

// eigen2 returns the eigenvalues of the symmetric matrix [[a b] [b d]], larger first.
func eigen2(a, b, d float64) (float64, float64) {
	half := (a + d) / 2
	disc := math.Sqrt(math.Max(0, (a-d)*(a-d)/4+b*b))
	return half + disc, half - disc
}

// refiner runs the iterative PSF fit on one image.
type refiner struct {
	img           *imaging.Image
	model         Model
	maxRadius     int
	peakEdgeRatio float64
	minRoundness  float64
}

func (f *refiner) background(cx, cy float64, r int) float64 {
	inner, outer := float64(3*r), float64(5*r)
	var ring []float64
	for y := int(cy - outer); y <= int(cy+outer)+1; y++ {
		for x := int(cx - outer); x <= int(cx+outer)+1; x++ {
			if !f.img.Inside(x, y) {
				continue
			}
			d := math.Hypot(float64(x)-cx, float64(y)-cy)
			if d >= inner && d <= outer {
				ring = append(ring, float64(f.img.At(x, y, 0)))
			}
		}
	}
	return stats.MedianInPlace(ring)
}

// refine fits a PSF around a candidate, re-centering and widening the window up to
// maxIterations times, and keeps the fit with the lowest RMSE.
func (f *refiner) refine(x0, y0 float64, r0 int) (PSF, error) {
	cx, cy := x0, y0
	r := max(r0, 1)
	rCap := 4 * f.maxRadius

	var best PSF
	found := false
	var lastErr error
	for it := 0; it < maxIterations; it++ {
		bg := f.background(cx, cy, r)
		wr := float64(max(2*r, 3))

		var samples []sample
		type pix struct{ dx, dy, i float64 }
		var window []pix
		vmax := 0.0
		for y := int(math.Floor(cy - wr)); y <= int(math.Ceil(cy+wr)); y++ {
			for x := int(math.Floor(cx - wr)); x <= int(math.Ceil(cx+wr)); x++ {
				if !f.img.Inside(x, y) {
					continue
				}
				dx, dy := float64(x)-cx, float64(y)-cy
				if dx*dx+dy*dy > wr*wr {
					continue
				}
				i := float64(f.img.At(x, y, 0))
				window = append(window, pix{dx, dy, i})
				vmax = math.Max(vmax, i-bg)
			}
		}
		for _, p := range window {
			if v := p.i - bg; v > 0 && v >= vmax*minSignalFrac {
				samples = append(samples, sample{dx: p.dx, dy: p.dy, v: v})
			}
		}

		psf, eval, err := f.model.fit(samples)
		if err != nil {
			lastErr = err
			break
		}
		shift := math.Hypot(psf.X, psf.Y)
		if shift > wr {
			lastErr = ErrFitDiverged
			break
		}
		nx, ny := cx+psf.X, cy+psf.Y
		if nx < 0 || ny < 0 || nx > float64(f.img.Cols()-1) || ny > float64(f.img.Rows()-1) {
			lastErr = ErrFitOutOfBounds
			break
		}

		var ss float64
		for _, p := range window {
			res := p.i - (bg + eval(p.dx, p.dy))
			ss += res * res
		}
		rmse := math.Sqrt(ss / float64(len(window)))
		if math.IsNaN(rmse) || math.IsInf(rmse, 0) {
			lastErr = ErrFitDiverged
			break
		}

		psf.X, psf.Y, psf.B, psf.RMSE = nx, ny, bg, rmse
		if !found || rmse < best.RMSE {
			best, found = psf, true
		}

		next := min(max(r, int(math.Ceil(psf.FWHM))), rCap)
		cx, cy = nx, ny
		if shift < 0.01 && next == r {
			break
		}
		r = next
	}
	if !found {
		if lastErr == nil {
			lastErr = ErrFitDegenerate
		}
		return PSF{}, lastErr
	}
	if f.faint(best) {
		return PSF{}, ErrFitFaint
	}
	if best.Roundness < f.minRoundness {
		return PSF{}, ErrFitElongated
	}
	return best, nil
}

// minBackground floors the background used by the faintness test.
const minBackground = 1e-6

// faint reports whether the fitted peak fails to clear peakEdgeRatio times the
// background. A background at or below zero (bias-subtracted data) is replaced by the fit
// residual so the test still applies.
func (f *refiner) faint(p PSF) bool {
	bg := p.B
	if bg <= 0 {
		bg = math.Max(p.RMSE, minBackground)
	}
	return (p.A+bg)/bg < f.peakEdgeRatio
}
