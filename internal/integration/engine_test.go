package integration

import (
	"bytes"
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"starstack/internal/imaging"
	"starstack/internal/stats"
)

func pixelFrames(values ...float32) []imaging.Frame {
	frames := make([]imaging.Frame, len(values))
	for i, v := range values {
		img := imaging.New(1, 1, 1)
		img.Data[0] = v
		frames[i] = img
	}
	return frames
}

func TestSigmaClipRejectsOutlier(t *testing.T) {
	opts := DefaultOptions()
	opts.Normalization = NormNone
	opts.WeightMaps = true
	res, err := New(opts, nil, nil).Integrate(context.Background(), pixelFrames(10, 10, 10, 10, 100))
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if got := res.Image.Data[0]; math.Abs(float64(got)-10) > 1e-6 {
		t.Fatalf("expected 10, got %v", got)
	}
	want := []uint8{255, 255, 255, 255, 0}
	for i, w := range res.WeightMaps {
		if w.Data[0] != want[i] {
			t.Fatalf("frame %d weight %d, want %d", i, w.Data[0], want[i])
		}
	}
}

func TestWinsorizedClampsOutlier(t *testing.T) {
	opts := DefaultOptions()
	opts.Normalization = NormNone
	opts.Rejection = RejectWinsorizedSigmaClip
	opts.WeightMaps = true
	res, err := New(opts, nil, nil).Integrate(context.Background(), pixelFrames(10, 10, 10, 10, 100))
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if got := res.Image.Data[0]; math.Abs(float64(got)-10) > 1e-6 {
		t.Fatalf("expected 10, got %v", got)
	}
	if w := res.WeightMaps[4].Data[0]; w != 26 {
		t.Fatalf("winsorized weight: got %d, want 26", w)
	}
}

func TestWinsorizedWeightsLowOutlier(t *testing.T) {
	opts := DefaultOptions()
	opts.Normalization = NormNone
	opts.Rejection = RejectWinsorizedSigmaClip
	opts.WeightMaps = true
	res, err := New(opts, nil, nil).Integrate(context.Background(), pixelFrames(10, 10, 10, 10, 1))
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if got := res.Image.Data[0]; math.Abs(float64(got)-10) > 1e-6 {
		t.Fatalf("expected 10, got %v", got)
	}
	for i := 0; i < 4; i++ {
		if w := res.WeightMaps[i].Data[0]; w != 255 {
			t.Fatalf("frame %d: untouched sample weight %d, want 255", i, w)
		}
	}
	if w := res.WeightMaps[4].Data[0]; w != 26 {
		t.Fatalf("clamped low sample weight: got %d, want 26", w)
	}
}

func TestPercentileClip(t *testing.T) {
	opts := DefaultOptions()
	opts.Normalization = NormNone
	opts.Rejection = RejectPercentileClip
	res, err := New(opts, nil, nil).Integrate(context.Background(), pixelFrames(100, 100, 100, 130, 70))
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if got := res.Image.Data[0]; got != 100 {
		t.Fatalf("expected 100, got %v", got)
	}
}

func TestReductions(t *testing.T) {
	cases := []struct {
		red  Reduction
		want float32
	}{
		{ReduceMean, 4},
		{ReduceMedian, 3},
		{ReduceMin, 1},
		{ReduceMax, 9},
	}
	for _, tc := range cases {
		t.Run(tc.red.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.Normalization = NormNone
			opts.Rejection = RejectNone
			opts.Reduction = tc.red
			res, err := New(opts, nil, nil).Integrate(context.Background(), pixelFrames(1, 3, 9, 2, 5))
			if err != nil {
				t.Fatalf("integrate: %v", err)
			}
			if got := res.Image.Data[0]; got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSigmaClipFixedPoint(t *testing.T) {
	values := []float64{10.2, 9.8, 10.1, 9.9, 10.0, 10.3, 9.7, 25, -4, 10.05}
	st := newStack(len(values))
	for i, v := range values {
		st.push(v, i)
	}
	st.sigmaClip(3, 3, 5)
	var kept []float64
	for i, k := range st.kept {
		if k {
			kept = append(kept, st.values[i])
		}
	}
	if len(kept) != 8 {
		t.Fatalf("expected both outliers rejected, kept %v", kept)
	}

	again := newStack(len(kept))
	for i, v := range kept {
		again.push(v, i)
	}
	again.sigmaClip(3, 3, 5)
	if again.keptCount() != len(kept) {
		t.Fatalf("second pass rejected more samples: %v", again.kept)
	}
}

func TestReduceFallsBackToMedianWhenAllRejected(t *testing.T) {
	st := newStack(3)
	for i, v := range []float64{1, 7, 3} {
		st.push(v, i)
	}
	for i := range st.kept {
		st.kept[i] = false
	}
	if got := st.reduce(ReduceMean); got != 3 {
		t.Fatalf("expected median fallback 3, got %v", got)
	}
}

func TestAdditiveNormalizationRemovesOffsets(t *testing.T) {
	base := imaging.New(8, 8, 1)
	for i := range base.Data {
		base.Data[i] = float32(i%7) * 3
	}
	var frames []imaging.Frame
	for _, off := range []float32{0, 5, -2, 11} {
		f := base.Clone()
		for i := range f.Data {
			f.Data[i] += off
		}
		frames = append(frames, f)
	}
	opts := DefaultOptions()
	opts.Reduction = ReduceMedian
	res, err := New(opts, nil, nil).Integrate(context.Background(), frames)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	for i, v := range res.Image.Data {
		if math.Abs(float64(v-base.Data[i])) > 1e-3 {
			t.Fatalf("pixel %d: expected %v, got %v", i, base.Data[i], v)
		}
	}
}

func TestNormalizationRecoversGainAndOffset(t *testing.T) {
	base := imaging.New(8, 8, 1)
	for i := range base.Data {
		base.Data[i] = float32(i%7)*3 + 1
	}
	scaled := func(gain, off float32) imaging.Frame {
		f := base.Clone()
		for i := range f.Data {
			f.Data[i] = f.Data[i]*gain + off
		}
		return f
	}

	cases := []struct {
		name   string
		norm   Normalization
		frames []imaging.Frame
	}{
		{"multiplicative gain", NormMultiplicative, []imaging.Frame{base, scaled(2, 0), scaled(0.5, 0)}},
		{"additive-scaling gain and offset", NormAdditiveScaling, []imaging.Frame{base, scaled(2, 5), scaled(0.5, -3)}},
		{"multiplicative-scaling gain", NormMultiplicativeScaling, []imaging.Frame{base, scaled(2, 0), scaled(4, 0)}},
		{"multiplicative-scaling gain and offset", NormMultiplicativeScaling, []imaging.Frame{base, scaled(2, 5), scaled(0.5, 1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Normalization = tc.norm
			opts.Rejection = RejectNone
			res, err := New(opts, nil, nil).Integrate(context.Background(), tc.frames)
			if err != nil {
				t.Fatalf("integrate: %v", err)
			}
			for i, v := range res.Image.Data {
				if math.Abs(float64(v-base.Data[i])) > 1e-3 {
					t.Fatalf("pixel %d: expected %v, got %v", i, base.Data[i], v)
				}
			}
		})
	}
}

func TestNormalizeFormulasAndGuards(t *testing.T) {
	loc := stats.Location{Median: 20, Scale: 8}
	ref := stats.Location{Median: 10, Scale: 2}
	zeroMedian := stats.Location{Median: 0, Scale: 2}
	zeroScale := stats.Location{Median: 20, Scale: 0}

	cases := []struct {
		norm Normalization
		loc  stats.Location
		v    float64
		want float64
	}{
		{NormNone, loc, 30, 30},
		{NormAdditive, loc, 30, 20},
		{NormMultiplicative, loc, 30, 15},
		{NormAdditiveScaling, loc, 30, 12.5},
		{NormMultiplicativeScaling, loc, 30, 12.5},
		// a zero median leaves the gain neutral
		{NormMultiplicative, zeroMedian, 3, 3},
		{NormMultiplicativeScaling, zeroMedian, 3, 3},
		// a zero scale leaves the spread untouched
		{NormAdditiveScaling, zeroScale, 30, 20},
		{NormMultiplicativeScaling, zeroScale, 30, 15},
	}
	for _, tc := range cases {
		opts := DefaultOptions()
		opts.Normalization = tc.norm
		got := New(opts, nil, nil).normalize(tc.v, tc.loc, ref)
		if math.IsNaN(got) || math.IsInf(got, 0) || math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("%s with %+v: normalize(%v) = %v, want %v", tc.norm, tc.loc, tc.v, got, tc.want)
		}
	}
}

func TestZeroMedianFrameStaysFinite(t *testing.T) {
	base := imaging.New(4, 4, 1)
	for i := range base.Data {
		base.Data[i] = float32(i + 1)
	}
	dark := imaging.New(4, 4, 1)
	for _, norm := range []Normalization{NormMultiplicative, NormAdditiveScaling, NormMultiplicativeScaling} {
		opts := DefaultOptions()
		opts.Normalization = norm
		opts.Rejection = RejectNone
		res, err := New(opts, nil, nil).Integrate(context.Background(), []imaging.Frame{base, dark})
		if err != nil {
			t.Fatalf("%s: integrate: %v", norm, err)
		}
		for i, v := range res.Image.Data {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("%s: pixel %d is %v", norm, i, v)
			}
		}
	}
}

func TestIntegrateRejectsBadInput(t *testing.T) {
	e := New(DefaultOptions(), nil, nil)
	if _, err := e.Integrate(context.Background(), pixelFrames(1)); !errors.Is(err, ErrInput) {
		t.Fatalf("expected ErrInput for one frame, got %v", err)
	}
	frames := []imaging.Frame{imaging.New(4, 4, 1), imaging.New(4, 5, 1)}
	if _, err := e.Integrate(context.Background(), frames); !errors.Is(err, ErrInput) {
		t.Fatalf("expected ErrInput for geometry mismatch, got %v", err)
	}
}

func TestIntegrateStreamsSpooledFrames(t *testing.T) {
	dir := t.TempDir()
	var frames []imaging.Frame
	for k := 0; k < 3; k++ {
		img := imaging.New(6, 5, 2)
		for i := range img.Data {
			img.Data[i] = float32(i + k)
		}
		sp, err := imaging.NewSpool(dir, img)
		if err != nil {
			t.Fatalf("spool: %v", err)
		}
		defer sp.Close()
		frames = append(frames, sp)
	}
	opts := DefaultOptions()
	opts.Normalization = NormNone
	opts.Rejection = RejectNone
	res, err := New(opts, nil, nil).Integrate(context.Background(), frames)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	for i, v := range res.Image.Data {
		if v != float32(i+1) {
			t.Fatalf("pixel %d: expected %d, got %v", i, i+1, v)
		}
	}
}

func TestWeightMapRLERoundTrip(t *testing.T) {
	w := NewWeightMap(3, 600, 2)
	for i := range w.Data {
		switch {
		case i%600 < 400:
			w.Data[i] = 255
		case i%7 == 0:
			w.Data[i] = 0
		default:
			w.Data[i] = uint8(i % 251)
		}
	}
	for _, mode := range []uint32{CompressionNone, CompressionRLE} {
		var buf bytes.Buffer
		if err := w.Encode(&buf, mode); err != nil {
			t.Fatalf("encode mode %d: %v", mode, err)
		}
		got, err := DecodeWeightMap(&buf)
		if err != nil {
			t.Fatalf("decode mode %d: %v", mode, err)
		}
		if diff := cmp.Diff(w, got); diff != "" {
			t.Fatalf("mode %d mismatch (-want +got):\n%s", mode, diff)
		}
	}

	path := filepath.Join(t.TempDir(), "frame.weights")
	if err := w.WriteFile(path, CompressionRLE); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadWeightMapFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got.Data, w.Data) {
		t.Fatalf("file round trip mismatch")
	}
}

func TestParseOptions(t *testing.T) {
	if n, err := ParseNormalization("Multiplicative-Scaling"); err != nil || n != NormMultiplicativeScaling {
		t.Fatalf("parse normalization: %v %v", n, err)
	}
	if r, err := ParseRejection("winsorized-sigma-clip"); err != nil || r != RejectWinsorizedSigmaClip {
		t.Fatalf("parse rejection: %v %v", r, err)
	}
	if _, err := ParseReduction("mode"); err == nil {
		t.Fatalf("expected error for unknown reduction")
	}
}
