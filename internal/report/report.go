// Package report renders per-frame registration diagnostics as a PNG: detected star
// counts on top, mean FWHM below, dropped frames marked in red.
package report

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
)

// Frame is one row of the report.
type Frame struct {
	Name    string
	Stars   int
	FWHM    float64
	Dropped string // empty when the frame was registered
}

var (
	keptColor    = color.RGBA{R: 30, G: 90, B: 200, A: 255}
	droppedColor = color.RGBA{R: 210, G: 40, B: 40, A: 255}
)

// Write renders frames to path.
func Write(path string, frames []Frame) error {
	if len(frames) == 0 {
		return fmt.Errorf("report: no frames")
	}
	stars, err := panel("Detected stars", "Stars", frames, func(f Frame) float64 { return float64(f.Stars) })
	if err != nil {
		return err
	}
	fwhm, err := panel("Mean FWHM", "FWHM (px)", frames, func(f Frame) float64 { return f.FWHM })
	if err != nil {
		return err
	}

	width := vg.Length(6+0.15*float64(len(frames))) * vg.Inch
	img := vgimg.New(width, 8*vg.Inch)
	dc := draw.New(img)
	tiles := draw.Tiles{Rows: 2, Cols: 1, PadY: vg.Millimeter * 4}
	canvases := plot.Align([][]*plot.Plot{{stars}, {fwhm}}, tiles, dc)
	stars.Draw(canvases[0][0])
	fwhm.Draw(canvases[1][0])

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := (vgimg.PngCanvas{Canvas: img}).WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("report: encode png: %w", err)
	}
	return f.Close()
}

func panel(title, ylabel string, frames []Frame, value func(Frame) float64) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = ylabel
	p.Y.Min = 0

	kept := make(plotter.XYs, 0, len(frames))
	dropped := make(plotter.XYs, 0)
	for i, f := range frames {
		pt := plotter.XY{X: float64(i), Y: value(f)}
		if f.Dropped != "" {
			dropped = append(dropped, pt)
			continue
		}
		kept = append(kept, pt)
	}

	if len(kept) > 0 {
		line, points, err := plotter.NewLinePoints(kept)
		if err != nil {
			return nil, err
		}
		line.Color = keptColor
		line.Width = vg.Points(1)
		points.GlyphStyle.Color = keptColor
		p.Add(line, points)
		p.Legend.Add("registered", line)
	}
	if len(dropped) > 0 {
		sc, err := plotter.NewScatter(dropped)
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = droppedColor
		sc.GlyphStyle.Shape = draw.CrossGlyph{}
		sc.GlyphStyle.Radius = vg.Points(4)
		p.Add(sc)
		p.Legend.Add("dropped", sc)
	}
	p.Add(plotter.NewGrid())

	names := make([]string, len(frames))
	for i, f := range frames {
		names[i] = f.Name
	}
	if len(frames) <= 40 {
		p.NominalX(names...)
		p.X.Tick.Label.Rotation = 0.8
		p.X.Tick.Label.XAlign = draw.XRight
	}
	return p, nil
}
