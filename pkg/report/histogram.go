package report

import (
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// HistogramBinCount matches the reference plots
const HistogramBinCount = 60

// ErrNothingToPlot is returned by SaveHistogram when no value is finite, as
// happens when every readable tile is black (log10 of 0 is -Inf).
var ErrNothingToPlot = errors.New("no finite intensity values to plot")

// HistogramBins splits the finite values into n equal-width bins over
// [min, max], the last bin closed on the right. A zero range is widened by
// 0.5 on each side. Non-finite values are ignored.
func HistogramBins(values []float64, n int) []plotter.HistogramBin {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) == 0 || n < 1 {
		return nil
	}

	lo, hi := floats.Min(finite), floats.Max(finite)
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	width := (hi - lo) / float64(n)

	bins := make([]plotter.HistogramBin, n)
	for i := range bins {
		bins[i].Min = lo + float64(i)*width
		bins[i].Max = lo + float64(i+1)*width
	}
	bins[n-1].Max = hi

	for _, v := range finite {
		i := int((v - lo) / width)
		if i >= n {
			i = n - 1
		}
		bins[i].Weight++
	}
	return bins
}

// SaveHistogram plots the log-intensity distribution with vertical lines at
// the two thresholds and writes a PNG to path
func SaveHistogram(path string, values []float64, darkTh, whiteTh float64) error {
	bins := HistogramBins(values, HistogramBinCount)
	if bins == nil {
		return ErrNothingToPlot
	}

	p := plot.New()
	p.Title.Text = "Distribution of log10-transformed median intensity values"
	p.X.Label.Text = "Median intensity value (log10)"
	p.Y.Label.Text = "Frequency"

	hist := &plotter.Histogram{
		Bins:      bins,
		Width:     bins[0].Max - bins[0].Min,
		FillColor: color.NRGBA{R: 255, A: 191},
		LineStyle: plotter.DefaultLineStyle,
	}
	p.Add(hist)

	peak := 0.0
	for _, b := range bins {
		peak = math.Max(peak, b.Weight)
	}

	for _, th := range []float64{darkTh, whiteTh} {
		if math.IsNaN(th) || math.IsInf(th, 0) {
			continue
		}
		line, err := plotter.NewLine(plotter.XYs{{X: th, Y: 0}, {X: th, Y: peak}})
		if err != nil {
			return fmt.Errorf("failed to build threshold line: %w", err)
		}
		line.LineStyle.Color = color.NRGBA{R: 31, G: 119, B: 180, A: 255}
		line.LineStyle.Width = vg.Points(1.5)
		p.Add(line)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create histogram directory: %w", err)
	}
	if err := p.Save(6.4*vg.Inch, 4.8*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save histogram: %w", err)
	}
	return nil
}
