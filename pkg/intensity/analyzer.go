// Package intensity filters the tiles of a WSI by their log10 median intensity.
//
// Tiles whose log median falls below the lower percentile of the batch are
// mostly dark artefacts (folds, pen marks), tiles above the upper percentile
// are mostly background glass. Both are discarded before normalization.
package intensity

import (
	"context"
	"math"

	"golang.org/x/sync/errgroup"

	"wsiprep/internal/models"
	"wsiprep/pkg/percentile"
)

// RasterLoader decodes a tile into a raster.
// It is called concurrently and must be safe for that.
type RasterLoader func(tile models.Tile) (*models.Raster, error)

// Analyzer computes intensity profiles for WSI batches.
// It keeps no state between calls, so one analyzer may serve any number
// of batches.
type Analyzer struct {
	// LowerPerc and UpperPerc are the percentiles, in [0, 100], of the dark
	// and white thresholds. LowerPerc must not exceed UpperPerc.
	LowerPerc int
	UpperPerc int

	// NumWorkers bounds how many tiles are decoded concurrently. Only one
	// raster per worker is held in memory at a time.
	NumWorkers int

	load RasterLoader
}

// NewAnalyzer creates an analyzer reading tiles with load
func NewAnalyzer(lowerPerc, upperPerc, numWorkers int, load RasterLoader) *Analyzer {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Analyzer{
		LowerPerc:  lowerPerc,
		UpperPerc:  upperPerc,
		NumWorkers: numWorkers,
		load:       load,
	}
}

// Profile computes the log10 median of every tile and the keep decision.
// Medians are computed concurrently but no threshold is derived until all of
// them are known. A tile that fails to decode gets a NaN value, is never kept
// and has its error recorded in the profile; it does not fail the batch.
func (a *Analyzer) Profile(ctx context.Context, tiles []models.Tile) (*models.IntensityProfile, error) {
	if err := models.ValidatePercentiles(a.LowerPerc, a.UpperPerc); err != nil {
		return nil, err
	}

	values := make([]float64, len(tiles))
	errs := make([]error, len(tiles))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.NumWorkers)
	for i, tile := range tiles {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := a.load(tile)
			if err != nil {
				values[i] = math.NaN()
				errs[i] = err
				return nil
			}
			values[i] = LogMedian(r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	profile, err := Analyze(values, a.LowerPerc, a.UpperPerc)
	if err != nil {
		return nil, err
	}
	profile.Errors = errs
	return profile, nil
}

// Analyze derives thresholds and the keep-mask from precomputed log medians.
// NaN entries are excluded from the percentiles and never kept.
func Analyze(values []float64, lowerPerc, upperPerc int) (*models.IntensityProfile, error) {
	if err := models.ValidatePercentiles(lowerPerc, upperPerc); err != nil {
		return nil, err
	}

	profile := &models.IntensityProfile{
		Values:    values,
		Keep:      make([]bool, len(values)),
		Errors:    make([]error, len(values)),
		LowerPerc: lowerPerc,
		UpperPerc: upperPerc,
	}

	valid := profile.ValidValues()
	if len(valid) == 0 {
		return profile, nil
	}

	profile.DarkTh, profile.WhiteTh = percentile.Pair(valid, float64(lowerPerc), float64(upperPerc), percentile.Midpoint)
	profile.HasThresholds = true

	for i, v := range values {
		profile.Keep[i] = v >= profile.DarkTh && v <= profile.WhiteTh
	}
	return profile, nil
}

// LogMedian returns log10 of the median over all samples of all channels.
// A black tile yields -Inf.
func LogMedian(r *models.Raster) float64 {
	return math.Log10(Median(r))
}

// Median returns the median of every sample in the raster. With an even
// sample count it is the mean of the two middle values.
func Median(r *models.Raster) float64 {
	n := len(r.Pix)
	if n == 0 {
		return math.NaN()
	}

	var hist [256]int
	for _, v := range r.Pix {
		hist[v]++
	}

	lowRank := (n - 1) / 2
	highRank := n / 2
	low, high := -1, -1
	seen := 0
	for v, count := range hist {
		seen += count
		if low < 0 && seen > lowRank {
			low = v
		}
		if seen > highRank {
			high = v
			break
		}
	}
	return (float64(low) + float64(high)) / 2
}
