// Package pipeline drives the preprocessing of WSI tile directories: intensity
// filtering followed by Macenko stain normalization, with the artifacts of
// every batch written under preprocessingRes/.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wsiprep/internal/models"
	"wsiprep/pkg/intensity"
	"wsiprep/pkg/report"
	"wsiprep/pkg/stain"
	"wsiprep/pkg/tileio"
)

// Output layout below Params.OutputDir
const (
	ResultsDir     = "preprocessingRes"
	NormTilesDir   = "normTiles"
	DiscTilesDir   = "discTiles"
	JPGNormDir     = "jpgNormTiles"
	NormTilePrefix = "norm_"
)

// Params holds the batch configuration shared by every WSI of a run.
type Params struct {
	// TilesDir is the root holding one tile subdirectory per WSI
	TilesDir string

	// OutputDir receives preprocessingRes/
	OutputDir string

	// LowerPerc and UpperPerc select the dark and white intensity thresholds
	LowerPerc int
	UpperPerc int

	// Stain holds the Macenko parameters
	Stain stain.Params

	// EmitTiles also writes every normalized tile to jpgNormTiles/
	EmitTiles bool

	// NumWorkers bounds concurrent decoding and normalization within a batch
	NumWorkers int
}

// Orchestrator processes the tile directory of a single WSI at a time. It is
// safe for concurrent use; every ProcessSlide call builds its own result,
// logger and directories.
type Orchestrator struct {
	params     *Params
	normalizer *stain.Normalizer
	log        *logrus.Logger
}

// NewOrchestrator creates an orchestrator. Warnings and errors of each batch
// log are forwarded to log when it is not nil.
func NewOrchestrator(params *Params, log *logrus.Logger) *Orchestrator {
	if params.NumWorkers < 1 {
		params.NumWorkers = 1
	}
	return &Orchestrator{
		params:     params,
		normalizer: stain.NewNormalizer(params.Stain),
		log:        log,
	}
}

// SlideDirs returns the batch directories of a slide
func (o *Orchestrator) SlideDirs(slide string) (normDir, discDir, jpgDir string) {
	root := filepath.Join(o.params.OutputDir, ResultsDir)
	normDir = filepath.Join(root, NormTilesDir, slide)
	discDir = filepath.Join(root, DiscTilesDir, slide)
	jpgDir = filepath.Join(normDir, JPGNormDir)
	return normDir, discDir, jpgDir
}

// ProcessSlide filters and normalizes the tiles under TilesDir/slide.
//
// The steps are:
//  1. Validate the percentiles and locate the tile directory
//  2. Create the output directories and open the batch log
//  3. Compute the intensity profile of every tile
//  4. Copy discarded tiles to discTiles/ and normalize the kept ones
//  5. Write the histogram and the normalized tile archive
//
// tilingDuration is logged when positive. Per-tile failures are logged and
// recorded in the result; only configuration, input and output errors are
// returned. When ctx is cancelled between tiles the partial result is
// returned together with the context error.
func (o *Orchestrator) ProcessSlide(ctx context.Context, slide string, tilingDuration time.Duration) (*models.WSIBatchResult, error) {
	p := o.params

	// Step 1: Validate before touching the filesystem
	if err := models.ValidatePercentiles(p.LowerPerc, p.UpperPerc); err != nil {
		return nil, err
	}
	if err := p.Stain.Validate(); err != nil {
		return nil, err
	}
	tileDir := filepath.Join(p.TilesDir, slide)
	info, err := os.Stat(tileDir)
	if err != nil {
		return nil, models.MissingInput(tileDir, err)
	}
	if !info.IsDir() {
		return nil, models.MissingInput(tileDir, fmt.Errorf("not a directory"))
	}
	tiles, err := tileio.ListTiles(tileDir)
	if err != nil {
		return nil, models.MissingInput(tileDir, err)
	}

	// Step 2: Output directories and batch log
	normDir, discDir, jpgDir := o.SlideDirs(slide)
	dirs := []string{normDir, discDir}
	if p.EmitTiles {
		dirs = append(dirs, jpgDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	blog, err := report.OpenBatchLog(filepath.Join(normDir, slide+".log"), slide, o.log)
	if err != nil {
		return nil, err
	}
	defer blog.Close()

	result := models.NewWSIBatchResult(slide)
	result.NumTilesInit = len(tiles)

	blog.Infof("Number of tiles: %d", len(tiles))
	if tilingDuration > 0 {
		blog.Infof("Time for tiling: %s", tilingDuration.Round(time.Millisecond))
	}
	blog.Infof("Lower percentile chosen: %d", p.LowerPerc)
	blog.Infof("Upper percentile chosen: %d", p.UpperPerc)

	// Step 3: Intensity profile, a barrier before any keep decision
	start := time.Now()
	analyzer := intensity.NewAnalyzer(p.LowerPerc, p.UpperPerc, p.NumWorkers, loadTile)
	profile, err := analyzer.Profile(ctx, tiles)
	if err != nil {
		blog.WithError(err).Error("Intensity analysis failed")
		return nil, fmt.Errorf("intensity analysis of %s: %w", slide, err)
	}
	result.Profile = profile
	if profile.HasThresholds {
		blog.Infof("Dark threshold: %.4f, white threshold: %.4f", profile.DarkTh, profile.WhiteTh)
	}
	blog.Debugf("Intensity analysis took %s", time.Since(start).Round(time.Millisecond))

	// Step 4: Route every tile
	blog.Info("Start of tile preprocessing")
	kept := make([]int, 0, profile.NumKept())
	for i, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if profile.Keep[i] {
			kept = append(kept, i)
			continue
		}
		o.discard(blog, tile, profile.Errors[i], discDir)
		result.Discarded = append(result.Discarded, tile.ID)
	}
	result.NumTilesKept = len(kept)

	normalized, err := o.normalizeAll(ctx, blog, tiles, kept, jpgDir)
	for _, n := range normalized {
		if n.ID == "" {
			continue
		}
		if addErr := result.AddTile(n); addErr != nil {
			return result, addErr
		}
	}
	if err != nil {
		return result, err
	}

	failures := len(result.Failures())
	blog.Info("End of tile preprocessing")
	blog.Infof("Number of discarded tiles: %d", len(result.Discarded))
	blog.Infof("Number of tiles that failed normalization: %d", failures)
	blog.Infof("Number of tiles after preprocessing: %d", result.NumTilesAfterPreproc())

	// Step 5: Report artifacts
	if profile.HasThresholds {
		histPath := filepath.Join(normDir, "Hist_log_trans_RGB_"+slide+".png")
		err := report.SaveHistogram(histPath, profile.Values, profile.DarkTh, profile.WhiteTh)
		switch {
		case errors.Is(err, report.ErrNothingToPlot):
			blog.Warn("No finite intensity values, histogram skipped")
		case err != nil:
			return result, fmt.Errorf("failed to save histogram: %w", err)
		}
	} else {
		blog.Warn("No valid tiles, histogram skipped")
	}

	archivePath := filepath.Join(normDir, NormTilesDir+"_"+slide+report.ArchiveExt)
	if err := report.WriteArchive(archivePath, report.NewArchive(result)); err != nil {
		return result, err
	}

	return result, nil
}

// discard copies a rejected tile to discDir. A failed copy is logged only.
func (o *Orchestrator) discard(blog *report.BatchLog, tile models.Tile, cause error, discDir string) {
	entry := blog.WithField("tile", tile.ID)
	if cause != nil {
		entry.WithError(cause).Warnf("Tile %s excluded because it is unreadable", tile.ID)
	} else {
		entry.Infof("Tile %s excluded due to thresholding", tile.ID)
	}
	if err := tileio.CopyFile(tile.Path, filepath.Join(discDir, tile.ID)); err != nil {
		entry.WithError(err).Error("Failed to copy discarded tile")
	}
}

// normalizeAll runs the Macenko transform over the kept tiles on a bounded
// pool. Tiles are decoded again rather than kept from the intensity pass, so
// at most NumWorkers rasters are in memory at once whatever the slide size. The returned slice is aligned with kept; slots for tiles that were
// never started because of cancellation have an empty ID.
func (o *Orchestrator) normalizeAll(ctx context.Context, blog *report.BatchLog, tiles []models.Tile, kept []int, jpgDir string) ([]models.NormalizedTile, error) {
	out := make([]models.NormalizedTile, len(kept))

	var g errgroup.Group
	g.SetLimit(o.params.NumWorkers)
	for slot, idx := range kept {
		if ctx.Err() != nil {
			break
		}
		tile := tiles[idx]
		g.Go(func() error {
			out[slot] = o.normalizeTile(blog, tile, jpgDir)
			return nil
		})
	}
	g.Wait()

	return out, ctx.Err()
}

// normalizeTile normalizes one tile and optionally writes it to jpgDir
func (o *Orchestrator) normalizeTile(blog *report.BatchLog, tile models.Tile, jpgDir string) models.NormalizedTile {
	entry := blog.WithField("tile", tile.ID)

	src, err := tileio.Load(tile.Path)
	if err != nil {
		entry.WithError(err).Warn("Normalization failed")
		return models.NormalizedTile{ID: tile.ID, Err: err}
	}
	norm, err := o.normalizer.Normalize(src)
	if err != nil {
		err = fmt.Errorf("tile %s: %w", tile.ID, err)
		entry.WithError(err).Warn("Normalization failed")
		return models.NormalizedTile{ID: tile.ID, Err: err}
	}

	if o.params.EmitTiles {
		if err := tileio.Save(filepath.Join(jpgDir, NormTilePrefix+tile.ID), norm); err != nil {
			entry.WithError(err).Error("Failed to save normalized tile")
		}
	}
	return models.NormalizedTile{ID: tile.ID, Raster: norm}
}

func loadTile(tile models.Tile) (*models.Raster, error) {
	return tileio.Load(tile.Path)
}
