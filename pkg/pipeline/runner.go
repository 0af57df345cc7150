package pipeline

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wsiprep/internal/models"
	"wsiprep/pkg/report"
	"wsiprep/pkg/tiler"
)

// TilingRun is a started tiling job. Lines streams its merged output and
// Wait reports the exit status once the stream is drained.
type TilingRun interface {
	Lines() iter.Seq[string]
	Wait() error
}

// Generator produces the tile directories of a WSI. An empty wsi asks for
// every slide of the project.
type Generator interface {
	Start(ctx context.Context, wsi string) (TilingRun, error)
}

// QuPathGenerator adapts the QuPath tiler to Generator
type QuPathGenerator struct {
	*tiler.QuPath
}

// Start launches the tiling script for wsi
func (q QuPathGenerator) Start(ctx context.Context, wsi string) (TilingRun, error) {
	run, err := q.QuPath.Start(ctx, wsi)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// RunnerParams configures a multi-WSI run
type RunnerParams struct {
	// Slides lists the raw WSI names; empty means SlideListDir or every
	// subdirectory of TilesDir
	Slides []string

	// SlideListDir holds slidesToProcess.csv when set
	SlideListDir string

	// ConcurrentSlides bounds how many batches run at once
	ConcurrentSlides int
}

// SlideReport is the outcome of one slide of a run
type SlideReport struct {
	Slide  string
	Result *models.WSIBatchResult
	Err    error
}

// Runner tiles (optionally) and preprocesses a list of WSIs, then writes the
// summary table for the slides that succeeded.
type Runner struct {
	params    *RunnerParams
	orch      *Orchestrator
	generator Generator
	log       *logrus.Logger
}

// NewRunner creates a runner. generator may be nil when the tiles already
// exist.
func NewRunner(params *RunnerParams, orch *Orchestrator, generator Generator, log *logrus.Logger) *Runner {
	if params.ConcurrentSlides < 1 {
		params.ConcurrentSlides = 1
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{params: params, orch: orch, generator: generator, log: log}
}

// SelectSlides resolves the raw slide names of the run in order
func (r *Runner) SelectSlides() ([]string, error) {
	switch {
	case len(r.params.Slides) > 0:
		return slices.Clone(r.params.Slides), nil
	case r.params.SlideListDir != "":
		return report.ReadSlideList(r.params.SlideListDir)
	}

	entries, err := os.ReadDir(r.orch.params.TilesDir)
	if err != nil {
		return nil, models.MissingInput(r.orch.params.TilesDir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Run processes every selected slide. A failing slide is logged and does not
// stop the others. The returned reports follow slide order; the error is set
// only when no slide could be attempted or the summary cannot be written.
func (r *Runner) Run(ctx context.Context) ([]SlideReport, error) {
	// Without an explicit selection the whole project is tiled first and the
	// slides are then discovered from the tile directories
	tileEach := r.generator != nil
	var projectTiling time.Duration
	if tileEach && len(r.params.Slides) == 0 && r.params.SlideListDir == "" {
		tileEach = false
		d, err := r.tile(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("project tiling failed: %w", err)
		}
		projectTiling = d
	}

	raw, err := r.SelectSlides()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, models.MissingInput(r.orch.params.TilesDir, fmt.Errorf("no slides to process"))
	}
	r.log.Infof("Processing %d slides", len(raw))

	reports := make([]SlideReport, len(raw))

	// The tiling tool is not safe to run concurrently on one project
	var tilingMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.params.ConcurrentSlides)
	for i, wsi := range raw {
		g.Go(func() error {
			slide := report.NormalizeSlideName(wsi)
			reports[i] = SlideReport{Slide: slide}
			if err := gctx.Err(); err != nil {
				reports[i].Err = err
				return nil
			}

			tilingDuration := projectTiling
			if tileEach {
				var err error
				tilingMu.Lock()
				tilingDuration, err = r.tile(gctx, wsi)
				tilingMu.Unlock()
				if err != nil {
					r.log.WithField("slide", slide).WithError(err).Error("Tiling failed")
					reports[i].Err = err
					return nil
				}
			}

			result, err := r.orch.ProcessSlide(gctx, slide, tilingDuration)
			reports[i].Result = result
			reports[i].Err = err
			if err != nil {
				r.log.WithField("slide", slide).WithError(err).Error("Preprocessing failed")
				return nil
			}
			r.log.WithFields(logrus.Fields{
				"slide": slide,
				"init":  result.NumTilesInit,
				"kept":  result.NumTilesAfterPreproc(),
			}).Info("Slide preprocessed")
			return nil
		})
	}
	g.Wait()

	var rows []report.SummaryRow
	for _, rep := range reports {
		if rep.Err == nil && rep.Result != nil {
			rows = append(rows, report.RowFor(rep.Result))
		}
	}
	summaryPath := filepath.Join(r.orch.params.OutputDir, report.SummaryFile)
	if err := report.WriteSummary(summaryPath, rows); err != nil {
		return reports, err
	}
	r.log.Infof("Summary written to %s (%d of %d slides)", summaryPath, len(rows), len(raw))

	return reports, ctx.Err()
}

// tile runs the generator for one WSI and logs its output at debug level
func (r *Runner) tile(ctx context.Context, wsi string) (time.Duration, error) {
	start := time.Now()
	run, err := r.generator.Start(ctx, wsi)
	if err != nil {
		return 0, err
	}
	for line := range run.Lines() {
		r.log.WithField("wsi", wsi).Debug(line)
	}
	if err := run.Wait(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
