package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"wsiprep/pkg/config"
	"wsiprep/pkg/pipeline"
	"wsiprep/pkg/tiler"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "YAML configuration file")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	project := flag.String("qupath", "", "QuPath project (.qpproj); enables tiling")
	shellScript := flag.String("shell-script", "", "Shell script wrapping QuPath")
	groovyScript := flag.String("groovy-script", "", "QuPath groovy tiling script")
	tilesDir := flag.String("tiles", "", "Directory holding one tile directory per WSI")
	outputDir := flag.String("output", "", "Directory receiving preprocessingRes/ and infoWSIs.csv")
	wsiListDir := flag.String("wsi-list", "", "Directory containing slidesToProcess.csv")
	slides := flag.String("slides", "", "Comma separated WSIs to process")
	lowerPerc := flag.Int("lower", 0, "Lower percentile for intensity filtering (default 10)")
	upperPerc := flag.Int("upper", 0, "Upper percentile for intensity filtering (default 90)")
	emitTiles := flag.Bool("jpg-norm-tiles", false, "Also write every normalized tile to jpgNormTiles/")
	workers := flag.Int("workers", 0, "Tiles processed concurrently per WSI (default: all cores)")
	concurrentSlides := flag.Int("concurrent-slides", 0, "WSIs processed concurrently (default 1)")
	yes := flag.Bool("y", false, "Do not ask for confirmation")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *writeConfig)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags set on the command line override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "qupath":
			cfg.Tiling.Enabled = true
			cfg.Tiling.Project = *project
		case "shell-script":
			cfg.Tiling.ShellScript = *shellScript
		case "groovy-script":
			cfg.Tiling.GroovyScript = *groovyScript
		case "tiles":
			cfg.Paths.TilesDir = *tilesDir
		case "output":
			cfg.Paths.OutputDir = *outputDir
		case "wsi-list":
			cfg.Paths.WSIListDir = *wsiListDir
		case "lower":
			cfg.Filtering.LowerPerc = *lowerPerc
		case "upper":
			cfg.Filtering.UpperPerc = *upperPerc
		case "jpg-norm-tiles":
			cfg.Output.EmitNormalizedTiles = *emitTiles
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "concurrent-slides":
			cfg.Processing.ConcurrentSlides = *concurrentSlides
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})

	if cfg.Tiling.Enabled {
		cfg.Paths.TilesDir = tiler.DefaultTilesDir(cfg.Tiling.Project, cfg.Paths.TilesDir)
		cfg.Paths.OutputDir = tiler.DefaultOutputDir(cfg.Tiling.Project, cfg.Paths.OutputDir)
	}

	logger := initLogger(cfg.Output.Verbose)

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("Invalid configuration")
		flag.Usage()
		os.Exit(1)
	}

	var slideList []string
	for _, s := range strings.Split(*slides, ",") {
		if s = strings.TrimSpace(s); s != "" {
			slideList = append(slideList, s)
		}
	}

	fmt.Println("================================")
	fmt.Println("WSI TILE PREPROCESSING: INTENSITY FILTERING AND MACENKO NORMALIZATION")
	fmt.Println("================================")
	fmt.Printf("Tiles directory:   %s\n", cfg.Paths.TilesDir)
	fmt.Printf("Output directory:  %s\n", cfg.Paths.OutputDir)
	fmt.Printf("Percentiles:       %d / %d\n", cfg.Filtering.LowerPerc, cfg.Filtering.UpperPerc)
	fmt.Printf("Macenko:           Io=%g alpha=%g beta=%g\n", cfg.Macenko.Io, cfg.Macenko.Alpha, cfg.Macenko.Beta)
	if cfg.Tiling.Enabled {
		fmt.Printf("QuPath project:    %s\n", cfg.Tiling.Project)
	}

	if !*yes && !confirm("Proceed?") {
		fmt.Println("Aborted")
		return
	}

	var generator pipeline.Generator
	if cfg.Tiling.Enabled {
		if err := tiler.PrepareScript(cfg.Tiling.GroovyScript, cfg.Paths.TilesDir, cfg.Paths.OutputDir); err != nil {
			logger.WithError(err).Fatal("Failed to prepare tiling script")
		}
		generator = pipeline.QuPathGenerator{
			QuPath: tiler.NewQuPath(cfg.Tiling.ShellScript, cfg.Tiling.Project, cfg.Tiling.GroovyScript),
		}
	}

	orch := pipeline.NewOrchestrator(&pipeline.Params{
		TilesDir:   cfg.Paths.TilesDir,
		OutputDir:  cfg.Paths.OutputDir,
		LowerPerc:  cfg.Filtering.LowerPerc,
		UpperPerc:  cfg.Filtering.UpperPerc,
		Stain:      cfg.Macenko,
		EmitTiles:  cfg.Output.EmitNormalizedTiles,
		NumWorkers: cfg.Processing.NumWorkers,
	}, logger)

	runner := pipeline.NewRunner(&pipeline.RunnerParams{
		Slides:           slideList,
		SlideListDir:     cfg.Paths.WSIListDir,
		ConcurrentSlides: cfg.Processing.ConcurrentSlides,
	}, orch, generator, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startTime := time.Now()
	reports, err := runner.Run(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Preprocessing failed")
	}

	failed := 0
	for _, rep := range reports {
		if rep.Err != nil {
			failed++
		}
	}
	fmt.Printf("\nProcessed %d slides in %.2f seconds (%d failed)\n", len(reports), time.Since(startTime).Seconds(), failed)
	if failed > 0 {
		os.Exit(2)
	}
}

// initLogger builds the process logger
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}

// confirm asks a yes/no question on stdin
func confirm(question string) bool {
	fmt.Printf("%s [y/N] ", question)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
