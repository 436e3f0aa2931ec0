package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"speckletrack/pkg/config"
	"speckletrack/pkg/dataset"
	"speckletrack/pkg/tracker"
	"speckletrack/pkg/visualization"
)

func main() {
	// Parse command line arguments
	inputDir := flag.String("input", "", "Directory containing detector frames")
	configPath := flag.String("config", "speckletrack.yaml", "Scan configuration file")
	outputDir := flag.String("output", "speckletrack_results", "Directory for result images")
	iterations := flag.Int("iterations", 0, "Number of update cycles (overrides config when positive)")
	window := flag.Int("window", 0, "Correlation search half-width in pixels (overrides config when positive)")
	whitefieldPath := flag.String("whitefield", "", "Measured flat-field image (default: median across frames)")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	updateTranslations := flag.Bool("update-translations", false, "Re-estimate frame translations each iteration")
	verbose := flag.Bool("verbose", false, "Log per-iteration progress")
	flag.Parse()

	// Validate inputs
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *iterations > 0 {
		cfg.Processing.Iterations = *iterations
	}
	if *window > 0 {
		cfg.Processing.SearchWindow = *window
	}
	if *updateTranslations {
		cfg.Processing.UpdateTranslations = true
	}
	if *verbose {
		cfg.Output.Verbose = true
	}
	cfg.Processing.NumCores = *numCores

	fmt.Println("================================")
	fmt.Println("SPECKLE-TRACKING WAVEFRONT RECONSTRUCTION")
	fmt.Println("================================")

	data, err := dataset.Load(*inputDir)
	if err != nil {
		log.Fatalf("Failed to load frames: %v", err)
	}
	fmt.Printf("Loaded %d frames of %dx%d pixels\n", data.Frames, data.Rows, data.Cols)

	if len(cfg.Scan.Translations) != data.Frames {
		log.Fatalf("Configuration lists %d translations for %d frames",
			len(cfg.Scan.Translations), data.Frames)
	}

	mask := dataset.RangeMask(data, cfg.Mask.MinValue, cfg.Mask.MaxValue)
	fmt.Printf("Mask keeps %d of %d pixels\n", mask.Count(), data.Rows*data.Cols)

	// Drop shutter misses before tracking.
	good := dataset.GoodFrames(data, mask)
	if len(good) < data.Frames {
		fmt.Printf("Dropping %d empty frames\n", data.Frames-len(good))
		data, cfg.Scan.Translations = dataset.SelectFrames(data, cfg.Scan.Translations, good)
	}

	tr, err := tracker.New(data, mask, cfg.Setup(), cfg.Scan.Translations, cfg.TrackerOptions())
	if err != nil {
		log.Fatalf("Failed to set up tracker: %v", err)
	}
	if *whitefieldPath != "" {
		wf, err := dataset.LoadGrid(*whitefieldPath)
		if err != nil {
			log.Fatalf("Failed to load flat-field: %v", err)
		}
		if err := tr.SetWhitefield(wf); err != nil {
			log.Fatalf("Failed to apply flat-field: %v", err)
		}
	}

	// Interrupts stop the run at the next iteration boundary.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("Starting alternating minimization...")
	startTime := time.Now()
	res, err := tr.Run(ctx)
	if err != nil {
		log.Fatalf("Tracking failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nReconstruction completed in %.2f seconds on %d cores\n",
		processingTime.Seconds(), *numCores)
	fmt.Printf("RMS pixel translation of the scan: %.3f px\n", res.InitialResidual)
	fmt.Println("\nError trajectory:")
	for k, e := range res.Errors {
		fmt.Printf("  iteration %2d: %.6g\n", k+1, e)
	}

	if err := saveResults(res, cfg, *outputDir); err != nil {
		log.Fatalf("Failed to save results: %v", err)
	}
	fmt.Printf("\nResults saved to: %s\n", *outputDir)
}

// saveResults writes the displacement map, aberrations, and optional
// intermediary images, plus the effective configuration, into outputDir.
func saveResults(res *tracker.Result[float64], cfg *config.Config, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	if err := visualization.SaveMap(res.PixelMap, filepath.Join(outputDir, "pixel_map.tif")); err != nil {
		return err
	}
	if err := visualization.SaveMap(res.Aberrations, filepath.Join(outputDir, "aberrations.tif")); err != nil {
		return err
	}
	if err := visualization.SaveGrid(res.Reference.Image, filepath.Join(outputDir, "reference.tif")); err != nil {
		return err
	}
	if cfg.Output.SaveIntermediaryResults {
		if err := visualization.SaveGrid(res.Whitefield, filepath.Join(outputDir, "whitefield.tif")); err != nil {
			return err
		}
		if err := visualization.SaveGrid(res.Reference.Hits, filepath.Join(outputDir, "reference_hits.tif")); err != nil {
			return err
		}
	}

	// Persist the effective configuration next to the results so a run can
	// be reproduced.
	return config.SaveConfig(cfg, filepath.Join(outputDir, "config.yaml"))
}
