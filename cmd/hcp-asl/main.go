package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/ibme-qubic/hcp-asl/internal/stages"
	"github.com/ibme-qubic/hcp-asl/pkg/config"
	"github.com/ibme-qubic/hcp-asl/pkg/runner"
)

func main() {
	// Parse command line arguments
	subjectDir := flag.String("subject", "", "Subject directory to process")
	seriesPath := flag.String("asl", "", "4D ASL acquisition (label-control series plus two calibration volumes)")
	structPath := flag.String("struct", "", "Structural T1w image")
	structBrain := flag.String("struct-brain", "", "Brain-extracted structural image")
	brainMask := flag.String("brain-mask", "", "Structural brain mask")
	motionMats := flag.String("moco-mats", "", "Directory of per-volume motion matrices")
	gradWarp := flag.String("grad-warp", "", "Gradient distortion warp field (optional)")
	epiWarp := flag.String("epi-warp", "", "Echo-planar distortion warp field (optional)")
	scalingFactors := flag.String("scaling-factors", "", "Per-slice banding scaling factors (optional)")
	configPath := flag.String("config", "", "YAML configuration file")
	cores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	interpOrder := flag.Int("interpolation", 3, "Spline interpolation order, 0-5")
	forceRefresh := flag.Bool("force-refresh", false, "Recompute outputs that already exist")
	noBanding := flag.Bool("no-banding", false, "Disable banding correction")
	stageList := flag.String("stages", "setup,register,correct,timing,fit,qc", "Comma-separated stages to run")
	flag.Parse()

	// Validate inputs
	if *subjectDir == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Processing.Cores = *cores
	cfg.Processing.InterpolationOrder = *interpOrder
	cfg.Processing.ForceRefresh = *forceRefresh
	if *noBanding {
		cfg.Banding.Enabled = false
	}
	if *scalingFactors != "" {
		cfg.Banding.ScalingFactors = *scalingFactors
	}

	selected := map[string]bool{}
	for _, s := range strings.Split(*stageList, ",") {
		selected[strings.TrimSpace(s)] = true
	}

	fmt.Println("================================")
	fmt.Println("HCP ASL PERFUSION PIPELINE")
	fmt.Println("Motion, distortion and registration corrected perfusion estimation")
	fmt.Println("================================")

	ctx := context.Background()
	run := &runner.Command{}
	startTime := time.Now()

	if selected["setup"] {
		fmt.Println("Stage 1: Setting up subject directory...")
		if *seriesPath == "" || *structPath == "" || *structBrain == "" || *brainMask == "" || *motionMats == "" {
			log.Fatalf("Setup requires -asl, -struct, -struct-brain, -brain-mask and -moco-mats")
		}
		in := stages.Inputs{
			Series:         *seriesPath,
			Struct:         *structPath,
			StructBrain:    *structBrain,
			BrainMask:      *brainMask,
			MotionMats:     *motionMats,
			GradWarp:       *gradWarp,
			EPIWarp:        *epiWarp,
			ScalingFactors: *scalingFactors,
		}
		if _, err := stages.Setup(*subjectDir, cfg, in); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	}

	pipeline, err := stages.New(*subjectDir, cfg, run)
	if err != nil {
		log.Fatalf("Failed to open subject: %v", err)
	}

	if selected["register"] {
		fmt.Println("Stage 2: Registering ASL frame to structural image...")
		if err := pipeline.Register(ctx); err != nil {
			log.Fatalf("Registration failed: %v", err)
		}
	}

	if selected["correct"] {
		fmt.Println("Stage 3: Applying combined corrections...")
		if err := pipeline.Correct(); err != nil {
			log.Fatalf("Correction failed: %v", err)
		}
	}

	if selected["timing"] {
		fmt.Println("Stage 4: Building slice timing image...")
		if err := pipeline.Timing(); err != nil {
			log.Fatalf("Timing image failed: %v", err)
		}
	}

	if selected["fit"] {
		fmt.Println("Stage 5: Running staged perfusion fit...")
		if err := pipeline.Fit(ctx); err != nil {
			log.Fatalf("Perfusion fit failed: %v", err)
		}
	}

	if selected["qc"] {
		fmt.Println("Stage 6: Writing quality-control report...")
		if err := pipeline.QC(); err != nil {
			log.Fatalf("QC report failed: %v", err)
		}
	}

	fmt.Printf("\nPipeline completed in %.2f seconds\n", time.Since(startTime).Seconds())
	fmt.Printf("Results under: %s/%s\n", *subjectDir, cfg.Output.Dir)
}
