// Package fit sequences the staged perfusion model estimation. The
// model itself is fit by an external variational estimator; this
// driver only derives each stage's configuration from a fixed table,
// threads the posterior belief state from one stage into the next as
// a warm start, and clips the physically invalid negative perfusion
// estimates after each run.
package fit

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/ibme-qubic/hcp-asl/pkg/runner"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// DataSource selects which image a stage fits against.
type DataSource int

const (
	// MeanData is the mean-of-repeats image, one volume per TI.
	MeanData DataSource = iota

	// FullData is the full repeated series.
	FullData
)

// Stage describes one row of the fixed fit schedule.
type Stage struct {
	Data DataSource

	// InferArterial adds the macrovascular arterial component to the
	// model.
	InferArterial bool

	// Spatial enables spatial regularization of the variational fit.
	Spatial bool
}

// Schedule is the fixed five-stage fit sequence. Transitions are
// strictly sequential and unconditional; stage i>0 is always seeded
// from stage i-1's posterior.
var Schedule = [5]Stage{
	{Data: MeanData},
	{Data: MeanData, InferArterial: true},
	{Data: FullData},
	{Data: FullData, InferArterial: true},
	{Data: FullData, InferArterial: true, Spatial: true},
}

// PosteriorName is the saved belief state each stage leaves behind for
// the next one.
const PosteriorName = "finalMVN.nii.gz"

// PerfusionName is the estimated-perfusion output thresholded after
// each stage.
const PerfusionName = "mean_ftiss.nii.gz"

// Acquisition holds the static biophysical priors passed to every
// stage.
type Acquisition struct {
	TIs           []float64
	Repeats       []int
	BolusDuration float64
	MaxIterations int
}

// Driver runs the staged fit for one data set (one hemisphere or one
// whole volume).
type Driver struct {
	Runner    runner.Runner
	Estimator string

	// DataPath is the full repeated series; MeanPath its
	// mean-of-repeats companion.
	DataPath string
	MeanPath string

	// MaskPath restricts the fit to brain voxels.
	MaskPath string

	// TimingPath is the per-voxel TI image accounting for slice-band
	// acquisition timing.
	TimingPath string

	// OutDir receives one sub-directory per stage.
	OutDir string

	Acq Acquisition
}

// StageDir returns the output directory of stage i.
func (d *Driver) StageDir(i int) string {
	return filepath.Join(d.OutDir, fmt.Sprintf("stage_%d", i))
}

// Run executes the five stages in order. A failing stage is fatal:
// its output is a hard input to the next stage, so nothing after it
// is invoked.
func (d *Driver) Run(ctx context.Context) error {
	if len(d.Acq.TIs) == 0 || len(d.Acq.TIs) != len(d.Acq.Repeats) {
		return fmt.Errorf("acquisition has %d inversion times for %d repeat counts", len(d.Acq.TIs), len(d.Acq.Repeats))
	}
	for i, stage := range Schedule {
		log.Printf("Fit stage %d/%d: %s", i+1, len(Schedule), describe(stage))
		if err := d.runStage(ctx, i, stage); err != nil {
			return fmt.Errorf("fit stage %d failed: %w", i, err)
		}
	}
	return nil
}

func (d *Driver) runStage(ctx context.Context, i int, stage Stage) error {
	outDir := d.StageDir(i)
	if err := volume.EnsureDir(outDir); err != nil {
		return err
	}

	args := d.stageArgs(i, stage)
	if _, err := d.Runner.Run(ctx, d.Estimator, args, runner.Options{}); err != nil {
		return err
	}

	// Negative perfusion is physically invalid: clip, don't discard.
	perf := filepath.Join(outDir, PerfusionName)
	img, err := volume.Load(perf)
	if err != nil {
		return fmt.Errorf("failed to load perfusion output: %w", err)
	}
	img.ClampBelow(0)
	if err := img.Save(perf); err != nil {
		return fmt.Errorf("failed to save thresholded perfusion output: %w", err)
	}
	return nil
}

// stageArgs builds the estimator flag set for one stage from the
// schedule row and the static acquisition priors.
func (d *Driver) stageArgs(i int, stage Stage) []string {
	args := []string{
		"--model=aslrest",
		"--casl",
		"--infertiss",
		"--inferbat",
		"--noise=white",
		"--save-mean",
		"--save-mvn",
		"--overwrite",
		"--allow-bad-voxels",
		"--convergence=trialmode",
		"--max-trials=10",
		fmt.Sprintf("--max-iterations=%d", d.Acq.MaxIterations),
		fmt.Sprintf("--tau=%g", d.Acq.BolusDuration),
		fmt.Sprintf("--mask=%s", d.MaskPath),
		fmt.Sprintf("--tiimg=%s", d.TimingPath),
		fmt.Sprintf("--output=%s", d.StageDir(i)),
	}

	switch stage.Data {
	case MeanData:
		args = append(args, fmt.Sprintf("--data=%s", d.MeanPath))
	case FullData:
		args = append(args, fmt.Sprintf("--data=%s", d.DataPath))
		for n, rpt := range d.Acq.Repeats {
			args = append(args, fmt.Sprintf("--rpt%d=%d", n+1, rpt))
		}
	}

	if stage.InferArterial {
		args = append(args, "--inferart")
	}

	if stage.Spatial {
		args = append(args, "--method=spatialvb")
	} else {
		args = append(args, "--method=vb")
	}

	if i > 0 {
		prev := filepath.Join(d.StageDir(i-1), PosteriorName)
		args = append(args, fmt.Sprintf("--continue-from-mvn=%s", prev))
	}
	return args
}

// WriteMeanData computes the mean-of-repeats image for the driver's
// series and saves it at MeanPath.
func (d *Driver) WriteMeanData() error {
	series, err := volume.Load(d.DataPath)
	if err != nil {
		return fmt.Errorf("failed to load series for averaging: %w", err)
	}
	mean, err := series.MeanAcrossRepeats(d.Acq.Repeats)
	if err != nil {
		return err
	}
	if err := volume.EnsureParent(d.MeanPath); err != nil {
		return err
	}
	return mean.Save(d.MeanPath)
}

func describe(s Stage) string {
	var parts []string
	if s.Data == MeanData {
		parts = append(parts, "mean data")
	} else {
		parts = append(parts, "full series")
	}
	if s.InferArterial {
		parts = append(parts, "arterial component")
	}
	if s.Spatial {
		parts = append(parts, "spatial regularization")
	}
	return strings.Join(parts, ", ")
}
