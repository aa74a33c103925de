package stages

import (
	"fmt"
	"path/filepath"

	"github.com/ibme-qubic/hcp-asl/pkg/config"
	"github.com/ibme-qubic/hcp-asl/pkg/ledger"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// Inputs names the acquisition files a subject's run starts from.
// Paths are recorded in the ledger so later stage invocations need
// only the subject directory.
type Inputs struct {
	// Series is the 4D ASL acquisition, with the calibration volumes
	// appended as its last two timepoints.
	Series string

	// Struct and StructBrain are the structural image and its
	// brain-extracted companion; BrainMask the structural brain mask.
	Struct      string
	StructBrain string
	BrainMask   string

	// MotionMats is the per-timepoint matrix directory from the
	// motion estimation tool.
	MotionMats string

	// GradWarp and EPIWarp are the gradient-distortion and
	// echo-planar distortion fields; either may be empty when that
	// correction is unavailable.
	GradWarp string
	EPIWarp  string

	// ScalingFactors is the per-slice banding scaling vector; empty
	// disables banding correction regardless of config.
	ScalingFactors string
}

// Setup initialises a subject: creates the output directory tree,
// starts a fresh ledger, splits the calibration volumes out of the
// acquisition, and records every input path.
func Setup(subjectDir string, cfg *config.Config, in Inputs) (*ledger.Ledger, error) {
	outDir := filepath.Join(subjectDir, cfg.Output.Dir)
	for _, d := range []string{
		filepath.Join(outDir, "ASL", "Calib"),
		filepath.Join(outDir, "ASL", "TIs"),
		filepath.Join(outDir, "ASLT1w"),
	} {
		if err := volume.EnsureDir(d); err != nil {
			return nil, err
		}
	}

	led, err := ledger.Create(subjectDir)
	if err != nil {
		return nil, err
	}

	series, err := volume.Load(in.Series)
	if err != nil {
		return nil, fmt.Errorf("failed to load acquisition series: %w", err)
	}
	if series.NT < 3 {
		return nil, fmt.Errorf("acquisition series has %d volumes, need the label-control series plus two calibration volumes", series.NT)
	}

	// The two calibration images ride at the tail of the acquisition.
	calibPaths := [2]string{
		filepath.Join(outDir, "ASL", "Calib", "calib0.nii.gz"),
		filepath.Join(outDir, "ASL", "Calib", "calib1.nii.gz"),
	}
	for i, path := range calibPaths {
		calib, err := series.ExtractTimepoint(series.NT - 2 + i)
		if err != nil {
			return nil, err
		}
		if err := calib.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save calibration image %d: %w", i, err)
		}
	}

	entries := map[string]string{
		KeySeries:      in.Series,
		KeyCalib0:      calibPaths[0],
		KeyCalib1:      calibPaths[1],
		KeyStruct:      in.Struct,
		KeyStructBrain: in.StructBrain,
		KeyBrainMask:   in.BrainMask,
		KeyMotionMats:  in.MotionMats,
	}
	if in.GradWarp != "" {
		entries[KeyGradWarp] = in.GradWarp
	}
	if in.EPIWarp != "" {
		entries[KeyEPIWarp] = in.EPIWarp
	}
	if in.ScalingFactors != "" {
		entries[KeyScalingFactors] = in.ScalingFactors
	}
	if err := led.Put(entries); err != nil {
		return nil, err
	}
	return led, nil
}
