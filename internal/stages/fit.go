package stages

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/ibme-qubic/hcp-asl/pkg/fit"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// Fit prepares the corrected series for estimation and runs the staged
// perfusion fit. The corrected series still interleaves label and
// control volumes (with the calibration volumes at its tail), so the
// stage first forms the pairwise label-control differences, then
// computes the mean-of-repeats companion, and hands both to the fit
// driver.
func (p *Pipeline) Fit(ctx context.Context) error {
	fitDir := filepath.Join(p.SubjectDir, p.Cfg.Output.Dir, "ASLT1w", "TIs", "OxfordASL")

	seriesPath, err := p.Led.Path(KeySeriesCorr)
	if err != nil {
		return err
	}
	maskPath, err := p.Led.Path(KeyAslMask)
	if err != nil {
		return err
	}
	timingPath, err := p.Led.Path(KeyTimingImageT1)
	if err != nil {
		return err
	}

	diffPath := filepath.Join(fitDir, "diffdata.nii.gz")
	if p.needsUpdate(diffPath) {
		log.Printf("Forming label-control differences")
		if err := writeDifferenceSeries(seriesPath, diffPath, p.Cfg.Acquisition.Repeats); err != nil {
			return err
		}
	}

	driver := &fit.Driver{
		Runner:     p.Run,
		Estimator:  p.Cfg.Fit.Estimator,
		DataPath:   diffPath,
		MeanPath:   filepath.Join(fitDir, "diffdata_mean.nii.gz"),
		MaskPath:   maskPath,
		TimingPath: timingPath,
		OutDir:     fitDir,
		Acq: fit.Acquisition{
			TIs:           p.Cfg.Acquisition.TIs,
			Repeats:       p.Cfg.Acquisition.Repeats,
			BolusDuration: p.Cfg.Acquisition.BolusDuration,
			MaxIterations: p.Cfg.Fit.MaxIterations,
		},
	}

	if p.needsUpdate(driver.MeanPath) {
		if err := driver.WriteMeanData(); err != nil {
			return err
		}
	}

	finalPerf := filepath.Join(driver.StageDir(len(fit.Schedule)-1), fit.PerfusionName)
	if p.needsUpdate(finalPerf) {
		if err := driver.Run(ctx); err != nil {
			return err
		}
	} else {
		log.Printf("Final fit output exists, skipping estimation")
	}

	return p.Led.Put(map[string]string{
		KeyFitDir:     fitDir,
		KeyMeanSeries: driver.MeanPath,
	})
}

// writeDifferenceSeries subtracts each label volume from its paired
// control volume, producing one difference per repeat. Any volumes
// beyond the tag-control block (the appended calibration images) are
// dropped.
func writeDifferenceSeries(seriesPath, outPath string, repeats []int) error {
	series, err := volume.Load(seriesPath)
	if err != nil {
		return fmt.Errorf("failed to load corrected series: %w", err)
	}

	nDiff := 0
	for _, r := range repeats {
		nDiff += r
	}
	if series.NT < 2*nDiff {
		return fmt.Errorf("corrected series has %d volumes, need %d label-control pairs", series.NT, nDiff)
	}

	diff := volume.New(series.Grid, nDiff)
	nVox := series.Grid.NumVoxels()
	for t := 0; t < nDiff; t++ {
		label := series.Timepoint(2 * t)
		control := series.Timepoint(2*t + 1)
		out := diff.Timepoint(t)
		for i := 0; i < nVox; i++ {
			out[i] = control[i] - label[i]
		}
	}

	if err := volume.EnsureParent(outPath); err != nil {
		return err
	}
	return diff.Save(outPath)
}
