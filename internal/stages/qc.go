package stages

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/ibme-qubic/hcp-asl/pkg/fit"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// VolumeSummary holds within-mask statistics for one image.
type VolumeSummary struct {
	Path     string  `yaml:"path"`
	Voxels   int     `yaml:"voxels"`
	Mean     float64 `yaml:"mean"`
	StdDev   float64 `yaml:"stdDev"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Negative int     `yaml:"negative"`
}

// Report is the quality-control summary written at the end of a run.
type Report struct {
	Subject   string          `yaml:"subject"`
	Perfusion VolumeSummary   `yaml:"perfusion"`
	Inputs    []VolumeSummary `yaml:"inputs"`
}

// QC summarises the run's key images within the brain mask and writes
// a report for eyeballing across subjects. Gross registration or
// estimation failures show up as implausible perfusion means or large
// negative-voxel counts.
func (p *Pipeline) QC() error {
	maskPath, err := p.Led.Path(KeyAslMask)
	if err != nil {
		return err
	}
	mask, err := volume.Load(maskPath)
	if err != nil {
		return fmt.Errorf("failed to load brain mask: %w", err)
	}

	fitDir, err := p.Led.Path(KeyFitDir)
	if err != nil {
		return err
	}
	perfPath := filepath.Join(fitDir, fmt.Sprintf("stage_%d", len(fit.Schedule)-1), fit.PerfusionName)

	report := Report{Subject: filepath.Base(p.SubjectDir)}
	report.Perfusion, err = summarise(perfPath, mask)
	if err != nil {
		return err
	}

	for _, key := range []string{KeySeriesCorr, KeyCalib0Corr} {
		path, ok := p.Led.Get(key)
		if !ok {
			continue
		}
		s, err := summarise(path, mask)
		if err != nil {
			return err
		}
		report.Inputs = append(report.Inputs, s)
	}

	out := filepath.Join(p.SubjectDir, p.Cfg.Output.Dir, "qc_report.yaml")
	data, err := yaml.Marshal(&report)
	if err != nil {
		return fmt.Errorf("failed to marshal QC report: %w", err)
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("failed to write QC report: %w", err)
	}
	log.Printf("QC report written to %s (perfusion mean %.3f)", out, report.Perfusion.Mean)
	return nil
}

// summarise computes within-mask statistics over all timepoints of one
// image. The mask and image must share a grid.
func summarise(path string, mask *volume.Volume) (VolumeSummary, error) {
	img, err := volume.Load(path)
	if err != nil {
		return VolumeSummary{}, fmt.Errorf("failed to load %s for QC: %w", path, err)
	}
	if !img.Grid.SameAs(mask.Grid) {
		return VolumeSummary{}, fmt.Errorf("QC image %s is not on the mask grid", path)
	}

	nVox := img.Grid.NumVoxels()
	var vals []float64
	negative := 0
	for t := 0; t < img.NT; t++ {
		tp := img.Timepoint(t)
		for i := 0; i < nVox; i++ {
			if mask.Data[i] == 0 {
				continue
			}
			v := tp[i]
			vals = append(vals, v)
			if v < 0 {
				negative++
			}
		}
	}

	s := VolumeSummary{Path: path, Voxels: len(vals), Negative: negative}
	if len(vals) == 0 {
		return s, nil
	}
	s.Mean = stat.Mean(vals, nil)
	s.StdDev = stat.StdDev(vals, nil)
	s.Min, s.Max = vals[0], vals[0]
	for _, v := range vals {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
	}
	return s, nil
}
