// Package stages wires the correction and estimation stages of the
// pipeline together. Each stage loads the subject's ledger, checks
// whether its outputs already exist, produces its transform or image,
// and records the result back into the ledger for stages that run as
// later, separate invocations.
package stages

import (
	"github.com/ibme-qubic/hcp-asl/pkg/config"
	"github.com/ibme-qubic/hcp-asl/pkg/ledger"
	"github.com/ibme-qubic/hcp-asl/pkg/resample"
	"github.com/ibme-qubic/hcp-asl/pkg/runner"
)

// Ledger keys shared between stages.
const (
	KeySeries         = "series"
	KeyCalib0         = "calib0_img"
	KeyCalib1         = "calib1_img"
	KeyCalib0Corr     = "calib0_corr"
	KeyStruct         = "T1w_acpc"
	KeyStructBrain    = "T1w_acpc_brain"
	KeyBrainMask      = "brain_mask"
	KeyMotionMats     = "moco_mats"
	KeyGradWarp       = "gdc_warp"
	KeyEPIWarp        = "epi_warp"
	KeyAslToStruct    = "asl2struct_mat"
	KeyStructToAsl    = "struct2asl_mat"
	KeySeriesCorr     = "series_distcorr"
	KeyAslGridStruct  = "asl_grid_t1"
	KeyAslMask        = "asl_mask"
	KeyTimingImage    = "timing_img"
	KeyTimingImageT1  = "timing_img_t1"
	KeyScalingFactors = "scaling_factors"
	KeyMeanSeries     = "series_mean"
	KeyFitDir         = "fit_dir"
)

// Jacobian clamp bounds applied to every imported distortion warp.
const (
	warpJacMin = 0.01
	warpJacMax = 100
)

// Pipeline carries the state shared by every stage of one subject's
// processing run.
type Pipeline struct {
	SubjectDir string
	Cfg        *config.Config
	Led        *ledger.Ledger
	Run        runner.Runner
}

// New loads the subject's ledger and assembles a pipeline. The setup
// stage must have run first.
func New(subjectDir string, cfg *config.Config, run runner.Runner) (*Pipeline, error) {
	led, err := ledger.Load(subjectDir)
	if err != nil {
		return nil, err
	}
	return &Pipeline{SubjectDir: subjectDir, Cfg: cfg, Led: led, Run: run}, nil
}

// resampleParams builds the resampler configuration from the pipeline
// config.
func (p *Pipeline) resampleParams() resample.Params {
	return resample.Params{
		Order:   p.Cfg.Processing.InterpolationOrder,
		Workers: p.Cfg.Processing.Cores,
	}
}

// needsUpdate applies the pipeline's refresh policy to one output.
func (p *Pipeline) needsUpdate(path string) bool {
	return ledger.NeedsUpdate(path, p.Cfg.Processing.ForceRefresh)
}
