package stages

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
	"github.com/ibme-qubic/hcp-asl/pkg/resample"
	"github.com/ibme-qubic/hcp-asl/pkg/transform"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// Correct composes every estimated transform into one chain per image
// and resamples into the ASL-gridded structural frame. Each image
// passes through exactly one interpolation regardless of how many
// corrections contributed: motion, gradient distortion, echo-planar
// distortion and structural registration collapse into a single
// operator.
func (p *Pipeline) Correct() error {
	outDir := filepath.Join(p.SubjectDir, p.Cfg.Output.Dir, "ASLT1w")

	seriesPath, err := p.Led.Path(KeySeries)
	if err != nil {
		return err
	}
	series, err := volume.Load(seriesPath)
	if err != nil {
		return fmt.Errorf("failed to load acquisition series: %w", err)
	}
	aslGrid := series.Grid

	structPath, err := p.Led.Path(KeyStruct)
	if err != nil {
		return err
	}
	structGrid, err := grid.FromNifti(structPath)
	if err != nil {
		return err
	}

	// ASL-gridded structural frame: structural orientation and extent,
	// ASL voxel size.
	factor := [3]float64{}
	for i := 0; i < 3; i++ {
		factor[i] = aslGrid.VoxelSize[i] / structGrid.VoxelSize[i]
	}
	t1AslGrid := structGrid.ResizeVoxels(factor)

	ch, err := p.buildSeriesChain(aslGrid, structGrid)
	if err != nil {
		return err
	}

	params := p.resampleParams()

	// Corrected series.
	seriesOut := filepath.Join(outDir, "TIs", "DistCorr", "tis_distcorr.nii.gz")
	if p.needsUpdate(seriesOut) {
		log.Printf("Resampling series into structural frame (%d workers, order %d)", params.Workers, params.Order)
		corrected, err := resample.Apply(ch, series, t1AslGrid, params)
		if err != nil {
			return fmt.Errorf("failed to resample series: %w", err)
		}
		if err := volume.EnsureParent(seriesOut); err != nil {
			return err
		}
		if err := corrected.Save(seriesOut); err != nil {
			return err
		}
	} else {
		log.Printf("Corrected series exists, skipping")
	}

	// Corrected calibration image, through the calibration frame's own
	// chain (no motion element: a single volume has no series motion).
	calibOut := filepath.Join(outDir, "Calib", "Calib0", "calib0_dcorr.nii.gz")
	if p.needsUpdate(calibOut) {
		if err := p.correctCalibration(aslGrid, structGrid, t1AslGrid, calibOut, params); err != nil {
			return err
		}
	}

	// Brain mask pulled back into the corrected frame for the fit.
	maskOut := filepath.Join(outDir, "reg", "brain_mask_aslgrid.nii.gz")
	if p.needsUpdate(maskOut) {
		if err := p.resampleMask(t1AslGrid, maskOut); err != nil {
			return err
		}
	}

	return p.Led.Put(map[string]string{
		KeySeriesCorr: seriesOut,
		KeyCalib0Corr: calibOut,
		KeyAslMask:    maskOut,
	})
}

// buildSeriesChain assembles the full correction chain for the 4D
// series: gradient distortion, echo-planar distortion, rebased motion
// correction, then structural registration.
func (p *Pipeline) buildSeriesChain(aslGrid, structGrid grid.Grid) (*transform.Chain, error) {
	var elems []transform.Transform

	if path, ok := p.Led.Get(KeyGradWarp); ok {
		gdc, err := transform.NonLinearFromWarpField(path, aslGrid, aslGrid, true, warpJacMin, warpJacMax)
		if err != nil {
			return nil, fmt.Errorf("failed to import gradient distortion warp: %w", err)
		}
		elems = append(elems, gdc)
	} else {
		elems = append(elems, transform.Identity{})
	}

	if path, ok := p.Led.Get(KeyEPIWarp); ok {
		dc, err := transform.NonLinearFromWarpField(path, aslGrid, aslGrid, true, warpJacMin, warpJacMax)
		if err != nil {
			return nil, fmt.Errorf("failed to import echo-planar distortion warp: %w", err)
		}
		elems = append(elems, dc)
	} else {
		elems = append(elems, transform.Identity{})
	}

	matsDir, err := p.Led.Path(KeyMotionMats)
	if err != nil {
		return nil, err
	}
	mc, err := transform.MotionCorrectionFromMCFLIRT(matsDir, aslGrid, aslGrid)
	if err != nil {
		return nil, err
	}

	// Rebase the motion series so every volume targets volume 0 of
	// the acquisition rather than the estimation tool's reference.
	toVol0, err := mc.At(0).Inverse()
	if err != nil {
		return nil, fmt.Errorf("failed to rebase motion correction: %w", err)
	}
	elems = append(elems, mc, toVol0)

	matPath, err := p.Led.Path(KeyAslToStruct)
	if err != nil {
		return nil, err
	}
	asl2struct, err := transform.LinearFromFLIRT(matPath, aslGrid, structGrid)
	if err != nil {
		return nil, err
	}
	elems = append(elems, asl2struct)

	return transform.NewChain(elems...)
}

// correctCalibration applies distortion and registration (but not the
// series motion) to the calibration image, with optional banding
// correction beforehand.
func (p *Pipeline) correctCalibration(aslGrid, structGrid, t1AslGrid grid.Grid, outPath string, params resample.Params) error {
	calibPath, err := p.Led.Path(KeyCalib0)
	if err != nil {
		return err
	}
	calib, err := volume.Load(calibPath)
	if err != nil {
		return fmt.Errorf("failed to load calibration image: %w", err)
	}

	if p.Cfg.Banding.Enabled {
		sfPath, ok := p.Led.Get(KeyScalingFactors)
		if !ok {
			sfPath = p.Cfg.Banding.ScalingFactors
		}
		if sfPath != "" {
			factors, err := transform.LoadSliceFactors(sfPath)
			if err != nil {
				return err
			}
			if err := calib.ScaleSlices(factors); err != nil {
				return err
			}
		}
	}

	var elems []transform.Transform
	if path, ok := p.Led.Get(KeyGradWarp); ok {
		gdc, err := transform.NonLinearFromWarpField(path, calib.Grid, calib.Grid, true, warpJacMin, warpJacMax)
		if err != nil {
			return err
		}
		elems = append(elems, gdc)
	}
	if path, ok := p.Led.Get(KeyEPIWarp); ok {
		dc, err := transform.NonLinearFromWarpField(path, calib.Grid, calib.Grid, true, warpJacMin, warpJacMax)
		if err != nil {
			return err
		}
		elems = append(elems, dc)
	}

	matPath, err := p.Led.Path(KeyAslToStruct)
	if err != nil {
		return err
	}
	asl2struct, err := transform.LinearFromFLIRT(matPath, aslGrid, structGrid)
	if err != nil {
		return err
	}
	if len(elems) == 0 {
		elems = append(elems, transform.Identity{})
	}
	elems = append(elems, asl2struct)

	ch, err := transform.NewChain(elems...)
	if err != nil {
		return err
	}

	corrected, err := resample.Apply(ch, calib, t1AslGrid, params)
	if err != nil {
		return fmt.Errorf("failed to resample calibration image: %w", err)
	}
	if err := volume.EnsureParent(outPath); err != nil {
		return err
	}
	return corrected.Save(outPath)
}

// resampleMask pulls the structural brain mask into the ASL-gridded
// frame at order 0 and re-binarises it.
func (p *Pipeline) resampleMask(t1AslGrid grid.Grid, outPath string) error {
	maskPath, err := p.Led.Path(KeyBrainMask)
	if err != nil {
		return err
	}
	mask, err := volume.Load(maskPath)
	if err != nil {
		return fmt.Errorf("failed to load brain mask: %w", err)
	}

	ch, err := transform.NewChain(transform.Identity{})
	if err != nil {
		return err
	}
	data, err := resample.ApplyToArray(ch, mask.Data, mask.Grid, t1AslGrid, resample.Params{Order: 0, Workers: p.Cfg.Processing.Cores})
	if err != nil {
		return fmt.Errorf("failed to resample brain mask: %w", err)
	}
	for i, v := range data {
		if v > 0.25 {
			data[i] = 1
		} else {
			data[i] = 0
		}
	}

	out := &volume.Volume{Data: data, Grid: t1AslGrid, NT: 1}
	if err := volume.EnsureParent(outPath); err != nil {
		return err
	}
	return out.Save(outPath)
}
