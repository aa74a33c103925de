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

// Timing builds the voxelwise inversion-time image for the multiband
// acquisition. Slices within a band are read out sequentially, so the
// effective TI of a voxel is the nominal TI of its block plus the
// slice's offset within the band times the per-slice readout time.
// The image is also pulled into the ASL-gridded structural frame at
// order 0 so the fit sees timing consistent with its data.
func (p *Pipeline) Timing() error {
	outDir := filepath.Join(p.SubjectDir, p.Cfg.Output.Dir)
	nativeOut := filepath.Join(outDir, "ASL", "TIs", "timing_img.nii.gz")
	structOut := filepath.Join(outDir, "ASLT1w", "TIs", "timing_img.nii.gz")

	calibPath, err := p.Led.Path(KeyCalib0)
	if err != nil {
		return err
	}
	aslGrid, err := grid.FromNifti(calibPath)
	if err != nil {
		return err
	}

	if p.needsUpdate(nativeOut) {
		log.Printf("Building slice timing image")
		timing, err := BuildTimingImage(aslGrid, p.Cfg.Acquisition.TIs,
			p.Cfg.Acquisition.SliceDT, p.Cfg.Acquisition.SliceBand)
		if err != nil {
			return err
		}
		if err := volume.EnsureParent(nativeOut); err != nil {
			return err
		}
		if err := timing.Save(nativeOut); err != nil {
			return err
		}
	}

	if p.needsUpdate(structOut) {
		if err := p.timingToStruct(nativeOut, structOut, aslGrid); err != nil {
			return err
		}
	}

	return p.Led.Put(map[string]string{
		KeyTimingImage:   nativeOut,
		KeyTimingImageT1: structOut,
	})
}

// BuildTimingImage returns a 4D image with one volume per nominal TI,
// each voxel holding that TI adjusted for its slice's position within
// the multiband group.
func BuildTimingImage(g grid.Grid, tis []float64, sliceDT float64, sliceBand int) (*volume.Volume, error) {
	if len(tis) == 0 {
		return nil, fmt.Errorf("no inversion times given")
	}
	if sliceBand <= 0 {
		return nil, fmt.Errorf("slice band must be positive, got %d", sliceBand)
	}

	timing := volume.New(g, len(tis))
	nx, ny, nz := g.Shape[0], g.Shape[1], g.Shape[2]
	for t, ti := range tis {
		for z := 0; z < nz; z++ {
			val := ti + float64(z%sliceBand)*sliceDT
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					timing.Set(x, y, z, t, val)
				}
			}
		}
	}
	return timing, nil
}

// timingToStruct pulls the timing image into the ASL-gridded
// structural frame. Order 0 keeps timepoints exact; interpolating
// inversion times would blur adjacent bands into times that were
// never acquired.
func (p *Pipeline) timingToStruct(nativePath, outPath string, aslGrid grid.Grid) error {
	structPath, err := p.Led.Path(KeyStruct)
	if err != nil {
		return err
	}
	structGrid, err := grid.FromNifti(structPath)
	if err != nil {
		return err
	}

	factor := [3]float64{}
	for i := 0; i < 3; i++ {
		factor[i] = aslGrid.VoxelSize[i] / structGrid.VoxelSize[i]
	}
	t1AslGrid := structGrid.ResizeVoxels(factor)

	matPath, err := p.Led.Path(KeyAslToStruct)
	if err != nil {
		return err
	}
	asl2struct, err := transform.LinearFromFLIRT(matPath, aslGrid, structGrid)
	if err != nil {
		return err
	}
	ch, err := transform.NewChain(asl2struct)
	if err != nil {
		return err
	}

	timing, err := volume.Load(nativePath)
	if err != nil {
		return err
	}
	out, err := resample.Apply(ch, timing, t1AslGrid, resample.Params{Order: 0, Workers: p.Cfg.Processing.Cores})
	if err != nil {
		return fmt.Errorf("failed to resample timing image: %w", err)
	}
	if err := volume.EnsureParent(outPath); err != nil {
		return err
	}
	return out.Save(outPath)
}
