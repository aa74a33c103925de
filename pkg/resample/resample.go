// Package resample applies a transform chain to volumetric data,
// producing output on a target grid with a single interpolation pass.
// 4D series are decomposed per timepoint across a worker pool; workers
// share no mutable state, each owning a private inversion of the chain
// and a disjoint set of timepoints, so no locking is needed.
package resample

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
	"github.com/ibme-qubic/hcp-asl/pkg/transform"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// Params controls one resampling operation.
type Params struct {
	// Order is the spline interpolation degree, 0 (nearest) to 5
	// (quintic).
	Order int

	// Workers is the number of parallel workers for per-timepoint
	// decomposition; 0 means all available processing units.
	Workers int
}

// Apply resamples src, defined on the chain's source grid, onto ref by
// collapsing the chain into a per-voxel world-coordinate mapping.
// Values outside the source extent are zero-filled. Any element with
// intensity correction enabled scales output intensities by its
// clamped local Jacobian determinant, once per occurrence, in chain
// order. If any timepoint fails, the whole call fails with no partial
// result.
func Apply(ch *transform.Chain, src *volume.Volume, ref grid.Grid, p Params) (*volume.Volume, error) {
	if p.Order < 0 || p.Order > 5 {
		return nil, fmt.Errorf("interpolation order %d out of range [0, 5]", p.Order)
	}
	if cs := ch.Source(); !cs.IsZero() && !cs.SameAs(src.Grid) {
		return nil, fmt.Errorf("source image grid (shape %v) does not match chain source grid (shape %v)", src.Grid.Shape, cs.Shape)
	}
	nt, err := ch.NumTimepoints()
	if err != nil {
		return nil, err
	}
	if nt != 0 && nt != src.NT {
		return nil, fmt.Errorf("chain motion correction covers %d timepoints, series has %d", nt, src.NT)
	}

	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > src.NT {
		workers = src.NT
	}

	out := volume.New(ref, src.NT)
	perWorker := (src.NT + workers - 1) / workers

	var wg sync.WaitGroup
	errs := make([]error, workers)
	for w := 0; w < workers; w++ {
		start := w * perWorker
		end := start + perWorker
		if end > src.NT {
			end = src.NT
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			// Each worker inverts the chain for itself: the inversion
			// allocates fresh transforms, so nothing is shared.
			inv, err := ch.Inverse()
			if err != nil {
				errs[w] = err
				return
			}
			for t := start; t < end; t++ {
				if err := resampleTimepoint(inv, src, out, t, p.Order); err != nil {
					errs[w] = fmt.Errorf("failed to resample timepoint %d: %w", t, err)
					return
				}
			}
		}(w, start, end)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ApplyToArray is Apply for raw numeric volumes such as masks: the
// data carries no header, only its grid and an implied timepoint
// count from its length.
func ApplyToArray(ch *transform.Chain, data []float64, srcGrid, ref grid.Grid, p Params) ([]float64, error) {
	n := srcGrid.NumVoxels()
	if len(data)%n != 0 {
		return nil, fmt.Errorf("array length %d is not a multiple of grid size %d", len(data), n)
	}
	src := &volume.Volume{Data: data, Grid: srcGrid, NT: len(data) / n}
	out, err := Apply(ch, src, ref, p)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

// resampleTimepoint maps every output voxel of timepoint t back
// through the inverted chain and interpolates the source there.
func resampleTimepoint(inv *transform.Chain, src, out *volume.Volume, t, order int) error {
	nx, ny, nz := src.Grid.Shape[0], src.Grid.Shape[1], src.Grid.Shape[2]
	coeffs := prefilter(src.Timepoint(t), nx, ny, nz, order)

	ref := out.Grid
	dst := out.Timepoint(t)
	idx := 0
	for z := 0; z < ref.Shape[2]; z++ {
		for y := 0; y < ref.Shape[1]; y++ {
			for x := 0; x < ref.Shape[0]; x++ {
				p := ref.VoxelToWorld(float64(x), float64(y), float64(z))
				scale := 1.0
				for i := 0; i < inv.Len(); i++ {
					el := inv.At(i)
					if nl, ok := el.(*transform.NonLinear); ok && nl.IntensityCorrect {
						scale *= nl.JacobianAt(p)
					}
					p = el.MapPoint(t, p)
				}
				v := src.Grid.WorldToVoxel(p)
				dst[idx] = scale * sample(coeffs, nx, ny, nz, v[0], v[1], v[2], order)
				idx++
			}
		}
	}
	return nil
}
