// Package transform represents the geometric mappings produced by the
// correction stages of the pipeline (per-volume motion, gradient and
// echo-planar distortion, structural registration) and composes them
// into a single resampling operator. Transforms only carry parameters
// estimated elsewhere; no registration is performed here.
//
// The variants form a closed set: Identity, Linear (4x4 affine),
// NonLinear (dense displacement field) and MotionCorrection (one
// Linear per timepoint of a 4D series). Composition, inversion and
// resampling dispatch exhaustively over this set, so a new variant
// forces every consumer to be updated.
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
)

// Transform is one geometric mapping between two voxel grids. The set
// of implementations is closed; see the package comment.
type Transform interface {
	// Source is the grid the transform maps from.
	Source() grid.Grid

	// Reference is the grid the transform maps onto.
	Reference() grid.Grid

	// Inverse returns the reverse mapping.
	Inverse() (Transform, error)

	// MapPoint maps a world coordinate from source space to reference
	// space for the given timepoint. Only MotionCorrection varies
	// with t.
	MapPoint(t int, p [3]float64) [3]float64

	// sealed closes the variant set to this package.
	sealed()
}

// Identity maps any grid onto itself.
type Identity struct{}

func (Identity) Source() grid.Grid    { return grid.Grid{} }
func (Identity) Reference() grid.Grid { return grid.Grid{} }

func (id Identity) Inverse() (Transform, error) { return id, nil }

func (Identity) MapPoint(_ int, p [3]float64) [3]float64 { return p }

func (Identity) sealed() {}

// Linear is a 4x4 affine mapping world coordinates of a source grid to
// world coordinates of a reference grid. The bottom row is always
// exactly [0 0 0 1]; constructors reject anything else.
type Linear struct {
	m        *mat.Dense
	src, ref grid.Grid
}

// NewLinear builds a Linear transform, validating the matrix shape and
// bottom row. Producers importing matrices from external tools must
// apply the rounding policy before construction; by this point an
// inexact bottom row is an error.
func NewLinear(m *mat.Dense, src, ref grid.Grid) (*Linear, error) {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return nil, fmt.Errorf("linear transform must be 4x4, got %dx%d", r, c)
	}
	want := [4]float64{0, 0, 0, 1}
	for j := 0; j < 4; j++ {
		if m.At(3, j) != want[j] {
			return nil, fmt.Errorf("linear transform bottom row is not [0 0 0 1]: got %v at column %d", m.At(3, j), j)
		}
	}
	return &Linear{m: mat.DenseCopyOf(m), src: src, ref: ref}, nil
}

// Matrix returns a copy of the 4x4 matrix.
func (l *Linear) Matrix() *mat.Dense { return mat.DenseCopyOf(l.m) }

func (l *Linear) Source() grid.Grid    { return l.src }
func (l *Linear) Reference() grid.Grid { return l.ref }

// Inverse inverts the matrix and swaps the grids. A singular matrix
// yields a SingularTransformError.
func (l *Linear) Inverse() (Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(l.m); err != nil {
		return nil, &SingularTransformError{Detail: err.Error()}
	}
	// Numerical inversion can perturb the bottom row; restore it
	// exactly. The affine structure guarantees it analytically.
	inv.Set(3, 0, 0)
	inv.Set(3, 1, 0)
	inv.Set(3, 2, 0)
	inv.Set(3, 3, 1)
	return &Linear{m: &inv, src: l.ref, ref: l.src}, nil
}

func (l *Linear) MapPoint(_ int, p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = l.m.At(i, 0)*p[0] + l.m.At(i, 1)*p[1] + l.m.At(i, 2)*p[2] + l.m.At(i, 3)
	}
	return out
}

func (*Linear) sealed() {}

// NonLinear is a dense per-voxel displacement field defined on a
// reference grid. Displacements are in world units (mm). When
// IntensityCorrect is set, resampled intensities are scaled by the
// local Jacobian determinant of the warp, clamped to [JacMin, JacMax]
// to avoid blow-up at fold-over voxels.
type NonLinear struct {
	// Field holds nx*ny*nz displacement vectors, x component fastest:
	// index = ((z*ny+y)*nx+x)*3 + axis.
	Field []float64

	// FieldGrid is the grid the displacement field is sampled on.
	FieldGrid grid.Grid

	IntensityCorrect bool
	JacMin, JacMax   float64

	src, ref grid.Grid
	// negated marks an approximate inverse obtained by field negation.
	negated bool
}

// NewNonLinear builds a NonLinear transform from a displacement field.
func NewNonLinear(field []float64, fieldGrid, src, ref grid.Grid, intensityCorrect bool, jacMin, jacMax float64) (*NonLinear, error) {
	if want := fieldGrid.NumVoxels() * 3; len(field) != want {
		return nil, fmt.Errorf("displacement field has %d values, grid needs %d", len(field), want)
	}
	return &NonLinear{
		Field:            field,
		FieldGrid:        fieldGrid,
		IntensityCorrect: intensityCorrect,
		JacMin:           jacMin,
		JacMax:           jacMax,
		src:              src,
		ref:              ref,
	}, nil
}

func (n *NonLinear) Source() grid.Grid    { return n.src }
func (n *NonLinear) Reference() grid.Grid { return n.ref }

// Inverse approximates the reverse warp by negating the displacement
// field, keeping the Jacobian clamp. Exact warp inversion would
// require a fixed-point solve; for the small distortion fields this
// pipeline consumes, negation is within tolerance.
func (n *NonLinear) Inverse() (Transform, error) {
	neg := make([]float64, len(n.Field))
	for i, v := range n.Field {
		neg[i] = -v
	}
	return &NonLinear{
		Field:            neg,
		FieldGrid:        n.FieldGrid,
		IntensityCorrect: n.IntensityCorrect,
		JacMin:           n.JacMin,
		JacMax:           n.JacMax,
		src:              n.ref,
		ref:              n.src,
		negated:          !n.negated,
	}, nil
}

func (n *NonLinear) MapPoint(_ int, p [3]float64) [3]float64 {
	d := n.displacementAt(p)
	return [3]float64{p[0] + d[0], p[1] + d[1], p[2] + d[2]}
}

// displacementAt samples the field at a world coordinate with
// trilinear interpolation, zero outside the field extent.
func (n *NonLinear) displacementAt(p [3]float64) [3]float64 {
	v := n.FieldGrid.WorldToVoxel(p)
	nx, ny, nz := n.FieldGrid.Shape[0], n.FieldGrid.Shape[1], n.FieldGrid.Shape[2]

	x0, y0, z0 := int(math.Floor(v[0])), int(math.Floor(v[1])), int(math.Floor(v[2]))
	fx, fy, fz := v[0]-float64(x0), v[1]-float64(y0), v[2]-float64(z0)

	var out [3]float64
	for dz := 0; dz < 2; dz++ {
		for dy := 0; dy < 2; dy++ {
			for dx := 0; dx < 2; dx++ {
				x, y, z := x0+dx, y0+dy, z0+dz
				if x < 0 || y < 0 || z < 0 || x >= nx || y >= ny || z >= nz {
					continue
				}
				w := 1.0
				if dx == 1 {
					w *= fx
				} else {
					w *= 1 - fx
				}
				if dy == 1 {
					w *= fy
				} else {
					w *= 1 - fy
				}
				if dz == 1 {
					w *= fz
				} else {
					w *= 1 - fz
				}
				base := ((z*ny+y)*nx + x) * 3
				for a := 0; a < 3; a++ {
					out[a] += w * n.Field[base+a]
				}
			}
		}
	}
	return out
}

// JacobianAt returns the clamped local volume change of the warp at a
// world coordinate: det(I + grad(displacement)), estimated by central
// differences on the field grid.
func (n *NonLinear) JacobianAt(p [3]float64) float64 {
	var g [3][3]float64
	for axis := 0; axis < 3; axis++ {
		h := n.FieldGrid.VoxelSize[axis]
		var lo, hi [3]float64
		copy(lo[:], p[:])
		copy(hi[:], p[:])
		lo[axis] -= h
		hi[axis] += h
		dlo := n.displacementAt(lo)
		dhi := n.displacementAt(hi)
		for comp := 0; comp < 3; comp++ {
			g[comp][axis] = (dhi[comp] - dlo[comp]) / (2 * h)
		}
	}
	det := (1 + g[0][0]) * ((1+g[1][1])*(1+g[2][2]) - g[1][2]*g[2][1])
	det -= g[0][1] * (g[1][0]*(1+g[2][2]) - g[1][2]*g[2][0])
	det += g[0][2] * (g[1][0]*g[2][1] - (1+g[1][1])*g[2][0])

	if det < n.JacMin {
		det = n.JacMin
	}
	if det > n.JacMax {
		det = n.JacMax
	}
	return det
}

func (*NonLinear) sealed() {}

// MotionCorrection is an ordered series of Linear transforms, one per
// timepoint of a 4D acquisition, each aligning that volume to a common
// reference volume.
type MotionCorrection struct {
	series []*Linear
}

// NewMotionCorrection builds a MotionCorrection from a per-timepoint
// series. All elements must share source and reference grids.
func NewMotionCorrection(series []*Linear) (*MotionCorrection, error) {
	if len(series) == 0 {
		return nil, fmt.Errorf("motion correction series is empty")
	}
	for i, l := range series[1:] {
		if !l.src.SameAs(series[0].src) || !l.ref.SameAs(series[0].ref) {
			return nil, fmt.Errorf("motion correction element %d is on different grids than element 0", i+1)
		}
	}
	return &MotionCorrection{series: series}, nil
}

// Len returns the number of timepoints covered.
func (m *MotionCorrection) Len() int { return len(m.series) }

// At returns the Linear transform for timepoint t.
func (m *MotionCorrection) At(t int) *Linear { return m.series[t] }

func (m *MotionCorrection) Source() grid.Grid    { return m.series[0].src }
func (m *MotionCorrection) Reference() grid.Grid { return m.series[0].ref }

// Inverse inverts each per-timepoint transform independently; the
// series structure is preserved.
func (m *MotionCorrection) Inverse() (Transform, error) {
	inv := make([]*Linear, len(m.series))
	for i, l := range m.series {
		li, err := l.Inverse()
		if err != nil {
			return nil, fmt.Errorf("failed to invert motion correction for timepoint %d: %w", i, err)
		}
		inv[i] = li.(*Linear)
	}
	return &MotionCorrection{series: inv}, nil
}

func (m *MotionCorrection) MapPoint(t int, p [3]float64) [3]float64 {
	return m.series[t].MapPoint(t, p)
}

func (*MotionCorrection) sealed() {}
