// Package grid describes the voxel lattices that images and transforms
// are defined on. A Grid couples an array shape with the 4x4 affine
// mapping voxel indices to world (scanner) coordinates; two images can
// only be compared voxelwise when their grids match, and transforms
// exist precisely to move data between grids that do not.
package grid

import (
	"fmt"
	"math"

	"github.com/KyungWonPark/nifti"
	"gonum.org/v1/gonum/mat"
)

// Tolerance used when comparing grid affines and voxel sizes.
const affineTol = 1e-4

// Grid is a 3D voxel lattice plus its voxel-to-world affine.
// The time dimension of a 4D series is carried by the image, not the
// grid: all timepoints of a series share one spatial grid.
type Grid struct {
	// Shape is the number of voxels along x, y, z.
	Shape [3]int

	// VoxelSize is the physical voxel extent in mm along each axis,
	// derived from the affine's column norms.
	VoxelSize [3]float64

	// Affine maps homogeneous voxel indices to world coordinates.
	// It is a 4x4 matrix whose bottom row is [0 0 0 1].
	Affine *mat.Dense
}

// New builds a Grid from a shape and a voxel-to-world affine.
// The voxel size is derived from the affine's direction columns.
func New(shape [3]int, affine *mat.Dense) Grid {
	g := Grid{Shape: shape, Affine: mat.DenseCopyOf(affine)}
	for j := 0; j < 3; j++ {
		col := [3]float64{affine.At(0, j), affine.At(1, j), affine.At(2, j)}
		g.VoxelSize[j] = math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
	}
	return g
}

// NewAxisAligned builds a Grid with axis-aligned voxels of the given
// size and a world origin at the centre of voxel (0,0,0).
func NewAxisAligned(shape [3]int, voxelSize [3]float64, origin [3]float64) Grid {
	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		aff.Set(i, i, voxelSize[i])
		aff.Set(i, 3, origin[i])
	}
	aff.Set(3, 3, 1)
	return New(shape, aff)
}

// FromNifti reads the grid of a NIfTI image from its header. The sform
// rows are used when present; otherwise an axis-aligned affine is
// assembled from the pixel dimensions.
func FromNifti(path string) (Grid, error) {
	var hdr nifti.Nifti1Header
	hdr.LoadHeader(path)

	if hdr.Dim[0] < 3 {
		return Grid{}, fmt.Errorf("image %s is %d-dimensional, need at least 3", path, hdr.Dim[0])
	}
	shape := [3]int{int(hdr.Dim[1]), int(hdr.Dim[2]), int(hdr.Dim[3])}

	aff := mat.NewDense(4, 4, nil)
	if hdr.SformCode > 0 {
		rows := [3][4]float32{hdr.SrowX, hdr.SrowY, hdr.SrowZ}
		for i, row := range rows {
			for j, v := range row {
				aff.Set(i, j, float64(v))
			}
		}
	} else {
		for i := 0; i < 3; i++ {
			aff.Set(i, i, float64(hdr.Pixdim[i+1]))
		}
	}
	aff.Set(3, 3, 1)
	return New(shape, aff), nil
}

// NumVoxels returns the number of voxels in one 3D volume on the grid.
func (g Grid) NumVoxels() int {
	return g.Shape[0] * g.Shape[1] * g.Shape[2]
}

// IsZero reports whether the grid is unset. An unset grid acts as a
// wildcard in transform compatibility checks.
func (g Grid) IsZero() bool {
	return g.Affine == nil
}

// VoxelToWorld maps continuous voxel indices to world coordinates.
func (g Grid) VoxelToWorld(i, j, k float64) [3]float64 {
	var w [3]float64
	for r := 0; r < 3; r++ {
		w[r] = g.Affine.At(r, 0)*i + g.Affine.At(r, 1)*j + g.Affine.At(r, 2)*k + g.Affine.At(r, 3)
	}
	return w
}

// WorldToVoxel maps a world coordinate to continuous voxel indices.
// Grid affines are invertible by construction (non-zero voxel sizes),
// so no error is returned here.
func (g Grid) WorldToVoxel(p [3]float64) [3]float64 {
	inv := g.InverseAffine()
	var v [3]float64
	for r := 0; r < 3; r++ {
		v[r] = inv.At(r, 0)*p[0] + inv.At(r, 1)*p[1] + inv.At(r, 2)*p[2] + inv.At(r, 3)
	}
	return v
}

// InverseAffine returns the world-to-voxel affine.
func (g Grid) InverseAffine() *mat.Dense {
	var inv mat.Dense
	if err := inv.Inverse(g.Affine); err != nil {
		// A grid affine with orthogonal direction columns and non-zero
		// voxel sizes cannot be singular.
		panic(fmt.Sprintf("grid affine not invertible: %v", err))
	}
	return &inv
}

// SameAs reports whether two grids describe the same lattice: equal
// shapes and affines within tolerance.
func (g Grid) SameAs(o Grid) bool {
	if g.IsZero() || o.IsZero() {
		return true
	}
	if g.Shape != o.Shape {
		return false
	}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if math.Abs(g.Affine.At(i, j)-o.Affine.At(i, j)) > affineTol {
				return false
			}
		}
	}
	return true
}

// ResizeVoxels derives a grid covering the same field of view with
// voxel sizes scaled by the given per-axis factors. Used to build the
// ASL-gridded version of the structural image space.
func (g Grid) ResizeVoxels(factor [3]float64) Grid {
	shape := [3]int{}
	aff := mat.NewDense(4, 4, nil)
	aff.Set(3, 3, 1)
	for j := 0; j < 3; j++ {
		shape[j] = int(math.Ceil(float64(g.Shape[j]) / factor[j]))
		for i := 0; i < 3; i++ {
			aff.Set(i, j, g.Affine.At(i, j)*factor[j])
		}
	}
	// Shift the origin so the corner of the field of view is preserved:
	// the new voxel (0,0,0) centre sits at old indices (factor-1)/2.
	for i := 0; i < 3; i++ {
		off := g.Affine.At(i, 3)
		for j := 0; j < 3; j++ {
			off += g.Affine.At(i, j) * (factor[j] - 1) / 2
		}
		aff.Set(i, 3, off)
	}
	return New(shape, aff)
}

// FSLMatrix returns the voxel-to-FSL-space matrix for this grid. FSL
// tools express linear transforms between scaled-voxel coordinate
// systems, with the x axis flipped for grids whose affine has positive
// determinant.
func (g Grid) FSLMatrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		m.Set(i, i, g.VoxelSize[i])
	}
	m.Set(3, 3, 1)

	det := mat.Det(g.Affine)
	if det > 0 {
		flip := mat.NewDense(4, 4, []float64{
			-1, 0, 0, float64(g.Shape[0] - 1),
			0, 1, 0, 0,
			0, 0, 1, 0,
			0, 0, 0, 1,
		})
		var out mat.Dense
		out.Mul(m, flip)
		return &out
	}
	return m
}

// WorldFromFSL converts a matrix mapping srcGrid FSL coordinates to
// refGrid FSL coordinates into a world-to-world matrix.
func WorldFromFSL(fslMat *mat.Dense, src, ref Grid) *mat.Dense {
	// world = refAffine * refFSL^-1 * fslMat * srcFSL * srcAffine^-1
	var refFSLInv mat.Dense
	if err := refFSLInv.Inverse(ref.FSLMatrix()); err != nil {
		panic(fmt.Sprintf("FSL matrix not invertible: %v", err))
	}
	var out mat.Dense
	out.Mul(ref.Affine, &refFSLInv)
	out.Mul(&out, fslMat)
	out.Mul(&out, src.FSLMatrix())
	out.Mul(&out, src.InverseAffine())
	return &out
}

// FSLFromWorld is the inverse conversion of WorldFromFSL, used when
// exporting a world transform back to FSL convention.
func FSLFromWorld(world *mat.Dense, src, ref Grid) *mat.Dense {
	var refAffInv mat.Dense
	if err := refAffInv.Inverse(ref.Affine); err != nil {
		panic(fmt.Sprintf("grid affine not invertible: %v", err))
	}
	var srcFSLInv mat.Dense
	if err := srcFSLInv.Inverse(src.FSLMatrix()); err != nil {
		panic(fmt.Sprintf("FSL matrix not invertible: %v", err))
	}
	var out mat.Dense
	out.Mul(ref.FSLMatrix(), &refAffInv)
	out.Mul(&out, world)
	out.Mul(&out, src.Affine)
	out.Mul(&out, &srcFSLInv)
	return &out
}
