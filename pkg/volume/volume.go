// Package volume holds 3D and 4D image data in memory together with
// the grid it is defined on, and reads/writes it as NIfTI. Output
// files are written to a temporary name and renamed into place so a
// half-written file can never be mistaken for a completed stage
// output.
package volume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/KyungWonPark/nifti"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
)

// Volume is an image defined on a grid. Data is stored with x fastest,
// then y, z, and finally time: index = ((t*nz+z)*ny+y)*nx+x.
type Volume struct {
	Data []float64
	Grid grid.Grid

	// NT is the number of timepoints; 1 for a plain 3D volume.
	NT int
}

// New allocates a zero-filled volume on the given grid.
func New(g grid.Grid, nt int) *Volume {
	if nt < 1 {
		nt = 1
	}
	return &Volume{
		Data: make([]float64, g.NumVoxels()*nt),
		Grid: g,
		NT:   nt,
	}
}

// At returns the value at voxel (x,y,z) of timepoint t.
func (v *Volume) At(x, y, z, t int) float64 {
	nx, ny, nz := v.Grid.Shape[0], v.Grid.Shape[1], v.Grid.Shape[2]
	return v.Data[((t*nz+z)*ny+y)*nx+x]
}

// Set writes the value at voxel (x,y,z) of timepoint t.
func (v *Volume) Set(x, y, z, t int, val float64) {
	nx, ny, nz := v.Grid.Shape[0], v.Grid.Shape[1], v.Grid.Shape[2]
	v.Data[((t*nz+z)*ny+y)*nx+x] = val
}

// Timepoint returns the data of one timepoint as a slice aliasing the
// volume's backing array.
func (v *Volume) Timepoint(t int) []float64 {
	n := v.Grid.NumVoxels()
	return v.Data[t*n : (t+1)*n]
}

// ExtractTimepoint copies one timepoint out into a standalone 3D
// volume on the same grid.
func (v *Volume) ExtractTimepoint(t int) (*Volume, error) {
	if t < 0 || t >= v.NT {
		return nil, fmt.Errorf("timepoint %d out of range [0,%d)", t, v.NT)
	}
	out := New(v.Grid, 1)
	copy(out.Data, v.Timepoint(t))
	return out, nil
}

// Load reads a NIfTI image and its grid from disk.
func Load(path string) (*Volume, error) {
	g, err := grid.FromNifti(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read grid of %s: %w", path, err)
	}

	var hdr nifti.Nifti1Header
	hdr.LoadHeader(path)
	nt := 1
	if hdr.Dim[0] > 3 && hdr.Dim[4] > 0 {
		nt = int(hdr.Dim[4])
	}

	var img nifti.Nifti1Image
	img.LoadImage(path, true)

	v := New(g, nt)
	nx, ny, nz := g.Shape[0], g.Shape[1], g.Shape[2]
	for t := 0; t < nt; t++ {
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					v.Set(x, y, z, t, float64(img.GetAt(uint32(x), uint32(y), uint32(z), uint32(t))))
				}
			}
		}
	}
	return v, nil
}

// Save writes the volume as NIfTI carrying the grid's affine and voxel
// size. The file is written atomically.
func (v *Volume) Save(path string) error {
	nx, ny, nz := v.Grid.Shape[0], v.Grid.Shape[1], v.Grid.Shape[2]
	img := nifti.NewImg(nx, ny, nz, v.NT)
	img.SetNewHeader(v.header())

	for t := 0; t < v.NT; t++ {
		for z := 0; z < nz; z++ {
			for y := 0; y < ny; y++ {
				for x := 0; x < nx; x++ {
					img.SetAt(uint32(x), uint32(y), uint32(z), uint32(t), float32(v.At(x, y, z, t)))
				}
			}
		}
	}

	// The library appends ".gz" to the name it is given.
	tmp := path + ".part"
	img.Save(tmp)
	if err := os.Rename(tmp+".gz", path); err != nil {
		os.Remove(tmp + ".gz")
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

func (v *Volume) header() nifti.Nifti1Header {
	var hdr nifti.Nifti1Header
	hdr.SizeofHdr = 348
	// "n+1": header and data in the same file.
	hdr.Magic[0], hdr.Magic[1], hdr.Magic[2], hdr.Magic[3] = 110, 43, 49, 0
	hdr.Datatype = 16 // float32
	hdr.Bitpix = 32
	hdr.VoxOffset = 352
	hdr.SclSlope = 1
	hdr.XyztUnits = 10 // mm, seconds

	ndim := int16(3)
	if v.NT > 1 {
		ndim = 4
	}
	hdr.Dim = [8]int16{ndim, int16(v.Grid.Shape[0]), int16(v.Grid.Shape[1]), int16(v.Grid.Shape[2]), int16(v.NT), 1, 1, 1}
	hdr.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		hdr.Pixdim[i+1] = float32(v.Grid.VoxelSize[i])
	}

	hdr.SformCode = 2
	for j := 0; j < 4; j++ {
		hdr.SrowX[j] = float32(v.Grid.Affine.At(0, j))
		hdr.SrowY[j] = float32(v.Grid.Affine.At(1, j))
		hdr.SrowZ[j] = float32(v.Grid.Affine.At(2, j))
	}
	return hdr
}

// ClampBelow replaces values below the floor with the floor, in place.
// Negative perfusion estimates are physically invalid and are clipped
// rather than discarded.
func (v *Volume) ClampBelow(floor float64) {
	for i, val := range v.Data {
		if val < floor {
			v.Data[i] = floor
		}
	}
}

// MeanAcrossRepeats averages blocks of repeated volumes. The series
// must hold sum(repeats) timepoints; the result holds one mean volume
// per block, in block order.
func (v *Volume) MeanAcrossRepeats(repeats []int) (*Volume, error) {
	total := 0
	for _, r := range repeats {
		total += r
	}
	if total != v.NT {
		return nil, fmt.Errorf("series has %d volumes but repeats sum to %d", v.NT, total)
	}

	out := New(v.Grid, len(repeats))
	t0 := 0
	for b, r := range repeats {
		dst := out.Timepoint(b)
		for t := t0; t < t0+r; t++ {
			src := v.Timepoint(t)
			for i := range dst {
				dst[i] += src[i]
			}
		}
		for i := range dst {
			dst[i] /= float64(r)
		}
		t0 += r
	}
	return out, nil
}

// ScaleSlices multiplies every z slice by the matching factor, across
// all timepoints. Used for slicewise banding corrections, where the
// scaling factors were estimated once per slice of the acquisition.
func (v *Volume) ScaleSlices(factors []float64) error {
	if len(factors) != v.Grid.Shape[2] {
		return fmt.Errorf("have %d slice factors for %d slices", len(factors), v.Grid.Shape[2])
	}
	nx, ny := v.Grid.Shape[0], v.Grid.Shape[1]
	for t := 0; t < v.NT; t++ {
		vol := v.Timepoint(t)
		for z, f := range factors {
			base := z * ny * nx
			for i := base; i < base+ny*nx; i++ {
				vol[i] *= f
			}
		}
	}
	return nil
}

// Exists reports whether a path exists on disk. Stage outputs are
// existence-checked, never content-validated.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir creates a directory and its parents if missing.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParent creates the parent directory of a file path.
func EnsureParent(path string) error {
	return EnsureDir(filepath.Dir(path))
}
