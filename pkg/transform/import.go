package transform

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kshedden/gonpy"
	"gonum.org/v1/gonum/mat"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

// Tolerance for validating the bottom row of imported matrices.
const bottomRowTol = 1e-6

// LoadMatrix reads a whitespace-separated 4x4 matrix file as written
// by FLIRT and friends. If the bottom row is not [0 0 0 1] within
// tolerance, the whole matrix is rounded to 5 decimal places and
// validated once more; a second failure is fatal.
func LoadMatrix(path string) (*mat.Dense, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read matrix file: %w", err)
	}

	fields := strings.Fields(string(raw))
	if len(fields) != 16 {
		return nil, &MalformedTransformFileError{Path: path, Detail: fmt.Sprintf("expected 16 values, found %d", len(fields))}
	}
	vals := make([]float64, 16)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, &MalformedTransformFileError{Path: path, Detail: fmt.Sprintf("value %q is not a number", f)}
		}
		vals[i] = v
	}

	m := mat.NewDense(4, 4, vals)
	if bottomRowValid(m) {
		normaliseBottomRow(m)
		return m, nil
	}

	// One rounding-and-retry attempt, matching the documented recovery
	// path for near-degenerate matrices from external tools.
	for i := range vals {
		vals[i] = math.Round(vals[i]*1e5) / 1e5
	}
	m = mat.NewDense(4, 4, vals)
	if bottomRowValid(m) {
		normaliseBottomRow(m)
		return m, nil
	}
	return nil, &MalformedTransformFileError{
		Path:   path,
		Detail: fmt.Sprintf("bottom row %v is not [0 0 0 1], even after rounding to 5 decimal places", mat.Row(nil, 3, m)),
	}
}

func bottomRowValid(m *mat.Dense) bool {
	want := [4]float64{0, 0, 0, 1}
	for j := 0; j < 4; j++ {
		if math.Abs(m.At(3, j)-want[j]) > bottomRowTol {
			return false
		}
	}
	return true
}

func normaliseBottomRow(m *mat.Dense) {
	m.Set(3, 0, 0)
	m.Set(3, 1, 0)
	m.Set(3, 2, 0)
	m.Set(3, 3, 1)
}

// LinearFromFLIRT imports a FLIRT matrix as a world-to-world Linear
// transform between the given grids. FLIRT matrices act on scaled
// voxel coordinates, so the grids are needed to recover the world
// mapping.
func LinearFromFLIRT(path string, src, ref grid.Grid) (*Linear, error) {
	fsl, err := LoadMatrix(path)
	if err != nil {
		return nil, err
	}
	return NewLinear(grid.WorldFromFSL(fsl, src, ref), src, ref)
}

// SaveFLIRT exports a Linear transform back to FLIRT convention for
// consumption by external FSL tools.
func SaveFLIRT(l *Linear, path string) error {
	fsl := grid.FSLFromWorld(l.Matrix(), l.Source(), l.Reference())
	var b strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.8f", fsl.At(i, j))
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write matrix file: %w", err)
	}
	return nil
}

// MotionCorrectionFromMCFLIRT imports the per-timepoint matrix series
// written by MCFLIRT: a directory holding one matrix file per volume,
// ordered by filename. Each matrix maps volume i of the series onto
// the common reference volume.
func MotionCorrectionFromMCFLIRT(dir string, src, ref grid.Grid) (*MotionCorrection, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read motion correction directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no matrix files found in %s", dir)
	}
	sort.Strings(names)

	series := make([]*Linear, len(names))
	for i, name := range names {
		l, err := LinearFromFLIRT(filepath.Join(dir, name), src, ref)
		if err != nil {
			return nil, fmt.Errorf("failed to import motion correction for timepoint %d: %w", i, err)
		}
		series[i] = l
	}
	return NewMotionCorrection(series)
}

// NonLinearFromWarpField imports a dense displacement field as a
// NonLinear transform. NIfTI fields carry three component volumes in
// the fourth dimension; .npy fields hold a [nx, ny, nz, 3] float
// array. Displacements are in world units (mm).
func NonLinearFromWarpField(fieldPath string, src, ref grid.Grid, intensityCorrect bool, jacMin, jacMax float64) (*NonLinear, error) {
	if strings.HasSuffix(fieldPath, ".npy") {
		return nonLinearFromNpy(fieldPath, src, ref, intensityCorrect, jacMin, jacMax)
	}

	field, err := volume.Load(fieldPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load warp field: %w", err)
	}
	if field.NT != 3 {
		return nil, fmt.Errorf("warp field %s has %d component volumes, need 3", fieldPath, field.NT)
	}
	n := field.Grid.NumVoxels()
	disp := make([]float64, n*3)
	for a := 0; a < 3; a++ {
		comp := field.Timepoint(a)
		for i := 0; i < n; i++ {
			disp[i*3+a] = comp[i]
		}
	}
	return NewNonLinear(disp, field.Grid, src, ref, intensityCorrect, jacMin, jacMax)
}

func nonLinearFromNpy(path string, src, ref grid.Grid, intensityCorrect bool, jacMin, jacMax float64) (*NonLinear, error) {
	r, err := gonpy.NewFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open npy warp field: %w", err)
	}
	if len(r.Shape) != 4 || r.Shape[3] != 3 {
		return nil, fmt.Errorf("npy warp field %s has shape %v, need [nx ny nz 3]", path, r.Shape)
	}
	data, err := r.GetFloat64()
	if err != nil {
		return nil, fmt.Errorf("failed to read npy warp field: %w", err)
	}

	shape := [3]int{r.Shape[0], r.Shape[1], r.Shape[2]}
	if shape != ref.Shape {
		return nil, fmt.Errorf("npy warp field shape %v does not match reference grid shape %v", shape, ref.Shape)
	}
	// Numpy arrays are C-ordered (x slowest); repack to x fastest.
	disp := make([]float64, len(data))
	nx, ny, nz := shape[0], shape[1], shape[2]
	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				for a := 0; a < 3; a++ {
					disp[(((z*ny+y)*nx+x)*3)+a] = data[((x*ny+y)*nz+z)*3+a]
				}
			}
		}
	}
	return NewNonLinear(disp, ref, src, ref, intensityCorrect, jacMin, jacMax)
}

// LoadSliceFactors reads a per-slice scaling factor vector, either as
// a plaintext column or a 1D .npy array.
func LoadSliceFactors(path string) ([]float64, error) {
	if strings.HasSuffix(path, ".npy") {
		r, err := gonpy.NewFileReader(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open scaling factor file: %w", err)
		}
		if len(r.Shape) != 1 {
			return nil, fmt.Errorf("scaling factor file %s has shape %v, need a vector", path, r.Shape)
		}
		vals, err := r.GetFloat64()
		if err != nil {
			return nil, fmt.Errorf("failed to read scaling factor file: %w", err)
		}
		return vals, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scaling factor file: %w", err)
	}
	var vals []float64
	for _, f := range strings.Fields(string(raw)) {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("scaling factor %q is not a number", f)
		}
		vals = append(vals, v)
	}
	return vals, nil
}
