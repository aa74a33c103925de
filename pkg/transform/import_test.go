package transform

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMatrix(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xfm.mat")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMatrix(t *testing.T) {
	path := writeMatrix(t, `1 0 0 2.5
0 1 0 -1.25
0 0 1 0
0 0 0 1
`)
	m, err := LoadMatrix(path)
	require.NoError(t, err)
	assert.Equal(t, 2.5, m.At(0, 3))
	assert.Equal(t, 1.0, m.At(3, 3))
}

func TestLoadMatrixRoundsNearDegenerateBottomRow(t *testing.T) {
	// The bottom row is off by more than the validation tolerance but
	// rounds clean at 5 decimal places.
	path := writeMatrix(t, `1 0 0 0
0 1 0 0
0 0 1 0
0.000004 0 0 1.000004
`)
	m, err := LoadMatrix(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.At(3, 0))
	assert.Equal(t, 1.0, m.At(3, 3))
}

func TestLoadMatrixRejectsDegenerateBottomRow(t *testing.T) {
	path := writeMatrix(t, `1 0 0 0
0 1 0 0
0 0 1 0
0.5 0 0 1
`)
	_, err := LoadMatrix(path)
	var malformed *MalformedTransformFileError
	assert.ErrorAs(t, err, &malformed)
}

func TestLoadMatrixRejectsWrongShapeAndGarbage(t *testing.T) {
	var malformed *MalformedTransformFileError

	_, err := LoadMatrix(writeMatrix(t, "1 2 3"))
	assert.ErrorAs(t, err, &malformed)

	_, err = LoadMatrix(writeMatrix(t, `1 0 0 0
0 1 0 0
0 0 x 0
0 0 0 1
`))
	assert.ErrorAs(t, err, &malformed)
}

func TestLinearFLIRTRoundTrip(t *testing.T) {
	src := srcGrid()
	ref := refGrid()

	path := writeMatrix(t, `1 0 0 3
0 1 0 -2
0 0 1 1.5
0 0 0 1
`)
	l, err := LinearFromFLIRT(path, src, ref)
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "exported.mat")
	require.NoError(t, SaveFLIRT(l, out))

	back, err := LinearFromFLIRT(out, src, ref)
	require.NoError(t, err)

	m, bm := l.Matrix(), back.Matrix()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, m.At(i, j), bm.At(i, j), 1e-6)
		}
	}
}

func TestMotionCorrectionFromMCFLIRT(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		content := fmt.Sprintf(`1 0 0 %d
0 1 0 0
0 0 1 0
0 0 0 1
`, i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("MAT_%04d", i)), []byte(content), 0644))
	}

	g := srcGrid()
	mc, err := MotionCorrectionFromMCFLIRT(dir, g, g)
	require.NoError(t, err)
	assert.Equal(t, 3, mc.Len())

	// Filename order decides timepoint order: translations grow with t.
	p0 := mc.MapPoint(0, [3]float64{0, 0, 0})
	p2 := mc.MapPoint(2, [3]float64{0, 0, 0})
	assert.Greater(t, math.Abs(p2[0]-p0[0]), 0.5)
}

func TestMotionCorrectionFromEmptyDir(t *testing.T) {
	g := srcGrid()
	_, err := MotionCorrectionFromMCFLIRT(t.TempDir(), g, g)
	assert.Error(t, err)
}

func TestLoadSliceFactorsPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "factors.txt")
	require.NoError(t, os.WriteFile(path, []byte("1.0\n1.1\n0.9\n"), 0644))

	vals, err := LoadSliceFactors(path)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.0, 1.1, 0.9}, vals)

	bad := filepath.Join(t.TempDir(), "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte("1.0 oops"), 0644))
	_, err = LoadSliceFactors(bad)
	assert.Error(t, err)
}
