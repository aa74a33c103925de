package resample

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
	"github.com/ibme-qubic/hcp-asl/pkg/transform"
	"github.com/ibme-qubic/hcp-asl/pkg/volume"
)

func testGrid() grid.Grid {
	return grid.NewAxisAligned([3]int{12, 12, 12}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
}

func identityChain(t *testing.T) *transform.Chain {
	t.Helper()
	ch, err := transform.NewChain(transform.Identity{})
	require.NoError(t, err)
	return ch
}

func translation(t *testing.T, dx, dy, dz float64, src, ref grid.Grid) *transform.Linear {
	t.Helper()
	m := mat.NewDense(4, 4, []float64{
		1, 0, 0, dx,
		0, 1, 0, dy,
		0, 0, 1, dz,
		0, 0, 0, 1,
	})
	l, err := transform.NewLinear(m, src, ref)
	require.NoError(t, err)
	return l
}

func TestApplyIdentityReproducesInput(t *testing.T) {
	g := testGrid()
	src := volume.New(g, 2)
	for i := range src.Data {
		src.Data[i] = float64(i % 13)
	}

	for _, order := range []int{0, 1, 3} {
		out, err := Apply(identityChain(t), src, g, Params{Order: order, Workers: 2})
		require.NoError(t, err)
		require.Equal(t, src.NT, out.NT)

		// Boundary voxels lose tap support under zero-fill; compare
		// the interior.
		for tp := 0; tp < src.NT; tp++ {
			for z := 3; z < g.Shape[2]-3; z++ {
				for y := 3; y < g.Shape[1]-3; y++ {
					for x := 3; x < g.Shape[0]-3; x++ {
						assert.InDelta(t, src.At(x, y, z, tp), out.At(x, y, z, tp), 1e-5,
							"order %d at (%d,%d,%d,%d)", order, x, y, z, tp)
					}
				}
			}
		}
	}
}

func TestApplyTranslationShiftsData(t *testing.T) {
	g := testGrid()
	src := volume.New(g, 1)
	src.Set(3, 3, 3, 0, 10)

	// A +2mm x translation moves the spike two voxels along x.
	ch, err := transform.NewChain(translation(t, 2, 0, 0, g, g))
	require.NoError(t, err)

	out, err := Apply(ch, src, g, Params{Order: 0, Workers: 1})
	require.NoError(t, err)
	assert.InDelta(t, 10, out.At(5, 3, 3, 0), 1e-9)
	assert.InDelta(t, 0, out.At(3, 3, 3, 0), 1e-9)
}

func TestApplyMotionCorrectionPerTimepoint(t *testing.T) {
	g := testGrid()
	src := volume.New(g, 2)
	src.Set(3, 3, 3, 0, 1)
	src.Set(3, 3, 3, 1, 1)

	mc, err := transform.NewMotionCorrection([]*transform.Linear{
		translation(t, 0, 0, 0, g, g),
		translation(t, 1, 0, 0, g, g),
	})
	require.NoError(t, err)
	ch, err := transform.NewChain(mc)
	require.NoError(t, err)

	out, err := Apply(ch, src, g, Params{Order: 0, Workers: 2})
	require.NoError(t, err)

	// Timepoint 0 is untouched, timepoint 1 shifts by one voxel.
	assert.InDelta(t, 1, out.At(3, 3, 3, 0), 1e-9)
	assert.InDelta(t, 1, out.At(4, 3, 3, 1), 1e-9)
	assert.InDelta(t, 0, out.At(3, 3, 3, 1), 1e-9)
}

func TestApplyRealignsShiftedSeries(t *testing.T) {
	// Five volumes, each with its spike displaced by a known amount;
	// applying the inverse displacements as a motion correction puts
	// every spike back in the same place.
	g := testGrid()
	shifts := []float64{0, 1, 2, -1, -2}
	src := volume.New(g, len(shifts))
	series := make([]*transform.Linear, len(shifts))
	for tp, s := range shifts {
		src.Set(4+int(s), 4, 3, tp, 1)
		series[tp] = translation(t, -s, 0, 0, g, g)
	}
	mc, err := transform.NewMotionCorrection(series)
	require.NoError(t, err)

	ch, err := transform.NewChain(transform.Identity{}, mc, transform.Identity{})
	require.NoError(t, err)

	out, err := Apply(ch, src, g, Params{Order: 0, Workers: 3})
	require.NoError(t, err)
	for tp := range shifts {
		assert.InDelta(t, 1, out.At(4, 4, 3, tp), 1e-9, "timepoint %d", tp)
	}
}

func TestApplyRejectsBadInputs(t *testing.T) {
	g := testGrid()
	src := volume.New(g, 2)

	_, err := Apply(identityChain(t), src, g, Params{Order: 7})
	assert.Error(t, err)

	// Chain source grid must match the image grid.
	other := grid.NewAxisAligned([3]int{4, 4, 4}, [3]float64{2, 2, 2}, [3]float64{0, 0, 0})
	ch, err := transform.NewChain(translation(t, 0, 0, 0, other, g))
	require.NoError(t, err)
	_, err = Apply(ch, src, g, Params{Order: 1})
	assert.Error(t, err)

	// Motion correction length must match the series.
	mc, err := transform.NewMotionCorrection([]*transform.Linear{
		translation(t, 0, 0, 0, g, g),
		translation(t, 0, 0, 0, g, g),
		translation(t, 0, 0, 0, g, g),
	})
	require.NoError(t, err)
	mcCh, err := transform.NewChain(mc)
	require.NoError(t, err)
	_, err = Apply(mcCh, src, g, Params{Order: 1})
	assert.Error(t, err)
}

func TestApplyWorkerCountsAgree(t *testing.T) {
	g := testGrid()
	src := volume.New(g, 5)
	for i := range src.Data {
		src.Data[i] = float64(i % 7)
	}

	ch, err := transform.NewChain(translation(t, 1, 0, 0, g, g))
	require.NoError(t, err)

	ref, err := Apply(ch, src, g, Params{Order: 3, Workers: 1})
	require.NoError(t, err)
	for _, workers := range []int{2, 4, 16} {
		out, err := Apply(ch, src, g, Params{Order: 3, Workers: workers})
		require.NoError(t, err)
		assert.Equal(t, ref.Data, out.Data, "workers=%d", workers)
	}
}

func TestApplyIntensityCorrection(t *testing.T) {
	g := testGrid()
	src := volume.New(g, 1)
	for i := range src.Data {
		src.Data[i] = 2
	}

	// A zero displacement field with intensity correction scales by
	// its unit Jacobian: values are unchanged.
	field := make([]float64, g.NumVoxels()*3)
	nl, err := transform.NewNonLinear(field, g, g, g, true, 0.01, 100)
	require.NoError(t, err)
	ch, err := transform.NewChain(nl)
	require.NoError(t, err)

	out, err := Apply(ch, src, g, Params{Order: 1, Workers: 1})
	require.NoError(t, err)
	assert.InDelta(t, 2, out.At(4, 4, 3, 0), 1e-6)
}

func TestApplyIntensityCorrectionScalesByLocalVolumeChange(t *testing.T) {
	// A warp expanding the x axis by factor 1+a spreads the signal
	// out, so conservation demands each output value shrink. For the
	// field d(x) = a*x the expected interior factor is 1-a, the local
	// volume change of the (negated) inverse warp.
	g := testGrid()
	const a = 0.2
	src := volume.New(g, 1)
	for i := range src.Data {
		src.Data[i] = 1
	}

	field := make([]float64, g.NumVoxels()*3)
	for z := 0; z < g.Shape[2]; z++ {
		for y := 0; y < g.Shape[1]; y++ {
			for x := 0; x < g.Shape[0]; x++ {
				w := g.VoxelToWorld(float64(x), float64(y), float64(z))
				field[((z*g.Shape[1]+y)*g.Shape[0]+x)*3] = a * w[0]
			}
		}
	}
	nl, err := transform.NewNonLinear(field, g, g, g, true, 0.01, 100)
	require.NoError(t, err)
	ch, err := transform.NewChain(nl)
	require.NoError(t, err)

	out, err := Apply(ch, src, g, Params{Order: 1, Workers: 1})
	require.NoError(t, err)

	// Interior values carry the 1-a factor, strictly below 1: an
	// expanding forward warp dims, it does not brighten.
	for _, vox := range [][3]int{{5, 5, 5}, {3, 6, 6}, {4, 4, 7}} {
		got := out.At(vox[0], vox[1], vox[2], 0)
		assert.InDelta(t, 1-a, got, 1e-6, "voxel %v", vox)
		assert.Less(t, got, 1.0, "voxel %v", vox)
	}
}

func TestApplyToArray(t *testing.T) {
	g := testGrid()
	data := make([]float64, g.NumVoxels())
	data[0] = 1

	out, err := ApplyToArray(identityChain(t), data, g, g, Params{Order: 0, Workers: 1})
	require.NoError(t, err)
	assert.Len(t, out, g.NumVoxels())
	assert.Equal(t, 1.0, out[0])

	_, err = ApplyToArray(identityChain(t), data[:10], g, g, Params{Order: 0})
	assert.Error(t, err)
}
