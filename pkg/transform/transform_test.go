package transform

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
)

func srcGrid() grid.Grid {
	return grid.NewAxisAligned([3]int{10, 10, 6}, [3]float64{2, 2, 3}, [3]float64{0, 0, 0})
}

func refGrid() grid.Grid {
	return grid.NewAxisAligned([3]int{20, 20, 12}, [3]float64{1, 1, 1.5}, [3]float64{-5, -5, -3})
}

func translation(dx, dy, dz float64, src, ref grid.Grid) *Linear {
	m := mat.NewDense(4, 4, []float64{
		1, 0, 0, dx,
		0, 1, 0, dy,
		0, 0, 1, dz,
		0, 0, 0, 1,
	})
	l, err := NewLinear(m, src, ref)
	if err != nil {
		panic(err)
	}
	return l
}

func TestNewLinearRejectsBadBottomRow(t *testing.T) {
	m := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0.001, 1,
	})
	_, err := NewLinear(m, srcGrid(), refGrid())
	assert.Error(t, err)

	_, err = NewLinear(mat.NewDense(3, 3, nil), srcGrid(), refGrid())
	assert.Error(t, err)
}

func TestLinearInverseRoundTrip(t *testing.T) {
	m := mat.NewDense(4, 4, []float64{
		0.9, 0.1, 0, 4,
		-0.1, 0.9, 0, -2,
		0, 0, 1.1, 1,
		0, 0, 0, 1,
	})
	l, err := NewLinear(m, srcGrid(), refGrid())
	require.NoError(t, err)

	inv, err := l.Inverse()
	require.NoError(t, err)

	p := [3]float64{3, -7, 12}
	back := inv.MapPoint(0, l.MapPoint(0, p))
	for i := 0; i < 3; i++ {
		assert.InDelta(t, p[i], back[i], 1e-9)
	}

	// Grids swap on inversion, bottom row stays exact.
	li := inv.(*Linear)
	assert.True(t, li.Source().SameAs(refGrid()))
	assert.True(t, li.Reference().SameAs(srcGrid()))
	im := li.Matrix()
	assert.Equal(t, 0.0, im.At(3, 0))
	assert.Equal(t, 1.0, im.At(3, 3))
}

func TestLinearSingularInverse(t *testing.T) {
	m := mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		2, 0, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	l, err := NewLinear(m, srcGrid(), refGrid())
	require.NoError(t, err)

	_, err = l.Inverse()
	var singular *SingularTransformError
	assert.ErrorAs(t, err, &singular)
}

func TestIdentityMapsPointsUnchanged(t *testing.T) {
	p := [3]float64{1, 2, 3}
	assert.Equal(t, p, Identity{}.MapPoint(5, p))

	inv, err := Identity{}.Inverse()
	require.NoError(t, err)
	assert.Equal(t, p, inv.MapPoint(0, p))
}

func TestNonLinearDisplacement(t *testing.T) {
	fg := grid.NewAxisAligned([3]int{4, 4, 4}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	field := make([]float64, fg.NumVoxels()*3)
	// Uniform displacement of +1mm along y.
	for i := 0; i < fg.NumVoxels(); i++ {
		field[i*3+1] = 1
	}
	nl, err := NewNonLinear(field, fg, fg, fg, false, 0.01, 100)
	require.NoError(t, err)

	p := nl.MapPoint(0, [3]float64{1.5, 1.5, 1.5})
	assert.InDelta(t, 1.5, p[0], 1e-9)
	assert.InDelta(t, 2.5, p[1], 1e-9)
	assert.InDelta(t, 1.5, p[2], 1e-9)

	// Uniform field has unit Jacobian away from the boundary.
	assert.InDelta(t, 1.0, nl.JacobianAt([3]float64{1.5, 1.5, 1.5}), 0.2)

	inv, err := nl.Inverse()
	require.NoError(t, err)
	back := inv.MapPoint(0, p)
	assert.InDelta(t, 1.5, back[1], 1e-9)
}

func TestNonLinearRejectsWrongFieldSize(t *testing.T) {
	fg := grid.NewAxisAligned([3]int{4, 4, 4}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})
	_, err := NewNonLinear(make([]float64, 10), fg, fg, fg, false, 0.01, 100)
	assert.Error(t, err)
}

func TestMotionCorrection(t *testing.T) {
	g := srcGrid()
	series := []*Linear{
		translation(0, 0, 0, g, g),
		translation(1, 0, 0, g, g),
		translation(0, 2, 0, g, g),
	}
	mc, err := NewMotionCorrection(series)
	require.NoError(t, err)
	assert.Equal(t, 3, mc.Len())

	p := [3]float64{5, 5, 5}
	assert.Equal(t, [3]float64{5, 5, 5}, mc.MapPoint(0, p))
	assert.Equal(t, [3]float64{6, 5, 5}, mc.MapPoint(1, p))
	assert.Equal(t, [3]float64{5, 7, 5}, mc.MapPoint(2, p))

	inv, err := mc.Inverse()
	require.NoError(t, err)
	assert.Equal(t, [3]float64{4, 5, 5}, inv.MapPoint(1, p))
}

func TestMotionCorrectionRejectsMixedGrids(t *testing.T) {
	series := []*Linear{
		translation(0, 0, 0, srcGrid(), srcGrid()),
		translation(0, 0, 0, refGrid(), refGrid()),
	}
	_, err := NewMotionCorrection(series)
	assert.Error(t, err)

	_, err = NewMotionCorrection(nil)
	assert.Error(t, err)
}

func TestChainAdjacencyCheck(t *testing.T) {
	a := translation(1, 0, 0, srcGrid(), refGrid())
	b := translation(0, 1, 0, srcGrid(), refGrid())

	// a maps onto refGrid but b starts from srcGrid.
	_, err := NewChain(a, b)
	var mismatch *GridMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.Position)

	// Identity is a wildcard and chains with anything.
	_, err = NewChain(a, Identity{})
	assert.NoError(t, err)
}

func TestChainInverseReversesOrder(t *testing.T) {
	g := srcGrid()
	a := translation(1, 0, 0, g, g)
	b := translation(0, 2, 0, g, g)

	ch, err := NewChain(a, b)
	require.NoError(t, err)

	p := [3]float64{0, 0, 0}
	fwd := ch.MapPoint(0, p)
	assert.Equal(t, [3]float64{1, 2, 0}, fwd)

	inv, err := ch.Inverse()
	require.NoError(t, err)
	back := inv.MapPoint(0, fwd)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, p[i], back[i], 1e-9)
	}
}

func TestChainInverseNonCommutingElements(t *testing.T) {
	// A rotation and a translation do not commute, so getting the
	// element order wrong in the inverse cannot cancel out.
	g := srcGrid()
	rot := mat.NewDense(4, 4, []float64{
		0, -1, 0, 0,
		1, 0, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	a, err := NewLinear(rot, g, g)
	require.NoError(t, err)
	b := translation(3, 0, 0, g, g)

	ch, err := NewChain(a, b)
	require.NoError(t, err)
	inv, err := ch.Inverse()
	require.NoError(t, err)

	ai, err := a.Inverse()
	require.NoError(t, err)
	bi, err := b.Inverse()
	require.NoError(t, err)
	want, err := NewChain(bi, ai)
	require.NoError(t, err)

	// The wrong order applied to the forward image does not return to
	// the start; the right order does.
	wrong, err := NewChain(ai, bi)
	require.NoError(t, err)

	for _, p := range [][3]float64{{1, 2, 3}, {-4, 0, 7}, {0.5, -2.5, 1}} {
		fwd := ch.MapPoint(0, p)
		for i := 0; i < 3; i++ {
			assert.InDelta(t, want.MapPoint(0, fwd)[i], inv.MapPoint(0, fwd)[i], 1e-9)
			assert.InDelta(t, p[i], inv.MapPoint(0, fwd)[i], 1e-9)
		}
		assert.Greater(t, math.Abs(p[0]-wrong.MapPoint(0, fwd)[0]), 1e-6)
	}
}

func TestChainSourceReferenceAndCompose(t *testing.T) {
	a := translation(1, 0, 0, srcGrid(), refGrid())
	ch, err := NewChain(Identity{}, a)
	require.NoError(t, err)

	assert.True(t, ch.Source().SameAs(srcGrid()))
	assert.True(t, ch.Reference().SameAs(refGrid()))

	ext, err := ch.Compose(Identity{})
	require.NoError(t, err)
	assert.Equal(t, 3, ext.Len())
	assert.Equal(t, 2, ch.Len())
}

func TestChainNumTimepoints(t *testing.T) {
	g := srcGrid()
	mc3, err := NewMotionCorrection([]*Linear{
		translation(0, 0, 0, g, g),
		translation(1, 0, 0, g, g),
		translation(2, 0, 0, g, g),
	})
	require.NoError(t, err)
	mc2, err := NewMotionCorrection([]*Linear{
		translation(0, 0, 0, g, g),
		translation(1, 0, 0, g, g),
	})
	require.NoError(t, err)

	ch, err := NewChain(Identity{}, mc3)
	require.NoError(t, err)
	n, err := ch.NumTimepoints()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	bad, err := NewChain(mc3, mc2)
	require.NoError(t, err)
	_, err = bad.NumTimepoints()
	assert.Error(t, err)
}
