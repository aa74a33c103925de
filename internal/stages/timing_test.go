package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
)

func TestBuildTimingImage(t *testing.T) {
	g := grid.NewAxisAligned([3]int{4, 4, 12}, [3]float64{2, 2, 2}, [3]float64{0, 0, 0})
	tis := []float64{1.7, 2.2}
	sliceDT := 0.059
	sliceBand := 4

	timing, err := BuildTimingImage(g, tis, sliceDT, sliceBand)
	require.NoError(t, err)
	assert.Equal(t, 2, timing.NT)

	// Slice 0 starts each band block at the nominal TI.
	assert.InDelta(t, 1.7, timing.At(0, 0, 0, 0), 1e-12)
	assert.InDelta(t, 2.2, timing.At(0, 0, 0, 1), 1e-12)

	// Within a band the TI grows by one readout per slice.
	assert.InDelta(t, 1.7+2*sliceDT, timing.At(2, 1, 2, 0), 1e-12)

	// The next band restarts the slice offset.
	assert.InDelta(t, 1.7, timing.At(0, 0, 4, 0), 1e-12)
	assert.InDelta(t, 1.7+3*sliceDT, timing.At(0, 0, 7, 0), 1e-12)
}

func TestBuildTimingImageValidation(t *testing.T) {
	g := grid.NewAxisAligned([3]int{2, 2, 2}, [3]float64{1, 1, 1}, [3]float64{0, 0, 0})

	_, err := BuildTimingImage(g, nil, 0.05, 4)
	assert.Error(t, err)

	_, err = BuildTimingImage(g, []float64{1.7}, 0.05, 0)
	assert.Error(t, err)
}
