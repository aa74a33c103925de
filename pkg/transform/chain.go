package transform

import (
	"fmt"

	"github.com/ibme-qubic/hcp-asl/pkg/grid"
)

// Chain is an ordered composition of transforms. Chain(A, B) applies
// A's mapping first, then B's: function composition B after A.
// Composition is associative but not commutative. A chain collapses
// to a single resampling operator so that every voxel of the output
// passes through exactly one interpolation, no matter how many
// correction stages contributed to the mapping.
type Chain struct {
	elems []Transform
}

// NewChain composes transforms in application order. Adjacent
// transforms must agree on grids: the reference grid of element i must
// match the source grid of element i+1. Chains appearing among the
// arguments are flattened in place.
func NewChain(ts ...Transform) (*Chain, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("chain needs at least one transform")
	}
	elems := make([]Transform, 0, len(ts))
	for _, t := range ts {
		elems = append(elems, t)
	}
	for i := 1; i < len(elems); i++ {
		prev, cur := elems[i-1].Reference(), elems[i].Source()
		if !prev.SameAs(cur) {
			return nil, &GridMismatchError{
				Position: i,
				Detail: fmt.Sprintf("reference grid of element %d (shape %v) does not match source grid of element %d (shape %v)",
					i-1, prev.Shape, i, cur.Shape),
			}
		}
	}
	return &Chain{elems: elems}, nil
}

// Compose appends extra transforms to the end of the chain, returning
// a new chain. The original is not modified.
func (c *Chain) Compose(extra ...Transform) (*Chain, error) {
	all := make([]Transform, 0, len(c.elems)+len(extra))
	all = append(all, c.elems...)
	all = append(all, extra...)
	return NewChain(all...)
}

// Len returns the number of transforms in the chain.
func (c *Chain) Len() int { return len(c.elems) }

// At returns the i-th transform in application order.
func (c *Chain) At(i int) Transform { return c.elems[i] }

// Source returns the grid the chain maps from: the source grid of the
// first element with a concrete grid.
func (c *Chain) Source() grid.Grid {
	for _, t := range c.elems {
		if g := t.Source(); !g.IsZero() {
			return g
		}
	}
	return grid.Grid{}
}

// Reference returns the grid the chain maps onto: the reference grid
// of the last element with a concrete grid.
func (c *Chain) Reference() grid.Grid {
	for i := len(c.elems) - 1; i >= 0; i-- {
		if g := c.elems[i].Reference(); !g.IsZero() {
			return g
		}
	}
	return grid.Grid{}
}

// Inverse reverses the chain and inverts each element:
// chain(A, B).Inverse() == chain(B.Inverse(), A.Inverse()).
func (c *Chain) Inverse() (*Chain, error) {
	inv := make([]Transform, len(c.elems))
	for i, t := range c.elems {
		ti, err := t.Inverse()
		if err != nil {
			return nil, fmt.Errorf("failed to invert chain element %d: %w", i, err)
		}
		inv[len(c.elems)-1-i] = ti
	}
	return &Chain{elems: inv}, nil
}

// NumTimepoints returns the series length imposed by any
// MotionCorrection elements, or 0 if the chain is time-invariant.
// Multiple motion corrections must agree on length.
func (c *Chain) NumTimepoints() (int, error) {
	n := 0
	for i, t := range c.elems {
		mc, ok := t.(*MotionCorrection)
		if !ok {
			continue
		}
		if n != 0 && mc.Len() != n {
			return 0, fmt.Errorf("chain element %d has %d timepoints, earlier elements have %d", i, mc.Len(), n)
		}
		n = mc.Len()
	}
	return n, nil
}

// MapPoint maps a world coordinate through every element in chain
// order for the given timepoint.
func (c *Chain) MapPoint(t int, p [3]float64) [3]float64 {
	for _, el := range c.elems {
		p = el.MapPoint(t, p)
	}
	return p
}
