/*
Copyright © 2024 the Rastercube authors.
This file is part of Rastercube.

Rastercube is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Rastercube is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Rastercube.  If not, see <http://www.gnu.org/licenses/>.
*/

package rastercube

import (
	"math"
	"time"

	"github.com/ctessum/sparse"
)

// A MaterializedResult holds computed pixel data together with its
// axis labels. Cells that no source covered, and cells of failed
// chunks when partial results are allowed, are NaN.
type MaterializedResult struct {
	// Times labels the time axis.
	Times []time.Time

	// Bands labels the band axis.
	Bands []string

	// X and Y are the cell center coordinates of the spatial axes,
	// both ascending.
	X, Y []float64

	// Grid is the grid the data lies on.
	Grid *GridDef

	// Data holds the values with shape [time, band, y, x].
	Data *sparse.DenseArray

	// Warnings lists the chunks that were replaced with no-data
	// because their reads failed, when the computation allows
	// partial results.
	Warnings []string
}

// At returns the value at the given time, band, and cell indices.
func (r *MaterializedResult) At(ti, bi, row, col int) float64 {
	return r.Data.Get(ti, bi, row, col)
}

// Slice returns the [y, x] subarray for one time and band.
func (r *MaterializedResult) Slice(ti, bi int) *sparse.DenseArray {
	return r.Data.Subset(
		[]int{ti, bi, 0, 0},
		[]int{ti, bi, r.Grid.Ny - 1, r.Grid.Nx - 1},
	)
}

// A reduceAccum accumulates chunk results for a reduction. Partial
// results are combined commutatively, so the accumulated value does
// not depend on chunk completion order.
type reduceAccum struct {
	op    ReduceOp
	over  map[string]bool
	shape []int // output shape [time, band, y, x]

	vals   *sparse.DenseArray // running sum, max, or min
	counts *sparse.DenseArray // non-missing contributions per cell
}

func newReduceAccum(op ReduceOp, over map[string]bool, shape []int) *reduceAccum {
	return &reduceAccum{
		op:     op,
		over:   over,
		shape:  shape,
		vals:   sparse.ZerosDense(shape...),
		counts: sparse.ZerosDense(shape...),
	}
}

// add folds the chunk at (ti, bi, win) into the accumulator.
func (a *reduceAccum) add(ti, bi int, win Window, chunk *sparse.DenseArray) {
	to, bo := ti, bi
	if a.over[AxisTime] {
		to = 0
	}
	if a.over[AxisBand] {
		bo = 0
	}
	for r := 0; r < win.NRows; r++ {
		ro := win.Row0 + r
		if a.over[AxisY] {
			ro = 0
		}
		for c := 0; c < win.NCols; c++ {
			co := win.Col0 + c
			if a.over[AxisX] {
				co = 0
			}
			v := chunk.Elements[r*win.NCols+c]
			if math.IsNaN(v) {
				continue
			}
			n := a.counts.Get(to, bo, ro, co)
			switch a.op {
			case ReduceMean, ReduceSum:
				a.vals.AddVal(v, to, bo, ro, co)
			case ReduceMax:
				if n == 0 || v > a.vals.Get(to, bo, ro, co) {
					a.vals.Set(v, to, bo, ro, co)
				}
			case ReduceMin:
				if n == 0 || v < a.vals.Get(to, bo, ro, co) {
					a.vals.Set(v, to, bo, ro, co)
				}
			}
			a.counts.AddVal(1, to, bo, ro, co)
		}
	}
}

// finalize converts the accumulated partials into output values.
// Cells with no contributions are NaN, except for counts, which are
// zero.
func (a *reduceAccum) finalize() *sparse.DenseArray {
	out := sparse.ZerosDense(a.shape...)
	for i, n := range a.counts.Elements {
		switch {
		case a.op == ReduceCount:
			out.Elements[i] = n
		case n == 0:
			out.Elements[i] = math.NaN()
		case a.op == ReduceMean:
			out.Elements[i] = a.vals.Elements[i] / n
		default:
			out.Elements[i] = a.vals.Elements[i]
		}
	}
	return out
}
