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
	"fmt"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"

	"github.com/spatialmodel/rastercube/catalog"
)

// A VirtualArray is a time×band×y×x array view over a set of remote
// raster tiles. No pixel data is held; cells resolve to regions of
// source tiles (or to no-data) when the array is computed.
//
// VirtualArrays are never modified in place: transformations such as
// Select, Coarsen, BandExpr, and Reduce return new VirtualArrays
// that share the underlying sources. The pending transformations
// form a task graph that stays inert until passed to an Engine.
type VirtualArray struct {
	// Times is the sorted, deduplicated time axis.
	Times []time.Time

	// Bands is the band axis.
	Bands []string

	// Grid is the output grid defining the spatial axes.
	Grid *GridDef

	node *node
	err  error // deferred construction error, surfaced at compute time
}

// Shape returns the array dimensions as [time, band, y, x].
func (v *VirtualArray) Shape() []int {
	return []int{len(v.Times), len(v.Bands), v.Grid.Ny, v.Grid.Nx}
}

// A tileSource is one asset's contribution to a (time, band) slot of
// a VirtualArray.
type tileSource struct {
	asset *catalog.AssetDescriptor

	// bounds is the asset footprint extent in the grid's spatial
	// reference.
	bounds *geom.Bounds

	// window is the grid index window covered by the asset.
	window Window

	// toAsset transforms grid coordinates into the asset's spatial
	// reference.
	toAsset proj.Transformer
}

// timeIndex returns the index of t in the time axis, or -1.
func (v *VirtualArray) timeIndex(t time.Time) int {
	for i, vt := range v.Times {
		if vt.Equal(t) {
			return i
		}
	}
	return -1
}

// bandIndex returns the index of band b in the band axis, or -1.
func (v *VirtualArray) bandIndex(b string) int {
	for i, vb := range v.Bands {
		if vb == b {
			return i
		}
	}
	return -1
}

// derive creates a new VirtualArray that applies n on top of v.
func (v *VirtualArray) derive(times []time.Time, bands []string, grid *GridDef, n *node) *VirtualArray {
	nv := &VirtualArray{
		Times: times,
		Bands: bands,
		Grid:  grid,
		node:  n,
		err:   v.err,
	}
	n.varr = nv
	return nv
}

func (v *VirtualArray) fail(format string, args ...interface{}) *VirtualArray {
	nv := &VirtualArray{Times: v.Times, Bands: v.Bands, Grid: v.Grid, node: v.node}
	nv.err = fmt.Errorf(format, args...)
	return nv
}

// reduced reports whether v is the result of a reduction, which must
// be the final operation in a graph.
func (v *VirtualArray) reduced() bool {
	return v.node != nil && v.node.kind == opReduce
}

// A SelectSpec describes an axis subset. Zero-valued fields leave
// the corresponding axis unchanged.
type SelectSpec struct {
	// Time restricts the time axis to the given interval.
	Time catalog.TimeInterval

	// Bands restricts the band axis to the named bands, in the
	// given order.
	Bands []string

	// Bounds restricts the spatial axes to the cells covering the
	// given extent (in the grid's spatial reference).
	Bounds *geom.Bounds
}

// Select returns a view of v restricted to the requested axis
// subsets.
func (v *VirtualArray) Select(spec SelectSpec) *VirtualArray {
	if v.reduced() {
		return v.fail("rastercube: cannot transform an array that has already been reduced")
	}
	times := make([]time.Time, 0, len(v.Times))
	timeIdx := make([]int, 0, len(v.Times))
	for i, t := range v.Times {
		if spec.Time.Contains(t) {
			times = append(times, t)
			timeIdx = append(timeIdx, i)
		}
	}
	if len(times) == 0 {
		return v.fail("rastercube: time selection %v/%v matches no timestamps", spec.Time.Start, spec.Time.End)
	}
	bands := v.Bands
	bandIdx := make([]int, len(v.Bands))
	for i := range bandIdx {
		bandIdx[i] = i
	}
	if len(spec.Bands) > 0 {
		bands = spec.Bands
		bandIdx = bandIdx[:0]
		for _, b := range spec.Bands {
			j := v.bandIndex(b)
			if j < 0 {
				return v.fail("rastercube: selected band %q is not in the array", b)
			}
			bandIdx = append(bandIdx, j)
		}
	}
	grid := v.Grid
	win := Window{NRows: grid.Ny, NCols: grid.Nx}
	if spec.Bounds != nil {
		var ok bool
		win, ok = v.Grid.Window(spec.Bounds)
		if !ok {
			return v.fail("rastercube: selected bounds %+v do not overlap the grid", *spec.Bounds)
		}
		grid = v.Grid.subgrid(win)
	}
	n := &node{
		kind:    opSelect,
		parent:  v.node,
		timeIdx: timeIdx,
		bandIdx: bandIdx,
		window:  win,
	}
	return v.derive(times, bands, grid, n)
}

// Coarsen reduces the spatial resolution of v by an integer factor.
// With ResampleAverage each output cell is the mean of the non-missing
// input cells it covers; with ResampleNearest it is the input cell at
// the output cell center. Trailing rows and columns that do not fill
// a whole coarse cell are dropped.
func (v *VirtualArray) Coarsen(factor int, method Resampling) *VirtualArray {
	if v.reduced() {
		return v.fail("rastercube: cannot transform an array that has already been reduced")
	}
	if factor < 1 {
		return v.fail("rastercube: coarsening factor %d must be positive", factor)
	}
	if method == ResampleBilinear {
		return v.fail("rastercube: bilinear resampling does not apply to coarsening; use ResampleAverage or ResampleNearest")
	}
	grid := v.Grid.coarsen(factor)
	if grid.Nx == 0 || grid.Ny == 0 {
		return v.fail("rastercube: coarsening factor %d exceeds grid size %d×%d", factor, v.Grid.Ny, v.Grid.Nx)
	}
	n := &node{
		kind:     opCoarsen,
		parent:   v.node,
		factor:   factor,
		resample: method,
	}
	return v.derive(v.Times, v.Bands, grid, n)
}

// BandExpr appends a band named name computed cell-wise from the
// expression expr. Expression variables are the existing band names;
// for example
//
//	v.BandExpr("ndvi", "(nir - red) / (nir + red)")
//
// Cells where any referenced band is no-data are no-data in the
// result.
func (v *VirtualArray) BandExpr(name, expr string) *VirtualArray {
	if v.reduced() {
		return v.fail("rastercube: cannot transform an array that has already been reduced")
	}
	if v.bandIndex(name) >= 0 {
		return v.fail("rastercube: band %q already exists", name)
	}
	compiled, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return v.fail("rastercube: parsing band expression %q: %v", expr, err)
	}
	for _, ev := range compiled.Vars() {
		if v.bandIndex(ev) < 0 {
			return v.fail("rastercube: band expression %q references unknown band %q", expr, ev)
		}
	}
	bands := make([]string, len(v.Bands)+1)
	copy(bands, v.Bands)
	bands[len(v.Bands)] = name
	n := &node{
		kind:     opExpr,
		parent:   v.node,
		exprName: name,
		expr:     compiled,
		exprVars: compiled.Vars(),
	}
	return v.derive(v.Times, bands, v.Grid, n)
}

// A ReduceOp is an aggregation applied across one or more axes.
// All operations combine partial results commutatively, so the final
// value does not depend on the order chunks are processed in.
type ReduceOp int

const (
	ReduceMean ReduceOp = iota
	ReduceSum
	ReduceMax
	ReduceMin
	ReduceCount
)

func (r ReduceOp) String() string {
	switch r {
	case ReduceMean:
		return "mean"
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	case ReduceMin:
		return "min"
	case ReduceCount:
		return "count"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(r))
}

// Reduce aggregates v across the named axes ("time", "band", "y",
// "x"). Reduced axes keep length 1 in the result so that axis labels
// remain attached. Reduce must be the final transformation in a
// graph; transforming a reduced array is an error that is reported
// when the graph is computed.
func (v *VirtualArray) Reduce(how ReduceOp, axes ...string) *VirtualArray {
	if v.reduced() {
		return v.fail("rastercube: cannot transform an array that has already been reduced")
	}
	if len(axes) == 0 {
		return v.fail("rastercube: Reduce requires at least one axis")
	}
	over := make(map[string]bool)
	for _, d := range axes {
		switch d {
		case AxisTime, AxisBand, AxisY, AxisX:
			over[d] = true
		default:
			return v.fail("rastercube: unknown reduction axis %q", d)
		}
	}
	times := v.Times
	if over[AxisTime] {
		times = v.Times[:1]
	}
	bands := v.Bands
	if over[AxisBand] {
		bands = []string{how.String() + "(" + joinBands(v.Bands) + ")"}
	}
	grid := v.Grid
	if over[AxisY] || over[AxisX] {
		g := *v.Grid
		if over[AxisY] {
			g.Dy *= float64(g.Ny)
			g.Ny = 1
		}
		if over[AxisX] {
			g.Dx *= float64(g.Nx)
			g.Nx = 1
		}
		grid = &g
	}
	n := &node{
		kind:   opReduce,
		parent: v.node,
		reduce: how,
		over:   over,
	}
	return v.derive(times, bands, grid, n)
}

func joinBands(bands []string) string {
	s := ""
	for i, b := range bands {
		if i > 0 {
			s += ","
		}
		s += b
	}
	return s
}

// Graph returns the task graph rooted at v. The graph is a plain
// value: nothing is read or computed until it is passed to an
// Engine.
func (v *VirtualArray) Graph() *TaskGraph {
	return &TaskGraph{root: v.node, varr: v}
}
