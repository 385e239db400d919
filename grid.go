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

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
)

// GridDef specifies the regular output grid that tiles are
// composited onto. Row 0, column 0 is the lower-left (southwest)
// cell, so both spatial coordinate axes ascend with their indices.
type GridDef struct {
	Nx, Ny int
	Dx, Dy float64 // cell edge lengths in the units of SR
	X0, Y0 float64 // lower left corner
	SR     *proj.SR
	Proj   string // Proj4 representation of SR
}

// NewGridRegular creates a new regular grid where all cells are the
// same size.
func NewGridRegular(nx, ny int, dx, dy, x0, y0 float64, srs string) (*GridDef, error) {
	sr, err := proj.Parse(srs)
	if err != nil {
		return nil, err
	}
	return &GridDef{
		Nx: nx, Ny: ny,
		Dx: dx, Dy: dy,
		X0: x0, Y0: y0,
		SR:   sr,
		Proj: srs,
	}, nil
}

// Bounds returns the spatial extent of the grid.
func (g *GridDef) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: g.X0, Y: g.Y0},
		Max: geom.Point{
			X: g.X0 + g.Dx*float64(g.Nx),
			Y: g.Y0 + g.Dy*float64(g.Ny),
		},
	}
}

// Extent returns the grid extent as a polygon.
func (g *GridDef) Extent() geom.Polygon {
	b := g.Bounds()
	return geom.Polygon{{
		{X: b.Min.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Min.Y},
		{X: b.Max.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Max.Y},
		{X: b.Min.X, Y: b.Min.Y},
	}}
}

// CellCenter returns the center coordinates of cell (row, col).
func (g *GridDef) CellCenter(row, col int) geom.Point {
	return geom.Point{
		X: g.X0 + (float64(col)+0.5)*g.Dx,
		Y: g.Y0 + (float64(row)+0.5)*g.Dy,
	}
}

// CellPolygon returns the outline of cell (row, col).
func (g *GridDef) CellPolygon(row, col int) geom.Polygon {
	x := g.X0 + float64(col)*g.Dx
	y := g.Y0 + float64(row)*g.Dy
	return geom.Polygon{{
		{X: x, Y: y}, {X: x + g.Dx, Y: y},
		{X: x + g.Dx, Y: y + g.Dy}, {X: x, Y: y + g.Dy}, {X: x, Y: y},
	}}
}

// CellCenters returns the x and y coordinate axes of the grid cell
// centers. Both axes are strictly increasing.
func (g *GridDef) CellCenters() (x, y []float64) {
	x = make([]float64, g.Nx)
	for i := range x {
		x[i] = g.X0 + (float64(i)+0.5)*g.Dx
	}
	y = make([]float64, g.Ny)
	for i := range y {
		y[i] = g.Y0 + (float64(i)+0.5)*g.Dy
	}
	return x, y
}

// A Window is a rectangular index range within a grid. Row0 and Col0
// are inclusive lower bounds; the window covers NRows×NCols cells.
type Window struct {
	Row0, Col0   int
	NRows, NCols int
}

// Intersect clips w to ow, returning the overlapping window and
// whether any overlap exists.
func (w Window) Intersect(ow Window) (Window, bool) {
	r0 := max(w.Row0, ow.Row0)
	c0 := max(w.Col0, ow.Col0)
	r1 := min(w.Row0+w.NRows, ow.Row0+ow.NRows)
	c1 := min(w.Col0+w.NCols, ow.Col0+ow.NCols)
	if r1 <= r0 || c1 <= c0 {
		return Window{}, false
	}
	return Window{Row0: r0, Col0: c0, NRows: r1 - r0, NCols: c1 - c0}, true
}

// Window returns the smallest index window covering b, clipped to
// the grid. The second return is false if b does not overlap the
// grid at all.
func (g *GridDef) Window(b *geom.Bounds) (Window, bool) {
	c0 := int(math.Floor((b.Min.X - g.X0) / g.Dx))
	r0 := int(math.Floor((b.Min.Y - g.Y0) / g.Dy))
	c1 := int(math.Ceil((b.Max.X - g.X0) / g.Dx))
	r1 := int(math.Ceil((b.Max.Y - g.Y0) / g.Dy))
	if c0 < 0 {
		c0 = 0
	}
	if r0 < 0 {
		r0 = 0
	}
	if c1 > g.Nx {
		c1 = g.Nx
	}
	if r1 > g.Ny {
		r1 = g.Ny
	}
	if c1 <= c0 || r1 <= r0 {
		return Window{}, false
	}
	return Window{Row0: r0, Col0: c0, NRows: r1 - r0, NCols: c1 - c0}, true
}

// subgrid returns the grid covering only window w of g.
func (g *GridDef) subgrid(w Window) *GridDef {
	return &GridDef{
		Nx: w.NCols, Ny: w.NRows,
		Dx: g.Dx, Dy: g.Dy,
		X0:   g.X0 + float64(w.Col0)*g.Dx,
		Y0:   g.Y0 + float64(w.Row0)*g.Dy,
		SR:   g.SR,
		Proj: g.Proj,
	}
}

// coarsen returns the grid with cell edges factor times larger and
// correspondingly fewer cells. Trailing cells that do not fill a
// whole coarse cell are dropped.
func (g *GridDef) coarsen(factor int) *GridDef {
	return &GridDef{
		Nx: g.Nx / factor, Ny: g.Ny / factor,
		Dx: g.Dx * float64(factor), Dy: g.Dy * float64(factor),
		X0: g.X0, Y0: g.Y0,
		SR:   g.SR,
		Proj: g.Proj,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
