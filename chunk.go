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
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"github.com/ctessum/sparse"

	"github.com/spatialmodel/rastercube/catalog"
	"github.com/spatialmodel/rastercube/tilestore"
)

// defaultChunkSize is the spatial chunk edge length used when the
// assets give no usable tiling hint.
const defaultChunkSize = 256

// A ChunkCoord identifies one unit of work: a spatial window of one
// (time, band) slice of the output array.
type ChunkCoord struct {
	Time   time.Time
	Band   string
	Window Window
}

func (c ChunkCoord) String() string {
	return fmt.Sprintf("%s band=%s rows=[%d,%d) cols=[%d,%d)",
		c.Time.Format(time.RFC3339), c.Band,
		c.Window.Row0, c.Window.Row0+c.Window.NRows,
		c.Window.Col0, c.Window.Col0+c.Window.NCols)
}

// nanDense allocates a dense array of the given window size with all
// cells set to NaN.
func nanDense(w Window) *sparse.DenseArray {
	a := sparse.ZerosDense(w.NRows, w.NCols)
	for i := range a.Elements {
		a.Elements[i] = math.NaN()
	}
	return a
}

// compositeChunk fills window win of grid from the given sources,
// reading tiles through read. Sources must be in ascending
// (time, ID) order; the overlap policy decides which source wins
// where footprints overlap. Cells no source covers stay NaN.
func compositeChunk(ctx context.Context, grid *GridDef, win Window, srcs []*tileSource,
	resample Resampling, overlap OverlapPolicy,
	read func(ctx context.Context, a *catalog.AssetDescriptor, band string) (*tilestore.Tile, error),
	band string) (*sparse.DenseArray, error) {

	out := nanDense(win)
	// Iterate in decreasing precedence, filling only cells that are
	// still unset, so that the highest-precedence source wins.
	order := make([]*tileSource, len(srcs))
	copy(order, srcs)
	if overlap == OverlapLast {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	for _, src := range order {
		sw, ok := win.Intersect(src.window)
		if !ok {
			continue
		}
		if filled(out, win, sw) {
			continue // higher-precedence sources already cover this region
		}
		tile, err := read(ctx, src.asset, band)
		if err != nil {
			return nil, err
		}
		if err := sampleInto(out, grid, win, sw, src, tile, resample); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// filled reports whether every cell of sub-window sw (grid indices)
// already holds a value in out (whose origin is win).
func filled(out *sparse.DenseArray, win, sw Window) bool {
	for r := sw.Row0; r < sw.Row0+sw.NRows; r++ {
		for c := sw.Col0; c < sw.Col0+sw.NCols; c++ {
			if math.IsNaN(out.Elements[(r-win.Row0)*win.NCols+(c-win.Col0)]) {
				return false
			}
		}
	}
	return true
}

// sampleInto resamples tile into the cells of sub-window sw that are
// still NaN in out.
func sampleInto(out *sparse.DenseArray, grid *GridDef, win, sw Window,
	src *tileSource, tile *tilestore.Tile, resample Resampling) error {
	for r := sw.Row0; r < sw.Row0+sw.NRows; r++ {
		for c := sw.Col0; c < sw.Col0+sw.NCols; c++ {
			i := (r-win.Row0)*win.NCols + (c - win.Col0)
			if !math.IsNaN(out.Elements[i]) {
				continue
			}
			var v float64
			var err error
			switch resample {
			case ResampleAverage:
				v, err = sampleAverage(grid, r, c, src, tile)
			default:
				v, err = samplePoint(grid, r, c, src, tile, resample)
			}
			if err != nil {
				return err
			}
			if !math.IsNaN(v) {
				out.Elements[i] = v
			}
		}
	}
	return nil
}

// samplePoint samples the tile at the center of cell (r, c) using
// nearest-neighbor or bilinear interpolation.
func samplePoint(grid *GridDef, r, c int, src *tileSource, tile *tilestore.Tile, resample Resampling) (float64, error) {
	ct := grid.CellCenter(r, c)
	xa, ya, err := src.toAsset(ct.X, ct.Y)
	if err != nil {
		return 0, err
	}
	// Fractional pixel indices in pixel-center coordinates.
	fx := (xa-tile.X0)/tile.Dx - 0.5
	fy := (ya-tile.Y0)/tile.Dy - 0.5
	if resample == ResampleNearest {
		return tile.At(int(math.Floor(fy+0.5)), int(math.Floor(fx+0.5))), nil
	}
	c0, r0 := int(math.Floor(fx)), int(math.Floor(fy))
	wx, wy := fx-float64(c0), fy-float64(r0)
	v00 := tile.At(r0, c0)
	v01 := tile.At(r0, c0+1)
	v10 := tile.At(r0+1, c0)
	v11 := tile.At(r0+1, c0+1)
	return (1-wy)*((1-wx)*v00+wx*v01) + wy*((1-wx)*v10+wx*v11), nil
}

// sampleAverage averages the tile pixels whose centers fall within
// cell (r, c). If the cell is smaller than one pixel it degenerates
// to nearest-neighbor sampling.
func sampleAverage(grid *GridDef, r, c int, src *tileSource, tile *tilestore.Tile) (float64, error) {
	cell := grid.CellPolygon(r, c)
	var b geom.Bounds
	first := true
	for _, pt := range cell[0] {
		xa, ya, err := src.toAsset(pt.X, pt.Y)
		if err != nil {
			return 0, err
		}
		if first {
			b = geom.Bounds{Min: geom.Point{X: xa, Y: ya}, Max: geom.Point{X: xa, Y: ya}}
			first = false
			continue
		}
		if xa < b.Min.X {
			b.Min.X = xa
		}
		if xa > b.Max.X {
			b.Max.X = xa
		}
		if ya < b.Min.Y {
			b.Min.Y = ya
		}
		if ya > b.Max.Y {
			b.Max.Y = ya
		}
	}
	c0 := int(math.Ceil((b.Min.X-tile.X0)/tile.Dx - 0.5))
	c1 := int(math.Floor((b.Max.X-tile.X0)/tile.Dx - 0.5))
	r0 := int(math.Ceil((b.Min.Y-tile.Y0)/tile.Dy - 0.5))
	r1 := int(math.Floor((b.Max.Y-tile.Y0)/tile.Dy - 0.5))
	if c1 < c0 || r1 < r0 {
		return samplePoint(grid, r, c, src, tile, ResampleNearest)
	}
	var sum float64
	var n int
	for pr := r0; pr <= r1; pr++ {
		for pc := c0; pc <= c1; pc++ {
			v := tile.At(pr, pc)
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
	}
	if n == 0 {
		return math.NaN(), nil
	}
	return sum / float64(n), nil
}

// A ChunkTask is a self-contained description of one source chunk:
// everything a worker needs to composite a spatial window of one
// (time, band) slice without any other state. ChunkTasks are
// gob-encodable so that they can be dispatched to remote workers.
type ChunkTask struct {
	// Assets are the tiles contributing to the chunk, in ascending
	// (time, ID) order.
	Assets []*catalog.AssetDescriptor

	// Band is the band to composite.
	Band string

	// Proj, Dx, Dy, X0, Y0, Nx, and Ny describe the output grid.
	Proj   string
	Dx, Dy float64
	X0, Y0 float64
	Nx, Ny int

	// Window is the portion of the grid to fill.
	Window Window

	Resampling Resampling
	Overlap    OverlapPolicy
}

// grid reconstructs the output grid of the task.
func (t *ChunkTask) grid() (*GridDef, error) {
	return NewGridRegular(t.Nx, t.Ny, t.Dx, t.Dy, t.X0, t.Y0, t.Proj)
}

// ComputeChunkTask composites the chunk described by t, reading
// tiles from store. It is used directly for local execution and by
// cluster workers for remote execution.
func ComputeChunkTask(ctx context.Context, t *ChunkTask, store tilestore.Reader) (*sparse.DenseArray, error) {
	grid, err := t.grid()
	if err != nil {
		return nil, err
	}
	type pair struct{ to, from proj.Transformer }
	transforms := make(map[string]pair)
	srcs := make([]*tileSource, 0, len(t.Assets))
	for _, a := range t.Assets {
		tr, ok := transforms[a.SR]
		if !ok {
			assetSR, err := proj.Parse(a.SR)
			if err != nil {
				return nil, fmt.Errorf("rastercube: parsing projection of asset %s: %v", a.ID, err)
			}
			if tr.to, err = grid.SR.NewTransform(assetSR); err != nil {
				return nil, fmt.Errorf("rastercube: creating transform for asset %s: %v", a.ID, err)
			}
			if tr.from, err = assetSR.NewTransform(grid.SR); err != nil {
				return nil, fmt.Errorf("rastercube: creating transform for asset %s: %v", a.ID, err)
			}
			transforms[a.SR] = tr
		}
		fp, err := a.Footprint.Transform(tr.from)
		if err != nil {
			return nil, fmt.Errorf("rastercube: reprojecting footprint of asset %s: %v", a.ID, err)
		}
		b := fp.Bounds()
		w, ok := grid.Window(b)
		if !ok {
			continue
		}
		srcs = append(srcs, &tileSource{asset: a, bounds: b, window: w, toAsset: tr.to})
	}
	return compositeChunk(ctx, grid, t.Window, srcs, t.Resampling, t.Overlap, store.ReadTile, t.Band)
}

// chunkWindows splits the ny×nx output grid into windows of at most
// size×size cells.
func chunkWindows(ny, nx, size int) []Window {
	if size <= 0 {
		size = defaultChunkSize
	}
	var wins []Window
	for r := 0; r < ny; r += size {
		for c := 0; c < nx; c += size {
			wins = append(wins, Window{
				Row0: r, Col0: c,
				NRows: min(size, ny-r),
				NCols: min(size, nx-c),
			})
		}
	}
	return wins
}

// tileSizeHint returns the most common source tile edge length, for
// sizing chunks to roughly one source tile each.
func tileSizeHint(sources [][][]*tileSource) int {
	counts := make(map[int]int)
	for _, byBand := range sources {
		for _, srcs := range byBand {
			for _, s := range srcs {
				if n := max(s.asset.TileNx, s.asset.TileNy); n > 0 {
					counts[n]++
				}
			}
		}
	}
	best, bestN := 0, 0
	for size, n := range counts {
		if n > bestN || (n == bestN && size < best) {
			best, bestN = size, n
		}
	}
	if best == 0 {
		return defaultChunkSize
	}
	return best
}
