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
	"sync"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/sparse"

	"github.com/spatialmodel/rastercube/catalog"
	"github.com/spatialmodel/rastercube/tilestore"
)

const testProj = "+proj=longlat +datum=WGS84"

// testAsset creates an asset whose footprint is an nx×ny unit-pixel
// rectangle with its lower-left corner at (x0, y0).
func testAsset(id string, at time.Time, bands []string, x0, y0 float64, nx, ny int) *catalog.AssetDescriptor {
	return &catalog.AssetDescriptor{
		ID:         id,
		Collection: "test",
		URI:        "mem://" + id,
		Footprint: geom.Polygon{{
			{X: x0, Y: y0},
			{X: x0 + float64(nx), Y: y0},
			{X: x0 + float64(nx), Y: y0 + float64(ny)},
			{X: x0, Y: y0 + float64(ny)},
			{X: x0, Y: y0},
		}},
		SR:     testProj,
		Time:   at,
		Bands:  bands,
		TileNx: nx,
		TileNy: ny,
	}
}

// testTile creates a unit-pixel tile at (x0, y0). vals is in
// row-major order with row 0 southernmost.
func testTile(x0, y0 float64, nx int, vals []float64) *tilestore.Tile {
	ny := len(vals) / nx
	d := sparse.ZerosDense(ny, nx)
	copy(d.Elements, vals)
	return &tilestore.Tile{X0: x0, Y0: y0, Dx: 1, Dy: 1, Data: d}
}

// constTile creates a unit-pixel tile filled with value v.
func constTile(x0, y0 float64, nx, ny int, v float64) *tilestore.Tile {
	vals := make([]float64, nx*ny)
	for i := range vals {
		vals[i] = v
	}
	return testTile(x0, y0, nx, vals)
}

// fakeStore is an in-memory tile reader that counts reads and can be
// told to fail.
type fakeStore struct {
	mu    sync.Mutex
	tiles map[string]*tilestore.Tile
	fail  map[string]int // remaining failures per key; -1 fails forever
	reads map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tiles: make(map[string]*tilestore.Tile),
		fail:  make(map[string]int),
		reads: make(map[string]int),
	}
}

func (s *fakeStore) add(a *catalog.AssetDescriptor, band string, t *tilestore.Tile) {
	s.tiles[a.ID+"|"+band] = t
}

func (s *fakeStore) ReadTile(ctx context.Context, a *catalog.AssetDescriptor, band string) (*tilestore.Tile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := a.ID + "|" + band
	s.reads[k]++
	if n := s.fail[k]; n != 0 {
		if n > 0 {
			s.fail[k] = n - 1
		}
		return nil, fmt.Errorf("synthetic failure reading %s", k)
	}
	t, ok := s.tiles[k]
	if !ok {
		return nil, fmt.Errorf("no tile for %s", k)
	}
	return t, nil
}

func (s *fakeStore) readCount(id, band string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[id+"|"+band]
}

func (s *fakeStore) totalReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.reads {
		n += c
	}
	return n
}

// fastEngine creates an engine with a short retry and timeout
// configuration suitable for tests.
func fastEngine(s *fakeStore) *Engine {
	return &Engine{
		Tiles:       s,
		Workers:     2,
		MaxRetries:  1,
		ReadTimeout: time.Second,
	}
}

func approxEqual(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) < 1e-9
}
