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
	"log"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/requestcache"
	"github.com/ctessum/sparse"

	"github.com/spatialmodel/rastercube/catalog"
	"github.com/spatialmodel/rastercube/internal/hash"
	"github.com/spatialmodel/rastercube/tilestore"
)

// A ChunkFailure records one chunk that could not be computed.
type ChunkFailure struct {
	Coord ChunkCoord
	Err   error
}

// A ComputeError is returned when a computation does not run to
// completion. It names the coordinates of every failed chunk, or
// carries the execution-level cause when the computation was stopped
// before any chunk failed, such as caller cancellation.
type ComputeError struct {
	Failures []ChunkFailure
	Err      error
}

func (e *ComputeError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("rastercube: computation stopped: %v", e.Err)
	}
	s := fmt.Sprintf("rastercube: %d chunk(s) failed:", len(e.Failures))
	for _, f := range e.Failures {
		s += fmt.Sprintf("\n\t%v: %v", f.Coord, f.Err)
	}
	return s
}

func (e *ComputeError) Unwrap() error { return e.Err }

// A RemoteExecutor computes source chunks somewhere other than the
// local process, for example on an RPC worker cluster.
type RemoteExecutor interface {
	ComputeChunk(ctx context.Context, t *ChunkTask) (*sparse.DenseArray, error)
}

// An Engine materializes task graphs. It reads tiles through a
// deduplicating in-memory cache, so an Engine should be reused
// across computations that touch the same tiles.
//
// The zero value is not usable; Tiles must be set.
type Engine struct {
	// Tiles reads tile pixel data. Required.
	Tiles tilestore.Reader

	// Workers is the number of chunks processed concurrently.
	// The default is runtime.GOMAXPROCS(-1).
	Workers int

	// MaxRetries is the number of times a failed tile read is
	// retried (with exponential backoff) before the chunk fails.
	// The first attempt is not a retry, so a read is attempted at
	// most 1+MaxRetries times. The default is 3.
	MaxRetries uint64

	// ReadTimeout limits the duration of each tile read attempt.
	// The default is 5 minutes.
	ReadTimeout time.Duration

	// CacheSize specifies the number of tiles held in the memory
	// cache. Larger numbers lead to faster operation but greater
	// memory use. The default is 100.
	CacheSize int

	// ChunkSize is the spatial chunk edge length in cells. If zero,
	// the most common source tile size is used, or 256 when the
	// assets give no hint.
	ChunkSize int

	// AllowPartial makes chunk failures non-fatal: failed chunks are
	// filled with no-data and reported in the result warnings
	// instead of aborting the computation.
	AllowPartial bool

	// Remote, if non-nil, computes source chunks remotely instead of
	// reading tiles in this process.
	Remote RemoteExecutor

	cache     *requestcache.Cache
	cacheInit sync.Once
}

type readRequest struct {
	Asset *catalog.AssetDescriptor
	Band  string
}

func (e *Engine) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.GOMAXPROCS(-1)
}

func (e *Engine) maxRetries() uint64 {
	if e.MaxRetries == 0 {
		return 3
	}
	return e.MaxRetries
}

func (e *Engine) readTimeout() time.Duration {
	if e.ReadTimeout > 0 {
		return e.ReadTimeout
	}
	return 5 * time.Minute
}

func (e *Engine) cacheSize() int {
	if e.CacheSize > 0 {
		return e.CacheSize
	}
	return 100
}

// readTile is the cache miss handler: it reads one (asset, band)
// tile with a per-attempt timeout, retrying transient failures.
func (e *Engine) readTile(ctx context.Context, payload interface{}) (interface{}, error) {
	req := payload.(*readRequest)
	var tile *tilestore.Tile
	op := func() error {
		rctx, cancel := context.WithTimeout(ctx, e.readTimeout())
		defer cancel()
		var err error
		tile, err = e.Tiles.ReadTile(rctx, req.Asset, req.Band)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op,
		backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), e.maxRetries()),
		func(err error, d time.Duration) {
			log.Printf("rastercube: reading tile %s band %s: %v: retrying in %v", req.Asset.ID, req.Band, err, d)
		},
	)
	if err != nil {
		return nil, err
	}
	return tile, nil
}

// cachedTiles returns a tile reader backed by the engine's
// deduplicating cache, initializing the cache on first use.
func (e *Engine) cachedTiles() tilestore.Reader {
	e.cacheInit.Do(func() {
		e.cache = requestcache.NewCache(e.readTile, e.workers(),
			requestcache.Deduplicate(), requestcache.Memory(e.cacheSize()))
	})
	return cachedReader{e: e}
}

// CachedTiles returns a tile reader that serves reads through the
// engine's deduplicating cache and retry policy. It is used by
// cluster workers, which compute chunks without going through
// Compute.
func (e *Engine) CachedTiles() tilestore.Reader {
	return e.cachedTiles()
}

type cachedReader struct {
	e *Engine
}

func (r cachedReader) ReadTile(ctx context.Context, a *catalog.AssetDescriptor, band string) (*tilestore.Tile, error) {
	req := &readRequest{Asset: a, Band: band}
	result, err := r.e.cache.NewRequest(ctx, req, hash.Key([]string{a.URI, band})).Result()
	if err != nil {
		return nil, err
	}
	return result.(*tilestore.Tile), nil
}

// a chunkJob is one (time, band, window) unit of work on the output
// node of a graph.
type chunkJob struct {
	ti, bi int
	win    Window
}

// Compute materializes the result of graph g. Chunks are processed
// concurrently on Workers goroutines; each tile is read at most once
// per Compute call regardless of how many chunks reference it. If
// ctx is canceled, Compute stops scheduling work, waits for its
// workers to exit, and returns a *ComputeError wrapping ctx.Err().
func (e *Engine) Compute(ctx context.Context, g *TaskGraph) (*MaterializedResult, error) {
	if e.Tiles == nil && e.Remote == nil {
		return nil, fmt.Errorf("rastercube: engine has no tile reader")
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	out := g.output()
	v := out.varr
	red := g.reduction()

	chunkSize := e.ChunkSize
	if chunkSize <= 0 {
		chunkSize = tileSizeHint(g.root.source().sources)
	}
	wins := chunkWindows(v.Grid.Ny, v.Grid.Nx, chunkSize)
	jobs := make([]chunkJob, 0, len(v.Times)*len(v.Bands)*len(wins))
	for ti := range v.Times {
		for bi := range v.Bands {
			for _, w := range wins {
				jobs = append(jobs, chunkJob{ti: ti, bi: bi, win: w})
			}
		}
	}
	e.orderChunks(jobs)

	var data *sparse.DenseArray
	var accum *reduceAccum
	if red == nil {
		data = sparse.ZerosDense(v.Shape()...)
		for i := range data.Elements {
			data.Elements[i] = math.NaN()
		}
	} else {
		accum = newReduceAccum(red.reduce, red.over, red.varr.Shape())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mx       sync.Mutex
		failures []ChunkFailure
		warnings []string
	)
	var store tilestore.Reader
	if e.Remote == nil {
		store = e.cachedTiles()
	}
	jobChan := make(chan chunkJob)
	var wg sync.WaitGroup
	for i := 0; i < e.workers(); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobChan {
				chunk, err := e.evalChunk(ctx, out, job.ti, job.bi, job.win, store)
				coord := ChunkCoord{Time: v.Times[job.ti], Band: v.Bands[job.bi], Window: job.win}
				mx.Lock()
				if err != nil {
					if ctx.Err() != nil {
						// Canceled, either by the caller or by an
						// earlier failure; not a chunk failure itself.
						mx.Unlock()
						continue
					}
					if e.AllowPartial {
						warnings = append(warnings,
							fmt.Sprintf("chunk %v failed and was filled with no-data: %v", coord, err))
					} else {
						failures = append(failures, ChunkFailure{Coord: coord, Err: err})
						cancel() // stop scheduling remaining chunks
					}
					mx.Unlock()
					continue
				}
				if accum != nil {
					accum.add(job.ti, job.bi, job.win, chunk)
				} else {
					writeChunk(data, job.ti, job.bi, job.win, chunk)
				}
				mx.Unlock()
			}
		}()
	}
scheduling:
	for _, job := range jobs {
		select {
		case jobChan <- job:
		case <-ctx.Done():
			break scheduling
		}
	}
	close(jobChan)
	wg.Wait()

	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool {
			return failures[i].Coord.String() < failures[j].Coord.String()
		})
		return nil, &ComputeError{Failures: failures}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ComputeError{Err: err}
	}
	if accum != nil {
		data = accum.finalize()
		v = red.varr
	}
	sort.Strings(warnings)
	x, y := v.Grid.CellCenters()
	return &MaterializedResult{
		Times:    v.Times,
		Bands:    v.Bands,
		X:        x,
		Y:        y,
		Grid:     v.Grid,
		Data:     data,
		Warnings: warnings,
	}, nil
}

// orderChunks sets the order chunks are handed to workers in.
// Results do not depend on it; it exists so that tests can exercise
// order independence.
var chunkOrder func(jobs []chunkJob)

func (e *Engine) orderChunks(jobs []chunkJob) {
	if chunkOrder != nil {
		chunkOrder(jobs)
	}
}

// writeChunk copies a chunk into its window of the output array.
// Chunk windows are disjoint, but the caller holds the result lock
// anyway because reductions share it.
func writeChunk(data *sparse.DenseArray, ti, bi int, win Window, chunk *sparse.DenseArray) {
	for r := 0; r < win.NRows; r++ {
		for c := 0; c < win.NCols; c++ {
			data.Set(chunk.Elements[r*win.NCols+c], ti, bi, win.Row0+r, win.Col0+c)
		}
	}
}

// evalChunk computes window win of the (ti, bi) slice of node n,
// returning a [win.NRows, win.NCols] array with NaN for missing
// cells.
func (e *Engine) evalChunk(ctx context.Context, n *node, ti, bi int, win Window, store tilestore.Reader) (*sparse.DenseArray, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch n.kind {
	case opSource:
		return e.evalSource(ctx, n, ti, bi, win, store)

	case opSelect:
		pwin := Window{
			Row0:  n.window.Row0 + win.Row0,
			Col0:  n.window.Col0 + win.Col0,
			NRows: win.NRows,
			NCols: win.NCols,
		}
		return e.evalChunk(ctx, n.parent, n.timeIdx[ti], n.bandIdx[bi], pwin, store)

	case opCoarsen:
		pwin := Window{
			Row0:  win.Row0 * n.factor,
			Col0:  win.Col0 * n.factor,
			NRows: win.NRows * n.factor,
			NCols: win.NCols * n.factor,
		}
		fine, err := e.evalChunk(ctx, n.parent, ti, bi, pwin, store)
		if err != nil {
			return nil, err
		}
		return coarsenChunk(fine, pwin, win, n.factor, n.resample), nil

	case opExpr:
		if bi < len(n.parent.varr.Bands) {
			return e.evalChunk(ctx, n.parent, ti, bi, win, store)
		}
		return e.evalExpr(ctx, n, ti, win, store)

	default:
		return nil, fmt.Errorf("rastercube: cannot evaluate %v node", n.kind)
	}
}

// evalSource composites the source tiles for one chunk, either
// locally or on the remote executor.
func (e *Engine) evalSource(ctx context.Context, n *node, ti, bi int, win Window, store tilestore.Reader) (*sparse.DenseArray, error) {
	srcs := n.sources[ti][bi]
	if e.Remote != nil {
		assets := make([]*catalog.AssetDescriptor, len(srcs))
		for i, s := range srcs {
			assets[i] = s.asset
		}
		g := n.sourceGrid
		return e.Remote.ComputeChunk(ctx, &ChunkTask{
			Assets:     assets,
			Band:       n.varr.Bands[bi],
			Proj:       g.Proj,
			Dx:         g.Dx,
			Dy:         g.Dy,
			X0:         g.X0,
			Y0:         g.Y0,
			Nx:         g.Nx,
			Ny:         g.Ny,
			Window:     win,
			Resampling: n.resample,
			Overlap:    n.overlap,
		})
	}
	return compositeChunk(ctx, n.sourceGrid, win, srcs, n.resample, n.overlap,
		store.ReadTile, n.varr.Bands[bi])
}

// coarsenChunk aggregates factor×factor blocks of the fine chunk.
func coarsenChunk(fine *sparse.DenseArray, pwin, win Window, factor int, method Resampling) *sparse.DenseArray {
	out := nanDense(win)
	mid := factor / 2
	for r := 0; r < win.NRows; r++ {
		for c := 0; c < win.NCols; c++ {
			if method == ResampleNearest {
				out.Elements[r*win.NCols+c] = fine.Elements[(r*factor+mid)*pwin.NCols+c*factor+mid]
				continue
			}
			var sum float64
			var cnt int
			for fr := r * factor; fr < (r+1)*factor; fr++ {
				for fc := c * factor; fc < (c+1)*factor; fc++ {
					v := fine.Elements[fr*pwin.NCols+fc]
					if !math.IsNaN(v) {
						sum += v
						cnt++
					}
				}
			}
			if cnt > 0 {
				out.Elements[r*win.NCols+c] = sum / float64(cnt)
			}
		}
	}
	return out
}

// evalExpr computes the derived band of an expression node for one
// chunk: it evaluates the parent chunks of every referenced band and
// applies the expression cell by cell.
func (e *Engine) evalExpr(ctx context.Context, n *node, ti int, win Window, store tilestore.Reader) (*sparse.DenseArray, error) {
	inputs := make(map[string]*sparse.DenseArray, len(n.exprVars))
	for _, b := range n.exprVars {
		bi := n.parent.varr.bandIndex(b)
		chunk, err := e.evalChunk(ctx, n.parent, ti, bi, win, store)
		if err != nil {
			return nil, err
		}
		inputs[b] = chunk
	}
	out := nanDense(win)
	params := make(map[string]interface{}, len(n.exprVars))
	for i := range out.Elements {
		missing := false
		for b, chunk := range inputs {
			v := chunk.Elements[i]
			if math.IsNaN(v) {
				missing = true
				break
			}
			params[b] = v
		}
		if missing {
			continue
		}
		result, err := n.expr.Evaluate(params)
		if err != nil {
			return nil, fmt.Errorf("rastercube: evaluating band expression %q: %v", n.exprName, err)
		}
		f, ok := result.(float64)
		if !ok {
			return nil, fmt.Errorf("rastercube: band expression %q returned %T; need a number", n.exprName, result)
		}
		out.Elements[i] = f
	}
	return out, nil
}
