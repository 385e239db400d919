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
	"errors"
	"math"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ctessum/geom"

	"github.com/spatialmodel/rastercube/catalog"
	"github.com/spatialmodel/rastercube/tilestore"
)

func TestCompute(t *testing.T) {
	v, s := buildTestArray(t)
	e := fastEngine(s)
	r, err := e.Compute(context.Background(), v.Graph())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Data.Shape, []int{2, 2, 4, 4}) {
		t.Fatalf("shape: got %v", r.Data.Shape)
	}
	want := map[[2]int]float64{
		{0, 0}: 1, {0, 1}: 3, // t1: red, nir
		{1, 0}: 2, {1, 1}: 6, // t2: red, nir
	}
	for k, wv := range want {
		for row := 0; row < 4; row++ {
			for col := 0; col < 4; col++ {
				if got := r.At(k[0], k[1], row, col); got != wv {
					t.Fatalf("At(%d,%d,%d,%d) = %g, want %g", k[0], k[1], row, col, got, wv)
				}
			}
		}
	}
	if !reflect.DeepEqual(r.X, []float64{0.5, 1.5, 2.5, 3.5}) {
		t.Errorf("x axis: got %v", r.X)
	}
	if !reflect.DeepEqual(r.Y, []float64{0.5, 1.5, 2.5, 3.5}) {
		t.Errorf("y axis: got %v", r.Y)
	}
	if len(r.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", r.Warnings)
	}
}

func TestComputeIsLazy(t *testing.T) {
	v, s := buildTestArray(t)
	v = v.Select(SelectSpec{Bands: []string{"red"}}).BandExpr("r2", "red * 2")
	if n := s.totalReads(); n != 0 {
		t.Fatalf("transformations read %d tiles before Compute", n)
	}
	e := fastEngine(s)
	if _, err := e.Compute(context.Background(), v.Graph()); err != nil {
		t.Fatal(err)
	}
	if n := s.totalReads(); n == 0 {
		t.Error("Compute read no tiles")
	}
}

func TestComputeNoDataFill(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := testAsset("a", at, []string{"red"}, 0, 0, 2, 2)
	s := newFakeStore()
	s.add(a, "red", constTile(0, 0, 2, 2, 7))
	c := &BuildConfig{
		SR: testProj, Dx: 1, Dy: 1,
		Bounds: &geom.Bounds{Min: geom.Point{X: 0, Y: 0}, Max: geom.Point{X: 4, Y: 4}},
	}
	v, err := c.Build([]*catalog.AssetDescriptor{a})
	if err != nil {
		t.Fatal(err)
	}
	e := fastEngine(s)
	r, err := e.Compute(context.Background(), v.Graph())
	if err != nil {
		t.Fatal(err)
	}
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			got := r.At(0, 0, row, col)
			if row < 2 && col < 2 {
				if got != 7 {
					t.Errorf("covered cell (%d,%d) = %g", row, col, got)
				}
			} else if !math.IsNaN(got) {
				t.Errorf("uncovered cell (%d,%d) = %g, want NaN", row, col, got)
			}
		}
	}
}

func TestOverlapPolicy(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a1 := testAsset("a1", at, []string{"red"}, 0, 0, 4, 4)
	a2 := testAsset("a2", at, []string{"red"}, 2, 0, 4, 4)
	newStore := func() *fakeStore {
		s := newFakeStore()
		s.add(a1, "red", constTile(0, 0, 4, 4, 1))
		s.add(a2, "red", constTile(2, 0, 4, 4, 2))
		return s
	}
	tests := []struct {
		name          string
		policy        OverlapPolicy
		wantOverlap   float64 // value in the shared region x in [2,4)
		wantExclusive float64 // value in x in [0,2), covered by a1 only
	}{
		{"last", OverlapLast, 2, 1},
		{"first", OverlapFirst, 1, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newStore()
			c := &BuildConfig{SR: testProj, Dx: 1, Dy: 1, Overlap: test.policy}
			v, err := c.Build([]*catalog.AssetDescriptor{a2, a1})
			if err != nil {
				t.Fatal(err)
			}
			e := fastEngine(s)
			r, err := e.Compute(context.Background(), v.Graph())
			if err != nil {
				t.Fatal(err)
			}
			if got := r.At(0, 0, 0, 0); got != test.wantExclusive {
				t.Errorf("exclusive region: got %g, want %g", got, test.wantExclusive)
			}
			if got := r.At(0, 0, 0, 3); got != test.wantOverlap {
				t.Errorf("overlap region: got %g, want %g", got, test.wantOverlap)
			}
			if got := r.At(0, 0, 0, 5); got != 2 {
				t.Errorf("a2-only region: got %g, want 2", got)
			}
		})
	}
}

func TestReadDeduplication(t *testing.T) {
	v, s := buildTestArray(t)
	e := fastEngine(s)
	e.ChunkSize = 2 // 4 chunks per (time, band) slice
	if _, err := e.Compute(context.Background(), v.Graph()); err != nil {
		t.Fatal(err)
	}
	// Every chunk of a slice references the same tile; the cache
	// collapses them to one read each.
	for _, id := range []string{"a1", "a2"} {
		for _, band := range []string{"red", "nir"} {
			if n := s.readCount(id, band); n != 1 {
				t.Errorf("tile %s band %s read %d times, want 1", id, band, n)
			}
		}
	}
}

func TestReadRetries(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := testAsset("a", at, []string{"red"}, 0, 0, 2, 2)
	s := newFakeStore()
	s.add(a, "red", constTile(0, 0, 2, 2, 5))
	s.fail["a|red"] = 2 // fail twice, then succeed
	c := &BuildConfig{SR: testProj, Dx: 1, Dy: 1}
	v, err := c.Build([]*catalog.AssetDescriptor{a})
	if err != nil {
		t.Fatal(err)
	}
	e := fastEngine(s)
	e.MaxRetries = 2
	r, err := e.Compute(context.Background(), v.Graph())
	if err != nil {
		t.Fatal(err)
	}
	if got := r.At(0, 0, 0, 0); got != 5 {
		t.Errorf("got %g, want 5", got)
	}
	if n := s.readCount("a", "red"); n != 3 {
		t.Errorf("read attempted %d times, want 3", n)
	}
}

func TestReadRetriesExhausted(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := testAsset("a", at, []string{"red"}, 0, 0, 2, 2)
	s := newFakeStore()
	s.fail["a|red"] = -1 // fail forever
	c := &BuildConfig{SR: testProj, Dx: 1, Dy: 1}
	v, err := c.Build([]*catalog.AssetDescriptor{a})
	if err != nil {
		t.Fatal(err)
	}
	e := fastEngine(s)
	e.MaxRetries = 2
	_, err = e.Compute(context.Background(), v.Graph())
	ce, ok := err.(*ComputeError)
	if !ok {
		t.Fatalf("error is %T, want *ComputeError", err)
	}
	if len(ce.Failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(ce.Failures))
	}
	f := ce.Failures[0]
	if !f.Coord.Time.Equal(at) || f.Coord.Band != "red" {
		t.Errorf("failure coordinate = %v", f.Coord)
	}
	if !strings.Contains(err.Error(), "band=red") {
		t.Errorf("error %q does not name the failed chunk", err)
	}
	// The first attempt is not a retry.
	if n := s.readCount("a", "red"); n != 3 {
		t.Errorf("read attempted %d times, want 3", n)
	}
}

func TestAllowPartial(t *testing.T) {
	v, s := buildTestArray(t)
	s.fail["a1|red"] = -1
	e := fastEngine(s)
	e.AllowPartial = true
	r, err := e.Compute(context.Background(), v.Graph())
	if err != nil {
		t.Fatal(err)
	}
	// The failed slice is no-data; the other slices are intact.
	if got := r.At(0, 0, 0, 0); !math.IsNaN(got) {
		t.Errorf("failed slice = %g, want NaN", got)
	}
	if got := r.At(0, 1, 0, 0); got != 3 {
		t.Errorf("nir t1 = %g, want 3", got)
	}
	if got := r.At(1, 0, 0, 0); got != 2 {
		t.Errorf("red t2 = %g, want 2", got)
	}
	if len(r.Warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(r.Warnings), r.Warnings)
	}
	if !strings.Contains(r.Warnings[0], "band=red") {
		t.Errorf("warning %q does not name the chunk", r.Warnings[0])
	}
}

func TestComputeCancellation(t *testing.T) {
	v, s := buildTestArray(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := fastEngine(s)
	_, err := e.Compute(ctx, v.Graph())
	cerr, ok := err.(*ComputeError)
	if !ok {
		t.Fatalf("got %T (%v), want *ComputeError", err, err)
	}
	if len(cerr.Failures) != 0 {
		t.Errorf("cancellation recorded %d chunk failures", len(cerr.Failures))
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want a context.Canceled cause", err)
	}
}

// slowStore serves the first tile read immediately and blocks every
// later read until the context is canceled.
type slowStore struct {
	inner *fakeStore
	first chan struct{}

	mx    sync.Mutex
	reads int
}

func (s *slowStore) ReadTile(ctx context.Context, a *catalog.AssetDescriptor, band string) (*tilestore.Tile, error) {
	s.mx.Lock()
	s.reads++
	n := s.reads
	s.mx.Unlock()
	if n == 1 {
		defer close(s.first)
		return s.inner.ReadTile(ctx, a, band)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestComputeCancellationMidFlight(t *testing.T) {
	v, s := buildTestArray(t)
	ss := &slowStore{inner: s, first: make(chan struct{})}
	e := &Engine{Tiles: ss, Workers: 1, MaxRetries: 1, ReadTimeout: time.Minute}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		r   *MaterializedResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := e.Compute(ctx, v.Graph())
		done <- outcome{r, err}
	}()

	// Cancel once the first chunk's tile has been read and the
	// remaining slices are still outstanding.
	<-ss.first
	cancel()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Compute did not return after cancellation")
	}
	if got.r != nil {
		t.Error("canceled compute returned a partial result")
	}
	if !errors.Is(got.err, context.Canceled) {
		t.Errorf("got %v, want a context.Canceled cause", got.err)
	}
	// Compute returning means the workers exited; at most one further
	// read can have been in flight when the cancellation landed.
	ss.mx.Lock()
	reads := ss.reads
	ss.mx.Unlock()
	if reads > 2 {
		t.Errorf("got %d reads, want at most 2", reads)
	}
}

func TestComputeIdempotence(t *testing.T) {
	v, s := buildTestArray(t)
	v = v.BandExpr("ndvi", "(nir - red) / (nir + red)").Reduce(ReduceMean, AxisTime)
	g := v.Graph()
	e := fastEngine(s)
	first, err := e.Compute(context.Background(), g)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Compute(context.Background(), g)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Data.Shape, second.Data.Shape) {
		t.Fatalf("shapes differ: %v vs %v", first.Data.Shape, second.Data.Shape)
	}
	if !reflect.DeepEqual(first.Data.Elements, second.Data.Elements) {
		t.Error("recomputing the same graph changed the result")
	}
	// A fresh engine with its own cache agrees as well.
	third, err := fastEngine(s).Compute(context.Background(), g)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first.Data.Elements, third.Data.Elements) {
		t.Error("result differs between engines")
	}
}

func TestChunkOrderIndependence(t *testing.T) {
	run := func(order func([]chunkJob)) *MaterializedResult {
		v, s := buildTestArray(t)
		v = v.BandExpr("ndvi", "(nir - red) / (nir + red)").Reduce(ReduceMean, AxisTime)
		chunkOrder = order
		defer func() { chunkOrder = nil }()
		e := fastEngine(s)
		e.ChunkSize = 2
		e.Workers = 1
		r, err := e.Compute(context.Background(), v.Graph())
		if err != nil {
			t.Fatal(err)
		}
		return r
	}
	forward := run(nil)
	reversed := run(func(jobs []chunkJob) {
		for i, j := 0, len(jobs)-1; i < j; i, j = i+1, j-1 {
			jobs[i], jobs[j] = jobs[j], jobs[i]
		}
	})
	if !reflect.DeepEqual(forward.Data.Elements, reversed.Data.Elements) {
		t.Error("result depends on chunk processing order")
	}
}

func TestReduceOps(t *testing.T) {
	// red is 1 at t1 and 2 at t2 in every cell.
	tests := []struct {
		op   ReduceOp
		want float64
	}{
		{ReduceMean, 1.5},
		{ReduceSum, 3},
		{ReduceMax, 2},
		{ReduceMin, 1},
		{ReduceCount, 2},
	}
	for _, test := range tests {
		t.Run(test.op.String(), func(t *testing.T) {
			v, s := buildTestArray(t)
			v = v.Select(SelectSpec{Bands: []string{"red"}}).Reduce(test.op, AxisTime)
			e := fastEngine(s)
			r, err := e.Compute(context.Background(), v.Graph())
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(r.Data.Shape, []int{1, 1, 4, 4}) {
				t.Fatalf("shape: got %v", r.Data.Shape)
			}
			if got := r.At(0, 0, 1, 2); got != test.want {
				t.Errorf("got %g, want %g", got, test.want)
			}
		})
	}
}

func TestReduceSpatial(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := testAsset("a", at, []string{"red"}, 0, 0, 2, 2)
	s := newFakeStore()
	s.add(a, "red", testTile(0, 0, 2, []float64{1, 2, 3, 4}))
	c := &BuildConfig{SR: testProj, Dx: 1, Dy: 1}
	v, err := c.Build([]*catalog.AssetDescriptor{a})
	if err != nil {
		t.Fatal(err)
	}
	e := fastEngine(s)
	r, err := e.Compute(context.Background(), v.Reduce(ReduceSum, AxisY, AxisX).Graph())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Data.Shape, []int{1, 1, 1, 1}) {
		t.Fatalf("shape: got %v", r.Data.Shape)
	}
	if got := r.At(0, 0, 0, 0); got != 10 {
		t.Errorf("got %g, want 10", got)
	}
}

func TestComputeSelect(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := testAsset("a", at, []string{"red"}, 0, 0, 4, 4)
	s := newFakeStore()
	vals := make([]float64, 16)
	for i := range vals {
		vals[i] = float64(i)
	}
	s.add(a, "red", testTile(0, 0, 4, vals))
	c := &BuildConfig{SR: testProj, Dx: 1, Dy: 1}
	v, err := c.Build([]*catalog.AssetDescriptor{a})
	if err != nil {
		t.Fatal(err)
	}
	sel := v.Select(SelectSpec{Bounds: &geom.Bounds{
		Min: geom.Point{X: 1, Y: 2}, Max: geom.Point{X: 3, Y: 4}}})
	e := fastEngine(s)
	r, err := e.Compute(context.Background(), sel.Graph())
	if err != nil {
		t.Fatal(err)
	}
	// Rows 2-3, columns 1-2 of the source.
	want := [][]float64{{9, 10}, {13, 14}}
	for row := range want {
		for col := range want[row] {
			if got := r.At(0, 0, row, col); got != want[row][col] {
				t.Errorf("cell (%d,%d) = %g, want %g", row, col, got, want[row][col])
			}
		}
	}
}

func TestComputeCoarsen(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := testAsset("a", at, []string{"red"}, 0, 0, 4, 4)
	s := newFakeStore()
	vals := make([]float64, 16)
	for i := range vals {
		vals[i] = float64(i)
	}
	s.add(a, "red", testTile(0, 0, 4, vals))
	c := &BuildConfig{SR: testProj, Dx: 1, Dy: 1}
	v, err := c.Build([]*catalog.AssetDescriptor{a})
	if err != nil {
		t.Fatal(err)
	}
	e := fastEngine(s)

	r, err := e.Compute(context.Background(), v.Coarsen(2, ResampleAverage).Graph())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Data.Shape, []int{1, 1, 2, 2}) {
		t.Fatalf("shape: got %v", r.Data.Shape)
	}
	// Block means of {0,1,4,5}, {2,3,6,7}, {8,9,12,13}, {10,11,14,15}.
	want := [][]float64{{2.5, 4.5}, {10.5, 12.5}}
	for row := range want {
		for col := range want[row] {
			if got := r.At(0, 0, row, col); got != want[row][col] {
				t.Errorf("average (%d,%d) = %g, want %g", row, col, got, want[row][col])
			}
		}
	}

	r, err = e.Compute(context.Background(), v.Coarsen(2, ResampleNearest).Graph())
	if err != nil {
		t.Fatal(err)
	}
	// Nearest takes the (1,1) cell of each 2×2 block.
	wantN := [][]float64{{5, 7}, {13, 15}}
	for row := range wantN {
		for col := range wantN[row] {
			if got := r.At(0, 0, row, col); got != wantN[row][col] {
				t.Errorf("nearest (%d,%d) = %g, want %g", row, col, got, wantN[row][col])
			}
		}
	}
}

func TestComputeBandExpr(t *testing.T) {
	v, s := buildTestArray(t)
	v = v.BandExpr("ndvi", "(nir - red) / (nir + red)")
	e := fastEngine(s)
	r, err := e.Compute(context.Background(), v.Graph())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r.Bands, []string{"red", "nir", "ndvi"}) {
		t.Fatalf("bands: got %v", r.Bands)
	}
	// t1: (3-1)/(3+1); t2: (6-2)/(6+2).
	if got := r.At(0, 2, 0, 0); !approxEqual(got, 0.5) {
		t.Errorf("ndvi t1 = %g, want 0.5", got)
	}
	if got := r.At(1, 2, 3, 3); !approxEqual(got, 0.5) {
		t.Errorf("ndvi t2 = %g, want 0.5", got)
	}
	// The input bands pass through unchanged.
	if got := r.At(0, 0, 0, 0); got != 1 {
		t.Errorf("red = %g, want 1", got)
	}
}

func TestBandExprMissingPropagates(t *testing.T) {
	at := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	a := testAsset("a", at, []string{"red", "nir"}, 0, 0, 2, 2)
	s := newFakeStore()
	s.add(a, "red", constTile(0, 0, 2, 2, 1))
	s.add(a, "nir", constTile(0, 0, 2, 2, 3))
	c := &BuildConfig{
		SR: testProj, Dx: 1, Dy: 1,
		Bounds: &geom.Bounds{Min: geom.Point{X: 0, Y: 0}, Max: geom.Point{X: 3, Y: 3}},
	}
	v, err := c.Build([]*catalog.AssetDescriptor{a})
	if err != nil {
		t.Fatal(err)
	}
	e := fastEngine(s)
	r, err := e.Compute(context.Background(), v.BandExpr("ndvi", "nir / red").Graph())
	if err != nil {
		t.Fatal(err)
	}
	if got := r.At(0, 2, 0, 0); got != 3 {
		t.Errorf("covered ndvi = %g, want 3", got)
	}
	if got := r.At(0, 2, 2, 2); !math.IsNaN(got) {
		t.Errorf("uncovered ndvi = %g, want NaN", got)
	}
}

func TestEngineRequiresReader(t *testing.T) {
	v, _ := buildTestArray(t)
	e := &Engine{}
	if _, err := e.Compute(context.Background(), v.Graph()); err == nil {
		t.Error("expected an error from an engine with no tile reader")
	}
}
