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

package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ctessum/geom"
)

func testRegion() geom.Polygonal {
	return geom.Polygon{{
		{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}, {X: 0, Y: 0},
	}}
}

func testFeature(id string, day int) string {
	return fmt.Sprintf(`{
		"type": "Feature",
		"id": %q,
		"geometry": {"type": "Polygon", "coordinates": [[[0,0],[4,0],[4,4],[0,4],[0,0]]]},
		"properties": {
			"collection": "sentinel-2",
			"datetime": "2023-06-%02dT10:30:00Z",
			"proj": "+proj=longlat +datum=WGS84",
			"bands": ["red", "nir"],
			"tile_shape": [4, 4],
			"href": "s3://tiles/%s.nc",
			"eo:cloud_cover": 12.5
		}
	}`, id, day, id)
}

func featurePage(next string, features ...string) string {
	links := ""
	if next != "" {
		links = fmt.Sprintf(`, "links": [{"rel": "next", "href": %q}]`, next)
	}
	return fmt.Sprintf(`{"type": "FeatureCollection", "features": [%s]%s}`,
		strings.Join(features, ","), links)
}

func TestSearchPagination(t *testing.T) {
	var requests int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		switch n {
		case 1:
			if r.Method != "POST" {
				t.Errorf("first request method = %s, want POST", r.Method)
			}
			fmt.Fprint(w, featurePage(srv.URL+"/page2", testFeature("s1", 1), testFeature("s2", 2)))
		case 2:
			if r.Method != "GET" {
				t.Errorf("next-page request method = %s, want GET", r.Method)
			}
			fmt.Fprint(w, featurePage("", testFeature("s3", 3)))
		default:
			t.Errorf("unexpected request %d", n)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	results, err := c.Search(context.Background(), &SearchRequest{
		Region:      testRegion(),
		Collections: []string{"sentinel-2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	assets, err := results.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 3 {
		t.Fatalf("got %d assets, want 3", len(assets))
	}
	ids := []string{assets[0].ID, assets[1].ID, assets[2].ID}
	if !reflect.DeepEqual(ids, []string{"s1", "s2", "s3"}) {
		t.Errorf("ids: got %v", ids)
	}
	a := assets[0]
	if a.Collection != "sentinel-2" || a.URI != "s3://tiles/s1.nc" {
		t.Errorf("asset = %+v", a)
	}
	if !a.Time.Equal(time.Date(2023, 6, 1, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("time = %v", a.Time)
	}
	if a.TileNx != 4 || a.TileNy != 4 {
		t.Errorf("tile shape = %d×%d", a.TileNy, a.TileNx)
	}
	if a.Properties["eo:cloud_cover"] != 12.5 {
		t.Errorf("properties = %v", a.Properties)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("made %d requests, want 2", n)
	}
	// After the last asset the sequence reports io.EOF.
	if _, err := results.Next(context.Background()); err != io.EOF {
		t.Errorf("Next after exhaustion = %v, want io.EOF", err)
	}
}

func TestSearchIsLazy(t *testing.T) {
	var requests int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		fmt.Fprint(w, featurePage(srv.URL+"/page2", testFeature("s1", 1)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	results, err := c.Search(context.Background(), &SearchRequest{
		Region:      testRegion(),
		Collections: []string{"sentinel-2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := results.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	// Only the first page has been fetched; the second page is not
	// requested until the first is exhausted.
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("made %d requests before exhausting the first page, want 1", n)
	}
}

func TestSearchValidation(t *testing.T) {
	tests := []struct {
		name   string
		req    *SearchRequest
		substr string
	}{
		{
			name:   "no region",
			req:    &SearchRequest{Collections: []string{"c"}},
			substr: "region is required",
		},
		{
			name:   "no collections",
			req:    &SearchRequest{Region: testRegion()},
			substr: "collection is required",
		},
		{
			name: "end before start",
			req: &SearchRequest{
				Region:      testRegion(),
				Collections: []string{"c"},
				Time: TimeInterval{
					Start: time.Date(2023, 6, 10, 0, 0, 0, 0, time.UTC),
					End:   time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
				},
			},
			substr: "precedes",
		},
		{
			name: "invalid filter operator",
			req: &SearchRequest{
				Region:      testRegion(),
				Collections: []string{"c"},
				Filters:     []Filter{{Field: "eo:cloud_cover", Op: "before", Value: 10}},
			},
			substr: `invalid filter operator "before"`,
		},
	}
	c := NewClient("http://catalog.invalid")
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := c.Search(context.Background(), test.req)
			if err == nil {
				t.Fatal("expected an error")
			}
			if _, ok := err.(*QueryError); !ok {
				t.Fatalf("error is %T, want *QueryError", err)
			}
			if !strings.Contains(err.Error(), test.substr) {
				t.Errorf("error %q does not mention %q", err, test.substr)
			}
		})
	}
}

func TestSearchRequestBody(t *testing.T) {
	var got body
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		fmt.Fprint(w, featurePage(""))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Search(context.Background(), &SearchRequest{
		Region:      testRegion(),
		Collections: []string{"sentinel-2", "landsat-8"},
		Time: TimeInterval{
			Start: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		Filters:  []Filter{{Field: "eo:cloud_cover", Op: "lt", Value: 20}},
		PageSize: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Collections, []string{"sentinel-2", "landsat-8"}) {
		t.Errorf("collections: got %v", got.Collections)
	}
	if got.Datetime != "2023-06-01T00:00:00Z/.." {
		t.Errorf("datetime: got %q", got.Datetime)
	}
	if got.Limit != 50 {
		t.Errorf("limit: got %d", got.Limit)
	}
	if len(got.Query) != 1 || got.Query[0].Op != "lt" {
		t.Errorf("query: got %+v", got.Query)
	}
	if got.Intersects == nil {
		t.Error("intersects geometry is missing")
	}
}

func TestSearchRetriesServerErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, featurePage("", testFeature("s1", 1)))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	results, err := c.Search(context.Background(), &SearchRequest{
		Region:      testRegion(),
		Collections: []string{"sentinel-2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	assets, err := results.All(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 1 {
		t.Errorf("got %d assets, want 1", len(assets))
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Errorf("made %d requests, want 3", n)
	}
}

func TestSearchClientErrorIsPermanent(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Search(context.Background(), &SearchRequest{
		Region:      testRegion(),
		Collections: []string{"sentinel-2"},
	})
	qe, ok := err.(*QueryError)
	if !ok {
		t.Fatalf("error is %T, want *QueryError", err)
	}
	if qe.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", qe.StatusCode, http.StatusBadRequest)
	}
	// Client errors are not retried.
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("made %d requests, want 1", n)
	}
}

func TestTimeInterval(t *testing.T) {
	start := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC)
	iv := TimeInterval{Start: start, End: end}
	if got := iv.encode(); got != "2023-06-01T00:00:00Z/2023-06-30T00:00:00Z" {
		t.Errorf("encode: got %q", got)
	}
	if got := (TimeInterval{Start: start}).encode(); got != "2023-06-01T00:00:00Z/.." {
		t.Errorf("open end: got %q", got)
	}
	if got := (TimeInterval{}).encode(); got != "../.." {
		t.Errorf("open interval: got %q", got)
	}
	if !iv.Contains(start) || !iv.Contains(end) {
		t.Error("interval should contain its endpoints")
	}
	if iv.Contains(start.Add(-time.Second)) || iv.Contains(end.Add(time.Second)) {
		t.Error("interval should not contain points outside it")
	}
	if !(TimeInterval{}).Contains(start) {
		t.Error("the open interval contains everything")
	}
}

func TestSortAssets(t *testing.T) {
	t1 := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC)
	assets := []*AssetDescriptor{
		{ID: "c", Time: t2},
		{ID: "b", Time: t1},
		{ID: "a", Time: t2},
	}
	SortAssets(assets)
	ids := []string{assets[0].ID, assets[1].ID, assets[2].ID}
	if !reflect.DeepEqual(ids, []string{"b", "a", "c"}) {
		t.Errorf("got %v", ids)
	}
}
