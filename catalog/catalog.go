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

// Package catalog implements a client for searching remote raster
// tile catalogs. Searches return asset descriptors lazily, fetching
// result pages only as they are consumed.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
)

// DefaultPageSize is the number of assets requested per result page
// when SearchRequest.PageSize is zero.
const DefaultPageSize = 100

// A QueryError is returned when a catalog search cannot be completed,
// either because the request is malformed or because the catalog
// endpoint cannot be reached.
type QueryError struct {
	// URL is the endpoint the failing request was sent to, if any.
	URL string

	// StatusCode is the HTTP status returned by the catalog, or zero
	// if no response was received.
	StatusCode int

	// Reason describes what went wrong.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

func (e *QueryError) Error() string {
	s := "catalog: " + e.Reason
	if e.URL != "" {
		s += fmt.Sprintf(" (url %s)", e.URL)
	}
	if e.StatusCode != 0 {
		s += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// A TimeInterval is a closed time range. A zero Start or End leaves
// that side of the interval open.
type TimeInterval struct {
	Start, End time.Time
}

// Contains reports whether t falls within the interval.
func (iv TimeInterval) Contains(t time.Time) bool {
	if !iv.Start.IsZero() && t.Before(iv.Start) {
		return false
	}
	if !iv.End.IsZero() && t.After(iv.End) {
		return false
	}
	return true
}

func (iv TimeInterval) encode() string {
	s, e := "..", ".."
	if !iv.Start.IsZero() {
		s = iv.Start.Format(time.RFC3339)
	}
	if !iv.End.IsZero() {
		e = iv.End.Format(time.RFC3339)
	}
	return s + "/" + e
}

// A Filter is a comparison against a numeric asset property, for
// example {Field: "eo:cloud_cover", Op: "lt", Value: 10}.
// Valid operators are "lt", "le", "gt", "ge", "eq", and "ne".
type Filter struct {
	Field string  `json:"field"`
	Op    string  `json:"op"`
	Value float64 `json:"value"`
}

var validOps = map[string]struct{}{
	"lt": {}, "le": {}, "gt": {}, "ge": {}, "eq": {}, "ne": {},
}

// A SearchRequest specifies the search filters.
type SearchRequest struct {
	// Region is the spatial region of interest in geographic
	// coordinates. Assets whose footprints intersect the region are
	// returned.
	Region geom.Polygonal

	// Time restricts results to assets acquired within the interval.
	Time TimeInterval

	// Collections lists the collection identifiers to search.
	// At least one is required.
	Collections []string

	// Filters holds attribute predicates that returned assets must
	// satisfy.
	Filters []Filter

	// PageSize is the number of results to request per page.
	// Zero means DefaultPageSize.
	PageSize int
}

func (r *SearchRequest) validate() error {
	if r.Region == nil {
		return &QueryError{Reason: "search region is required"}
	}
	if len(r.Collections) == 0 {
		return &QueryError{Reason: "at least one collection is required"}
	}
	if !r.Time.Start.IsZero() && !r.Time.End.IsZero() && r.Time.End.Before(r.Time.Start) {
		return &QueryError{Reason: fmt.Sprintf("time interval end %v precedes start %v",
			r.Time.End, r.Time.Start)}
	}
	for _, f := range r.Filters {
		if _, ok := validOps[f.Op]; !ok {
			return &QueryError{Reason: fmt.Sprintf("invalid filter operator %q for field %q", f.Op, f.Field)}
		}
	}
	return nil
}

// body is the JSON search request sent to the catalog.
type body struct {
	Intersects  *geojson.Geometry `json:"intersects"`
	Datetime    string            `json:"datetime,omitempty"`
	Collections []string          `json:"collections"`
	Query       []Filter          `json:"query,omitempty"`
	Limit       int               `json:"limit"`
}

// page is the JSON search response: a GeoJSON feature collection
// with an optional link to the next page.
type page struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
	Links    []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

func (p *page) next() string {
	for _, l := range p.Links {
		if l.Rel == "next" {
			return l.Href
		}
	}
	return ""
}

// A Client searches a remote tile catalog.
type Client struct {
	// URL is the catalog search endpoint.
	URL string

	// HTTPClient is the HTTP client used for requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// MaxRetries is the number of times a transient request failure
	// is retried before giving up. The default is 3.
	MaxRetries uint64
}

// NewClient creates a catalog client for the search endpoint at url.
func NewClient(url string) *Client {
	return &Client{URL: url, MaxRetries: 3}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Search validates req and returns a lazy sequence of matching asset
// descriptors. Only the first result page is fetched here; further
// pages are fetched as the results are consumed, so a caller that
// stops early does not pay for the remaining pages.
func (c *Client) Search(ctx context.Context, req *SearchRequest) (*Results, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	g, err := geojson.ToGeoJSON(req.Region)
	if err != nil {
		return nil, &QueryError{Reason: "encoding search region", Err: err}
	}
	limit := req.PageSize
	if limit <= 0 {
		limit = DefaultPageSize
	}
	b, err := json.Marshal(&body{
		Intersects:  g,
		Datetime:    req.Time.encode(),
		Collections: req.Collections,
		Query:       req.Filters,
		Limit:       limit,
	})
	if err != nil {
		return nil, &QueryError{Reason: "encoding search request", Err: err}
	}
	r := &Results{c: c}
	if err := r.fetch(ctx, c.URL, b); err != nil {
		return nil, err
	}
	return r, nil
}

// Results is a lazy sequence of asset descriptors returned by a
// search.
type Results struct {
	c       *Client
	pending []*AssetDescriptor
	next    string // URL of the next page; empty when exhausted.
}

// Next returns the next asset descriptor, fetching the next result
// page if the current one is exhausted. It returns io.EOF after the
// last descriptor.
func (r *Results) Next(ctx context.Context) (*AssetDescriptor, error) {
	for len(r.pending) == 0 {
		if r.next == "" {
			return nil, io.EOF
		}
		if err := r.fetch(ctx, r.next, nil); err != nil {
			return nil, err
		}
	}
	a := r.pending[0]
	r.pending = r.pending[1:]
	return a, nil
}

// All drains the remaining results into a slice.
func (r *Results) All(ctx context.Context) ([]*AssetDescriptor, error) {
	var assets []*AssetDescriptor
	for {
		a, err := r.Next(ctx)
		if err == io.EOF {
			return assets, nil
		}
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
}

// fetch retrieves one result page. If reqBody is non-nil the page is
// requested with POST, otherwise with GET (next-page links are plain
// URLs). Transient failures are retried with exponential backoff.
func (r *Results) fetch(ctx context.Context, url string, reqBody []byte) error {
	var p page
	op := func() error {
		var req *http.Request
		var err error
		if reqBody != nil {
			req, err = http.NewRequest("POST", url, bytes.NewReader(reqBody))
			if err == nil {
				req.Header.Set("Content-Type", "application/json")
			}
		} else {
			req, err = http.NewRequest("GET", url, nil)
		}
		if err != nil {
			return backoff.Permanent(&QueryError{URL: url, Reason: "creating request", Err: err})
		}
		resp, err := r.c.httpClient().Do(req.WithContext(ctx))
		if err != nil {
			return &QueryError{URL: url, Reason: "contacting catalog", Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return &QueryError{URL: url, StatusCode: resp.StatusCode, Reason: "catalog server error"}
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(&QueryError{URL: url, StatusCode: resp.StatusCode,
				Reason: "search rejected"})
		}
		d, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return &QueryError{URL: url, Reason: "reading response", Err: err}
		}
		p = page{}
		if err := json.Unmarshal(d, &p); err != nil {
			return backoff.Permanent(&QueryError{URL: url, Reason: "decoding response", Err: err})
		}
		return nil
	}
	err := backoff.RetryNotify(op,
		backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), r.c.maxRetries()),
		func(err error, d time.Duration) {
			log.Printf("catalog: %v: retrying in %v", err, d)
		},
	)
	if err != nil {
		if qe, ok := err.(*QueryError); ok {
			return qe
		}
		return &QueryError{URL: url, Reason: "search failed", Err: err}
	}
	r.pending = r.pending[:0]
	for i := range p.Features {
		a, err := p.Features[i].asset()
		if err != nil {
			return &QueryError{URL: url, Reason: "invalid feature in response", Err: err}
		}
		r.pending = append(r.pending, a)
	}
	r.next = p.next()
	return nil
}

func (c *Client) maxRetries() uint64 {
	if c.MaxRetries == 0 {
		return 3
	}
	return c.MaxRetries
}
