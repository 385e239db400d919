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

package tilestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"math"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"

	"github.com/spatialmodel/rastercube/catalog"
)

// NetCDF reads tiles stored as NetCDF files. The expected layout is
// one float64 or float32 variable per band with dimensions [y, x],
// plus global attributes x0, y0, dx, and dy giving the pixel grid
// geotransform. Row 0 is the southernmost row.
//
// Tile locations are given by asset URIs. Supported schemes are
// plain file paths, file://, http://, https://, gs://, and s3://.
type NetCDF struct {
	// HTTPClient is used for http and https URIs. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	mx      sync.Mutex
	buckets map[string]*bucketHandle
}

// ReadTile implements the Reader interface.
func (s *NetCDF) ReadTile(ctx context.Context, asset *catalog.AssetDescriptor, band string) (*Tile, error) {
	if !asset.HasBand(band) {
		return nil, fmt.Errorf("tilestore: asset %s does not contain band %q", asset.ID, band)
	}
	data, err := s.fetch(ctx, asset.URI)
	if err != nil {
		return nil, fmt.Errorf("tilestore: fetching %s: %v", asset.URI, err)
	}
	t, err := DecodeTile(data, band)
	if err != nil {
		return nil, fmt.Errorf("tilestore: decoding %s: %v", asset.URI, err)
	}
	return t, nil
}

// fetch retrieves the raw bytes of the file at uri.
func (s *NetCDF) fetch(ctx context.Context, uri string) ([]byte, error) {
	switch {
	case strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://"):
		return s.fetchHTTP(ctx, uri)
	case IsBlob(uri):
		return s.fetchBlob(ctx, uri)
	default:
		return ioutil.ReadFile(uri)
	}
}

func (s *NetCDF) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *NetCDF) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequest("GET", uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient().Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return ioutil.ReadAll(resp.Body)
}

func (s *NetCDF) fetchBlob(ctx context.Context, uri string) ([]byte, error) {
	b, key, err := s.bucket(ctx, uri)
	if err != nil {
		return nil, err
	}
	r, err := b.NewReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return ioutil.ReadAll(r)
}

// readerWriterAt adapts an in-memory buffer to the interface the
// NetCDF decoder wants. The tiles are read-only; writes are refused.
type readerWriterAt struct {
	*bytes.Reader
}

func (r readerWriterAt) WriteAt(p []byte, off int64) (int, error) {
	return 0, fmt.Errorf("tilestore: tile is read-only")
}

// DecodeTile decodes one band from NetCDF-encoded tile data.
func DecodeTile(data []byte, band string) (*Tile, error) {
	f, err := cdf.Open(readerWriterAt{bytes.NewReader(data)})
	if err != nil {
		return nil, err
	}
	t := &Tile{}
	for _, a := range []struct {
		name string
		dst  *float64
	}{{"x0", &t.X0}, {"y0", &t.Y0}, {"dx", &t.Dx}, {"dy", &t.Dy}} {
		v := f.Header.GetAttribute("", a.name)
		if v == nil {
			return nil, fmt.Errorf("missing global attribute %q", a.name)
		}
		fv, ok := v.([]float64)
		if !ok || len(fv) == 0 {
			return nil, fmt.Errorf("global attribute %q is %T; need float64", a.name, v)
		}
		*a.dst = fv[0]
	}
	lens := f.Header.Lengths(band)
	if len(lens) != 2 {
		return nil, fmt.Errorf("band %q has %d dimensions; need 2", band, len(lens))
	}
	r := f.Reader(band, nil, nil)
	buf := r.Zero(-1)
	if _, err := r.Read(buf); err != nil && err != io.EOF {
		return nil, err
	}
	t.Data = sparse.ZerosDense(lens...)
	switch d := buf.(type) {
	case []float64:
		copy(t.Data.Elements, d)
	case []float32:
		for i, v := range d {
			t.Data.Elements[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("band %q has unsupported type %T", band, buf)
	}
	return t, nil
}

// WriteTile encodes tiles for the named bands as a NetCDF file. All
// bands must have the same shape as t, whose geotransform is used
// for the whole file.
func WriteTile(w *os.File, bands map[string]*Tile) error {
	var first *Tile
	var names []string
	for name, t := range bands {
		if first == nil {
			first = t
		} else if t.Data.Shape[0] != first.Data.Shape[0] || t.Data.Shape[1] != first.Data.Shape[1] {
			return fmt.Errorf("tilestore: band %q shape %v does not match %v",
				name, t.Data.Shape, first.Data.Shape)
		}
		names = append(names, name)
	}
	if first == nil {
		return fmt.Errorf("tilestore: no bands to write")
	}
	h := cdf.NewHeader([]string{"y", "x"}, first.Data.Shape)
	h.AddAttribute("", "x0", []float64{first.X0})
	h.AddAttribute("", "y0", []float64{first.Y0})
	h.AddAttribute("", "dx", []float64{first.Dx})
	h.AddAttribute("", "dy", []float64{first.Dy})
	for _, name := range names {
		h.AddVariable(name, []string{"y", "x"}, []float64{0})
		h.AddAttribute(name, "_FillValue", []float64{math.NaN()})
	}
	h.Define()
	if errs := h.Check(); len(errs) != 0 {
		return fmt.Errorf("tilestore: invalid tile header: %v", errs)
	}
	f, err := cdf.Create(w, h)
	if err != nil {
		return err
	}
	for _, name := range names {
		wr := f.Writer(name, nil, nil)
		if _, err := wr.Write(bands[name].Data.Elements); err != nil {
			return err
		}
	}
	return cdf.UpdateNumRecs(w)
}
