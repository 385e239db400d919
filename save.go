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
	"io"
	"io/ioutil"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ctessum/cdf"
	"github.com/ctessum/sparse"
	"github.com/google/go-cloud/blob"

	"github.com/spatialmodel/rastercube/tilestore"
)

var varNameRe = regexp.MustCompile(`\W`)

// varName converts a band name to a NetCDF-safe variable name.
func varName(band string) string {
	s := varNameRe.ReplaceAllString(band, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "band"
	}
	return s
}

// Save writes r to f in NetCDF format. Each band becomes one
// [time, y, x] variable; the grid geometry and axis labels are
// stored in attributes and coordinate variables so that Load can
// reconstruct the result.
func (r *MaterializedResult) Save(f *os.File) error {
	h := cdf.NewHeader(
		[]string{"time", "y", "x"},
		[]int{len(r.Times), r.Grid.Ny, r.Grid.Nx},
	)
	h.AddAttribute("", "proj", r.Grid.Proj)
	h.AddAttribute("", "x0", []float64{r.Grid.X0})
	h.AddAttribute("", "y0", []float64{r.Grid.Y0})
	h.AddAttribute("", "dx", []float64{r.Grid.Dx})
	h.AddAttribute("", "dy", []float64{r.Grid.Dy})
	h.AddVariable("time", []string{"time"}, []float64{0})
	h.AddAttribute("time", "units", "seconds since 1970-01-01 00:00:00 UTC")
	h.AddVariable("x", []string{"x"}, []float64{0})
	h.AddVariable("y", []string{"y"}, []float64{0})
	names := make([]string, len(r.Bands))
	for bi, band := range r.Bands {
		name := varName(band)
		for _, prev := range names[:bi] {
			if prev == name {
				name = fmt.Sprintf("%s_%d", name, bi)
				break
			}
		}
		names[bi] = name
		h.AddVariable(name, []string{"time", "y", "x"}, []float64{0})
		h.AddAttribute(name, "band", band)
	}
	h.Define()
	if errs := h.Check(); len(errs) != 0 {
		return fmt.Errorf("rastercube: invalid result header: %v", errs)
	}
	cf, err := cdf.Create(f, h)
	if err != nil {
		return err
	}
	times := make([]float64, len(r.Times))
	for i, t := range r.Times {
		times[i] = float64(t.Unix())
	}
	for _, v := range []struct {
		name string
		data []float64
	}{{"time", times}, {"x", r.X}, {"y", r.Y}} {
		if _, err := cf.Writer(v.name, nil, nil).Write(v.data); err != nil {
			return fmt.Errorf("rastercube: writing %s axis: %v", v.name, err)
		}
	}
	buf := make([]float64, len(r.Times)*r.Grid.Ny*r.Grid.Nx)
	for bi, name := range names {
		for ti := range r.Times {
			for row := 0; row < r.Grid.Ny; row++ {
				for col := 0; col < r.Grid.Nx; col++ {
					buf[(ti*r.Grid.Ny+row)*r.Grid.Nx+col] = r.At(ti, bi, row, col)
				}
			}
		}
		if _, err := cf.Writer(name, nil, nil).Write(buf); err != nil {
			return fmt.Errorf("rastercube: writing band %s: %v", r.Bands[bi], err)
		}
	}
	return cdf.UpdateNumRecs(f)
}

// Load reads a result previously written by Save.
func Load(rw cdf.ReaderWriterAt) (*MaterializedResult, error) {
	cf, err := cdf.Open(rw)
	if err != nil {
		return nil, err
	}
	g := &GridDef{}
	p := cf.Header.GetAttribute("", "proj")
	ps, ok := p.(string)
	if !ok {
		return nil, fmt.Errorf("rastercube: result file has no projection attribute")
	}
	for _, a := range []struct {
		name string
		dst  *float64
	}{{"x0", &g.X0}, {"y0", &g.Y0}, {"dx", &g.Dx}, {"dy", &g.Dy}} {
		v, ok := cf.Header.GetAttribute("", a.name).([]float64)
		if !ok || len(v) == 0 {
			return nil, fmt.Errorf("rastercube: result file is missing attribute %q", a.name)
		}
		*a.dst = v[0]
	}
	r := &MaterializedResult{}
	readVar := func(name string) ([]float64, error) {
		rd := cf.Reader(name, nil, nil)
		buf := rd.Zero(-1)
		if _, err := rd.Read(buf); err != nil && err != io.EOF {
			return nil, fmt.Errorf("rastercube: reading %s: %v", name, err)
		}
		d, ok := buf.([]float64)
		if !ok {
			return nil, fmt.Errorf("rastercube: variable %s has type %T; need float64", name, buf)
		}
		return d, nil
	}
	times, err := readVar("time")
	if err != nil {
		return nil, err
	}
	for _, t := range times {
		r.Times = append(r.Times, time.Unix(int64(t), 0).UTC())
	}
	if r.X, err = readVar("x"); err != nil {
		return nil, err
	}
	if r.Y, err = readVar("y"); err != nil {
		return nil, err
	}
	g.Nx, g.Ny = len(r.X), len(r.Y)
	gg, err := NewGridRegular(g.Nx, g.Ny, g.Dx, g.Dy, g.X0, g.Y0, ps)
	if err != nil {
		return nil, fmt.Errorf("rastercube: parsing result projection: %v", err)
	}
	r.Grid = gg

	var names []string
	for _, v := range cf.Header.Variables() {
		if v == "time" || v == "x" || v == "y" {
			continue
		}
		names = append(names, v)
		band := v
		if b, ok := cf.Header.GetAttribute(v, "band").(string); ok {
			band = b
		}
		r.Bands = append(r.Bands, band)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("rastercube: result file contains no bands")
	}
	r.Data = sparse.ZerosDense(len(r.Times), len(names), g.Ny, g.Nx)
	for bi, name := range names {
		d, err := readVar(name)
		if err != nil {
			return nil, err
		}
		for ti := range r.Times {
			for row := 0; row < g.Ny; row++ {
				for col := 0; col < g.Nx; col++ {
					r.Data.Set(d[(ti*g.Ny+row)*g.Nx+col], ti, bi, row, col)
				}
			}
		}
	}
	return r, nil
}

// Persist computes the graph and writes the materialized result to
// dst, which may be a local path or a gs://, s3://, or file:// blob
// URI. The saved file can be read back with Load.
func (e *Engine) Persist(ctx context.Context, g *TaskGraph, dst string) (*MaterializedResult, error) {
	r, err := e.Compute(ctx, g)
	if err != nil {
		return nil, err
	}
	if err := r.SaveFile(ctx, dst); err != nil {
		return nil, err
	}
	return r, nil
}

// SaveFile writes r to the named location, which may be a local path
// or a gs://, s3://, or file:// blob URI. Blob destinations are
// staged through a temporary local file.
func (r *MaterializedResult) SaveFile(ctx context.Context, path string) error {
	if !tilestore.IsBlob(path) {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return r.Save(f)
	}
	tmp, err := ioutil.TempFile("", "rastercube")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if err := r.Save(tmp); err != nil {
		return err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	u, err := url.Parse(path)
	if err != nil {
		return err
	}
	bucket, err := tilestore.OpenBucket(ctx, u.Scheme+"://"+u.Host)
	if err != nil {
		return err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		key = filepath.Base(tmp.Name())
	}
	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{})
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, tmp); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
