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
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
)

func TestCheckOutputNames(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		ok   bool
	}{
		{"valid", map[string]string{"ndvi": "ndvi", "red2": "red * 2"}, true},
		{"too long", map[string]string{"averagendvi": "ndvi"}, false},
		{"bad characters", map[string]string{"nd vi": "ndvi"}, false},
		{"leading digit", map[string]string{"2ndvi": "ndvi"}, false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewOutputter("out.shp", test.vars, nil)
			if (err == nil) != test.ok {
				t.Errorf("got %v, ok=%v", err, test.ok)
			}
		})
	}
}

func TestOutputterResults(t *testing.T) {
	r := computeTestResult(t)
	o, err := NewOutputter("out.shp", map[string]string{
		"ndvi": "ndvi",
		"half": "red / 2",
		"e":    "exp(0)",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	results, err := o.results(r, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := results["ndvi"][0]; !approxEqual(got, 0.5) {
		t.Errorf("ndvi = %g, want 0.5", got)
	}
	if got := results["half"][0]; got != 0.5 {
		t.Errorf("half = %g, want 0.5", got)
	}
	if got := results["e"][0]; got != 1 {
		t.Errorf("e = %g, want 1", got)
	}

	// An expression that names a band the result does not have fails.
	o, err = NewOutputter("out.shp", map[string]string{"bad": "thermal * 2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.results(r, 0); err == nil {
		t.Error("expected an error for an unknown band")
	}
}

func TestOutputShapefile(t *testing.T) {
	r := computeTestResult(t)
	dir := tempDir(t)
	fname := filepath.Join(dir, "result.shp")
	o, err := NewOutputter(fname, map[string]string{"ndvi": "ndvi"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Output(r, 0); err != nil {
		t.Fatal(err)
	}
	for _, ext := range []string{".shp", ".dbf", ".shx", ".prj"} {
		p := filepath.Join(dir, "result"+ext)
		fi, err := os.Stat(p)
		if err != nil {
			t.Errorf("missing output file %s: %v", p, err)
			continue
		}
		if fi.Size() == 0 {
			t.Errorf("output file %s is empty", p)
		}
	}
	if err := o.Output(r, 5); err == nil {
		t.Error("expected an error for an out-of-range time index")
	}
}

func TestRegrid(t *testing.T) {
	coarse, err := NewGridRegular(1, 1, 2, 2, 0, 0, testProj)
	if err != nil {
		t.Fatal(err)
	}
	fine, err := NewGridRegular(2, 2, 1, 1, 0, 0, testProj)
	if err != nil {
		t.Fatal(err)
	}
	// One coarse cell holding 8 splits evenly into four fine cells.
	got, err := Regrid(coarse.CellPolygons(), fine.CellPolygons(), []float64{8})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if !approxEqual(v, 2) {
			t.Errorf("cell %d = %g, want 2", i, v)
		}
	}
	// NaN source cells contribute nothing.
	got, err = Regrid(coarse.CellPolygons(), fine.CellPolygons(), []float64{math.NaN()})
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range got {
		if v != 0 {
			t.Errorf("cell %d = %g, want 0", i, v)
		}
	}
	if _, err := Regrid(coarse.CellPolygons(), fine.CellPolygons(), []float64{1, 2}); err == nil {
		t.Error("expected an error for mismatched lengths")
	}
}

func TestCellPolygons(t *testing.T) {
	g, err := NewGridRegular(2, 2, 1, 1, 0, 0, testProj)
	if err != nil {
		t.Fatal(err)
	}
	polys := g.CellPolygons()
	if len(polys) != 4 {
		t.Fatalf("got %d polygons, want 4", len(polys))
	}
	var area float64
	for _, p := range polys {
		area += p.Area()
	}
	if !approxEqual(area, 4) {
		t.Errorf("total area = %g, want 4", area)
	}
	// Row-major order starting at the southwest corner.
	c := polys[0].(geom.Polygon).Centroid()
	if c.X != 0.5 || c.Y != 0.5 {
		t.Errorf("first cell centroid = %+v", c)
	}
}
