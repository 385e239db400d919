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
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/index/rtree"
	goshp "github.com/jonas-p/go-shp"
	"gonum.org/v1/gonum/floats"
)

// An Outputter writes materialized results to a shapefile, with one
// polygon per grid cell. Output variables are expressions over the
// result's band names; a variable that is just a band name passes
// the band through unchanged.
type Outputter struct {
	fileName        string
	outputVariables map[string]string
	outputFunctions map[string]govaluate.ExpressionFunction
}

// NewOutputter initializes a new Outputter holder and adds a set of
// default output functions. Default functions include:
//
// 'exp(x)' which applies the exponential function e^x.
//
// 'log(x)' which applies the natural logarithm.
//
// 'sqrt(x)' which applies the square root.
//
// 'sum(x)' which sums a variable across all grid cells.
func NewOutputter(fileName string, outputVariables map[string]string, outputFunctions map[string]govaluate.ExpressionFunction) (*Outputter, error) {
	defaultOutputFuncs := map[string]govaluate.ExpressionFunction{
		"exp": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("rastercube: got %d arguments for function 'exp', but needs 1", len(arg))
			}
			return (float64)(math.Exp(arg[0].(float64))), nil
		},
		"log": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("rastercube: got %d arguments for function 'log', but needs 1", len(arg))
			}
			return (float64)(math.Log(arg[0].(float64))), nil
		},
		"sqrt": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("rastercube: got %d arguments for function 'sqrt', but needs 1", len(arg))
			}
			return (float64)(math.Sqrt(arg[0].(float64))), nil
		},
		"sum": func(arg ...interface{}) (interface{}, error) {
			if len(arg) != 1 {
				return nil, fmt.Errorf("rastercube: got %d arguments for function 'sum', but needs 1", len(arg))
			}
			return floats.Sum(arg[0].([]float64)), nil
		},
	}
	for key, val := range outputFunctions {
		defaultOutputFuncs[key] = val
	}
	o := &Outputter{
		fileName:        fileName,
		outputVariables: outputVariables,
		outputFunctions: defaultOutputFuncs,
	}
	if err := checkOutputNames(o.outputVariables); err != nil {
		return nil, err
	}
	return o, nil
}

// checkOutputNames checks (1) if any output variable names exceed 10
// characters and (2) if any output variable names include characters
// that are unsupported in shapefile field names.
func checkOutputNames(o map[string]string) error {
	for key := range o {
		long := len(key) > 10
		ok, err := regexp.MatchString("^[A-Za-z]\\w*$", key)
		if err != nil {
			panic(err)
		}
		if long && !ok {
			return fmt.Errorf("rastercube: output variable name '%s' exceeds 10 characters and includes unsupported character(s)", key)
		} else if long {
			return fmt.Errorf("rastercube: output variable name '%s' exceeds 10 characters", key)
		} else if !ok {
			return fmt.Errorf("rastercube: output variable name '%s' includes unsupported characters", key)
		}
	}
	return nil
}

// Output writes the given time slice of r to the shapefile, with one
// field per output variable. A .prj file holding the grid projection
// is written alongside.
func (o *Outputter) Output(r *MaterializedResult, ti int) error {
	if ti < 0 || ti >= len(r.Times) {
		return fmt.Errorf("rastercube: time index %d out of range [0,%d)", ti, len(r.Times))
	}
	results, err := o.results(r, ti)
	if err != nil {
		return err
	}
	vars := make([]string, 0, len(results))
	for v := range results {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	fields := make([]goshp.Field, len(vars))
	for i, v := range vars {
		fields[i] = goshp.FloatField(v, 14, 8)
	}

	// remove extension and replace it with .shp
	fileBase := strings.TrimSuffix(o.fileName, filepath.Ext(o.fileName))
	fileName := fileBase + ".shp"
	shape, err := shp.NewEncoderFromFields(fileName, goshp.POLYGON, fields...)
	if err != nil {
		return fmt.Errorf("error creating output shapefile: %v", err)
	}
	for row := 0; row < r.Grid.Ny; row++ {
		for col := 0; col < r.Grid.Nx; col++ {
			i := row*r.Grid.Nx + col
			outFields := make([]interface{}, len(vars))
			for j, v := range vars {
				outFields[j] = results[v][i]
			}
			if err := shape.EncodeFields(r.Grid.CellPolygon(row, col), outFields...); err != nil {
				return fmt.Errorf("error writing output shapefile: %v", err)
			}
		}
	}
	shape.Close()

	// Create .prj file
	f, err := os.Create(fileBase + ".prj")
	if err != nil {
		return fmt.Errorf("error creating output prj file: %v", err)
	}
	fmt.Fprint(f, r.Grid.Proj)
	f.Close()
	return nil
}

// results evaluates the output variable expressions against time
// slice ti of r, returning one value per grid cell for each output
// variable.
func (o *Outputter) results(r *MaterializedResult, ti int) (map[string][]float64, error) {
	n := r.Grid.Ny * r.Grid.Nx
	bandData := make(map[string][]float64, len(r.Bands))
	for bi, b := range r.Bands {
		d := make([]float64, n)
		for row := 0; row < r.Grid.Ny; row++ {
			for col := 0; col < r.Grid.Nx; col++ {
				d[row*r.Grid.Nx+col] = r.At(ti, bi, row, col)
			}
		}
		bandData[b] = d
	}
	out := make(map[string][]float64, len(o.outputVariables))
	for name, exprStr := range o.outputVariables {
		expression, err := govaluate.NewEvaluableExpressionWithFunctions(exprStr, o.outputFunctions)
		if err != nil {
			return nil, fmt.Errorf("rastercube: parsing output variable %s: %v", name, err)
		}
		for _, v := range expression.Vars() {
			if _, ok := bandData[v]; !ok {
				return nil, fmt.Errorf("rastercube: output variable %s references unknown band '%s'", name, v)
			}
		}
		d := make([]float64, n)
		params := make(map[string]interface{})
		for i := 0; i < n; i++ {
			for _, v := range expression.Vars() {
				params[v] = bandData[v][i]
			}
			result, err := expression.Evaluate(params)
			if err != nil {
				return nil, fmt.Errorf("rastercube: evaluating output variable %s: %v", name, err)
			}
			f, ok := result.(float64)
			if !ok {
				return nil, fmt.Errorf("rastercube: output variable %s returned %T; need a number", name, result)
			}
			d[i] = f
		}
		out[name] = d
	}
	return out, nil
}

// gridIndexCell ties a cell polygon to its position in a data slice
// for rtree lookups.
type gridIndexCell struct {
	geom.Polygonal
	index int
}

// Regrid regrids concentration data from one spatial grid to a
// different one, allocating values to new cells by their area of
// overlap with the old ones.
func Regrid(oldGeom, newGeom []geom.Polygonal, oldData []float64) (newData []float64, err error) {
	if len(oldGeom) != len(oldData) {
		return nil, fmt.Errorf("rastercube: oldGeom and oldData have different lengths: %d!=%d",
			len(oldGeom), len(oldData))
	}
	index := rtree.NewTree(25, 50)
	for i, g := range oldGeom {
		index.Insert(&gridIndexCell{Polygonal: g, index: i})
	}
	newData = make([]float64, len(newGeom))
	for i, g := range newGeom {
		for _, cI := range index.SearchIntersect(g.Bounds()) {
			c := cI.(*gridIndexCell)
			isect := g.Intersection(c.Polygonal)
			if isect == nil {
				continue
			}
			a := isect.Area()
			if a == 0 {
				continue
			}
			v := oldData[c.index]
			if math.IsNaN(v) {
				continue
			}
			newData[i] += v * a / c.Polygonal.Area()
		}
	}
	return newData, nil
}

// CellPolygons returns the polygons of every cell of the grid in
// row-major order, for use with Regrid.
func (g *GridDef) CellPolygons() []geom.Polygonal {
	out := make([]geom.Polygonal, 0, g.Ny*g.Nx)
	for row := 0; row < g.Ny; row++ {
		for col := 0; col < g.Nx; col++ {
			out = append(out, g.CellPolygon(row, col))
		}
	}
	return out
}
