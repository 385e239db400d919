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

package rastercubeutil

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
	"github.com/lnashier/viper"
	"github.com/spf13/cast"

	"github.com/spatialmodel/rastercube"
	"github.com/spatialmodel/rastercube/catalog"
)

// searchRequest assembles a catalog search request from the
// configuration.
func searchRequest(cfg *viper.Viper) (*catalog.SearchRequest, error) {
	region, err := searchRegion(cfg)
	if err != nil {
		return nil, err
	}
	interval, err := timeInterval(cfg.GetString("Catalog.Begin"), cfg.GetString("Catalog.End"))
	if err != nil {
		return nil, err
	}
	filters, err := searchFilters(cfg)
	if err != nil {
		return nil, err
	}
	return &catalog.SearchRequest{
		Region:      region,
		Time:        interval,
		Collections: cfg.GetStringSlice("Catalog.Collections"),
		Filters:     filters,
		PageSize:    cfg.GetInt("Catalog.PageSize"),
	}, nil
}

// searchRegion reads the region of interest from either the
// Catalog.RegionFile GeoJSON file or the Catalog.Bounds rectangle
// [w, s, e, n].
func searchRegion(cfg *viper.Viper) (geom.Polygonal, error) {
	if fname := os.ExpandEnv(cfg.GetString("Catalog.RegionFile")); fname != "" {
		d, err := ioutil.ReadFile(fname)
		if err != nil {
			return nil, fmt.Errorf("rastercube: reading region file: %v", err)
		}
		g, err := geojson.Decode(d)
		if err != nil {
			return nil, fmt.Errorf("rastercube: decoding region file %s: %v", fname, err)
		}
		p, ok := g.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("rastercube: region file %s holds %T; polygon required", fname, g)
		}
		return p, nil
	}
	b, err := toFloat64Slice(cfg.Get("Catalog.Bounds"))
	if err != nil || len(b) != 4 {
		return nil, fmt.Errorf("rastercube: Catalog.Bounds must be 4 numbers [w s e n]; got %v", cfg.Get("Catalog.Bounds"))
	}
	return geom.Polygon{{
		{X: b[0], Y: b[1]}, {X: b[2], Y: b[1]},
		{X: b[2], Y: b[3]}, {X: b[0], Y: b[3]}, {X: b[0], Y: b[1]},
	}}, nil
}

func timeInterval(begin, end string) (catalog.TimeInterval, error) {
	var iv catalog.TimeInterval
	var err error
	if begin != "" {
		if iv.Start, err = time.Parse(time.RFC3339, begin); err != nil {
			return iv, fmt.Errorf("rastercube: parsing Catalog.Begin: %v", err)
		}
	}
	if end != "" {
		if iv.End, err = time.Parse(time.RFC3339, end); err != nil {
			return iv, fmt.Errorf("rastercube: parsing Catalog.End: %v", err)
		}
	}
	return iv, nil
}

// searchFilters parses the Catalog.Filters map, where each key is a
// property name and each value is an "op value" pair such as
// "lt 10".
func searchFilters(cfg *viper.Viper) ([]catalog.Filter, error) {
	raw := getStringMapString("Catalog.Filters", cfg)
	var filters []catalog.Filter
	for field, spec := range raw {
		parts := strings.Fields(spec)
		if len(parts) != 2 {
			return nil, fmt.Errorf("rastercube: filter for %q must be 'op value'; got %q", field, spec)
		}
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("rastercube: filter value for %q: %v", field, err)
		}
		filters = append(filters, catalog.Filter{Field: field, Op: parts[0], Value: v})
	}
	return filters, nil
}

// buildConfig assembles the array builder configuration.
func buildConfig(cfg *viper.Viper) (*rastercube.BuildConfig, error) {
	resampling, err := rastercube.ParseResampling(cfg.GetString("Grid.Resampling"))
	if err != nil {
		return nil, err
	}
	c := &rastercube.BuildConfig{
		SR:         cfg.GetString("Grid.Proj"),
		Dx:         cfg.GetFloat64("Grid.Dx"),
		Dy:         cfg.GetFloat64("Grid.Dy"),
		Bands:      cfg.GetStringSlice("Grid.Bands"),
		Resampling: resampling,
	}
	if cfg.GetBool("Grid.OverlapFirst") {
		c.Overlap = rastercube.OverlapFirst
	}
	if b := cfg.Get("Grid.Bounds"); b != nil {
		bf, err := toFloat64Slice(b)
		if err == nil && len(bf) == 4 {
			c.Bounds = &geom.Bounds{
				Min: geom.Point{X: bf[0], Y: bf[1]},
				Max: geom.Point{X: bf[2], Y: bf[3]},
			}
		} else if err == nil && len(bf) != 0 {
			return nil, fmt.Errorf("rastercube: Grid.Bounds must be 4 numbers [w s e n]; got %v", b)
		}
	}
	return c, nil
}

// engine assembles the execution engine configuration.
func engine(cfg *viper.Viper) (*rastercube.Engine, error) {
	e := &rastercube.Engine{
		Workers:      cfg.GetInt("Compute.Workers"),
		MaxRetries:   uint64(cfg.GetInt("Compute.MaxRetries")),
		CacheSize:    cfg.GetInt("Compute.CacheSize"),
		ChunkSize:    cfg.GetInt("Compute.ChunkSize"),
		AllowPartial: cfg.GetBool("Compute.AllowPartial"),
	}
	if s := cfg.GetString("Compute.ReadTimeout"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("rastercube: parsing Compute.ReadTimeout: %v", err)
		}
		e.ReadTimeout = d
	}
	return e, nil
}

// transform applies the configured Select, BandExpr, Coarsen, and
// Reduce operations to v.
func transform(cfg *viper.Viper, v *rastercube.VirtualArray) (*rastercube.VirtualArray, error) {
	for name, expr := range getStringMapString("Compute.BandExpr", cfg) {
		v = v.BandExpr(name, expr)
	}
	if f := cfg.GetInt("Compute.Coarsen"); f > 1 {
		method := rastercube.ResampleAverage
		if cfg.GetString("Grid.Resampling") == "nearest" {
			method = rastercube.ResampleNearest
		}
		v = v.Coarsen(f, method)
	}
	if op := cfg.GetString("Compute.Reduce"); op != "" {
		axes := cfg.GetStringSlice("Compute.ReduceAxes")
		how, err := parseReduceOp(op)
		if err != nil {
			return nil, err
		}
		v = v.Reduce(how, axes...)
	}
	return v, nil
}

func parseReduceOp(s string) (rastercube.ReduceOp, error) {
	switch s {
	case "mean":
		return rastercube.ReduceMean, nil
	case "sum":
		return rastercube.ReduceSum, nil
	case "max":
		return rastercube.ReduceMax, nil
	case "min":
		return rastercube.ReduceMin, nil
	case "count":
		return rastercube.ReduceCount, nil
	}
	return 0, fmt.Errorf("rastercube: invalid reduce operation %q", s)
}

// toFloat64Slice converts a configuration value, which may be a
// slice or a space-separated string, to a slice of floats.
func toFloat64Slice(i interface{}) ([]float64, error) {
	if s, ok := i.(string); ok {
		var out []float64
		for _, f := range strings.Fields(s) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	raw, err := cast.ToSliceE(i)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for j, r := range raw {
		if out[j], err = cast.ToFloat64E(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// getStringMapString returns a map of strings for the given
// configuration variable, accounting for the fact that command-line
// flags hold maps in JSON format.
func getStringMapString(varName string, cfg *viper.Viper) map[string]string {
	i := cfg.Get(varName)
	if s, ok := i.(string); ok {
		out := make(map[string]string)
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil
		}
		return out
	}
	return cast.ToStringMapString(i)
}
