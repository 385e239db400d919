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
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"

	"github.com/spatialmodel/rastercube/catalog"
)

// Resampling selects how source pixels are mapped onto grid cells.
type Resampling int

const (
	// ResampleNearest takes the source pixel under the cell center.
	ResampleNearest Resampling = iota

	// ResampleBilinear interpolates between the four source pixels
	// surrounding the cell center.
	ResampleBilinear

	// ResampleAverage averages the source pixels that fall within the
	// cell.
	ResampleAverage
)

func (r Resampling) String() string {
	switch r {
	case ResampleNearest:
		return "nearest"
	case ResampleBilinear:
		return "bilinear"
	case ResampleAverage:
		return "average"
	}
	return fmt.Sprintf("Resampling(%d)", int(r))
}

// ParseResampling converts a method name ("nearest", "bilinear", or
// "average") to a Resampling.
func ParseResampling(s string) (Resampling, error) {
	switch s {
	case "nearest":
		return ResampleNearest, nil
	case "bilinear":
		return ResampleBilinear, nil
	case "average":
		return ResampleAverage, nil
	}
	return 0, fmt.Errorf("rastercube: invalid resampling method %q", s)
}

// OverlapPolicy selects which asset wins where footprints with the
// same timestamp overlap.
type OverlapPolicy int

const (
	// OverlapLast keeps the value from the asset latest in the sorted
	// asset order.
	OverlapLast OverlapPolicy = iota

	// OverlapFirst keeps the value from the earliest asset.
	OverlapFirst
)

// A BuildError is returned when a VirtualArray cannot be constructed
// from the given assets and configuration.
type BuildError struct {
	// Reason describes what went wrong.
	Reason string

	// AssetID identifies the offending asset, if the problem is
	// specific to one.
	AssetID string

	// Err is the underlying error, if any.
	Err error
}

func (e *BuildError) Error() string {
	s := "rastercube: building array: " + e.Reason
	if e.AssetID != "" {
		s += fmt.Sprintf(" (asset %s)", e.AssetID)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// A BuildConfig specifies the target geometry of a VirtualArray.
type BuildConfig struct {
	// SR is the target spatial reference in Proj4 format.
	SR string

	// Dx and Dy are the output cell edge lengths, in the units of SR.
	Dx, Dy float64

	// Bounds is the output extent in the target spatial reference.
	// If nil, the union of the reprojected asset footprints is used.
	Bounds *geom.Bounds

	// Bands lists the bands to include. If empty, the union of the
	// asset bands is used, in first-seen order.
	Bands []string

	// Resampling is the method used to map source pixels onto grid
	// cells.
	Resampling Resampling

	// Overlap selects which asset wins where same-timestamp
	// footprints overlap. The default, OverlapLast, keeps the value
	// from the asset latest in ascending (time, ID) order.
	Overlap OverlapPolicy
}

// Build constructs a VirtualArray that views the given assets on the
// configured grid. No pixel data is read: the result records, for
// every (time, band) slot, which assets contribute to which grid
// cells. Assets whose reprojected footprints miss the output bounds
// entirely cause a BuildError, as does a requested band that no asset
// of some timestamp supplies.
func (c *BuildConfig) Build(assets []*catalog.AssetDescriptor) (*VirtualArray, error) {
	if len(assets) == 0 {
		return nil, &BuildError{Reason: "no assets given"}
	}
	if c.Dx <= 0 || c.Dy <= 0 {
		return nil, &BuildError{Reason: fmt.Sprintf("invalid resolution %g×%g; must be positive", c.Dx, c.Dy)}
	}
	targetSR, err := proj.Parse(c.SR)
	if err != nil {
		return nil, &BuildError{Reason: fmt.Sprintf("parsing target projection %q", c.SR), Err: err}
	}

	assets = append([]*catalog.AssetDescriptor(nil), assets...)
	catalog.SortAssets(assets)

	// Reproject each footprint to the target reference and collect
	// the overall extent.
	type projected struct {
		asset   *catalog.AssetDescriptor
		bounds  *geom.Bounds
		toAsset proj.Transformer
	}
	prj := make([]projected, len(assets))
	var extent *geom.Bounds
	transforms := make(map[string]struct{ to, from proj.Transformer })
	for i, a := range assets {
		tr, ok := transforms[a.SR]
		if !ok {
			assetSR, err := proj.Parse(a.SR)
			if err != nil {
				return nil, &BuildError{Reason: fmt.Sprintf("parsing asset projection %q", a.SR),
					AssetID: a.ID, Err: err}
			}
			if tr.from, err = assetSR.NewTransform(targetSR); err != nil {
				return nil, &BuildError{Reason: "creating projection transform", AssetID: a.ID, Err: err}
			}
			if tr.to, err = targetSR.NewTransform(assetSR); err != nil {
				return nil, &BuildError{Reason: "creating projection transform", AssetID: a.ID, Err: err}
			}
			transforms[a.SR] = tr
		}
		fp, err := a.Footprint.Transform(tr.from)
		if err != nil {
			return nil, &BuildError{Reason: "reprojecting footprint", AssetID: a.ID, Err: err}
		}
		b := fp.Bounds()
		prj[i] = projected{asset: a, bounds: b, toAsset: tr.to}
		if extent == nil {
			extent = &geom.Bounds{Min: b.Min, Max: b.Max}
		} else {
			extent.Extend(b)
		}
	}
	if c.Bounds != nil {
		extent = c.Bounds
	}

	// Snap the extent outward to whole cells so that cell edges land
	// on multiples of the resolution.
	x0 := math.Floor(extent.Min.X/c.Dx) * c.Dx
	y0 := math.Floor(extent.Min.Y/c.Dy) * c.Dy
	nx := int(math.Ceil((extent.Max.X - x0) / c.Dx))
	ny := int(math.Ceil((extent.Max.Y - y0) / c.Dy))
	if nx <= 0 || ny <= 0 {
		return nil, &BuildError{Reason: fmt.Sprintf("empty output extent %+v", *extent)}
	}
	grid := &GridDef{
		Nx: nx, Ny: ny,
		Dx: c.Dx, Dy: c.Dy,
		X0: x0, Y0: y0,
		SR:   targetSR,
		Proj: c.SR,
	}

	// Time axis: sorted unique acquisition times.
	var times []time.Time
	for _, a := range assets {
		if len(times) == 0 || !times[len(times)-1].Equal(a.Time) {
			times = append(times, a.Time)
		}
	}

	// Band axis: as configured, or the union of asset bands in
	// first-seen order.
	bands := c.Bands
	if len(bands) == 0 {
		seen := make(map[string]bool)
		for _, a := range assets {
			for _, b := range a.Bands {
				if !seen[b] {
					seen[b] = true
					bands = append(bands, b)
				}
			}
		}
	}
	if len(bands) == 0 {
		return nil, &BuildError{Reason: "assets declare no bands"}
	}

	// Register each asset as a source for its (time, band) slots.
	// Sources stay in ascending (time, ID) order within a slot; the
	// overlap policy decides precedence at read time.
	sources := make([][][]*tileSource, len(times))
	for i := range sources {
		sources[i] = make([][]*tileSource, len(bands))
	}
	anyIntersects := false
	for i, p := range prj {
		w, ok := grid.Window(p.bounds)
		if !ok {
			if c.Bounds != nil {
				continue // asset outside the requested extent
			}
			return nil, &BuildError{Reason: "footprint does not intersect the output grid",
				AssetID: p.asset.ID}
		}
		anyIntersects = true
		ti := timeIndexOf(times, p.asset.Time)
		src := &tileSource{
			asset:   assets[i],
			bounds:  p.bounds,
			window:  w,
			toAsset: p.toAsset,
		}
		for bi, b := range bands {
			if p.asset.HasBand(b) {
				sources[ti][bi] = append(sources[ti][bi], src)
			}
		}
	}
	if !anyIntersects {
		return nil, &BuildError{Reason: "no asset footprint intersects the output bounds"}
	}

	// Every requested band must be available at every timestamp from
	// at least one intersecting asset.
	for ti, t := range times {
		for bi, b := range bands {
			if len(sources[ti][bi]) == 0 {
				return nil, &BuildError{Reason: fmt.Sprintf(
					"band %q is not supplied by any asset at %v", b, t.Format(time.RFC3339))}
			}
		}
	}

	v := &VirtualArray{
		Times: times,
		Bands: bands,
		Grid:  grid,
	}
	v.node = &node{
		kind:       opSource,
		varr:       v,
		sources:    sources,
		resample:   c.Resampling,
		overlap:    c.Overlap,
		sourceGrid: grid,
	}
	return v, nil
}

func timeIndexOf(times []time.Time, t time.Time) int {
	for i, vt := range times {
		if vt.Equal(t) {
			return i
		}
	}
	return -1
}
