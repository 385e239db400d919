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
	"encoding/gob"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"
)

func init() {
	gob.Register(geom.Polygon{})
	gob.Register(geom.Point{})
	gob.Register(geom.MultiPolygon{})
}

// An AssetDescriptor identifies one remotely stored raster tile.
// Descriptors are produced by catalog searches and are not modified
// after retrieval.
type AssetDescriptor struct {
	// ID uniquely identifies the asset within its collection.
	ID string

	// Collection is the identifier of the collection the asset
	// belongs to.
	Collection string

	// URI is the storage location of the tile, e.g.
	// "s3://bucket/scene.nc" or "https://host/scene.nc".
	URI string

	// Footprint is the spatial extent of the tile in the spatial
	// reference given by SR.
	Footprint geom.Polygonal

	// SR is the spatial reference of the footprint and the pixel
	// grid, in Proj4 format.
	SR string

	// Time is the acquisition time of the tile.
	Time time.Time

	// Bands lists the band identifiers stored in the tile.
	Bands []string

	// TileNx and TileNy give the tile pixel dimensions in the x and
	// y directions.
	TileNx, TileNy int

	// Properties holds additional numeric metadata, such as
	// "eo:cloud_cover".
	Properties map[string]float64
}

// HasBand reports whether the asset supplies band b.
func (a *AssetDescriptor) HasBand(b string) bool {
	for _, ab := range a.Bands {
		if ab == b {
			return true
		}
	}
	return false
}

// feature is the wire representation of an asset: a GeoJSON feature
// with asset metadata in its properties.
type feature struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Geometry   *geojson.Geometry `json:"geometry"`
	Properties featureProperties `json:"properties"`
}

type featureProperties struct {
	Collection string             `json:"collection"`
	Datetime   string             `json:"datetime"`
	Proj       string             `json:"proj"`
	Bands      []string           `json:"bands"`
	TileShape  []int              `json:"tile_shape"` // [ny, nx]
	Href       string             `json:"href"`
	Extra      map[string]float64 `json:"-"`
}

// UnmarshalJSON collects any numeric properties beyond the known
// fields into Extra so that attribute filters can refer to them.
func (p *featureProperties) UnmarshalJSON(b []byte) error {
	type plain featureProperties
	if err := json.Unmarshal(b, (*plain)(p)); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			if p.Extra == nil {
				p.Extra = make(map[string]float64)
			}
			p.Extra[k] = f
		}
	}
	return nil
}

// asset converts a wire feature to an AssetDescriptor.
func (f *feature) asset() (*AssetDescriptor, error) {
	if f.Geometry == nil {
		return nil, fmt.Errorf("catalog: feature %s is missing its geometry", f.ID)
	}
	g, err := geojson.FromGeoJSON(f.Geometry)
	if err != nil {
		return nil, fmt.Errorf("catalog: decoding footprint of feature %s: %v", f.ID, err)
	}
	p, ok := g.(geom.Polygonal)
	if !ok {
		return nil, fmt.Errorf("catalog: feature %s footprint is %T; polygon required", f.ID, g)
	}
	t, err := time.Parse(time.RFC3339, f.Properties.Datetime)
	if err != nil {
		return nil, fmt.Errorf("catalog: parsing datetime of feature %s: %v", f.ID, err)
	}
	if len(f.Properties.TileShape) != 2 {
		return nil, fmt.Errorf("catalog: feature %s tile_shape has %d elements; need 2",
			f.ID, len(f.Properties.TileShape))
	}
	return &AssetDescriptor{
		ID:         f.ID,
		Collection: f.Properties.Collection,
		URI:        f.Properties.Href,
		Footprint:  p,
		SR:         f.Properties.Proj,
		Time:       t,
		Bands:      f.Properties.Bands,
		TileNy:     f.Properties.TileShape[0],
		TileNx:     f.Properties.TileShape[1],
		Properties: f.Properties.Extra,
	}, nil
}

// SortAssets sorts assets ascending by acquisition time, breaking
// ties by ID so that the order is deterministic.
func SortAssets(assets []*AssetDescriptor) {
	sort.SliceStable(assets, func(i, j int) bool {
		if !assets[i].Time.Equal(assets[j].Time) {
			return assets[i].Time.Before(assets[j].Time)
		}
		return assets[i].ID < assets[j].ID
	})
}
