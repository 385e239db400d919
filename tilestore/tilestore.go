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

// Package tilestore reads and writes raster tiles stored as NetCDF
// files on the local filesystem, on HTTP servers, or in gs:// or
// s3:// blob storage.
package tilestore

import (
	"context"
	"math"

	"github.com/ctessum/sparse"

	"github.com/spatialmodel/rastercube/catalog"
)

// A Tile is the decoded pixel data of one band of one asset.
// Pixel row 0 is the southernmost row, so both coordinate axes
// ascend with their indices. Missing pixels are NaN.
type Tile struct {
	// X0 and Y0 are the coordinates of the lower-left corner of the
	// pixel grid, in the asset's spatial reference.
	X0, Y0 float64

	// Dx and Dy are the pixel edge lengths.
	Dx, Dy float64

	// Data holds the pixel values with shape [ny, nx].
	Data *sparse.DenseArray
}

// At returns the value of pixel (row, col), or NaN if the indices
// are outside the tile.
func (t *Tile) At(row, col int) float64 {
	if row < 0 || col < 0 || row >= t.Data.Shape[0] || col >= t.Data.Shape[1] {
		return math.NaN()
	}
	return t.Data.Elements[row*t.Data.Shape[1]+col]
}

// A Reader fetches tile pixel data for assets.
type Reader interface {
	// ReadTile returns the pixels of one band of the given asset.
	ReadTile(ctx context.Context, asset *catalog.AssetDescriptor, band string) (*Tile, error)
}
