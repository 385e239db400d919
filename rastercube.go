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

// Package rastercube builds lazy, time-indexed mosaics over
// collections of remotely stored raster tiles and computes summary
// products from them.
//
// The workflow has three stages: search a catalog for asset
// descriptors (package catalog), build a VirtualArray over the
// matching tiles without reading any pixels (BuildConfig.Build),
// and execute a graph of transformations with an Engine, which reads
// and combines tiles chunk-by-chunk on a bounded worker pool.
package rastercube

// Version gives the version number of this version of Rastercube.
const Version = "0.3.1"

// Axis names used when specifying reductions.
const (
	AxisTime = "time"
	AxisBand = "band"
	AxisY    = "y"
	AxisX    = "x"
)
