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

	"github.com/Knetic/govaluate"
)

type opKind int

const (
	opSource opKind = iota
	opSelect
	opCoarsen
	opExpr
	opReduce
)

func (k opKind) String() string {
	switch k {
	case opSource:
		return "source"
	case opSelect:
		return "select"
	case opCoarsen:
		return "coarsen"
	case opExpr:
		return "expr"
	case opReduce:
		return "reduce"
	}
	return fmt.Sprintf("opKind(%d)", int(k))
}

// A node is one pending transformation in a task graph. Each node
// records the VirtualArray whose state it produces, so that chunk
// evaluation can look up axis labels and grid geometry at any level
// of the chain.
type node struct {
	kind   opKind
	parent *node
	varr   *VirtualArray

	// opSource
	sources    [][][]*tileSource // [time][band] in ascending (time, ID) order
	sourceGrid *GridDef
	resample   Resampling
	overlap    OverlapPolicy

	// opSelect
	timeIdx []int
	bandIdx []int
	window  Window

	// opCoarsen
	factor int // resample is shared with opSource

	// opExpr
	exprName string
	expr     *govaluate.EvaluableExpression
	exprVars []string

	// opReduce
	reduce ReduceOp
	over   map[string]bool
}

// source walks to the bottom of the chain.
func (n *node) source() *node {
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// A TaskGraph is the frozen description of a pending computation:
// the source tiles, the transformation chain, and the output axes.
// Building a graph performs no reads; pass it to an Engine to
// materialize the result.
type TaskGraph struct {
	root *node
	varr *VirtualArray
}

// validate checks the structural invariants of the graph before any
// work is scheduled: a deferred construction error from the
// VirtualArray chain surfaces here, and a reduction may only appear
// as the final operation.
func (g *TaskGraph) validate() error {
	if g.varr != nil && g.varr.err != nil {
		return g.varr.err
	}
	if g.root == nil {
		return fmt.Errorf("rastercube: empty task graph")
	}
	src := g.root.source()
	if src.kind != opSource {
		return fmt.Errorf("rastercube: task graph has no tile source")
	}
	for n := g.root; n != nil; n = n.parent {
		if n.kind == opReduce && n != g.root {
			return fmt.Errorf("rastercube: reduction must be the final operation in a task graph")
		}
	}
	return nil
}

// reduction returns the root reduce node, or nil if the graph ends
// with a non-reducing operation.
func (g *TaskGraph) reduction() *node {
	if g.root != nil && g.root.kind == opReduce {
		return g.root
	}
	return nil
}

// output returns the node whose chunks fill the output array: the
// node below a root reduction, or the root itself.
func (g *TaskGraph) output() *node {
	if r := g.reduction(); r != nil {
		return r.parent
	}
	return g.root
}
