// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package graph implements the semi-static binding graph that normalization
// produces and the injector runtime walks.
//
// Node storage is contiguous (a slice fixed in length once Build returns)
// and edges are stored as TypeID slices resolved to node indices, giving
// O(1) dependency traversal by index instead of a hash lookup once the graph
// has been built. A TypeID -> index map gives O(1) expected lookup for the
// handful of call sites (Get, GetMultibindings) that still need to go from a
// TypeID to a node.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/crucible-go/crucible/component"
	"github.com/crucible-go/crucible/typeid"
	"github.com/crucible-go/crucible/util"
)

// Node is one vertex of the binding graph: either already-terminal (backed
// by a constructed object, e.g. a bound instance) or non-terminal (backed by
// a CreateFunc plus the dependency indices it will resolve, in declared
// order).
type Node struct {
	ID              typeid.TypeID
	Terminal        bool
	Object          any // valid only if Terminal
	TerminalDestroy func() // valid only if Terminal; nil if no teardown hook
	Create          component.CreateFunc
	Deps            []int // indices into Graph.Nodes, in declared order
	Alloc           component.Allocation
	Destroy         func(any) // nil if the type needs no teardown

	once  sync.Once
	built bool
	value any
	err   error
}

// Resolve returns the node's constructed value, building it via build at
// most once. Concurrent callers block on the same in-flight build and
// observe the same result; once built, a node never constructs again,
// satisfying the "get<T> called twice returns the same pointer" property.
func (n *Node) Resolve(build func() (any, error)) (any, error) {
	if n.Terminal {
		return n.Object, nil
	}
	n.once.Do(func() {
		n.value, n.err = build()
		n.built = n.err == nil
	})
	return n.value, n.err
}

// Built reports whether this node's value has already been constructed
// (always true for terminal nodes). Used by tests to verify that eager
// injection leaves nothing left to build.
func (n *Node) Built() bool { return n.Terminal || n.built }

// MultibindingElem is one contribution to an aggregated multibinding slice.
type MultibindingElem struct {
	Object  any // non-nil if already constructed (terminal contribution)
	Create  component.CreateFunc
	Deps    []int
	Alloc   component.Allocation
	Destroy func(any)

	once sync.Once
	err  error
}

// Resolve returns this element's value, building it via build at most once.
func (e *MultibindingElem) Resolve(build func() (any, error)) (any, error) {
	if e.Object != nil {
		return e.Object, nil
	}
	e.once.Do(func() {
		obj, err := build()
		if err != nil {
			e.err = err
			return
		}
		e.Object = obj
	})
	if e.err != nil {
		return nil, e.err
	}
	return e.Object, nil
}

// Multibinding holds every contribution registered for one TypeID, plus the
// memoized aggregated result.
type Multibinding struct {
	ID    typeid.TypeID
	Elems []*MultibindingElem

	once   sync.Once
	result []any
	err    error
}

// Aggregate returns the cached aggregated slice, building every element
// (via resolve) at most once in total across however many times Aggregate
// is called.
func (m *Multibinding) Aggregate(resolve func(*MultibindingElem) (any, error)) ([]any, error) {
	m.once.Do(func() {
		out := make([]any, 0, len(m.Elems))
		for _, e := range m.Elems {
			v, err := resolve(e)
			if err != nil {
				m.err = err
				return
			}
			out = append(out, v)
		}
		m.result = out
	})
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// Graph is the semi-static binding graph: contiguous node storage plus a
// TypeID -> index map. It is built once by Build and never mutated
// structurally afterward; individual nodes do mutate in place as the
// injector lazily constructs them (see Node.built), which is safe because
// that mutation is guarded per-node.
type Graph struct {
	Nodes []*Node
	index map[typeid.TypeID]int

	Multibindings map[typeid.TypeID]*Multibinding
}

// IndexOf returns the node index for id and true, or (0, false) if id is not
// bound in this graph.
func (g *Graph) IndexOf(id typeid.TypeID) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// NodeAt returns the node at index i.
func (g *Graph) NodeAt(i int) *Node { return g.Nodes[i] }

// Builder accumulates nodes before Build fixes their order and resolves
// dependency TypeIDs to indices.
type Builder struct {
	byID map[typeid.TypeID]*Node
	// pending defers dependency-TypeID-to-index resolution until Build,
	// since a dependency node might be registered after the node that
	// references it.
	pending map[typeid.TypeID][]typeid.TypeID
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		byID:    make(map[typeid.TypeID]*Node),
		pending: make(map[typeid.TypeID][]typeid.TypeID),
	}
}

// AddTerminal registers an already-constructed object for id. destroy, if
// non-nil, is a teardown hook the caller attached to this particular
// instance; it takes no arguments because the object already exists and
// needs no build closure to produce it.
func (b *Builder) AddTerminal(id typeid.TypeID, object any, destroy func()) {
	b.byID[id] = &Node{ID: id, Terminal: true, Object: object, TerminalDestroy: destroy}
}

// AddConstructor registers a node whose value is built on demand from deps
// via create.
func (b *Builder) AddConstructor(
	id typeid.TypeID,
	deps []typeid.TypeID,
	create component.CreateFunc,
	alloc component.Allocation,
	destroy func(any),
) {
	b.byID[id] = &Node{
		ID: id, Create: create, Alloc: alloc, Destroy: destroy,
	}
	b.pending[id] = deps
}

// Build fixes the node order deterministically (by TypeID hash, tie-broken
// by name) and resolves every node's declared dependency TypeIDs to indices
// into the resulting contiguous slice. It returns an error if any
// dependency references a TypeID that was never registered (spec invariant:
// every edge of a non-terminal node points to a node present in the graph).
func (b *Builder) Build(multibindings map[typeid.TypeID][]*MultibindingElem) (*Graph, error) {
	ids := util.Keys(b.byID)
	sort.Slice(ids, func(i, j int) bool { return typeid.Less(ids[i], ids[j]) })

	g := &Graph{
		Nodes: make([]*Node, len(ids)),
		index: make(map[typeid.TypeID]int, len(ids)),
	}
	for i, id := range ids {
		g.Nodes[i] = b.byID[id]
		g.index[id] = i
	}
	for id, deps := range b.pending {
		n := b.byID[id]
		resolved := make([]int, len(deps))
		for i, d := range deps {
			idx, ok := g.index[d]
			if !ok {
				return nil, fmt.Errorf(
					"graph: %s depends on unbound type %s",
					typeid.Name(id), typeid.Name(d),
				)
			}
			resolved[i] = idx
		}
		n.Deps = resolved
	}

	g.Multibindings = make(map[typeid.TypeID]*Multibinding, len(multibindings))
	for id, elems := range multibindings {
		g.Multibindings[id] = &Multibinding{ID: id, Elems: elems}
	}
	return g, nil
}

// color marks DFS visitation state for cycle detection.
type color uint8

const (
	white color = iota
	gray
	black
)

// DetectCycle runs a DFS over the graph projected onto non-terminal nodes
// (terminal nodes already hold a constructed object and can never
// participate in a cycle) and returns the first cycle found, as an ordered
// slice of TypeIDs, or nil if the graph is acyclic. A node depending on
// itself is reported as a two-element cycle [id, id], matching spec.md's
// "self-loops are a special case."
func (g *Graph) DetectCycle() []typeid.TypeID {
	colors := make([]color, len(g.Nodes))
	var path []int

	var visit func(i int) []typeid.TypeID
	visit = func(i int) []typeid.TypeID {
		n := g.Nodes[i]
		if n.Terminal {
			return nil
		}
		switch colors[i] {
		case black:
			return nil
		case gray:
			// Found a back edge into the current path; extract the cycle
			// starting at the first occurrence of i in path.
			start := 0
			for k, p := range path {
				if p == i {
					start = k
					break
				}
			}
			cycle := make([]typeid.TypeID, 0, len(path)-start+1)
			for _, p := range path[start:] {
				cycle = append(cycle, g.Nodes[p].ID)
			}
			cycle = append(cycle, g.Nodes[i].ID)
			return cycle
		}
		colors[i] = gray
		path = append(path, i)
		for _, d := range n.Deps {
			if d == i {
				return []typeid.TypeID{n.ID, n.ID}
			}
			if cyc := visit(d); cyc != nil {
				return cyc
			}
		}
		path = path[:len(path)-1]
		colors[i] = black
		return nil
	}

	for i := range g.Nodes {
		if colors[i] == white {
			if cyc := visit(i); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}
