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

// Package diag turns a normalized binding graph into a serializable
// snapshot, for startup diagnostics and for the kind of "why is my injector
// failing to build" debugging a raw binding graph is not pleasant to read.
package diag

import (
	"sort"

	"github.com/crucible-go/crucible/codec"
	"github.com/crucible-go/crucible/component"
	"github.com/crucible-go/crucible/graph"
	"github.com/crucible-go/crucible/typeid"
)

// Node is the serializable form of one graph.Node: type names instead of
// TypeIDs, both for the node itself and for each entry of DependsOn.
type Node struct {
	Type       string   `json:"type" yaml:"type"`
	Terminal   bool     `json:"terminal" yaml:"terminal"`
	Allocation  string  `json:"allocation,omitempty" yaml:"allocation,omitempty"`
	HasTeardown bool    `json:"hasTeardown" yaml:"hasTeardown"`
	Built       bool    `json:"built" yaml:"built"`
	DependsOn  []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// Multibinding is the serializable form of one graph.Multibinding.
type Multibinding struct {
	Type     string `json:"type" yaml:"type"`
	Elements int    `json:"elements" yaml:"elements"`
}

// Graph is a complete, serializable snapshot of a normalized binding graph.
type Graph struct {
	Nodes         []Node         `json:"nodes" yaml:"nodes"`
	Multibindings []Multibinding `json:"multibindings,omitempty" yaml:"multibindings,omitempty"`
}

// allocationName renders an Allocation tag for display.
func allocationName(alloc component.Allocation) string {
	switch alloc {
	case component.NeedsArenaAllocation:
		return "arena"
	case component.ExternallyAllocated:
		return "external"
	default:
		return ""
	}
}

// Snapshot walks g and produces a Graph describing every node and
// multibinding in declaration-independent, sorted-by-name order, suitable
// for a stable diff between two runs of the same component.
func Snapshot(g *graph.Graph) Graph {
	out := Graph{Nodes: make([]Node, len(g.Nodes))}
	for i, n := range g.Nodes {
		deps := make([]string, len(n.Deps))
		for j, d := range n.Deps {
			deps[j] = typeid.Name(g.NodeAt(d).ID)
		}
		hasTeardown := n.Terminal && n.TerminalDestroy != nil || !n.Terminal && n.Destroy != nil
		out.Nodes[i] = Node{
			Type:        typeid.Name(n.ID),
			Terminal:    n.Terminal,
			Allocation:  allocationName(n.Alloc),
			HasTeardown: hasTeardown,
			Built:       n.Built(),
			DependsOn:   deps,
		}
	}
	for id, mb := range g.Multibindings {
		out.Multibindings = append(out.Multibindings, Multibinding{
			Type:     typeid.Name(id),
			Elements: len(mb.Elems),
		})
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].Type < out.Nodes[j].Type })
	sort.Slice(out.Multibindings, func(i, j int) bool { return out.Multibindings[i].Type < out.Multibindings[j].Type })
	return out
}

// Dump encodes a Graph snapshot using c, e.g. codec.Infer("graph.yaml") for
// a YAML diagnostic dump or the JSON codec for machine consumption.
func Dump(g *graph.Graph, c codec.Encoder) ([]byte, error) {
	return c.Encode(Snapshot(g))
}
