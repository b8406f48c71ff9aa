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

// Package normalize turns a declarative component-storage log into a
// resolvable binding graph.
//
// Normalize is a single stack-driven pass, ported from the algorithm in
// fruit's binding_normalization.cpp: it expands every lazy sub-component
// exactly once, deduplicates bindings, performs binding compression, and
// collects multibindings, producing a graph.Graph plus an arena.Budget sized
// exactly for what the injector will construct.
//
// Normalize itself returns an error rather than exiting the process; the
// documented fatal behavior (spec: "the library writes a diagnostic and
// aborts") belongs to injector.New and injector.NewFromEnv, which log the
// error via slog and call os.Exit(1). Keeping
// Normalize non-fatal makes the algorithm itself unit-testable.
package normalize

import (
	"fmt"
	"reflect"

	"github.com/crucible-go/crucible/arena"
	"github.com/crucible-go/crucible/component"
	"github.com/crucible-go/crucible/graph"
	"github.com/crucible-go/crucible/typeid"
)

// Options controls behavior that the original C++ implementation selects at
// compile time via preprocessor defines (spec.md §4.4, "FRUIT_NO_LOOP_CHECK
// behavior"). See config.EngineOptions for loading these from the process
// environment.
type Options struct {
	// NoLoopCheck skips the post-normalization cycle detection pass. Only
	// meant for components already known to be acyclic, to shave the DFS
	// off a hot startup path.
	NoLoopCheck bool
}

// Result is the normalized form produced by Normalize: a resolvable graph
// plus the exact destructor-slot budget the injector's arena will need.
type Result struct {
	Graph  *graph.Graph
	Budget arena.Budget
}

func bindingLabel(id typeid.TypeID) string { return typeid.Name(id) }

// Normalize consumes storage (which must not be used afterward) and
// produces a Result, or an error describing the first fatal condition
// encountered (spec.md §7): inconsistent bindings, an installation loop, a
// replacement declared after install, or (via the embedded graph.Build call)
// a dependency on an unbound type. Unless opts.NoLoopCheck is set, Normalize
// then runs Check over the built graph and also fails on a dependency cycle;
// Check is a separate function because it is a distinct pass over the
// already-normalized graph.
func Normalize(storage *component.Storage, exposed []typeid.TypeID, opts Options) (*Result, error) {
	n := &normalizer{
		bindings:          make(map[typeid.TypeID]component.Entry),
		compressed:        make(map[typeid.TypeID]component.CompressedEntry),
		multibindings:     make(map[typeid.TypeID][]component.MultibindingEntry),
		fullyExpanded: make(map[any]bool),
		inProgress:    make(map[any]bool),
		replacements:  make(map[any]component.Entry),
	}
	if err := n.run(storage.Release()); err != nil {
		return nil, err
	}
	result, err := n.finish(exposed)
	if err != nil {
		return nil, err
	}
	if !opts.NoLoopCheck {
		if err := Check(result.Graph); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Check runs dependency-cycle detection over an already-normalized graph,
// returning an error naming the cycle if one exists. Normalize calls this
// itself unless Options.NoLoopCheck is set; it is exported separately so
// callers that built a graph with NoLoopCheck can still run the check later,
// e.g. in a test or a startup diagnostic.
func Check(g *graph.Graph) error {
	cycle := g.DetectCycle()
	if cycle == nil {
		return nil
	}
	names := make([]string, len(cycle))
	for i, id := range cycle {
		names[i] = typeid.Name(id)
	}
	return fmt.Errorf("normalize: dependency cycle detected: %s", joinArrow(names))
}

func joinArrow(names []string) string {
	out := names[0]
	for _, n := range names[1:] {
		out += " -> " + n
	}
	return out
}

type normalizer struct {
	bindings      map[typeid.TypeID]component.Entry
	compressed    map[typeid.TypeID]component.CompressedEntry // keyed by Concrete
	multibindings map[typeid.TypeID][]component.MultibindingEntry

	fullyExpanded map[any]bool
	inProgress    map[any]bool

	// replacements maps an old lazy-component identity to the Entry that
	// should be expanded in its place.
	replacements map[any]component.Entry
}

func (n *normalizer) run(stack []component.Entry) error {
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch v := e.(type) {
		case component.BindInstanceEntry:
			if err := n.bind(v.ID, v); err != nil {
				return err
			}

		case component.BindConstructorEntry:
			if err := n.bind(v.ID, v); err != nil {
				return err
			}

		case component.CompressedEntry:
			n.compressed[v.Concrete] = v

		case component.VectorCreatorEntry:
			// Consumed together with the MultibindingEntry that must
			// immediately follow it on the stack (i.e. immediately precede
			// it in declaration order).
			if len(stack) == 0 {
				return fmt.Errorf(
					"normalize: vector-creator sentinel for %s not followed "+
						"by a multibinding entry", typeid.Name(v.ID),
				)
			}
			next := stack[len(stack)-1]
			mb, ok := next.(component.MultibindingEntry)
			if !ok || mb.ID != v.ID {
				return fmt.Errorf(
					"normalize: vector-creator sentinel for %s not "+
						"immediately followed by its multibinding entry",
					typeid.Name(v.ID),
				)
			}
			stack = stack[:len(stack)-1]
			n.multibindings[v.ID] = append(n.multibindings[v.ID], mb)

		case component.MultibindingEntry:
			// A multibinding entry encountered without its sentinel
			// immediately before it violates the logging invariant.
			return fmt.Errorf(
				"normalize: multibinding entry for %s missing its "+
					"vector-creator sentinel", typeid.Name(v.ID),
			)

		case component.InstallLazyEntry:
			if err := n.expandLazy(&stack, v.Identity, func(s *component.Storage) {
				v.Fn(s)
			}); err != nil {
				return err
			}

		case component.InstallLazyArgsEntry:
			if err := n.expandLazy(&stack, v.Identity, func(s *component.Storage) {
				v.Invoke(s)
			}); err != nil {
				return err
			}

		case component.EndMarkerEntry:
			delete(n.inProgress, v.Identity)
			n.fullyExpanded[v.Identity] = true

		case component.ReplaceEntry:
			identity, ok := lazyIdentityOf(v.Old)
			if !ok {
				return fmt.Errorf("normalize: Replace target is not a lazy sub-component")
			}
			if n.fullyExpanded[identity] {
				return fmt.Errorf(
					"normalize: replacement declared after the replaced "+
						"lazy sub-component was already installed",
				)
			}
			n.replacements[identity] = v.New

		default:
			return fmt.Errorf("normalize: unrecognized entry type %T", e)
		}
	}
	return nil
}

// expandLazy implements the "Lazy-sub-component-with-(no-)args" step of
// spec.md §4.4: skip if already fully expanded, error on a reentrant
// install, otherwise push an end marker followed by the sub-component's own
// entries (after resolving any pending replacement).
func (n *normalizer) expandLazy(
	stack *[]component.Entry,
	identity any,
	invoke func(*component.Storage),
) error {
	if n.fullyExpanded[identity] {
		return nil
	}
	if n.inProgress[identity] {
		return fmt.Errorf("normalize: lazy component installation loop detected")
	}
	n.inProgress[identity] = true
	*stack = append(*stack, component.EndMarkerEntry{Identity: identity})

	if replacement, ok := n.replacements[identity]; ok {
		switch r := replacement.(type) {
		case component.InstallLazyEntry:
			invoke = func(s *component.Storage) { r.Fn(s) }
		case component.InstallLazyArgsEntry:
			invoke = func(s *component.Storage) { r.Invoke(s) }
		}
	}

	var sub component.Storage
	invoke(&sub)
	*stack = append(*stack, sub.Release()...)
	return nil
}

func lazyIdentityOf(e component.Entry) (any, bool) {
	switch v := e.(type) {
	case component.InstallLazyEntry:
		return v.Identity, true
	case component.InstallLazyArgsEntry:
		return v.Identity, true
	default:
		return nil, false
	}
}

// bind performs the uniqueness check and insertion for both binding kinds:
// a TypeID may be bound twice only if every binding is consistent (spec.md
// invariant 1 / error InconsistentMultipleBindings).
func (n *normalizer) bind(id typeid.TypeID, e component.Entry) error {
	if existing, ok := n.bindings[id]; ok {
		if !bindingsEqual(existing, e) {
			return fmt.Errorf(
				"normalize: type %s was bound more than once with "+
					"different bindings", typeid.Name(id),
			)
		}
		return nil
	}
	n.bindings[id] = e
	return nil
}

func bindingsEqual(a, b component.Entry) bool {
	switch av := a.(type) {
	case component.BindInstanceEntry:
		bv, ok := b.(component.BindInstanceEntry)
		// reflect.DeepEqual, not ==: Value is an any holding whatever the
		// caller bound, and == panics at runtime ("comparing uncomparable
		// type") if that dynamic type is a slice, map, or func. This
		// comparison exists to validate duplicate bindings, so it must not
		// itself panic on the very input it's meant to flag.
		return ok && reflect.DeepEqual(av.Value, bv.Value)
	case component.BindConstructorEntry:
		bv, ok := b.(component.BindConstructorEntry)
		return ok && funcIdentity(av.Create) == funcIdentity(bv.Create)
	default:
		return false
	}
}

func funcIdentity(fn component.CreateFunc) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// finish runs binding compression (spec.md §4.4 step 3), builds the
// semi-static graph, and aggregates multibindings (spec.md §4.4 steps 4-5).
func (n *normalizer) finish(exposed []typeid.TypeID) (*Result, error) {
	n.compress(exposed)

	builder := graph.NewBuilder()
	budget := arena.Budget{}

	for id, e := range n.bindings {
		switch v := e.(type) {
		case component.BindInstanceEntry:
			builder.AddTerminal(id, v.Value, v.Destroy)
			budget.ReserveExternal(bindingLabel(id))
		case component.BindConstructorEntry:
			builder.AddConstructor(id, v.Deps, v.Create, v.Alloc, v.Destroy)
			reserve(&budget, v.Alloc, v.Destroy, bindingLabel(id))
		}
	}

	for _, entries := range n.multibindings {
		for _, e := range entries {
			reserve(&budget, e.Alloc, e.Destroy, bindingLabel(e.ID))
		}
	}

	g, err := builder.Build(nil)
	if err != nil {
		return nil, err
	}
	// Resolve multibinding element dependency TypeIDs to node indices now
	// that the graph's TypeID -> index map exists.
	g.Multibindings = make(map[typeid.TypeID]*graph.Multibinding, len(n.multibindings))
	for id, entries := range n.multibindings {
		elems := make([]*graph.MultibindingElem, len(entries))
		for i, e := range entries {
			resolved := make([]int, len(e.Deps))
			for j, d := range e.Deps {
				idx, ok := g.IndexOf(d)
				if !ok {
					return nil, fmt.Errorf(
						"normalize: multibinding for %s depends on unbound "+
							"type %s", typeid.Name(id), typeid.Name(d),
					)
				}
				resolved[j] = idx
			}
			elems[i] = &graph.MultibindingElem{
				Create:  e.Create,
				Deps:    resolved,
				Alloc:   e.Alloc,
				Destroy: e.Destroy,
			}
		}
		g.Multibindings[id] = &graph.Multibinding{ID: id, Elems: elems}
	}

	return &Result{Graph: g, Budget: budget}, nil
}

func reserve(b *arena.Budget, alloc component.Allocation, destroy func(any), label string) {
	switch alloc {
	case component.ExternallyAllocated:
		b.ReserveExternal(label)
	case component.NeedsArenaAllocation:
		if destroy != nil {
			b.Reserve(label)
		}
	}
}

// compress applies the three legality filters of spec.md §4.4 step 3 to the
// side map of compression candidates, then fuses every surviving
// (interface, concrete) pair. Ported directly from the structure of
// BindingNormalization::normalizeBindings in the original implementation.
func (n *normalizer) compress(exposed []typeid.TypeID) {
	// Filter 1: drop if any multibinding depends on C.
	for _, entries := range n.multibindings {
		for _, mb := range entries {
			for _, dep := range mb.Deps {
				delete(n.compressed, dep)
			}
		}
	}
	// Filter 2: drop if C is exposed.
	for _, id := range exposed {
		delete(n.compressed, id)
	}
	// Filter 3: drop if some surviving node X != I depends on C.
	for xID, e := range n.bindings {
		bc, ok := e.(component.BindConstructorEntry)
		if !ok {
			continue
		}
		for _, dep := range bc.Deps {
			if cand, ok := n.compressed[dep]; ok && cand.Interface != xID {
				delete(n.compressed, dep)
			}
		}
	}

	// Perform the fusion for every surviving candidate.
	for cID, cand := range n.compressed {
		iBinding, iOK := n.bindings[cand.Interface].(component.BindConstructorEntry)
		cBinding, cOK := n.bindings[cID].(component.BindConstructorEntry)
		if !iOK || !cOK {
			continue
		}
		n.bindings[cand.Interface] = component.BindConstructorEntry{
			ID:      cand.Interface,
			Deps:    cBinding.Deps,
			Create:  cand.CreateAsI,
			Alloc:   iBinding.Alloc,
			Destroy: cBinding.Destroy,
		}
		delete(n.bindings, cID)
	}
}
