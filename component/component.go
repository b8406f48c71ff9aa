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

// Package component implements the append-only log of binding declarations
// that the normalizer consumes.
//
// A Storage is a move-only container of Entry values describing bindings,
// compressed-binding hints, multibindings, and lazy sub-component
// installations. Entries are appended in declaration order; Release hands
// the log to the normalizer in the reverse of that order, so that a
// stack-driven pass (pop from the back) processes entries in the original,
// left-to-right declared order. This mirrors the component-storage trick the
// original C++ implementation uses to get O(1) appends during declarative
// construction while still allowing a single forward pass during
// normalization.
package component

import (
	"fmt"
	"reflect"

	"github.com/crucible-go/crucible/typeid"
)

// Resolver is the subset of the injector's runtime that a CreateFunc needs:
// the ability to resolve one of its declared dependencies by TypeID. The
// injector package implements this interface; component itself never
// constructs anything, keeping the dependency direction one-way
// (component -> typeid only).
type Resolver interface {
	Resolve(id typeid.TypeID) (any, error)
}

// CreateFunc builds a value of some bound type, pulling its dependencies
// (deps, declared alongside the CreateFunc in the binding entry) from the
// given Resolver in whatever order the constructor needs them.
type CreateFunc func(Resolver) (any, error)

// Allocation tags whether a constructed object's lifetime belongs to the
// arena, to the caller, or is not yet known (used transiently while building
// an entry).
type Allocation uint8

const (
	// Unknown is the zero value; never a legal allocation tag on a stored
	// entry. Kept so that a forgotten allocation assignment fails loudly
	// rather than silently defaulting to one behavior or the other.
	Unknown Allocation = iota
	// NeedsArenaAllocation marks a constructed object whose destructor (if
	// any) the arena must run on injector teardown.
	NeedsArenaAllocation
	// ExternallyAllocated marks an object whose lifetime the arena does not
	// own. It always takes one destructor slot; the entry's Destroy hook, if
	// non-nil, still runs when the injector is closed.
	ExternallyAllocated
)

// Entry is one record in a component's declaration log. The interface is
// sealed to this package; callers only ever obtain Entry values from the
// factory functions below.
type Entry interface {
	entry()
	// TypeID returns the entry's primary key, or nil for entries (compression
	// hints, lazy installation, replacement, end markers) that are not keyed
	// by a bound type.
	TypeID() typeid.TypeID
}

// BindInstanceEntry registers an externally-owned object: the injector
// serves it as-is and never destroys it.
type BindInstanceEntry struct {
	ID      typeid.TypeID
	Value   any
	Destroy func() // optional teardown hook; nil means "do nothing"
}

func (e BindInstanceEntry) entry()               {}
func (e BindInstanceEntry) TypeID() typeid.TypeID { return e.ID }

// BindInstance creates an entry for a value the injector must not construct
// or destroy itself. destroy may be nil.
func BindInstance(id typeid.TypeID, value any, destroy func()) Entry {
	return BindInstanceEntry{ID: id, Value: value, Destroy: destroy}
}

// BindConstructorEntry registers a type the injector builds on demand via
// Create, which consumes the dependencies listed in Deps (in order).
type BindConstructorEntry struct {
	ID      typeid.TypeID
	Deps    []typeid.TypeID
	Create  CreateFunc
	Alloc   Allocation
	Destroy func(any) // nil if the type needs no teardown (trivially destructible)
}

func (e BindConstructorEntry) entry()               {}
func (e BindConstructorEntry) TypeID() typeid.TypeID { return e.ID }

// BindConstructor creates an entry for a type built lazily from deps. alloc
// must be NeedsArenaAllocation or ExternallyAllocated. destroy may be nil.
func BindConstructor(
	id typeid.TypeID,
	deps []typeid.TypeID,
	create CreateFunc,
	alloc Allocation,
	destroy func(any),
) Entry {
	if alloc == Unknown {
		panic("component: BindConstructor requires an explicit Allocation")
	}
	return BindConstructorEntry{
		ID: id, Deps: deps, Create: create,
		Alloc: alloc, Destroy: destroy,
	}
}

// CompressedEntry is a hint that, if nothing else ends up depending on
// Concrete directly, the binding for Interface may be fused with Concrete's
// provider, skipping one indirection and one allocation. See
// package normalize for the legality rules under which this is honored.
type CompressedEntry struct {
	Interface typeid.TypeID
	Concrete  typeid.TypeID
	CreateAsI CreateFunc
}

func (e CompressedEntry) entry()               {}
func (e CompressedEntry) TypeID() typeid.TypeID { return nil }

// Compressed creates a compression hint entry.
func Compressed(iface, concrete typeid.TypeID, createAsI CreateFunc) Entry {
	return CompressedEntry{Interface: iface, Concrete: concrete, CreateAsI: createAsI}
}

// VectorCreatorEntry is the sentinel that must immediately precede a
// MultibindingEntry for the same TypeID in declaration order. The pair is
// consumed together during normalization.
type VectorCreatorEntry struct {
	ID typeid.TypeID
}

func (e VectorCreatorEntry) entry()               {}
func (e VectorCreatorEntry) TypeID() typeid.TypeID { return e.ID }

// MultibindingEntry contributes one element to the aggregated collection
// bound to ID. Any number of these may coexist for the same ID.
type MultibindingEntry struct {
	ID      typeid.TypeID
	Deps    []typeid.TypeID
	Create  CreateFunc
	Alloc   Allocation
	Destroy func(any)
}

func (e MultibindingEntry) entry()               {}
func (e MultibindingEntry) TypeID() typeid.TypeID { return e.ID }

// Multibind returns the vector-creator sentinel and the multibinding entry
// for id, in the order they must be appended (invariant: the sentinel
// immediately precedes its multibinding entry in declaration order).
func Multibind(
	id typeid.TypeID,
	deps []typeid.TypeID,
	create CreateFunc,
	alloc Allocation,
	destroy func(any),
) []Entry {
	if alloc == Unknown {
		panic("component: Multibind requires an explicit Allocation")
	}
	return []Entry{
		VectorCreatorEntry{ID: id},
		MultibindingEntry{
			ID: id, Deps: deps, Create: create,
			Alloc: alloc, Destroy: destroy,
		},
	}
}

// LazyFunc is a lazy sub-component with no arguments: a function that, when
// invoked by the normalizer, appends further entries describing its own
// bindings. Two invocations with the same underlying function value are
// treated as installing the same sub-component (deduplicated by function
// identity).
type LazyFunc func(*Storage)

// lazyIdentity names one specific lazy sub-component installation for the
// normalizer's loop- and duplicate-detection bookkeeping.
type lazyIdentity struct {
	ptr  uintptr
	args string // structural key for the "with args" flavor; empty otherwise
}

func identityOf(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// InstallLazyEntry installs a no-argument lazy sub-component.
type InstallLazyEntry struct {
	Fn       LazyFunc
	Identity lazyIdentity
}

func (e InstallLazyEntry) entry()               {}
func (e InstallLazyEntry) TypeID() typeid.TypeID { return nil }

// InstallLazy creates an entry that, during normalization, expands fn's
// bindings into the graph exactly once no matter how many times it is
// installed (directly or transitively).
func InstallLazy(fn LazyFunc) Entry {
	return InstallLazyEntry{Fn: fn, Identity: lazyIdentity{ptr: identityOf(fn)}}
}

// LazyFuncWithArgs is a lazy sub-component parameterized by a comparable
// argument value. Two installations are the same sub-component only if both
// the function and the argument compare equal.
type LazyFuncWithArgs[A comparable] func(*Storage, A)

// InstallLazyArgsEntry installs a parameterized lazy sub-component.
type InstallLazyArgsEntry struct {
	Fn       any // LazyFuncWithArgs[A], type-erased
	Args     any
	Identity lazyIdentity
	invoke   func(*Storage)
}

func (e InstallLazyArgsEntry) entry()               {}
func (e InstallLazyArgsEntry) TypeID() typeid.TypeID { return nil }

// InstallLazyWithArgs creates an entry that expands fn(args) exactly once
// per distinct args value, even if installed multiple times.
func InstallLazyWithArgs[A comparable](fn LazyFuncWithArgs[A], args A) Entry {
	return InstallLazyArgsEntry{
		Fn:   fn,
		Args: args,
		Identity: lazyIdentity{
			ptr:  identityOf(fn),
			args: fmt.Sprintf("%#v", args),
		},
		invoke: func(s *Storage) { fn(s, args) },
	}
}

// Invoke runs the parameterized lazy sub-component against s.
func (e InstallLazyArgsEntry) Invoke(s *Storage) { e.invoke(s) }

// EndMarkerEntry replaces an InstallLazy(Args)Entry on the work stack once
// its sub-component has been invoked, so the normalizer can tell when the
// expansion has fully returned (and move the identity from "in progress" to
// "fully expanded").
type EndMarkerEntry struct {
	Identity lazyIdentity
}

func (e EndMarkerEntry) entry()               {}
func (e EndMarkerEntry) TypeID() typeid.TypeID { return nil }

// ReplaceEntry instructs the normalizer to substitute a different lazy
// sub-component wherever Old would otherwise be expanded. It is an error for
// Old to already have been expanded by the time this entry is processed.
type ReplaceEntry struct {
	Old Entry // an InstallLazyEntry or InstallLazyArgsEntry
	New Entry // same, same flavor
}

func (e ReplaceEntry) entry()               {}
func (e ReplaceEntry) TypeID() typeid.TypeID { return nil }

// Replace creates a replacement entry: wherever old would be installed, new
// is installed instead. Used in tests to swap a real lazy sub-component for
// a fake one.
func Replace(old, new Entry) Entry {
	return ReplaceEntry{Old: old, New: new}
}

// Storage is an append-only, move-only log of Entry values.
//
// The zero value is ready to use. A Storage must not be copied once it has
// had entries appended; Install and Release both consume (move out of)
// their receiver/argument, enforced by a released guard that panics on
// reuse, the idiomatic Go stand-in for the original's C++ move semantics.
type Storage struct {
	entries  []Entry
	released bool
}

// Append adds one or more entries to the log, in the given order.
func (s *Storage) Append(entries ...Entry) {
	s.checkAlive()
	s.entries = append(s.entries, entries...)
}

// Install move-appends the contents of other onto s, preserving declaration
// order (other's entries are considered declared at the point Install is
// called). other must not be used again afterward.
func (s *Storage) Install(other *Storage) {
	s.checkAlive()
	// Release hands other's entries out reversed; undo that here.
	rest := other.Release()
	for i := len(rest) - 1; i >= 0; i-- {
		s.entries = append(s.entries, rest[i])
	}
}

// Release hands out the underlying entries in the reverse of declaration
// order, ready for the normalizer to drive as a stack (pop from the back).
// The Storage must not be used again afterward.
func (s *Storage) Release() []Entry {
	s.checkAlive()
	s.released = true
	out := make([]Entry, len(s.entries))
	n := len(s.entries)
	for i, e := range s.entries {
		out[n-1-i] = e
	}
	return out
}

func (s *Storage) checkAlive() {
	if s.released {
		panic("component: Storage used after Release")
	}
}

// Len reports the number of entries appended so far (for diagnostics and
// tests only; not part of the normalization contract).
func (s *Storage) Len() int { return len(s.entries) }
