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

// Package typeid gives every injectable Go type a stable, comparable
// identity.
//
// A TypeID is a pointer to a process-wide descriptor record, created once per
// type and immortal for the lifetime of the process. Two TypeIDs compare
// equal if and only if they denote the same normalized type, so TypeID can be
// used directly as a map key without a custom Equal/Hash pair.
//
// Annotated types (the same underlying Go type fulfilling distinct roles,
// e.g. two *sql.DB values for a "primary" and a "replica" role) get their own
// TypeID via Annotated, keyed by both the annotation and the underlying type.
package typeid

import (
	"reflect"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// descriptor is the immortal, process-wide record backing one TypeID.
// Its address is the identity; the fields are pure metadata for diagnostics
// and for the deterministic ordering used while building a semi-static
// graph.
type descriptor struct {
	name string
	hash uint64
}

// TypeID is an opaque, comparable, hashable handle identifying one
// normalized type. Equality is pointer identity of the underlying
// descriptor, so TypeID values may be compared with == and used as map keys.
type TypeID = *descriptor

var registry sync.Map // reflect.Type -> TypeID

// Of returns the unique TypeID for T. Calling Of[T] repeatedly, even from
// different goroutines, always yields the same handle for the same T.
func Of[T any]() TypeID {
	rt := reflect.TypeFor[T]()
	return intern(rt, rt.String())
}

// annotationKey distinguishes an annotated TypeID from the plain one for the
// same underlying Go type.
type annotationKey struct {
	tag reflect.Type
	typ reflect.Type
}

var annotated sync.Map // annotationKey -> TypeID

// Annotated returns a TypeID that is distinct from Of[T]() and from any
// other Annotated[B, T]() where B differs from A, even though all of them
// describe the same underlying type T. This is how two dependencies of
// identical Go type can be bound and requested independently, e.g. a
// "primary" vs. "replica" database handle.
func Annotated[A, T any]() TypeID {
	key := annotationKey{
		tag: reflect.TypeFor[A](),
		typ: reflect.TypeFor[T](),
	}
	if id, ok := annotated.Load(key); ok {
		return id.(TypeID)
	}
	name := key.tag.String() + "/" + key.typ.String()
	id := intern(nil, name)
	actual, _ := annotated.LoadOrStore(key, id)
	return actual.(TypeID)
}

func intern(rt reflect.Type, name string) TypeID {
	if rt != nil {
		if id, ok := registry.Load(rt); ok {
			return id.(TypeID)
		}
	}
	id := &descriptor{
		name: name,
		hash: xxhash.Sum64String(name),
	}
	if rt == nil {
		return id
	}
	actual, _ := registry.LoadOrStore(rt, id)
	return actual.(TypeID)
}

// Synthetic mints a brand-new TypeID that is never equal to any other
// TypeID, including one produced by a later call with the same name. It
// backs identities that do not correspond to a single static Go type, such
// as a dependency-injection slot: a runtime value, not a type, and two
// slots sharing an underlying Go type must still resolve independently.
func Synthetic(name string) TypeID {
	return &descriptor{name: name, hash: xxhash.Sum64String(name)}
}

// Name returns the human-readable name of the type this TypeID identifies,
// suitable for diagnostics and error messages.
func Name(id TypeID) string {
	if id == nil {
		return "<nil>"
	}
	return id.name
}

// Hash returns a stable, process-independent hash of the TypeID's name. It
// is used only to impose a deterministic iteration order over a set of
// TypeIDs (see the graph package); it must never be used for equality, which
// is always pointer identity.
func Hash(id TypeID) uint64 {
	return id.hash
}

// Less orders two TypeIDs deterministically by their hash, breaking ties by
// name so that the order is total even in the astronomically unlikely case
// of a hash collision.
func Less(a, b TypeID) bool {
	if a.hash != b.hash {
		return a.hash < b.hash
	}
	return a.name < b.name
}
