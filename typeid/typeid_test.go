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

package typeid_test

import (
	"testing"

	"github.com/crucible-go/crucible/typeid"
	"github.com/stretchr/testify/assert"
)

type primary struct{}
type replica struct{}

func TestOfIsStableAndComparable(t *testing.T) {
	a1 := typeid.Of[int]()
	a2 := typeid.Of[int]()
	b := typeid.Of[string]()

	assert.Same(t, a1, a2)
	assert.NotEqual(t, a1, b)
}

func TestOfDistinguishesPointerFromValue(t *testing.T) {
	val := typeid.Of[struct{ X int }]()
	ptr := typeid.Of[*struct{ X int }]()

	assert.NotEqual(t, val, ptr)
}

func TestAnnotatedIsDistinctPerTag(t *testing.T) {
	p1 := typeid.Annotated[primary, int]()
	p2 := typeid.Annotated[primary, int]()
	r := typeid.Annotated[replica, int]()
	plain := typeid.Of[int]()

	assert.Same(t, p1, p2)
	assert.NotEqual(t, p1, r)
	assert.NotEqual(t, p1, plain)
}

func TestNameIsHumanReadable(t *testing.T) {
	id := typeid.Of[int]()
	assert.Equal(t, "int", typeid.Name(id))
	assert.Equal(t, "<nil>", typeid.Name(nil))
}

func TestLessIsATotalOrder(t *testing.T) {
	ids := []typeid.TypeID{
		typeid.Of[int](),
		typeid.Of[string](),
		typeid.Of[bool](),
		typeid.Of[float64](),
	}
	for i := range ids {
		for j := range ids {
			if i == j {
				assert.False(t, typeid.Less(ids[i], ids[j]))
				continue
			}
			assert.NotEqual(t, typeid.Less(ids[i], ids[j]), typeid.Less(ids[j], ids[i]))
		}
	}
}

func TestHashIsStableAcrossCalls(t *testing.T) {
	id := typeid.Of[int]()
	assert.Equal(t, typeid.Hash(id), typeid.Hash(typeid.Of[int]()))
}
