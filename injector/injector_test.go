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

package injector_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/crucible-go/crucible/component"
	"github.com/crucible-go/crucible/env"
	"github.com/crucible-go/crucible/injector"
	"github.com/crucible-go/crucible/normalize"
	"github.com/crucible-go/crucible/typeid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dbHandle struct{ closed *atomic.Bool }
type repo struct{ db *dbHandle }
type service struct{ r *repo }

func build(t *testing.T, s *component.Storage) *injector.Injector {
	t.Helper()
	in, err := injector.NewFromStorage(s, nil, normalize.Options{})
	require.NoError(t, err)
	return in
}

func TestGetConstructsOnceAndMemoizes(t *testing.T) {
	var calls atomic.Int32
	id := typeid.Of[*repo]()

	var s component.Storage
	s.Append(component.BindConstructor(id, nil, func(component.Resolver) (any, error) {
		calls.Add(1)
		return &repo{}, nil
	}, component.NeedsArenaAllocation, nil))

	in := build(t, &s)
	r1, err := injector.Get[*repo](in)
	require.NoError(t, err)
	r2, err := injector.Get[*repo](in)
	require.NoError(t, err)

	assert.Same(t, r1, r2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetResolvesTransitiveDependency(t *testing.T) {
	idDB := typeid.Of[*dbHandle]()
	idRepo := typeid.Of[*repo]()

	closed := &atomic.Bool{}
	var s component.Storage
	s.Append(component.BindInstance(idDB, &dbHandle{closed: closed}, func() { closed.Store(true) }))
	s.Append(component.BindConstructor(idRepo, []typeid.TypeID{idDB}, func(r component.Resolver) (any, error) {
		v, err := r.Resolve(idDB)
		if err != nil {
			return nil, err
		}
		return &repo{db: v.(*dbHandle)}, nil
	}, component.NeedsArenaAllocation, nil))

	in := build(t, &s)
	r, err := injector.Get[*repo](in)
	require.NoError(t, err)
	assert.NotNil(t, r.db)

	in.Close()
	assert.True(t, closed.Load())
}

func TestGetUnboundTypeErrors(t *testing.T) {
	var s component.Storage
	in := build(t, &s)
	_, err := injector.Get[*repo](in)
	assert.Error(t, err)
}

func TestGetMultibindingsReturnsEmptyWhenNoneDeclared(t *testing.T) {
	var s component.Storage
	in := build(t, &s)
	vs, err := injector.GetMultibindings[int](in)
	require.NoError(t, err)
	assert.Empty(t, vs)
	assert.NotNil(t, vs)
}

func TestGetMultibindingsAggregatesAllContributions(t *testing.T) {
	id := typeid.Of[int]()
	var s component.Storage
	s.Append(component.Multibind(id, nil, func(component.Resolver) (any, error) {
		return 1, nil
	}, component.NeedsArenaAllocation, nil)...)
	s.Append(component.Multibind(id, nil, func(component.Resolver) (any, error) {
		return 2, nil
	}, component.NeedsArenaAllocation, nil)...)

	in := build(t, &s)
	vs, err := injector.GetMultibindings[int](in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 2}, vs)
}

func TestGetAnnotatedDistinguishesSameGoType(t *testing.T) {
	type primary struct{}
	type replica struct{}
	idP := typeid.Annotated[primary, int]()
	idR := typeid.Annotated[replica, int]()

	var s component.Storage
	s.Append(component.BindInstance(idP, 1, nil))
	s.Append(component.BindInstance(idR, 2, nil))

	in := build(t, &s)
	p, err := injector.GetAnnotated[primary, int](in)
	require.NoError(t, err)
	r, err := injector.GetAnnotated[replica, int](in)
	require.NoError(t, err)

	assert.Equal(t, 1, p)
	assert.Equal(t, 2, r)
}

func TestProviderDefersResolution(t *testing.T) {
	var calls atomic.Int32
	id := typeid.Of[int]()
	var s component.Storage
	s.Append(component.BindConstructor(id, nil, func(component.Resolver) (any, error) {
		calls.Add(1)
		return 7, nil
	}, component.NeedsArenaAllocation, nil))

	in := build(t, &s)
	assert.Equal(t, int32(0), calls.Load())

	p := injector.NewProvider[int](in)
	v, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEagerlyInjectAllBuildsEveryNode(t *testing.T) {
	idA := typeid.Of[struct{ A int }]()
	idB := typeid.Of[struct{ B int }]()

	var s component.Storage
	s.Append(component.BindConstructor(idA, nil, func(component.Resolver) (any, error) {
		return struct{ A int }{1}, nil
	}, component.NeedsArenaAllocation, nil))
	s.Append(component.BindConstructor(idB, []typeid.TypeID{idA}, func(r component.Resolver) (any, error) {
		_, err := r.Resolve(idA)
		return struct{ B int }{2}, err
	}, component.NeedsArenaAllocation, nil))

	in := build(t, &s)
	err := in.EagerlyInjectAll(context.Background())
	require.NoError(t, err)
}

// TestEagerlyInjectAllRegistersDestructorsWithoutRacing builds several
// independent dependency chains, each with destructor-bearing nodes, and
// drives them all through EagerlyInjectAll so that arena.Arena.register is
// hit concurrently from many goroutines (run with -race). It then closes the
// injector and asserts two things the previous destroy=nil-only eager test
// could never exercise: the ledger ends up with exactly one entry per
// destructor-bearing node (no lost registrations), and within each chain the
// destructor order is the reverse of construction order (a repo is always
// destroyed before the db handle it depends on), even though the chains
// themselves may interleave in any order.
func TestEagerlyInjectAllRegistersDestructorsWithoutRacing(t *testing.T) {
	const chains = 8

	var mu sync.Mutex
	var destroyed []string

	record := func(label string) func() {
		return func() {
			mu.Lock()
			destroyed = append(destroyed, label)
			mu.Unlock()
		}
	}

	var s component.Storage

	for i := 0; i < chains; i++ {
		i := i
		dbLabel := fmt.Sprintf("db-%d", i)
		repoLabel := fmt.Sprintf("repo-%d", i)
		svcLabel := fmt.Sprintf("service-%d", i)

		idDB := typeid.Synthetic(dbLabel)
		idRepo := typeid.Synthetic(repoLabel)
		idSvc := typeid.Synthetic(svcLabel)

		s.Append(component.BindConstructor(idDB, nil, func(component.Resolver) (any, error) {
			return &dbHandle{}, nil
		}, component.NeedsArenaAllocation, func(v any) { record(dbLabel)() }))
		s.Append(component.BindConstructor(idRepo, []typeid.TypeID{idDB}, func(r component.Resolver) (any, error) {
			v, err := r.Resolve(idDB)
			if err != nil {
				return nil, err
			}
			return &repo{db: v.(*dbHandle)}, nil
		}, component.NeedsArenaAllocation, func(v any) { record(repoLabel)() }))
		s.Append(component.BindConstructor(idSvc, []typeid.TypeID{idRepo}, func(r component.Resolver) (any, error) {
			v, err := r.Resolve(idRepo)
			if err != nil {
				return nil, err
			}
			return &service{r: v.(*repo)}, nil
		}, component.NeedsArenaAllocation, func(v any) { record(svcLabel)() }))
	}

	in := build(t, &s)
	err := in.EagerlyInjectAll(context.Background())
	require.NoError(t, err)

	in.Close()

	require.Len(t, destroyed, chains*3, "every destructor-bearing node must register exactly once")

	position := make(map[string]int, len(destroyed))
	for i, label := range destroyed {
		position[label] = i
	}
	for i := 0; i < chains; i++ {
		svcLabel := fmt.Sprintf("service-%d", i)
		repoLabel := fmt.Sprintf("repo-%d", i)
		dbLabel := fmt.Sprintf("db-%d", i)
		assert.Less(t, position[svcLabel], position[repoLabel], "service must be destroyed before the repo it depends on")
		assert.Less(t, position[repoLabel], position[dbLabel], "repo must be destroyed before the db handle it depends on")
	}
}

func TestNewSucceedsWithoutExiting(t *testing.T) {
	id := typeid.Of[int]()
	var s component.Storage
	s.Append(component.BindInstance(id, 9, nil))

	in := injector.New(&s, nil, normalize.Options{})
	v, err := injector.Get[int](in)
	require.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestNewFromEnvReadsEngineOptionsFromEnvironment(t *testing.T) {
	idX := typeid.Synthetic("env-cycle-x")
	idY := typeid.Synthetic("env-cycle-y")

	var s component.Storage
	s.Append(component.BindConstructor(idX, []typeid.TypeID{idY}, func(component.Resolver) (any, error) {
		return nil, nil
	}, component.NeedsArenaAllocation, nil))
	s.Append(component.BindConstructor(idY, []typeid.TypeID{idX}, func(component.Resolver) (any, error) {
		return nil, nil
	}, component.NeedsArenaAllocation, nil))

	lookup := env.Lookup(func(key string) (string, bool) {
		if key == "CRUCIBLE_NO_LOOP_CHECK" {
			return "true", true
		}
		return "", false
	})

	// Cyclic graph would normally be fatal (injector.New would os.Exit), but
	// CRUCIBLE_NO_LOOP_CHECK=true read through config.LoadEngineOptions
	// disables the cycle check, so NewFromEnv must succeed here.
	in := injector.NewFromEnv(&s, nil, []env.Option{env.WithLookup(lookup)})
	require.NotNil(t, in)
}

func TestUnsafeGetMatchesTypedGet(t *testing.T) {
	id := typeid.Of[int]()
	var s component.Storage
	s.Append(component.BindInstance(id, 5, nil))

	in := build(t, &s)
	v, err := in.UnsafeGet(id)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}
