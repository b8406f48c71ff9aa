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

// Package injector is the runtime half of the engine: given the graph and
// arena budget that normalize produced, it resolves individual types on
// demand, aggregates multibindings, and drives eager injection.
//
// New and NewFromEnv are the two entry points in this package that may
// terminate the process: on a normalization (or, for NewFromEnv, environment
// load) error they log a diagnostic via slog and call os.Exit(1), matching
// the fatal-at-startup contract spec.md assigns to component installation.
// NewFromStorage and NewFromResult are non-fatal variants; every other
// operation in this package returns an error instead.
package injector

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/crucible-go/crucible/arena"
	"github.com/crucible-go/crucible/component"
	engineconfig "github.com/crucible-go/crucible/config"
	"github.com/crucible-go/crucible/env"
	"github.com/crucible-go/crucible/graph"
	"github.com/crucible-go/crucible/logger"
	"github.com/crucible-go/crucible/normalize"
	"github.com/crucible-go/crucible/typeid"
)

// Option configures the fatal New entry point. Everything else in this
// package is pure and needs no options.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger overrides the *slog.Logger New uses to report a fatal
// normalization failure. The default, if omitted, is logger.New() (text
// format, info level) writing to stderr rather than slog.Default(), so the
// engine's diagnostic output is configured the same way the rest of the module's
// ambient logging is.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Injector resolves bound types on demand, memoizing each constructed value
// exactly once. The zero value is not usable; construct one with New.
type Injector struct {
	graph *graph.Graph
	arena *arena.Arena
}

// New normalizes storage and returns a ready-to-use Injector.
//
// On a normalization failure, New logs the error via a logger.New()-built
// *slog.Logger (override with WithLogger) and calls os.Exit(1): a
// misdeclared binding graph is a programming error the process has no
// sensible way to run with, so this is the one fatal entry point spec.md §7
// assigns to component installation. Use NewFromStorage for a non-fatal
// variant, e.g. in tests that assert on the error; di.Compile builds atop
// NewFromStorage for the same reason.
func New(storage *component.Storage, exposed []typeid.TypeID, opts normalize.Options, logOpts ...Option) *Injector {
	c := config{logger: logger.New(logger.WithWriter(os.Stderr))}
	for _, opt := range logOpts {
		opt(&c)
	}
	in, err := NewFromStorage(storage, exposed, opts)
	if err != nil {
		c.logger.Error("injector: failed to build binding graph", "error", err)
		os.Exit(1)
	}
	return in
}

// NewFromEnv is New with opts read from the process environment via
// config.LoadEngineOptions instead of passed explicitly, for the common case
// of a binary that wants CRUCIBLE_NO_LOOP_CHECK and friends to come from
// deployment config rather than a hardcoded literal. A malformed environment
// is treated the same as a bad binding graph: logged and fatal, since both
// are startup-time configuration errors the process cannot recover from.
func NewFromEnv(storage *component.Storage, exposed []typeid.TypeID, envOpts []env.Option, logOpts ...Option) *Injector {
	c := config{logger: logger.New(logger.WithWriter(os.Stderr))}
	for _, opt := range logOpts {
		opt(&c)
	}
	opts, err := engineconfig.LoadEngineOptions(envOpts...)
	if err != nil {
		c.logger.Error("injector: failed to load engine options", "error", err)
		os.Exit(1)
	}
	return New(storage, exposed, opts.Normalize(), logOpts...)
}

// NewFromStorage is the non-fatal variant of New.
func NewFromStorage(storage *component.Storage, exposed []typeid.TypeID, opts normalize.Options) (*Injector, error) {
	result, err := normalize.Normalize(storage, exposed, opts)
	if err != nil {
		return nil, err
	}
	return NewFromResult(result), nil
}

// NewFromResult builds an Injector directly from an already-normalized
// Result, e.g. one produced once and shared across several Injector
// instances that each get their own arena (spec.md's "normalize once,
// inject many times" optimization).
func NewFromResult(result *normalize.Result) *Injector {
	in := &Injector{
		graph: result.Graph,
		arena: arena.New(result.Budget),
	}
	// Terminal nodes are already constructed; their teardown hooks (if any)
	// are registered immediately rather than on first Get, since no lazy
	// build closure ever runs for them (graph.Node.Resolve short-circuits on
	// Terminal before touching the build func).
	for _, n := range in.graph.Nodes {
		if !n.Terminal {
			continue
		}
		destroy := n.TerminalDestroy
		if destroy == nil {
			destroy = func() {}
		}
		in.arena.RegisterExternal(typeid.Name(n.ID), destroy)
	}
	return in
}

// Close runs every registered destructor in reverse construction order. Safe
// to call more than once.
func (in *Injector) Close() { in.arena.Close() }

// Resolve implements component.Resolver, letting a CreateFunc pull its
// declared dependencies back out of this Injector by TypeID.
func (in *Injector) Resolve(id typeid.TypeID) (any, error) {
	idx, ok := in.graph.IndexOf(id)
	if !ok {
		return nil, fmt.Errorf("injector: %s is not bound", typeid.Name(id))
	}
	return in.resolveIndex(idx)
}

func (in *Injector) resolveIndex(idx int) (any, error) {
	n := in.graph.NodeAt(idx)
	return n.Resolve(func() (any, error) {
		return in.construct(typeid.Name(n.ID), n.Alloc, n.Destroy, func() (any, error) {
			return n.Create(in)
		})
	})
}

// construct runs build and reserves the destructor slot normalize.Normalize
// already budgeted for this binding. A NeedsArenaAllocation binding with no
// Destroy hook consumes no slot (see normalize.reserve); every other
// combination consumes exactly one, matching the Budget that sized the
// arena.
func (in *Injector) construct(
	label string,
	alloc component.Allocation,
	destroy func(any),
	build func() (any, error),
) (any, error) {
	switch alloc {
	case component.NeedsArenaAllocation:
		return arena.Construct(in.arena, label, destroy, build)
	case component.ExternallyAllocated:
		if destroy == nil {
			destroy = func(any) {}
		}
		return arena.Construct(in.arena, label, destroy, build)
	default:
		return build()
	}
}

// Get resolves the single binding for T, constructing it (and anything it
// transitively depends on) on first use and returning the memoized value on
// every subsequent call.
func Get[T any](in *Injector) (T, error) {
	var zero T
	id := typeid.Of[T]()
	v, err := in.Resolve(id)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("injector: %s resolved to unexpected type %T", typeid.Name(id), v)
	}
	return t, nil
}

// GetAnnotated resolves the annotated binding typeid.Annotated[A, T]()
// registers, for the "two dependencies of the same Go type" case.
func GetAnnotated[A, T any](in *Injector) (T, error) {
	var zero T
	id := typeid.Annotated[A, T]()
	v, err := in.Resolve(id)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("injector: %s resolved to unexpected type %T", typeid.Name(id), v)
	}
	return t, nil
}

// UnsafeGet resolves id without the static type-parameter check Get
// performs, for callers that only have a dynamic TypeID in hand.
func (in *Injector) UnsafeGet(id typeid.TypeID) (any, error) {
	return in.Resolve(id)
}

// GetMultibindings returns every contribution registered for T's
// multibinding, in declaration order, constructing any not-yet-built
// elements along the way. An unbound T with no multibindings at all yields
// an empty, non-nil slice and a nil error (spec.md: "no multibindings
// declared" is not an error).
func GetMultibindings[T any](in *Injector) ([]T, error) {
	id := typeid.Of[T]()
	mb, ok := in.graph.Multibindings[id]
	if !ok {
		return []T{}, nil
	}
	values, err := mb.Aggregate(func(e *graph.MultibindingElem) (any, error) {
		return in.resolveElem(e)
	})
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(values))
	for _, v := range values {
		t, ok := v.(T)
		if !ok {
			return nil, fmt.Errorf("injector: multibinding for %s produced unexpected type %T", typeid.Name(id), v)
		}
		out = append(out, t)
	}
	return out, nil
}

func (in *Injector) resolveElem(e *graph.MultibindingElem) (any, error) {
	return e.Resolve(func() (any, error) {
		return in.construct("multibinding element", e.Alloc, e.Destroy, func() (any, error) {
			return e.Create(in)
		})
	})
}

// Provider is a cursor over a single bound type, usable when a constructor
// wants to defer resolution (spec.md's "Provider<T>" dependency kind) rather
// than force it at graph-build time. Get may be called more than once; it
// always returns the same memoized value.
type Provider[T any] struct {
	in *Injector
}

// NewProvider returns a Provider[T] bound to in.
func NewProvider[T any](in *Injector) Provider[T] { return Provider[T]{in: in} }

// Get resolves the provider's type, exactly as Get[T] would.
func (p Provider[T]) Get() (T, error) { return Get[T](p.in) }

// EagerlyInjectAll constructs every node in the graph concurrently, so that
// by the time it returns, no construction work remains on the critical path
// of any later Get call (spec.md's "eager injection" mode, for services that
// want every dependency built at startup rather than lazily on first
// request). Construction still respects dependency order: a node's build
// closure calls back into Resolve for its own dependencies, and sync.Once
// per node means the concurrent goroutines racing to build a shared
// dependency block on the same in-flight build rather than duplicating work.
//
// This concurrency is new relative to the lazy path (and to the original's
// single-threaded injector): arena.Arena's destructor ledger is mutex-guarded
// specifically so that the parallel registrations this method triggers never
// race. Spec.md invariant 6 ("drops all constructed objects in reverse
// construction order") still holds under that concurrency: a node only
// registers its destructor after its build closure returns, and that closure
// only returns after every dependency it resolved has already registered, so
// within any one dependency chain the ledger is always deps-before-dependents
// regardless of which goroutine runs when. Two *unrelated* subtrees may
// interleave with each other on the ledger, but spec.md §4.5 already leaves
// the relative construction order of unrelated nodes implementation-defined,
// so that interleaving never violates the reverse-of-construction contract.
func (in *Injector) EagerlyInjectAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for i := range in.graph.Nodes {
		i := i
		g.Go(func() error {
			_, err := in.resolveIndex(i)
			return err
		})
	}
	for id, mb := range in.graph.Multibindings {
		id, mb := id, mb
		g.Go(func() error {
			_, err := mb.Aggregate(func(e *graph.MultibindingElem) (any, error) {
				return in.resolveElem(e)
			})
			if err != nil {
				return fmt.Errorf("injector: eager multibinding injection for %s: %w", typeid.Name(id), err)
			}
			return nil
		})
	}
	return g.Wait()
}
