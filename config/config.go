// Package config loads and saves structured application configuration
// files, and defines the process-wide options that control the injection
// engine itself.
package config

import (
	"fmt"
	"os"

	"github.com/crucible-go/crucible/codec"
	"github.com/crucible-go/crucible/env"
	"github.com/crucible-go/crucible/normalize"
)

// Load reads the file at path and decodes it into v, using a codec picked
// from the file's extension (see codec.Infer).
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return codec.Infer(path).Decode(data, v)
}

// Save encodes v and writes it to path, using a codec picked from the
// file's extension (see codec.Infer).
func Save(path string, v any) error {
	data, err := codec.Infer(path).Encode(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// EngineOptions controls process-wide behavior of the injection engine. It
// is the Go-native, runtime-configurable stand-in for the original's
// build-time `#define FRUIT_NO_LOOP_CHECK`: instead of a compiler flag, it
// is read from the environment (or a config file) once at startup.
type EngineOptions struct {
	// NoLoopCheck disables the dependency-cycle check normalize.Normalize
	// otherwise runs after every binding graph is built. Only meant for
	// graphs already known to be acyclic, to skip the DFS pass at startup.
	NoLoopCheck bool `env:"CRUCIBLE_NO_LOOP_CHECK,default:false"`
}

// LoadEngineOptions reads EngineOptions from the environment.
func LoadEngineOptions(opts ...env.Option) (EngineOptions, error) {
	var o EngineOptions
	if err := env.Unmarshal(&o, opts...); err != nil {
		return EngineOptions{}, fmt.Errorf("config: %w", err)
	}
	return o, nil
}

// Normalize adapts EngineOptions to the options type normalize.Normalize
// expects.
func (o EngineOptions) Normalize() normalize.Options {
	return normalize.Options{NoLoopCheck: o.NoLoopCheck}
}
