package config_test

import (
	"path/filepath"
	"testing"

	"github.com/crucible-go/crucible/config"
	"github.com/crucible-go/crucible/env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name" yaml:"name"`
	Count int    `json:"count" yaml:"count"`
}

func TestSaveThenLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	in := sample{Name: "widget", Count: 3}

	require.NoError(t, config.Save(path, in))

	var out sample
	require.NoError(t, config.Load(path, &out))
	assert.Equal(t, in, out)
}

func TestSaveThenLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.yaml")
	in := sample{Name: "gadget", Count: 7}

	require.NoError(t, config.Save(path, in))

	var out sample
	require.NoError(t, config.Load(path, &out))
	assert.Equal(t, in, out)
}

func TestLoadMissingFileErrors(t *testing.T) {
	var out sample
	err := config.Load(filepath.Join(t.TempDir(), "missing.json"), &out)
	assert.Error(t, err)
}

func TestLoadEngineOptionsDefaultsToLoopCheckEnabled(t *testing.T) {
	opts, err := config.LoadEngineOptions(env.WithLookup(func(string) (string, bool) {
		return "", false
	}))
	require.NoError(t, err)
	assert.False(t, opts.NoLoopCheck)
	assert.False(t, opts.Normalize().NoLoopCheck)
}

func TestLoadEngineOptionsReadsNoLoopCheck(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "CRUCIBLE_NO_LOOP_CHECK" {
			return "true", true
		}
		return "", false
	}
	opts, err := config.LoadEngineOptions(env.WithLookup(lookup))
	require.NoError(t, err)
	assert.True(t, opts.NoLoopCheck)
}
