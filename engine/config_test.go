package engine_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgretry/ddcadapt/engine"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	var path = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	var cfg, err = engine.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultConfig(), cfg)
}

func TestLoadConfigOverridesOnlyMentionedFields(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "config.yaml")

	var content = "user_multiplier: 1.5\ndsa:\n  lookback: 8\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var cfg, err = engine.LoadConfig(path)
	require.NoError(t, err)

	var want = engine.DefaultConfig()
	want.UserMultiplier = 1.5
	want.DSA.Lookback = 8
	assert.Equal(t, want, cfg)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	var _, err = engine.LoadConfig(path)
	assert.Error(t, err)
}
