package statscache_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/kgretry/ddcadapt/internal/dsa"
	"github.com/kgretry/ddcadapt/internal/registry"
	"github.com/kgretry/ddcadapt/internal/statscache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTrip(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "stats")

	var reg = registry.New(nil, 1.0)
	var rec = reg.GetOrCreate(2, 0xA7)
	rec.DSA.RestoreFromCache(5, 5, 2, 3, true)
	rec.DSA.RestoreBuffer([]dsa.InvocationRecord{
		{EpochSeconds: 100, TryCount: 1, RequiredStep: 3},
		{EpochSeconds: 200, TryCount: 2, RequiredStep: 5},
		{EpochSeconds: 300, TryCount: 1, RequiredStep: 4},
	})

	require.NoError(t, statscache.Save(reg, path, nil))

	var reg2 = registry.New(nil, 1.0)
	require.NoError(t, statscache.Load(reg2, path, nil))

	var loaded, ok = reg2.Get(2)
	require.True(t, ok)
	assert.Equal(t, byte(0xA7), loaded.EdidCheck)
	assert.Equal(t, registry.FromCache, loaded.State())

	var snap = loaded.DSA.Snapshot()
	assert.Equal(t, 5, snap.CurStep)
	assert.Equal(t, 5, snap.InitialStep)
	assert.Equal(t, 5, snap.InitialLookback)
	assert.Equal(t, 2, snap.RemainingInterval)
	assert.Equal(t, 3, snap.MinOkStep)
	assert.True(t, snap.FoundFailureStep)
	require.Len(t, snap.Buffer, 3)
	assert.Equal(t, dsa.InvocationRecord{EpochSeconds: 300, TryCount: 1, RequiredStep: 4}, snap.Buffer[2])
}

func TestEdidMismatchDiscardsCachedRecordOnGetOrCreate(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "stats")

	var reg = registry.New(nil, 1.0)
	var rec = reg.GetOrCreate(2, 0xA7)
	rec.DSA.RestoreFromCache(5, 5, 2, 3, true)

	require.NoError(t, statscache.Save(reg, path, nil))

	var reg2 = registry.New(nil, 1.0)
	require.NoError(t, statscache.Load(reg2, path, nil))

	var fresh = reg2.GetOrCreate(2, 0x99)
	assert.Equal(t, byte(0x99), fresh.EdidCheck)
	assert.Equal(t, registry.BusDetected, fresh.State())
	assert.Empty(t, fresh.DSA.Snapshot().Buffer)
	assert.Equal(t, fresh.DSA.Snapshot().InitialStep, fresh.DSA.Snapshot().CurStep)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	var reg = registry.New(nil, 1.0)
	require.NoError(t, statscache.Load(reg, filepath.Join(t.TempDir(), "does-not-exist"), nil))
	assert.Equal(t, 0, reg.Len())
}

func TestLoadEmptyFile(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "stats")
	require.NoError(t, os.WriteFile(path, []byte{}, 0o644))

	var reg = registry.New(nil, 1.0)
	require.NoError(t, statscache.Load(reg, path, nil))
	assert.Equal(t, 0, reg.Len())
}

func TestLoadCommentsOnlyFile(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "stats")
	var content = "FORMAT 1\n# a comment\n* also a comment\n; semicolon comment\n\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	var reg = registry.New(nil, 1.0)
	require.NoError(t, statscache.Load(reg, path, nil))
	assert.Equal(t, 0, reg.Len())
}

func TestLoadBadLineDiscardsEverything(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "stats")

	var reg = registry.New(nil, 1.0)
	reg.GetOrCreate(2, 0xA7)
	require.NoError(t, statscache.Save(reg, path, nil))

	// Append a malformed line.
	var f, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("i2c-3 zz not-a-number\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var reg2 = registry.New(nil, 1.0)
	var loadErr = statscache.Load(reg2, path, nil)
	require.Error(t, loadErr)

	var badData *statscache.BadCacheData
	require.ErrorAs(t, loadErr, &badData)
	assert.Len(t, badData.Causes, 1)
	assert.Equal(t, 0, reg2.Len())
}

func TestLoadAndSaveAcceptExplicitLogger(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "stats")
	var logger = log.New(io.Discard)

	var reg = registry.New(nil, 1.0)
	reg.GetOrCreate(2, 0xA7)
	require.NoError(t, statscache.Save(reg, path, logger))

	var reg2 = registry.New(nil, 1.0)
	require.NoError(t, statscache.Load(reg2, path, logger))

	var _, ok = reg2.Get(2)
	assert.True(t, ok)
}

func TestSaveOnlyEmitsBusDetectedRecords(t *testing.T) {
	var dir = t.TempDir()
	var path = filepath.Join(dir, "stats")

	var reg = registry.New(nil, 1.0)
	var cached = reg.NewCacheRecord(9, 0x11)
	reg.AdoptFromCache(cached) // FromCache only, not BusDetected
	reg.GetOrCreate(2, 0xA7)   // BusDetected set

	require.NoError(t, statscache.Save(reg, path, nil))

	var reg2 = registry.New(nil, 1.0)
	require.NoError(t, statscache.Load(reg2, path, nil))

	var _, ok9 = reg2.Get(9)
	assert.False(t, ok9)

	var _, ok2 = reg2.Get(2)
	assert.True(t, ok2)
}
