package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	led, err := Create(dir)
	require.NoError(t, err)
	require.NoError(t, led.Put(map[string]string{"series": "/data/asl.nii.gz"}))

	// A fresh load sees everything the first instance persisted.
	reloaded, err := Load(dir)
	require.NoError(t, err)
	v, err := reloaded.Path("series")
	require.NoError(t, err)
	assert.Equal(t, "/data/asl.nii.gz", v)
}

func TestLoadMissingLedger(t *testing.T) {
	_, err := Load(t.TempDir())
	var missing *LedgerMissingError
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, missing.Error(), "setup stage")
}

func TestSelfDescribingEntry(t *testing.T) {
	dir := t.TempDir()
	led, err := Create(dir)
	require.NoError(t, err)

	self, ok := led.Get(SelfKey)
	require.True(t, ok)
	assert.True(t, filepath.IsAbs(self))
	assert.Equal(t, FileName, filepath.Base(self))

	// The self entry survives the persisted form.
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	var onDisk map[string]string
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, self, onDisk[SelfKey])
}

func TestLoadRestoresMissingSelfKey(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`{"series": "/data/asl.nii.gz"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), raw, 0644))

	led, err := Load(dir)
	require.NoError(t, err)
	self, ok := led.Get(SelfKey)
	assert.True(t, ok)
	assert.True(t, filepath.IsAbs(self))
}

func TestPutOverwritesAndPersistsWholeMapping(t *testing.T) {
	dir := t.TempDir()
	led, err := Create(dir)
	require.NoError(t, err)

	require.NoError(t, led.Put(map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, led.Put(map[string]string{"b": "3"}))

	reloaded, err := Load(dir)
	require.NoError(t, err)
	a, _ := reloaded.Get("a")
	b, _ := reloaded.Get("b")
	assert.Equal(t, "1", a)
	assert.Equal(t, "3", b)
	assert.Equal(t, 3, reloaded.Len())
}

func TestPathNamesMissingKey(t *testing.T) {
	led, err := Create(t.TempDir())
	require.NoError(t, err)

	_, err = led.Path("warp_field")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warp_field")
}

func TestNeedsUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.nii.gz")
	assert.True(t, NeedsUpdate(path, false))

	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.False(t, NeedsUpdate(path, false))
	assert.True(t, NeedsUpdate(path, true))
}
