package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectInputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.tif", "b.TIFF", "c.vrt", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.tif"), 0o755))

	got, err := collectInputs([]string{dir})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.tif"),
		filepath.Join(dir, "b.TIFF"),
		filepath.Join(dir, "c.vrt"),
	}, got)

	_, err = collectInputs([]string{filepath.Join(dir, "missing.tif")})
	assert.Error(t, err)
}

func TestParseFactors(t *testing.T) {
	got, err := parseFactors("2, 4,8")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 8}, got)

	got, err = parseFactors("")
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, bad := range []string{"1", "2,x", "-4"} {
		_, err := parseFactors(bad)
		assert.Error(t, err, bad)
	}
}
