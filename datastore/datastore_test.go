package datastore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type doc struct {
	Name string `json:"name"`
}

func open(t *testing.T, path string, backups int) *DataStore {
	t.Helper()
	ds, err := NewWithConfig(Config{FilePath: path, BackupCount: backups, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return ds
}

func TestDataStore_PutGetDelete(t *testing.T) {
	ds := open(t, filepath.Join(t.TempDir(), "store.json"), 0)
	defer ds.Close()

	var got doc
	ok, err := ds.Get("a", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, ds.Put("a", doc{Name: "alpha"}))
	ok, err = ds.Get("a", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, 1, ds.Len())

	require.NoError(t, ds.Delete("a"))
	require.NoError(t, ds.Delete("missing"))
	assert.Equal(t, 0, ds.Len())
}

func TestDataStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	ds := open(t, path, 0)
	require.NoError(t, ds.Put("a", doc{Name: "alpha"}))
	require.NoError(t, ds.Close())
	require.NoError(t, ds.Close(), "second close is a no-op")

	assert.ErrorIs(t, ds.Put("b", doc{}), ErrClosed)

	ds = open(t, path, 0)
	defer ds.Close()

	var got doc
	ok, err := ds.Get("a", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alpha", got.Name)
}

func TestDataStore_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	_, err := NewWithConfig(Config{FilePath: path})
	assert.Error(t, err)
}

func TestDataStore_KeepsLimitedBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	ds := open(t, path, 2)
	defer ds.Close()

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, ds.Put(name, doc{Name: name}))
		require.NoError(t, ds.Flush())
	}

	backups, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(backups), 2)
	assert.NotEmpty(t, backups)
}

func TestDataStore_UnchangedForeignFileIsNotRewritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	compact := []byte(`{"a":{"name":"alpha"}}`)
	require.NoError(t, os.WriteFile(path, compact, 0o644))

	ds := open(t, path, 3)
	require.NoError(t, ds.Flush())
	require.NoError(t, ds.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, compact, data)

	backups, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestDataStore_FreshStoreIsNotBackedUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	ds := open(t, path, 3)
	require.NoError(t, ds.Flush())
	require.NoError(t, ds.Close())

	backups, err := filepath.Glob(path + ".backup.*")
	require.NoError(t, err)
	assert.Empty(t, backups)
}
