package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestStoreOperations(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("x", []byte(`1`)))
			require.NoError(t, s.Put("y", []byte(`"hello"`)))

			v, err := s.Get("x")
			require.NoError(t, err)
			assert.Equal(t, []byte(`1`), v)
			assert.True(t, s.Has("y"))

			keys, err := s.Keys()
			require.NoError(t, err)
			assert.Equal(t, []string{"x", "y"}, keys)

			nbytes, err := s.NBytes()
			require.NoError(t, err)
			assert.Equal(t, map[string]int64{"x": 1, "y": 7}, nbytes)

			require.NoError(t, s.Delete("x", "absent"))
			assert.False(t, s.Has("x"))
			_, err = s.Get("x")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Put("k", buf))
	buf[0] = 'z'

	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), v)
}

func TestBoltStoreReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), s.Path())
	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestOpen(t *testing.T) {
	s, err := Open("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(KindBolt, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, s)
	s.Close()

	_, err = Open("tape", "")
	assert.Error(t, err)
}

func TestBoltStoreBackup(t *testing.T) {
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put("k", []byte(`"v"`)))

	backupDir := t.TempDir()
	f, err := os.Create(filepath.Join(backupDir, FileName))
	require.NoError(t, err)
	n, err := s.Backup(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Positive(t, n)

	restored, err := NewBoltStore(backupDir)
	require.NoError(t, err)
	defer restored.Close()
	v, err := restored.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"v"`), v)
}
