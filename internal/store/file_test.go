// ABOUTME: Tests for the filesystem backend
// ABOUTME: Covers atomic replace, permissions, and corrupt files surfacing as errors

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend_PutGet(t *testing.T) {
	root := t.TempDir()
	b, err := NewFileBackend(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "agents", []byte(`{"a":1}`)))
	data, err := b.Get(ctx, "agents")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	info, err := os.Stat(filepath.Join(root, "agents.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileBackend_NestedKeyCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	b, err := NewFileBackend(root)
	require.NoError(t, err)

	require.NoError(t, b.Put(context.Background(), "envs/env_1", []byte(`{}`)))
	_, err = os.Stat(filepath.Join(root, "envs", "env_1.json"))
	assert.NoError(t, err)
}

func TestFileBackend_MissingIsNotFound(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	_, err = b.Get(context.Background(), "jobs")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend_ReplaceLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	b, err := NewFileBackend(root)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Put(ctx, "jobs", []byte(`{"v":`+string(rune('0'+i))+`}`)))
	}

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "jobs.json", entries[0].Name())

	data, err := b.Get(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, `{"v":4}`, string(data))
}

func TestFileBackend_RejectsTraversal(t *testing.T) {
	b, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)

	_, err = b.Get(context.Background(), "../outside")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, b.Put(context.Background(), "../outside", []byte(`{}`)), ErrInvalidKey)
}

func TestStore_CorruptFileIsLoud(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "agents.json"), []byte("not json"), 0o600))

	b, err := NewFileBackend(root)
	require.NoError(t, err)
	s := New(b, nil)

	err = s.Load(context.Background(), KeyAgents, NewTable[counter]())
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_FileBackendSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	b1, err := NewFileBackend(root)
	require.NoError(t, err)
	s1 := New(b1, nil)
	tbl := NewTable[counter]()
	require.NoError(t, s1.Update(ctx, KeyJobs, tbl, func() error {
		tbl.Set("j1", counter{N: 7})
		return nil
	}))

	b2, err := NewFileBackend(root)
	require.NoError(t, err)
	s2 := New(b2, nil)
	got := NewTable[counter]()
	require.NoError(t, s2.Load(ctx, KeyJobs, got))
	v, ok := got.Get("j1")
	require.True(t, ok)
	assert.Equal(t, 7, v.N)
}
