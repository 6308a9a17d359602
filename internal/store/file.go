// ABOUTME: Filesystem backend writing one JSON file per document
// ABOUTME: Uses temp-file + fsync + rename so readers never observe partial writes

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// FileBackend stores each document as <root>/<key>.json.
type FileBackend struct {
	root string
}

// NewFileBackend creates the root directory if needed.
func NewFileBackend(root string) (*FileBackend, error) {
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", root, err)
	}
	return &FileBackend{root: root}, nil
}

// Root returns the storage directory.
func (b *FileBackend) Root() string {
	return b.root
}

func (b *FileBackend) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(key)+".json"), nil
}

// Get reads the file for key.
func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	path, err := b.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Put atomically replaces the file for key.
func (b *FileBackend) Put(_ context.Context, key string, data []byte) error {
	path, err := b.path(key)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, fileMode)
}

// Close is a no-op.
func (b *FileBackend) Close() error {
	return nil
}

// WriteFileAtomic writes data to a temporary file in the target directory, syncs
// it, and renames it over path. The parent directory is synced afterwards so the
// rename survives power loss.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
