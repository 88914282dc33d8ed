package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps each record as a JSON file on the local filesystem
type FileStore struct{}

// NewFileStore creates a FileStore
func NewFileStore() *FileStore {
	return &FileStore{}
}

// Load reads the record stored at path
func (f *FileStore) Load(_ context.Context, path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return State{}, fmt.Errorf("failed to read state file: %w", err)
	}
	return decode(path, data)
}

// Save writes the record to path, replacing it atomically
func (f *FileStore) Save(_ context.Context, path string, s State) error {
	data, err := encode(path, s)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Delete removes the record at path. A missing record is not an error.
func (f *FileStore) Delete(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// Close is a no-op for the file store
func (f *FileStore) Close() error {
	return nil
}
