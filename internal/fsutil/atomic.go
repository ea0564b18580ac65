// Package fsutil holds the atomic file helpers shared by the file backed stores.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// WriteSecureFile replaces path atomically: the data is written and synced to
// a temp file in the same directory, chmodded to perm, then renamed over path.
func WriteSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// CreateSecureFile writes path only if it does not exist yet. It returns an
// error matching os.ErrExist when another writer got there first.
func CreateSecureFile(path string, data []byte, perm os.FileMode) error {
	tmpPath, err := writeTemp(path, data, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	// link fails if path exists, unlike rename
	if err = os.Link(tmpPath, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return err
		}
		return fmt.Errorf("failed to link temp file: %w", err)
	}
	return nil
}

func writeTemp(path string, data []byte, perm os.FileMode) (string, error) {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	fail := func(msg string, err error) (string, error) {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("%s: %w", msg, err)
	}

	if _, err = tmpFile.Write(data); err != nil {
		return fail("failed to write to temp file", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fail("failed to sync temp file", err)
	}
	if err = tmpFile.Chmod(perm); err != nil {
		return fail("failed to set permissions", err)
	}
	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	return tmpPath, nil
}

// FileExists reports whether path exists
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
