package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/fsutil"
	"github.com/BradMann09/FamilyVault/internal/lock"
	"github.com/BradMann09/FamilyVault/internal/misc"
)

const (
	FilePermissions os.FileMode = misc.FilePermissions
	DirPermissions  os.FileMode = misc.DirPermissions

	indexFile  = "index.json"
	blobSuffix = ".blob"
)

// FileSystemStore keeps one directory per vault holding a blob file per item
// and an index.json listing the vault's item records in insertion order:
//
//	basePath/<vaultID>/<itemID>.blob
//	basePath/<vaultID>/index.json
//
// The index is rewritten wholesale on every change. Writes to one vault are
// serialized.
type FileSystemStore struct {
	basePath string
	locks    *lock.Keyed
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, errors.New("base path cannot be empty")
	}
	if err := os.MkdirAll(basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", basePath, err)
	}
	return &FileSystemStore{basePath: basePath, locks: lock.NewKeyed()}, nil
}

func (fs *FileSystemStore) SaveItem(ctx context.Context, item familyvault.VaultItem, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateIDs(item.ID, item.VaultID); err != nil {
		return err
	}

	unlock := fs.locks.Lock(item.VaultID)
	defer unlock()

	if err := os.MkdirAll(fs.vaultDir(item.VaultID), DirPermissions); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}

	// blob before index so the index never names a missing blob
	if err := fsutil.WriteSecureFile(fs.blobPath(item.VaultID, item.ID), data, FilePermissions); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}

	items, err := fs.readIndex(item.VaultID)
	if err != nil {
		return err
	}

	replaced := false
	for i := range items {
		if items[i].ID == item.ID {
			items[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		items = append(items, item)
	}

	return fs.writeIndex(item.VaultID, items)
}

func (fs *FileSystemStore) FetchItem(ctx context.Context, itemID, vaultID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateIDs(itemID, vaultID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fs.blobPath(vaultID, itemID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, itemNotFound(itemID, vaultID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

func (fs *FileSystemStore) ListItems(ctx context.Context, vaultID string) ([]familyvault.VaultItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateIDs("", vaultID); err != nil {
		return nil, err
	}

	unlock := fs.locks.Lock(vaultID)
	defer unlock()

	return fs.readIndex(vaultID)
}

// DeleteItem removes the blob and its index entry. Deleting a missing item is not an error.
func (fs *FileSystemStore) DeleteItem(ctx context.Context, itemID, vaultID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateIDs(itemID, vaultID); err != nil {
		return err
	}

	unlock := fs.locks.Lock(vaultID)
	defer unlock()

	if err := os.Remove(fs.blobPath(vaultID, itemID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}

	items, err := fs.readIndex(vaultID)
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, it := range items {
		if it.ID != itemID {
			kept = append(kept, it)
		}
	}
	if len(kept) == len(items) {
		return nil
	}
	return fs.writeIndex(vaultID, kept)
}

// Synchronize drops index entries whose blob is missing, left behind by a
// delete interrupted between removing the blob and rewriting the index.
func (fs *FileSystemStore) Synchronize(ctx context.Context) error {
	vaults, err := fs.ListVaults(ctx)
	if err != nil {
		return err
	}

	for _, vaultID := range vaults {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fs.pruneIndex(vaultID); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileSystemStore) pruneIndex(vaultID string) error {
	unlock := fs.locks.Lock(vaultID)
	defer unlock()

	items, err := fs.readIndex(vaultID)
	if err != nil {
		return err
	}

	kept := items[:0]
	for _, it := range items {
		exists, err := fsutil.FileExists(fs.blobPath(vaultID, it.ID))
		if err != nil {
			return fmt.Errorf("failed to check blob %s: %w", it.ID, err)
		}
		if exists {
			kept = append(kept, it)
		}
	}
	if len(kept) == len(items) {
		return nil
	}
	return fs.writeIndex(vaultID, kept)
}

// ListVaults returns the ids of vaults that have a directory in the store
func (fs *FileSystemStore) ListVaults(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var vaults []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			vaults = append(vaults, entry.Name())
		}
	}
	return vaults, nil
}

func (fs *FileSystemStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("failed to stat base path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base path %s is not a directory", fs.basePath)
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) vaultDir(vaultID string) string {
	return filepath.Join(fs.basePath, vaultID)
}

func (fs *FileSystemStore) blobPath(vaultID, itemID string) string {
	return filepath.Join(fs.basePath, vaultID, itemID+blobSuffix)
}

func (fs *FileSystemStore) indexPath(vaultID string) string {
	return filepath.Join(fs.basePath, vaultID, indexFile)
}

// readIndex must be called with the vault lock held
func (fs *FileSystemStore) readIndex(vaultID string) ([]familyvault.VaultItem, error) {
	data, err := os.ReadFile(fs.indexPath(vaultID))
	if errors.Is(err, os.ErrNotExist) {
		return []familyvault.VaultItem{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	var items []familyvault.VaultItem
	if err = json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse index for vault %s: %w", vaultID, err)
	}
	if items == nil {
		items = []familyvault.VaultItem{}
	}
	return items, nil
}

// writeIndex must be called with the vault lock held
func (fs *FileSystemStore) writeIndex(vaultID string, items []familyvault.VaultItem) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	if err = fsutil.WriteSecureFile(fs.indexPath(vaultID), data, FilePermissions); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}
