package keys

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/fsutil"
	"github.com/BradMann09/FamilyVault/internal/lock"
	"github.com/BradMann09/FamilyVault/internal/misc"
)

// WrappedKeyStore persists opaque wrapped key blobs. FetchWrappedKey fails
// with familyvault.ErrKeyDerivationFailed for unknown identifiers.
type WrappedKeyStore interface {
	StoreWrappedKey(ctx context.Context, data []byte, identifier string) error
	FetchWrappedKey(ctx context.Context, identifier string) ([]byte, error)
}

type WrappedStoreType string

const (
	MemoryWrappedStoreType WrappedStoreType = "memory"
	FileWrappedStoreType   WrappedStoreType = "file"
)

// WrappedStoreConfig selects and configures a wrapped key store
type WrappedStoreConfig struct {
	Type WrappedStoreType `mapstructure:"type" yaml:"type"`
	Path string           `mapstructure:"path" yaml:"path,omitempty"`
}

// NewWrappedKeyStore builds the store described by config
func NewWrappedKeyStore(config WrappedStoreConfig) (WrappedKeyStore, error) {
	switch config.Type {
	case MemoryWrappedStoreType, "":
		return NewMemoryWrappedKeyStore(), nil
	case FileWrappedStoreType:
		return NewFileWrappedKeyStore(config.Path)
	default:
		return nil, fmt.Errorf("unsupported wrapped key store type: %s", config.Type)
	}
}

func unknownKey(identifier string) error {
	return fmt.Errorf("%w: no wrapped key for %s", familyvault.ErrKeyDerivationFailed, identifier)
}

// MemoryWrappedKeyStore keeps wrapped keys in a map
type MemoryWrappedKeyStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryWrappedKeyStore() *MemoryWrappedKeyStore {
	return &MemoryWrappedKeyStore{data: make(map[string][]byte)}
}

func (m *MemoryWrappedKeyStore) StoreWrappedKey(ctx context.Context, data []byte, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[identifier] = bytes.Clone(data)
	return nil
}

func (m *MemoryWrappedKeyStore) FetchWrappedKey(ctx context.Context, identifier string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[identifier]
	if !ok {
		return nil, unknownKey(identifier)
	}
	return bytes.Clone(data), nil
}

// FileWrappedKeyStore writes one file per identifier, named by the SHA-256
// of the identifier
type FileWrappedKeyStore struct {
	dir   string
	locks *lock.Keyed
}

func NewFileWrappedKeyStore(dir string) (*FileWrappedKeyStore, error) {
	if dir == "" {
		return nil, errors.New("wrapped key store path is required")
	}
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create wrapped key directory: %w", err)
	}
	return &FileWrappedKeyStore{dir: dir, locks: lock.NewKeyed()}, nil
}

func (f *FileWrappedKeyStore) StoreWrappedKey(ctx context.Context, data []byte, identifier string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := f.locks.Lock(identifier)
	defer unlock()

	if err := fsutil.WriteSecureFile(f.path(identifier), data, misc.FilePermissions); err != nil {
		return familyvault.NewStorageError("store wrapped key", err)
	}
	return nil
}

func (f *FileWrappedKeyStore) FetchWrappedKey(ctx context.Context, identifier string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := f.locks.Lock(identifier)
	defer unlock()

	data, err := os.ReadFile(f.path(identifier))
	if errors.Is(err, os.ErrNotExist) {
		return nil, unknownKey(identifier)
	}
	if err != nil {
		return nil, familyvault.NewStorageError("fetch wrapped key", err)
	}
	return data, nil
}

func (f *FileWrappedKeyStore) path(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".wrapped")
}
