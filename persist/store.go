package persist

import (
	"context"

	familyvault "github.com/BradMann09/FamilyVault"
)

// Store is a blob store backend. Besides the blob operations every backend
// can be health checked and closed.
type Store interface {
	familyvault.BlobStore

	// Ping tests connectivity for remote backends
	Ping(ctx context.Context) error

	Close() error

	GetType() string
}

// VaultLister is implemented by stores that can enumerate the vaults they hold
type VaultLister interface {
	ListVaults(ctx context.Context) ([]string, error)
}

// StoreType defines the type of storage backend
type StoreType string

const (
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeFirestore  StoreType = "firestore"
)

// StoreConfig holds configuration for a storage backend
type StoreConfig struct {
	Type   StoreType              `mapstructure:"type" yaml:"type" json:"type"`
	Config map[string]interface{} `mapstructure:"config" yaml:"config" json:"config"`
}
