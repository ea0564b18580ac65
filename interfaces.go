package familyvault

import (
	"context"

	"github.com/awnumar/memguard"
)

// BlobStore holds sealed item bytes and item records. FetchItem returns an
// error matching ErrItemNotFound when the item is absent.
type BlobStore interface {
	SaveItem(ctx context.Context, item VaultItem, data []byte) error
	FetchItem(ctx context.Context, itemID, vaultID string) ([]byte, error)
	ListItems(ctx context.Context, vaultID string) ([]VaultItem, error)
	DeleteItem(ctx context.Context, itemID, vaultID string) error
	Synchronize(ctx context.Context) error
}

// VaultRepository stores vault records keyed by id with last write wins
// semantics. FetchVault and UpdateVault return ErrVaultNotFound for unknown ids.
type VaultRepository interface {
	SaveVault(ctx context.Context, vault Vault) error
	FetchVault(ctx context.Context, id string) (Vault, error)
	ListVaults(ctx context.Context) ([]Vault, error)
	UpdateVault(ctx context.Context, vault Vault) error
}

// KeyManagement generates vault keys and wraps them per member. Returned
// buffers belong to the caller, who must Destroy them.
type KeyManagement interface {
	GenerateVaultKey() (*memguard.LockedBuffer, error)
	Wrap(ctx context.Context, key *memguard.LockedBuffer, member Member, vaultID string) ([]byte, error)
	UnwrapKey(ctx context.Context, member Member, wrapped []byte) (*memguard.LockedBuffer, error)
	FetchWrappedKey(ctx context.Context, member Member, vaultID string) ([]byte, error)
}
