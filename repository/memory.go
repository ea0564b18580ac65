package repository

import (
	"context"
	"sort"
	"sync"

	familyvault "github.com/BradMann09/FamilyVault"
)

// MemoryRepository keeps vaults in a map. Records are cloned on the way in
// and out so callers never share slices with the repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	vaults map[string]familyvault.Vault
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{vaults: make(map[string]familyvault.Vault)}
}

func (r *MemoryRepository) SaveVault(ctx context.Context, vault familyvault.Vault) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateVault(vault); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaults[vault.ID] = vault.Clone()
	return nil
}

func (r *MemoryRepository) FetchVault(ctx context.Context, id string) (familyvault.Vault, error) {
	if err := ctx.Err(); err != nil {
		return familyvault.Vault{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	vault, ok := r.vaults[id]
	if !ok {
		return familyvault.Vault{}, vaultNotFound(id)
	}
	return vault.Clone(), nil
}

func (r *MemoryRepository) ListVaults(ctx context.Context) ([]familyvault.Vault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	vaults := make([]familyvault.Vault, 0, len(r.vaults))
	for _, v := range r.vaults {
		vaults = append(vaults, v.Clone())
	}
	r.mu.RUnlock()

	sortVaults(vaults)
	return vaults, nil
}

func (r *MemoryRepository) UpdateVault(ctx context.Context, vault familyvault.Vault) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.vaults[vault.ID]; !ok {
		return vaultNotFound(vault.ID)
	}
	r.vaults[vault.ID] = vault.Clone()
	return nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

// sortVaults orders vaults by creation time, then id
func sortVaults(vaults []familyvault.Vault) {
	sort.SliceStable(vaults, func(i, j int) bool {
		if !vaults[i].CreatedAt.Equal(vaults[j].CreatedAt) {
			return vaults[i].CreatedAt.Before(vaults[j].CreatedAt)
		}
		return vaults[i].ID < vaults[j].ID
	})
}
