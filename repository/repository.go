// Package repository provides VaultRepository backends: in memory, SQLite
// and MongoDB.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/misc"
	"go.uber.org/zap"
)

// Repository is a VaultRepository holding resources that must be released
type Repository interface {
	familyvault.VaultRepository
	Close() error
}

// Type selects a repository backend
type Type string

const (
	TypeMemory Type = "memory"
	TypeSQLite Type = "sqlite"
	TypeMongo  Type = "mongo"
)

// Config describes a repository backend. Path applies to sqlite; URI,
// Database and Collection to mongo.
type Config struct {
	Type       Type   `mapstructure:"type" yaml:"type" json:"type"`
	Path       string `mapstructure:"path" yaml:"path,omitempty" json:"path,omitempty"`
	URI        string `mapstructure:"uri" yaml:"uri,omitempty" json:"uri,omitempty"`
	Database   string `mapstructure:"database" yaml:"database,omitempty" json:"database,omitempty"`
	Collection string `mapstructure:"collection" yaml:"collection,omitempty" json:"collection,omitempty"`
}

// New opens the backend described by config
func New(ctx context.Context, config Config, logger *zap.Logger) (Repository, error) {
	switch config.Type {
	case TypeMemory, "":
		return NewMemoryRepository(), nil
	case TypeSQLite:
		return NewSQLiteRepository(config.Path, logger)
	case TypeMongo:
		return NewMongoRepository(ctx, config.URI, config.Database, config.Collection, logger)
	default:
		return nil, fmt.Errorf("unsupported repository type: %s", config.Type)
	}
}

func validateVault(vault familyvault.Vault) error {
	return misc.ValidateIdentifier("vault ID", vault.ID)
}

func vaultNotFound(id string) error {
	return fmt.Errorf("%w: %s", familyvault.ErrVaultNotFound, id)
}

func encodeVault(vault familyvault.Vault) ([]byte, error) {
	data, err := json.Marshal(vault)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal vault %s: %w", vault.ID, err)
	}
	return data, nil
}

func decodeVault(data []byte) (familyvault.Vault, error) {
	var vault familyvault.Vault
	if err := json.Unmarshal(data, &vault); err != nil {
		return familyvault.Vault{}, familyvault.NewStorageError("decode vault", err)
	}
	if vault.ID == "" {
		return familyvault.Vault{}, familyvault.NewStorageError("decode vault", errors.New("record has no id"))
	}
	return vault, nil
}
