package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/misc"
	"go.uber.org/zap"
)

// NewStore creates the backend described by config
func NewStore(ctx context.Context, config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok || basePath == "" {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		var s3Config S3Config
		if err := parseConfig(config.Config, &s3Config); err != nil {
			return nil, fmt.Errorf("invalid s3 config: %w", err)
		}
		return NewS3Store(ctx, s3Config)

	case StoreTypeFirestore:
		var fsConfig FirestoreConfig
		if err := parseConfig(config.Config, &fsConfig); err != nil {
			return nil, fmt.Errorf("invalid firestore config: %w", err)
		}
		return NewFirestoreStore(ctx, fsConfig)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewCoordinatorFromConfig builds the local store, the optional remote store
// and the coordinator joining them. remote.Type empty means local only.
func NewCoordinatorFromConfig(ctx context.Context, local, remote StoreConfig, policy RemoteWritePolicy, logger *zap.Logger) (*Coordinator, error) {
	localStore, err := NewStore(ctx, local)
	if err != nil {
		return nil, fmt.Errorf("failed to create local store: %w", err)
	}

	var remoteStore Store
	if remote.Type != "" {
		if remoteStore, err = NewStore(ctx, remote); err != nil {
			_ = localStore.Close()
			return nil, fmt.Errorf("failed to create remote store: %w", err)
		}
	}

	return NewCoordinator(localStore, remoteStore, policy, logger)
}

// parseConfig converts a generic config map into a typed config struct
func parseConfig(options map[string]interface{}, target interface{}) error {
	data, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func validateIDs(itemID, vaultID string) error {
	if err := misc.ValidateIdentifier("vault ID", vaultID); err != nil {
		return err
	}
	if itemID == "" {
		return nil
	}
	return misc.ValidateIdentifier("item ID", itemID)
}

func itemNotFound(itemID, vaultID string) error {
	return fmt.Errorf("%w: %s in vault %s", familyvault.ErrItemNotFound, itemID, vaultID)
}

// sortItems orders items by creation time, then id
func sortItems(items []familyvault.VaultItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}
