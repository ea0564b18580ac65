package familyvault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BradMann09/FamilyVault/audit"
	"github.com/BradMann09/FamilyVault/internal/backup"
	"go.uber.org/zap"
)

// WrappedKeyImporter is implemented by key managers that can store a wrapped
// vault key produced elsewhere, letting ImportVault restore member key copies.
type WrappedKeyImporter interface {
	ImportWrappedKey(ctx context.Context, member Member, vaultID string, wrapped []byte) error
}

type exportPayload struct {
	Vault       Vault             `json:"vault"`
	Items       []exportItem      `json:"items"`
	WrappedKeys map[string][]byte `json:"wrappedKeys,omitempty"`
}

type exportItem struct {
	Item     VaultItem `json:"item"`
	Envelope []byte    `json:"envelope"`
}

// ExportVault writes a passphrase protected backup of a vault: its record,
// every sealed item and the members' wrapped key copies. Items stay sealed
// under their item keys inside the backup. Only the owner may export.
func (s *VaultService) ExportVault(ctx context.Context, vaultID string, member Member, passphrase []byte) ([]byte, error) {
	unlock := s.locks.Lock(vaultID)
	defer unlock()

	vault, err := s.repo.FetchVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	if stored, ok := vault.Member(member.ID()); !ok || stored.Role != RoleOwner {
		err = fmt.Errorf("%w: only the owner can export vault %s", ErrUserNotAuthorized, vaultID)
		s.record(audit.ActionVaultExport, member.ID(), vaultID, err, nil)
		return nil, err
	}

	items, err := s.store.ListItems(ctx, vaultID)
	if err != nil {
		return nil, NewStorageError("list items", err)
	}

	payload := exportPayload{Vault: vault, Items: make([]exportItem, 0, len(items))}
	for _, item := range items {
		envelope, err := s.envelopeBytes(ctx, item)
		if err != nil {
			return nil, fmt.Errorf("failed to read item %s: %w", item.ID, err)
		}
		payload.Items = append(payload.Items, exportItem{Item: item, Envelope: envelope})
	}

	for _, m := range vault.Members {
		wrapped, err := s.keys.FetchWrappedKey(ctx, m, vaultID)
		if err != nil {
			// members invited without key wrapping have no copy
			s.logger.Debug("no wrapped key to export",
				zap.String("vault_id", vaultID),
				zap.String("member_id", m.ID()))
			continue
		}
		if payload.WrappedKeys == nil {
			payload.WrappedKeys = make(map[string][]byte)
		}
		payload.WrappedKeys[m.ID()] = wrapped
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize backup: %w", err)
	}

	container, err := backup.Seal(data, passphrase, vaultID, s.options.now())
	if err != nil {
		s.record(audit.ActionVaultExport, member.ID(), vaultID, err, nil)
		return nil, err
	}
	encoded, err := container.Encode()
	if err != nil {
		return nil, err
	}

	s.security.Info("vault exported",
		zap.String("vault_id", vaultID),
		zap.String("backup_id", container.BackupID),
		zap.Int("items", len(payload.Items)))
	s.record(audit.ActionVaultExport, member.ID(), vaultID, nil, map[string]interface{}{
		"backup_id": container.BackupID,
		"items":     len(payload.Items),
	})
	return encoded, nil
}

// ImportVault restores a backup written by ExportVault. The vault id must
// not exist yet. Items are written to the blob store before the vault record
// so a failed import leaves no visible vault.
//
// Error Conditions:
//   - ErrDecryptionFailed when the passphrase is wrong or the backup was altered
//   - ErrStorageFailure when items cannot be written
func (s *VaultService) ImportVault(ctx context.Context, data, passphrase []byte) (Vault, error) {
	container, err := backup.Decode(data)
	if err != nil {
		return Vault{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plain, err := container.Open(passphrase)
	if err != nil {
		s.record(audit.ActionVaultImport, "", container.VaultID, err, map[string]interface{}{"backup_id": container.BackupID})
		return Vault{}, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	var payload exportPayload
	if err = json.Unmarshal(plain, &payload); err != nil {
		return Vault{}, fmt.Errorf("%w: malformed backup payload", ErrDecryptionFailed)
	}
	vault := payload.Vault
	if err = vault.Policy.Validate(); err != nil {
		return Vault{}, err
	}

	unlock := s.locks.Lock(vault.ID)
	defer unlock()

	if _, err = s.repo.FetchVault(ctx, vault.ID); err == nil {
		return Vault{}, fmt.Errorf("vault %s already exists", vault.ID)
	} else if !errors.Is(err, ErrVaultNotFound) {
		return Vault{}, err
	}

	if len(payload.WrappedKeys) > 0 {
		importer, ok := s.keys.(WrappedKeyImporter)
		if !ok {
			return Vault{}, fmt.Errorf("%w: key management cannot import wrapped keys", ErrKeyDerivationFailed)
		}
		for _, m := range vault.Members {
			wrapped, ok := payload.WrappedKeys[m.ID()]
			if !ok {
				continue
			}
			if err = importer.ImportWrappedKey(ctx, m, vault.ID, wrapped); err != nil {
				return Vault{}, fmt.Errorf("failed to import wrapped key for %s: %w", m.ID(), err)
			}
		}
	}

	for _, entry := range payload.Items {
		item := entry.Item
		if item.VaultID != vault.ID {
			return Vault{}, fmt.Errorf("%w: item %s belongs to another vault", ErrDecryptionFailed, item.ID)
		}
		if item.EncryptedBlobReference != "" && !strings.HasPrefix(item.EncryptedBlobReference, blobScheme) {
			item.EncryptedBlobReference = base64.StdEncoding.EncodeToString(entry.Envelope)
		}
		if err = s.store.SaveItem(ctx, item, entry.Envelope); err != nil {
			return Vault{}, NewStorageError("save item", err)
		}
	}

	if err = s.repo.SaveVault(ctx, vault); err != nil {
		return Vault{}, fmt.Errorf("failed to save vault: %w", err)
	}

	s.security.Info("vault imported",
		zap.String("vault_id", vault.ID),
		zap.String("backup_id", container.BackupID),
		zap.Int("items", len(payload.Items)))
	s.record(audit.ActionVaultImport, "", vault.ID, nil, map[string]interface{}{
		"backup_id": container.BackupID,
		"items":     len(payload.Items),
	})
	return vault, nil
}
