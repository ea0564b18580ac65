package familyvault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/BradMann09/FamilyVault/audit"
	"github.com/BradMann09/FamilyVault/internal/lock"
	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// blobScheme prefixes references that point at the blob store
const blobScheme = "blob://"

func init() {
	// wipe guarded buffers on SIGINT/SIGTERM
	memguard.CatchInterrupt()
}

type capability int

const (
	capView capability = iota
	capUpload
	capManageMembers
)

func (c capability) String() string {
	switch c {
	case capView:
		return "view"
	case capUpload:
		return "upload"
	default:
		return "manage members"
	}
}

// VaultService is the transactional surface for vault lifecycle and document
// custody. Mutations on one vault are serialized; different vaults proceed in
// parallel.
type VaultService struct {
	repo     VaultRepository
	store    BlobStore
	keys     KeyManagement
	audit    audit.Logger
	logger   *zap.Logger
	security *zap.Logger
	options  Options
	locks    *lock.Keyed
}

// NewVaultService wires a vault service from its collaborators.
//
// Parameters:
//   - options: sealing and reference options, see DefaultOptions
//   - repo: vault record storage
//   - store: sealed item storage, usually a persist.Coordinator
//   - keys: vault key generation and per member wrapping
//   - auditLogger: audit sink, nil disables auditing
//   - logger: structured logger, nil disables logging
//
// Returns an error when a required collaborator is missing or options are invalid.
//
// Example:
//
//	svc, err := familyvault.NewVaultService(familyvault.DefaultOptions(), repo, store, km, nil, logger)
//	if err != nil {
//	    return fmt.Errorf("failed to create vault service: %w", err)
//	}
//	vault, err := svc.CreateVault(ctx, "Family", owner, familyvault.DefaultAccessPolicy())
func NewVaultService(options Options, repo VaultRepository, store BlobStore, keys KeyManagement, auditLogger audit.Logger, logger *zap.Logger) (*VaultService, error) {
	if repo == nil {
		return nil, errors.New("vault repository is required")
	}
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if keys == nil {
		return nil, errors.New("key management is required")
	}
	if err := options.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &VaultService{
		repo:     repo,
		store:    store,
		keys:     keys,
		audit:    auditLogger,
		logger:   logger.Named("vault"),
		security: logger.Named("security"),
		options:  options,
		locks:    lock.NewKeyed(),
	}, nil
}

// LegacyAccess returns a legacy access manager that shares this service's
// repository, audit sink, clock and per vault locks.
func (s *VaultService) LegacyAccess() *LegacyAccessManager {
	return &LegacyAccessManager{
		repo:     s.repo,
		audit:    s.audit,
		security: s.security,
		now:      s.options.now,
		locks:    s.locks,
	}
}

// CreateVault creates a vault owned by owner.
//
// A fresh vault key is generated, wrapped for the owner and destroyed; only the
// wrapped copy survives. The owner's key reference becomes the vault key
// reference.
func (s *VaultService) CreateVault(ctx context.Context, name string, owner UserProfile, policy AccessPolicy) (Vault, error) {
	if strings.TrimSpace(name) == "" {
		return Vault{}, errors.New("vault name cannot be empty")
	}
	if owner.ID == "" || owner.KeyReference.Identifier == "" {
		return Vault{}, errors.New("owner must have an id and a key reference")
	}
	if err := policy.Validate(); err != nil {
		return Vault{}, err
	}

	now := s.options.now()
	vault := Vault{
		ID:          uuid.NewString(),
		Name:        name,
		Members:     []Member{{Profile: owner, Role: RoleOwner, LastSeen: &now}},
		Policy:      policy,
		VaultKeyRef: owner.KeyReference,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	key, err := s.keys.GenerateVaultKey()
	if err != nil {
		return Vault{}, fmt.Errorf("failed to generate vault key: %w", err)
	}
	defer key.Destroy()

	if _, err = s.keys.Wrap(ctx, key, vault.Members[0], vault.ID); err != nil {
		s.record(audit.ActionVaultCreate, owner.ID, vault.ID, err, nil)
		return Vault{}, fmt.Errorf("failed to wrap vault key for owner: %w", err)
	}

	if err = s.repo.SaveVault(ctx, vault); err != nil {
		s.record(audit.ActionVaultCreate, owner.ID, vault.ID, err, nil)
		return Vault{}, fmt.Errorf("failed to save vault: %w", err)
	}

	s.security.Info("vault created",
		zap.String("vault_id", vault.ID),
		zap.String("owner_id", owner.ID),
		zap.String("key_ref", vault.VaultKeyRef.Identifier))
	s.record(audit.ActionVaultCreate, owner.ID, vault.ID, nil, map[string]interface{}{"name": name})

	return vault, nil
}

// ListVaults returns every stored vault
func (s *VaultService) ListVaults(ctx context.Context) ([]Vault, error) {
	return s.repo.ListVaults(ctx)
}

// FetchVault returns one vault or ErrVaultNotFound
func (s *VaultService) FetchVault(ctx context.Context, vaultID string) (Vault, error) {
	return s.repo.FetchVault(ctx, vaultID)
}

// Invite adds member to the vault. Inviting an existing member id is a no-op.
// With WrapOnInvite the vault key is unwrapped with the owner's copy and
// wrapped for the new member before the record is saved.
func (s *VaultService) Invite(ctx context.Context, member Member, vaultID string) error {
	return s.invite(ctx, nil, member, vaultID)
}

// InviteBy is Invite gated on the inviter's manage members capability
func (s *VaultService) InviteBy(ctx context.Context, inviter, member Member, vaultID string) error {
	return s.invite(ctx, &inviter, member, vaultID)
}

func (s *VaultService) invite(ctx context.Context, inviter *Member, member Member, vaultID string) error {
	if member.Profile.ID == "" || member.Profile.KeyReference.Identifier == "" {
		return errors.New("member must have an id and a key reference")
	}
	if !member.Role.Valid() {
		return fmt.Errorf("unknown role %q", member.Role)
	}

	unlock := s.locks.Lock(vaultID)
	defer unlock()

	vault, err := s.repo.FetchVault(ctx, vaultID)
	if err != nil {
		return err
	}

	actor := ""
	if inviter != nil {
		actor = inviter.ID()
		if _, err = s.authorize(&vault, *inviter, capManageMembers); err != nil {
			s.record(audit.ActionMemberInvite, actor, vaultID, err, map[string]interface{}{"member_id": member.ID()})
			return err
		}
	}

	if _, exists := vault.Member(member.ID()); exists {
		return nil
	}

	if s.options.WrapOnInvite {
		if err = s.shareVaultKey(ctx, &vault, member); err != nil {
			s.record(audit.ActionMemberInvite, actor, vaultID, err, map[string]interface{}{"member_id": member.ID()})
			return fmt.Errorf("failed to wrap vault key for member: %w", err)
		}
	}

	vault.Members = append(vault.Members, member)
	vault.UpdatedAt = s.options.now()
	if err = s.repo.UpdateVault(ctx, vault); err != nil {
		return fmt.Errorf("failed to update vault: %w", err)
	}

	s.security.Info("member invited",
		zap.String("vault_id", vaultID),
		zap.String("member_id", member.ID()),
		zap.String("role", string(member.Role)))
	s.record(audit.ActionMemberInvite, actor, vaultID, nil, map[string]interface{}{
		"member_id": member.ID(),
		"role":      string(member.Role),
	})
	return nil
}

// UploadRequest describes an item to seal and store
type UploadRequest struct {
	VaultID            string
	Member             Member
	Data               []byte
	Metadata           VaultItemMetadata
	Type               ItemType
	Tags               []string
	ThumbnailReference *string
}

// Upload seals data as a new document item. See UploadItem.
func (s *VaultService) Upload(ctx context.Context, data []byte, metadata VaultItemMetadata, vaultID string, member Member) (VaultItem, error) {
	return s.UploadItem(ctx, UploadRequest{
		VaultID:  vaultID,
		Member:   member,
		Data:     data,
		Metadata: metadata,
		Type:     ItemDocument,
	})
}

// UploadItem seals req.Data under a fresh per item key and stores it.
//
// The member must belong to the vault and hold the upload capability,
// otherwise ErrUserNotAuthorized is returned before anything is written.
// The redacted attributes travel as envelope metadata; they are authenticated
// but not encrypted.
//
// Error Conditions:
//   - ErrVaultNotFound when the vault does not exist
//   - ErrUserNotAuthorized when the member cannot upload
//   - ErrEncryptionFailed when sealing fails
//   - ErrStorageFailure when the blob store rejects the write
func (s *VaultService) UploadItem(ctx context.Context, req UploadRequest) (VaultItem, error) {
	if len(req.Data) > MaxPayloadSize {
		return VaultItem{}, fmt.Errorf("payload exceeds %d bytes", MaxPayloadSize)
	}

	unlock := s.locks.Lock(req.VaultID)
	defer unlock()

	vault, err := s.repo.FetchVault(ctx, req.VaultID)
	if err != nil {
		return VaultItem{}, err
	}

	actor, err := s.authorize(&vault, req.Member, capUpload)
	if err != nil {
		s.record(audit.ActionItemUpload, req.Member.ID(), req.VaultID, err, nil)
		return VaultItem{}, err
	}

	itemType := req.Type
	if itemType == "" {
		itemType = ItemDocument
	}
	now := s.options.now()
	item := VaultItem{
		ID:                 uuid.NewString(),
		VaultID:            vault.ID,
		Type:               itemType,
		Tags:               slices.Clone(req.Tags),
		ThumbnailReference: req.ThumbnailReference,
		CreatedAt:          now,
		UpdatedAt:          now,
		Metadata:           req.Metadata,
	}
	item.Metadata.RedactedAttributes = maps.Clone(req.Metadata.RedactedAttributes)

	encoded, err := s.sealItem(ctx, &vault, actor, item.ID, req.Data, item.Metadata.RedactedAttributes)
	if err != nil {
		s.record(audit.ActionItemUpload, actor.ID(), vault.ID, err, nil)
		return VaultItem{}, err
	}

	if s.options.InlineReference {
		item.EncryptedBlobReference = base64.StdEncoding.EncodeToString(encoded)
	} else {
		item.EncryptedBlobReference = blobScheme + vault.ID + "/" + item.ID
	}

	if err = s.store.SaveItem(ctx, item, encoded); err != nil {
		err = NewStorageError("save item", err)
		s.record(audit.ActionItemUpload, actor.ID(), vault.ID, err, map[string]interface{}{"item_id": item.ID})
		return VaultItem{}, err
	}

	vault.UpdatedAt = now
	if err = s.repo.UpdateVault(ctx, vault); err != nil {
		err = fmt.Errorf("failed to update vault: %w", err)
		if derr := s.store.DeleteItem(ctx, item.ID, vault.ID); derr != nil {
			s.logger.Warn("orphaned item blob",
				zap.String("vault_id", vault.ID),
				zap.String("item_id", item.ID),
				zap.Error(derr))
		}
		s.record(audit.ActionItemUpload, actor.ID(), vault.ID, err, map[string]interface{}{"item_id": item.ID})
		return VaultItem{}, err
	}

	s.logger.Info("item stored",
		zap.String("vault_id", vault.ID),
		zap.String("item_id", item.ID),
		zap.String("type", string(item.Type)),
		zap.Int("size", len(encoded)))
	s.record(audit.ActionItemUpload, actor.ID(), vault.ID, nil, map[string]interface{}{"item_id": item.ID})

	return item, nil
}

func (s *VaultService) sealItem(ctx context.Context, vault *Vault, actor Member, itemID string, data []byte, attributes map[string]string) ([]byte, error) {
	key, err := s.itemKey(ctx, vault, actor, itemID)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	payload, labels, err := compress(data, s.options.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	metadata := maps.Clone(attributes)
	if metadata == nil {
		metadata = make(map[string]string, len(labels)+1)
	}
	maps.Copy(metadata, labels)
	metadata[LabelVault] = vault.ID

	env, err := Seal(payload, metadata, key.Bytes())
	if err != nil {
		return nil, err
	}

	encoded, err := EncodeEnvelope(env, s.options.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return encoded, nil
}

// Items lists the item records of a vault
func (s *VaultService) Items(ctx context.Context, vaultID string) ([]VaultItem, error) {
	items, err := s.store.ListItems(ctx, vaultID)
	if err != nil {
		return nil, NewStorageError("list items", err)
	}
	return items, nil
}

// Decrypt recovers the plaintext of item on behalf of member.
//
// The member must belong to the item's vault with the view capability. Legacy
// contacts additionally need an unlocked legacy access request. While the
// panic lock is engaged only the owner can decrypt.
//
// Error Conditions:
//   - ErrVaultNotFound when the owning vault does not exist
//   - ErrUserNotAuthorized when the member cannot view or the envelope is
//     sealed for another vault
//   - ErrItemNotFound when a blob reference points at a missing blob
//   - ErrDecryptionFailed when the envelope is malformed or fails authentication
func (s *VaultService) Decrypt(ctx context.Context, item VaultItem, member Member) ([]byte, error) {
	vault, err := s.repo.FetchVault(ctx, item.VaultID)
	if err != nil {
		return nil, err
	}

	actor, err := s.authorize(&vault, member, capView)
	if err != nil {
		s.record(audit.ActionItemDecrypt, member.ID(), item.VaultID, err, map[string]interface{}{"item_id": item.ID})
		return nil, err
	}

	plaintext, err := s.openItem(ctx, &vault, actor, item)
	s.record(audit.ActionItemDecrypt, actor.ID(), item.VaultID, err, map[string]interface{}{"item_id": item.ID})
	if err != nil {
		s.security.Warn("item decryption failed",
			zap.String("vault_id", item.VaultID),
			zap.String("item_id", item.ID),
			zap.Error(err))
		return nil, err
	}
	return plaintext, nil
}

func (s *VaultService) openItem(ctx context.Context, vault *Vault, actor Member, item VaultItem) ([]byte, error) {
	encoded, err := s.envelopeBytes(ctx, item)
	if err != nil {
		return nil, err
	}

	env, err := DecodeEnvelope(encoded)
	if err != nil {
		return nil, err
	}

	key, err := s.itemKey(ctx, vault, actor, item.ID)
	if err != nil {
		return nil, err
	}
	defer key.Destroy()

	payload, err := Open(env, key.Bytes())
	if err != nil {
		return nil, err
	}
	// the vault label is authenticated, the item record is not
	if env.Metadata[LabelVault] != vault.ID {
		return nil, fmt.Errorf("%w: item %s is not sealed for vault %s", ErrUserNotAuthorized, item.ID, vault.ID)
	}

	plaintext, err := decompress(payload, env.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (s *VaultService) envelopeBytes(ctx context.Context, item VaultItem) ([]byte, error) {
	ref := item.EncryptedBlobReference
	if ref == "" || strings.HasPrefix(ref, blobScheme) {
		data, err := s.store.FetchItem(ctx, item.ID, item.VaultID)
		if err != nil {
			return nil, NewStorageError("fetch item", err)
		}
		return data, nil
	}

	data, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob reference", ErrDecryptionFailed)
	}
	return data, nil
}

// DeleteItem removes an item. Requires the upload capability.
func (s *VaultService) DeleteItem(ctx context.Context, item VaultItem, member Member) error {
	unlock := s.locks.Lock(item.VaultID)
	defer unlock()

	vault, err := s.repo.FetchVault(ctx, item.VaultID)
	if err != nil {
		return err
	}

	actor, err := s.authorize(&vault, member, capUpload)
	if err != nil {
		s.record(audit.ActionItemDelete, member.ID(), item.VaultID, err, map[string]interface{}{"item_id": item.ID})
		return err
	}

	if err = s.store.DeleteItem(ctx, item.ID, item.VaultID); err != nil {
		err = NewStorageError("delete item", err)
		s.record(audit.ActionItemDelete, actor.ID(), item.VaultID, err, map[string]interface{}{"item_id": item.ID})
		return err
	}

	s.logger.Info("item deleted", zap.String("vault_id", item.VaultID), zap.String("item_id", item.ID))
	s.record(audit.ActionItemDelete, actor.ID(), item.VaultID, nil, map[string]interface{}{"item_id": item.ID})
	return nil
}

// Synchronize asks the blob store to reconcile its replicas
func (s *VaultService) Synchronize(ctx context.Context) error {
	if err := s.store.Synchronize(ctx); err != nil {
		return NewStorageError("synchronize", err)
	}
	return nil
}

// authorize resolves member against the stored membership and checks the
// capability granted to the stored role, never the role the caller claims.
func (s *VaultService) authorize(vault *Vault, member Member, need capability) (Member, error) {
	stored, ok := vault.Member(member.ID())
	if !ok {
		return Member{}, fmt.Errorf("%w: %s is not a member of vault %s", ErrUserNotAuthorized, member.ID(), vault.ID)
	}

	if vault.Policy.PanicLock && stored.Role != RoleOwner {
		return Member{}, fmt.Errorf("%w: vault %s is panic locked", ErrUserNotAuthorized, vault.ID)
	}

	rule := vault.Policy.Rule(stored.Role)
	allowed := false
	switch need {
	case capView:
		allowed = rule.CanView
		if stored.Role == RoleLegacyContact && !legacyUnlocked(vault) {
			allowed = false
		}
	case capUpload:
		allowed = rule.CanUpload
	case capManageMembers:
		allowed = rule.CanManageMembers
	}
	if !allowed {
		return Member{}, fmt.Errorf("%w: role %s cannot %s in vault %s", ErrUserNotAuthorized, stored.Role, need, vault.ID)
	}
	return stored, nil
}

func legacyUnlocked(vault *Vault) bool {
	return vault.LegacyRequest != nil && vault.LegacyRequest.UnlockedAt != nil
}

func (s *VaultService) itemKey(ctx context.Context, vault *Vault, actor Member, itemID string) (*memguard.LockedBuffer, error) {
	if s.options.Derivation != DerivationWrapped {
		return DeriveItemKey(vault.VaultKeyRef, itemID), nil
	}

	vaultKey, err := s.unwrapVaultKey(ctx, actor, vault.ID)
	if err != nil {
		return nil, err
	}
	defer vaultKey.Destroy()

	return DeriveWrappedItemKey(vaultKey.Bytes(), vault.VaultKeyRef, itemID)
}

func (s *VaultService) unwrapVaultKey(ctx context.Context, member Member, vaultID string) (*memguard.LockedBuffer, error) {
	wrapped, err := s.keys.FetchWrappedKey(ctx, member, vaultID)
	if err != nil {
		return nil, err
	}
	return s.keys.UnwrapKey(ctx, member, wrapped)
}

func (s *VaultService) shareVaultKey(ctx context.Context, vault *Vault, member Member) error {
	owner, ok := vault.Owner()
	if !ok {
		return fmt.Errorf("%w: vault %s has no key owner", ErrKeyDerivationFailed, vault.ID)
	}

	key, err := s.unwrapVaultKey(ctx, owner, vault.ID)
	if err != nil {
		return err
	}
	defer key.Destroy()

	_, err = s.keys.Wrap(ctx, key, member, vault.ID)
	return err
}

func (s *VaultService) record(action, actor, target string, err error, metadata map[string]interface{}) {
	recordEvent(s.audit, s.logger, action, actor, target, err, metadata)
}

func recordEvent(sink audit.Logger, logger *zap.Logger, action, actor, target string, err error, metadata map[string]interface{}) {
	event := audit.Event{
		Actor:    actor,
		Action:   action,
		Target:   target,
		Success:  err == nil,
		Metadata: metadata,
	}
	if err != nil {
		event.Error = err.Error()
	}
	if aerr := sink.Record(event); aerr != nil {
		logger.Warn("failed to record audit event", zap.String("action", action), zap.Error(aerr))
	}
}
