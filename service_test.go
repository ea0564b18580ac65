package familyvault_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/audit"
	"github.com/BradMann09/FamilyVault/keys"
	"github.com/BradMann09/FamilyVault/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFamilyPassportScenario(t *testing.T) {
	f := newFixture(t)
	owner := member("owner", familyvault.RoleOwner)

	vault, err := f.svc.CreateVault(f.ctx, "Family", owner.Profile, familyvault.DefaultAccessPolicy())
	require.NoError(t, err)
	require.Len(t, vault.Members, 1)
	assert.Equal(t, familyvault.RoleOwner, vault.Members[0].Role)
	assert.True(t, vault.Policy.Rule(familyvault.RoleOwner).CanManageMembers)

	data := []byte("0123456789")
	item, err := f.svc.Upload(f.ctx, data, familyvault.VaultItemMetadata{TitleHint: "Passport"}, vault.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, vault.ID, item.VaultID)
	assert.Equal(t, familyvault.ItemDocument, item.Type)

	items, err := f.svc.Items(f.ctx, vault.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Passport", items[0].Metadata.TitleHint)

	plaintext, err := f.svc.Decrypt(f.ctx, items[0], owner)
	require.NoError(t, err)
	assert.Equal(t, data, plaintext)
	assert.Len(t, plaintext, 10)
}

func TestCreateVault(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())

	assert.NotEmpty(t, vault.ID)
	assert.Equal(t, owner.Profile.KeyReference, vault.VaultKeyRef)
	assert.Equal(t, f.clock.Now(), vault.CreatedAt)

	stored, err := f.repo.FetchVault(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, vault.Name, stored.Name)

	wrapped, err := f.keys.FetchWrappedKey(f.ctx, owner, vault.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, wrapped, "the owner must hold a wrapped vault key")

	vaults, err := f.svc.ListVaults(f.ctx)
	require.NoError(t, err)
	assert.Len(t, vaults, 1)

	events := f.auditEvents(t, audit.ActionVaultCreate)
	require.Len(t, events, 1)
	assert.Equal(t, owner.ID(), events[0].Actor)
	assert.True(t, events[0].Success)
}

func TestCreateVaultValidation(t *testing.T) {
	f := newFixture(t)
	owner := member("owner", familyvault.RoleOwner)

	_, err := f.svc.CreateVault(f.ctx, "  ", owner.Profile, familyvault.DefaultAccessPolicy())
	assert.Error(t, err)

	noKey := owner.Profile
	noKey.KeyReference.Identifier = ""
	_, err = f.svc.CreateVault(f.ctx, "Family", noKey, familyvault.DefaultAccessPolicy())
	assert.Error(t, err)

	bad := familyvault.DefaultAccessPolicy()
	bad.LegacyRules.TimeLockInterval = -5
	_, err = f.svc.CreateVault(f.ctx, "Family", owner.Profile, bad)
	assert.ErrorIs(t, err, familyvault.ErrInvalidPolicy)

	vaults, err := f.svc.ListVaults(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, vaults, "rejected vaults must not be saved")
}

func TestFetchUnknownVault(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.FetchVault(f.ctx, "missing")
	assert.ErrorIs(t, err, familyvault.ErrVaultNotFound)

	_, err = f.svc.Upload(f.ctx, []byte("x"), familyvault.VaultItemMetadata{}, "missing", member("a", familyvault.RoleOwner))
	assert.ErrorIs(t, err, familyvault.ErrVaultNotFound)
}

func TestUploadByNonMemberWritesNothing(t *testing.T) {
	f := newFixture(t)
	vault, _ := f.newFamily(t, familyvault.DefaultAccessPolicy())

	stranger := member("stranger", familyvault.RoleOwner)
	_, err := f.svc.Upload(f.ctx, []byte("forged"), familyvault.VaultItemMetadata{TitleHint: "x"}, vault.ID, stranger)
	require.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)

	assert.Equal(t, int32(0), f.store.saves.Load(), "no storage write may happen")
	items, err := f.svc.Items(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	events := f.auditEvents(t, audit.ActionItemUpload)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}

func TestUploadRequiresUploadCapability(t *testing.T) {
	f := newFixture(t)
	vault, _ := f.newFamily(t, familyvault.DefaultAccessPolicy())

	contact := member("contact", familyvault.RoleLegacyContact)
	f.invite(t, vault.ID, contact)

	// claiming a stronger role does not help, the stored role decides
	claimed := contact
	claimed.Role = familyvault.RoleOwner
	_, err := f.svc.Upload(f.ctx, []byte("x"), familyvault.VaultItemMetadata{}, vault.ID, claimed)
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)
	assert.Equal(t, int32(0), f.store.saves.Load())
}

func TestUploadItemRecord(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())

	thumb := "thumb://passport"
	category := "identity"
	item, err := f.svc.UploadItem(f.ctx, familyvault.UploadRequest{
		VaultID: vault.ID,
		Member:  owner,
		Data:    []byte("passport"),
		Metadata: familyvault.VaultItemMetadata{
			TitleHint:          "Passport",
			RedactedAttributes: map[string]string{"number": "XX****12"},
			ChecklistCategory:  &category,
		},
		Type:               familyvault.ItemPassport,
		Tags:               []string{"travel", "id"},
		ThumbnailReference: &thumb,
	})
	require.NoError(t, err)

	assert.Equal(t, familyvault.ItemPassport, item.Type)
	assert.Equal(t, []string{"travel", "id"}, item.Tags)
	assert.Equal(t, &thumb, item.ThumbnailReference)
	assert.Equal(t, f.clock.Now(), item.CreatedAt)
	assert.NotContains(t, item.EncryptedBlobReference, "passport")

	// the attributes travel authenticated in the envelope metadata
	raw, err := base64.StdEncoding.DecodeString(item.EncryptedBlobReference)
	require.NoError(t, err)
	env, err := familyvault.DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "XX****12", env.Metadata["number"])
}

func TestDecryptAuthorization(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())
	item, err := f.svc.Upload(f.ctx, []byte("deed"), familyvault.VaultItemMetadata{TitleHint: "Deed"}, vault.ID, owner)
	require.NoError(t, err)

	sibling := member("sibling", familyvault.RoleMember)
	contact := member("contact", familyvault.RoleLegacyContact)
	f.invite(t, vault.ID, sibling)
	f.invite(t, vault.ID, contact)

	t.Run("member can view", func(t *testing.T) {
		got, err := f.svc.Decrypt(f.ctx, item, sibling)
		require.NoError(t, err)
		assert.Equal(t, []byte("deed"), got)
	})

	t.Run("stranger is rejected", func(t *testing.T) {
		_, err := f.svc.Decrypt(f.ctx, item, member("stranger", familyvault.RoleOwner))
		assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)
	})

	t.Run("legacy contact needs an unlocked request", func(t *testing.T) {
		_, err := f.svc.Decrypt(f.ctx, item, contact)
		assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)
	})

	t.Run("unknown vault", func(t *testing.T) {
		orphan := item
		orphan.VaultID = "gone"
		_, err := f.svc.Decrypt(f.ctx, orphan, owner)
		assert.ErrorIs(t, err, familyvault.ErrVaultNotFound)
	})
}

func TestDecryptRejectsItemMovedBetweenVaults(t *testing.T) {
	f := newFixture(t)
	owner := member("owner", familyvault.RoleOwner)
	private, err := f.svc.CreateVault(f.ctx, "Private", owner.Profile, familyvault.DefaultAccessPolicy())
	require.NoError(t, err)
	shared, err := f.svc.CreateVault(f.ctx, "Shared", owner.Profile, familyvault.DefaultAccessPolicy())
	require.NoError(t, err)

	mallory := member("mallory", familyvault.RoleMember)
	f.invite(t, shared.ID, mallory)

	// an attribute cannot stand in for the vault label
	metadata := familyvault.VaultItemMetadata{
		TitleHint:          "Will",
		RedactedAttributes: map[string]string{familyvault.LabelVault: shared.ID},
	}
	_, err = f.svc.Upload(f.ctx, []byte("secret will"), metadata, private.ID, owner)
	require.NoError(t, err)

	items, err := f.svc.Items(f.ctx, private.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = f.svc.Decrypt(f.ctx, items[0], mallory)
	require.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)

	moved := items[0]
	moved.VaultID = shared.ID
	got, err := f.svc.Decrypt(f.ctx, moved, mallory)
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)
	assert.Nil(t, got)

	got, err = f.svc.Decrypt(f.ctx, items[0], owner)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret will"), got)
}

// flakyRepository fails vault updates on demand
type flakyRepository struct {
	*repository.MemoryRepository
	failUpdates atomic.Bool
}

func (r *flakyRepository) UpdateVault(ctx context.Context, vault familyvault.Vault) error {
	if r.failUpdates.Load() {
		return errors.New("disk full")
	}
	return r.MemoryRepository.UpdateVault(ctx, vault)
}

func TestUploadRollsBackBlobWhenVaultUpdateFails(t *testing.T) {
	f := newFixture(t)
	repo := &flakyRepository{MemoryRepository: repository.NewMemoryRepository()}
	svc, err := familyvault.NewVaultService(familyvault.DefaultOptions(), repo, f.store, f.keys, f.audit, nil)
	require.NoError(t, err)

	owner := member("owner", familyvault.RoleOwner)
	vault, err := svc.CreateVault(f.ctx, "Family", owner.Profile, familyvault.DefaultAccessPolicy())
	require.NoError(t, err)

	repo.failUpdates.Store(true)
	_, err = svc.Upload(f.ctx, []byte("deed"), familyvault.VaultItemMetadata{}, vault.ID, owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	items, err := svc.Items(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Empty(t, items, "the sealed blob is removed")
	assert.Equal(t, int32(1), f.store.deletes.Load())

	events := f.auditEvents(t, audit.ActionItemUpload)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
}

func TestPanicLockRestrictsToOwner(t *testing.T) {
	f := newFixture(t)
	policy := familyvault.DefaultAccessPolicy()
	policy.PanicLock = true
	vault, owner := f.newFamily(t, policy)

	item, err := f.svc.Upload(f.ctx, []byte("will"), familyvault.VaultItemMetadata{}, vault.ID, owner)
	require.NoError(t, err)

	admin := member("admin", familyvault.RoleAdmin)
	f.invite(t, vault.ID, admin)

	_, err = f.svc.Decrypt(f.ctx, item, admin)
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)

	got, err := f.svc.Decrypt(f.ctx, item, owner)
	require.NoError(t, err)
	assert.Equal(t, []byte("will"), got)
}

func TestDecryptTamperedReference(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())
	item, err := f.svc.UploadItem(f.ctx, familyvault.UploadRequest{
		VaultID:  vault.ID,
		Member:   owner,
		Data:     []byte("medical history"),
		Metadata: familyvault.VaultItemMetadata{RedactedAttributes: map[string]string{"blood": "O+"}},
	})
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(item.EncryptedBlobReference)
	require.NoError(t, err)
	env, err := familyvault.DecodeEnvelope(raw)
	require.NoError(t, err)

	t.Run("metadata", func(t *testing.T) {
		forged := *env
		forged.Metadata = map[string]string{"blood": "AB-"}
		encoded, err := familyvault.EncodeEnvelope(&forged, familyvault.CodecJSON)
		require.NoError(t, err)

		tampered := item
		tampered.EncryptedBlobReference = base64.StdEncoding.EncodeToString(encoded)
		_, err = f.svc.Decrypt(f.ctx, tampered, owner)
		assert.ErrorIs(t, err, familyvault.ErrDecryptionFailed)
	})

	t.Run("other item id", func(t *testing.T) {
		moved := item
		moved.ID = "another-item"
		_, err := f.svc.Decrypt(f.ctx, moved, owner)
		assert.ErrorIs(t, err, familyvault.ErrDecryptionFailed)
		assert.NotZero(t, f.logs.FilterMessage("item decryption failed").Len())
	})

	t.Run("garbage reference", func(t *testing.T) {
		broken := item
		broken.EncryptedBlobReference = "%%%"
		_, err := f.svc.Decrypt(f.ctx, broken, owner)
		assert.ErrorIs(t, err, familyvault.ErrDecryptionFailed)
	})
}

func TestInviteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())
	sibling := member("sibling", familyvault.RoleMember)

	f.invite(t, vault.ID, sibling)
	f.invite(t, vault.ID, sibling)

	stored, err := f.svc.FetchVault(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Members, 2)

	wrapped, err := f.keys.FetchWrappedKey(f.ctx, sibling, vault.ID)
	require.NoError(t, err)

	// both copies unwrap to the same vault key
	siblingKey, err := f.keys.UnwrapKey(f.ctx, sibling, wrapped)
	require.NoError(t, err)
	defer siblingKey.Destroy()

	ownerWrapped, err := f.keys.FetchWrappedKey(f.ctx, owner, vault.ID)
	require.NoError(t, err)
	ownerKey, err := f.keys.UnwrapKey(f.ctx, owner, ownerWrapped)
	require.NoError(t, err)
	defer ownerKey.Destroy()

	assert.True(t, bytes.Equal(ownerKey.Bytes(), siblingKey.Bytes()))
	assert.Len(t, f.auditEvents(t, audit.ActionMemberInvite), 1)
}

func TestInviteValidation(t *testing.T) {
	f := newFixture(t)
	vault, _ := f.newFamily(t, familyvault.DefaultAccessPolicy())

	err := f.svc.Invite(f.ctx, member("x", "emperor"), vault.ID)
	assert.Error(t, err)

	err = f.svc.Invite(f.ctx, familyvault.Member{Role: familyvault.RoleMember}, vault.ID)
	assert.Error(t, err)

	err = f.svc.Invite(f.ctx, member("x", familyvault.RoleMember), "missing")
	assert.ErrorIs(t, err, familyvault.ErrVaultNotFound)
}

func TestInviteBy(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())

	sibling := member("sibling", familyvault.RoleMember)
	require.NoError(t, f.svc.InviteBy(f.ctx, owner, sibling, vault.ID))

	cousin := member("cousin", familyvault.RoleMember)
	err := f.svc.InviteBy(f.ctx, sibling, cousin, vault.ID)
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)

	admin := member("admin", familyvault.RoleAdmin)
	require.NoError(t, f.svc.InviteBy(f.ctx, owner, admin, vault.ID))
	require.NoError(t, f.svc.InviteBy(f.ctx, admin, cousin, vault.ID))

	stored, err := f.svc.FetchVault(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Members, 4)
}

func TestWrappedDerivation(t *testing.T) {
	f := newFixture(t, func(o *familyvault.Options) {
		o.Derivation = familyvault.DerivationWrapped
	})
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())
	sibling := member("sibling", familyvault.RoleMember)
	f.invite(t, vault.ID, sibling)

	item, err := f.svc.Upload(f.ctx, []byte("trust deed"), familyvault.VaultItemMetadata{}, vault.ID, owner)
	require.NoError(t, err)

	got, err := f.svc.Decrypt(f.ctx, item, sibling)
	require.NoError(t, err)
	assert.Equal(t, []byte("trust deed"), got)

	// the reference derived key does not open a wrapped mode item
	raw, err := base64.StdEncoding.DecodeString(item.EncryptedBlobReference)
	require.NoError(t, err)
	env, err := familyvault.DecodeEnvelope(raw)
	require.NoError(t, err)
	refKey := familyvault.DeriveItemKey(vault.VaultKeyRef, item.ID)
	defer refKey.Destroy()
	_, err = familyvault.Open(env, refKey.Bytes())
	assert.ErrorIs(t, err, familyvault.ErrDecryptionFailed)
}

func TestWrappedDerivationRequiresWrapOnInvite(t *testing.T) {
	options := familyvault.DefaultOptions()
	options.Derivation = familyvault.DerivationWrapped
	options.WrapOnInvite = false

	km, err := keys.NewKeyManager(keys.NewMemoryKeystore(), keys.NewMemoryWrappedKeyStore(), "", nil)
	require.NoError(t, err)
	_, err = familyvault.NewVaultService(options, repository.NewMemoryRepository(), newFixture(t).store, km, nil, nil)
	assert.Error(t, err)
}

func TestNewVaultServiceRequiresCollaborators(t *testing.T) {
	f := newFixture(t)
	options := familyvault.DefaultOptions()

	_, err := familyvault.NewVaultService(options, nil, f.store, f.keys, nil, nil)
	assert.Error(t, err)
	_, err = familyvault.NewVaultService(options, f.repo, nil, f.keys, nil, nil)
	assert.Error(t, err)
	_, err = familyvault.NewVaultService(options, f.repo, f.store, nil, nil, nil)
	assert.Error(t, err)

	options.Codec = "xml"
	_, err = familyvault.NewVaultService(options, f.repo, f.store, f.keys, nil, nil)
	assert.Error(t, err)
}

func TestBlobReference(t *testing.T) {
	f := newFixture(t, func(o *familyvault.Options) {
		o.InlineReference = false
	})
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())

	item, err := f.svc.Upload(f.ctx, []byte("car title"), familyvault.VaultItemMetadata{}, vault.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "blob://"+vault.ID+"/"+item.ID, item.EncryptedBlobReference)

	got, err := f.svc.Decrypt(f.ctx, item, owner)
	require.NoError(t, err)
	assert.Equal(t, []byte("car title"), got)

	require.NoError(t, f.store.Store.DeleteItem(f.ctx, item.ID, vault.ID))
	_, err = f.svc.Decrypt(f.ctx, item, owner)
	assert.ErrorIs(t, err, familyvault.ErrItemNotFound)
}

func TestCodecAndCompressionOptions(t *testing.T) {
	for _, tt := range []struct {
		codec       familyvault.Codec
		compression familyvault.Compression
	}{
		{familyvault.CodecCBOR, familyvault.CompressionNone},
		{familyvault.CodecJSON, familyvault.CompressionZstd},
		{familyvault.CodecCBOR, familyvault.CompressionLZ4},
	} {
		t.Run(fmt.Sprintf("%s+%s", tt.codec, tt.compression), func(t *testing.T) {
			f := newFixture(t, func(o *familyvault.Options) {
				o.Codec = tt.codec
				o.Compression = tt.compression
			})
			vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())

			data := []byte(strings.Repeat("scanned letter from grandma. ", 100))
			item, err := f.svc.Upload(f.ctx, data, familyvault.VaultItemMetadata{}, vault.ID, owner)
			require.NoError(t, err)

			got, err := f.svc.Decrypt(f.ctx, item, owner)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}
}

func TestDeleteItem(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())
	item, err := f.svc.Upload(f.ctx, []byte("old passport"), familyvault.VaultItemMetadata{}, vault.ID, owner)
	require.NoError(t, err)

	contact := member("contact", familyvault.RoleLegacyContact)
	f.invite(t, vault.ID, contact)
	assert.ErrorIs(t, f.svc.DeleteItem(f.ctx, item, contact), familyvault.ErrUserNotAuthorized)
	assert.Equal(t, int32(0), f.store.deletes.Load())

	require.NoError(t, f.svc.DeleteItem(f.ctx, item, owner))
	items, err := f.svc.Items(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestConcurrentUploads(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, familyvault.DefaultAccessPolicy())

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Upload(f.ctx, []byte(fmt.Sprintf("doc %d", i)),
				familyvault.VaultItemMetadata{TitleHint: fmt.Sprintf("doc %d", i)}, vault.ID, owner)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	items, err := f.svc.Items(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Len(t, items, n)

	for _, item := range items {
		got, err := f.svc.Decrypt(f.ctx, item, owner)
		require.NoError(t, err)
		assert.Equal(t, item.Metadata.TitleHint, string(got))
	}
}

func TestSynchronize(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.Synchronize(f.ctx))
}
