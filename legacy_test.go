package familyvault_test

import (
	"testing"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacyPolicy(quorum int, timeLock time.Duration, backups ...string) familyvault.AccessPolicy {
	policy := familyvault.DefaultAccessPolicy()
	policy.LegacyRules = familyvault.LegacyRule{
		TimeLockInterval:      int64(timeLock / time.Second),
		RequiredConfirmations: quorum,
		BackupContacts:        backups,
	}
	return policy
}

func TestLegacyQuorum(t *testing.T) {
	f := newFixture(t)
	vault, _ := f.newFamily(t, legacyPolicy(2, 0))
	alice := member("alice", familyvault.RoleAdmin)
	bob := member("bob", familyvault.RoleAdmin)
	f.invite(t, vault.ID, alice)
	f.invite(t, vault.ID, bob)

	state, err := f.legacy.ScheduleLegacyAccessCheck(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, familyvault.LegacyChecking, state.Phase)
	assert.Equal(t, 0, state.Confirmations)

	state, err = f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Confirmations)
	assert.False(t, state.IsUnlocked)

	state, err = f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Confirmations, "a repeated confirmer counts once")
	assert.False(t, state.IsUnlocked)

	state, err = f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, state.Confirmations)
	assert.True(t, state.IsUnlocked)
	assert.Equal(t, familyvault.LegacyUnlocked, state.Phase)

	assert.Len(t, f.auditEvents(t, audit.ActionLegacyUnlock), 1)
}

func TestLegacyTimeLock(t *testing.T) {
	f := newFixture(t)
	vault, _ := f.newFamily(t, legacyPolicy(2, time.Hour))
	alice := member("alice", familyvault.RoleAdmin)
	bob := member("bob", familyvault.RoleAdmin)
	f.invite(t, vault.ID, alice)
	f.invite(t, vault.ID, bob)

	scheduled, err := f.legacy.ScheduleLegacyAccessCheck(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(time.Hour), scheduled.UnlocksAfter)

	_, err = f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, alice)
	require.NoError(t, err)
	state, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, familyvault.LegacyLocked, state.Phase)
	assert.False(t, state.IsUnlocked)

	f.clock.Advance(59 * time.Minute)
	state, err = f.legacy.LegacyAccessStatus(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.False(t, state.IsUnlocked)

	f.clock.Advance(time.Minute)
	state, err = f.legacy.LegacyAccessStatus(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.True(t, state.IsUnlocked)

	// the unlock is persisted on the vault record
	stored, err := f.repo.FetchVault(f.ctx, vault.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LegacyRequest)
	require.NotNil(t, stored.LegacyRequest.UnlockedAt)
	assert.Equal(t, f.clock.Now(), *stored.LegacyRequest.UnlockedAt)
}

func TestLegacyContactDecryptAfterUnlock(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, legacyPolicy(1, 0))
	contact := member("contact", familyvault.RoleLegacyContact)
	f.invite(t, vault.ID, contact)

	item, err := f.svc.Upload(f.ctx, []byte("letter"), familyvault.VaultItemMetadata{}, vault.ID, owner)
	require.NoError(t, err)

	_, err = f.svc.Decrypt(f.ctx, item, contact)
	require.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)

	state, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, owner)
	require.NoError(t, err)
	require.True(t, state.IsUnlocked)

	got, err := f.svc.Decrypt(f.ctx, item, contact)
	require.NoError(t, err)
	assert.Equal(t, []byte("letter"), got)

	require.NoError(t, f.legacy.CancelLegacyAccess(f.ctx, vault.ID, owner))
	_, err = f.svc.Decrypt(f.ctx, item, contact)
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)
}

func TestLegacyConfirmerAuthorization(t *testing.T) {
	f := newFixture(t)
	backup := member("lawyer", familyvault.RoleLegacyContact)
	vault, _ := f.newFamily(t, legacyPolicy(2, 0, backup.ID()))
	sibling := member("sibling", familyvault.RoleMember)
	f.invite(t, vault.ID, sibling)

	_, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, sibling)
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)

	_, err = f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, member("stranger", familyvault.RoleAdmin))
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)

	// backup contacts confirm without being members
	state, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, backup)
	require.NoError(t, err)
	assert.Equal(t, 1, state.Confirmations)
	assert.Equal(t, familyvault.LegacyChecking, state.Phase, "confirming opens a request")

	events := f.auditEvents(t, audit.ActionLegacyConfirm)
	require.Len(t, events, 3)
	succeeded := 0
	for _, e := range events {
		if e.Success {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestLegacyScheduleResetsConfirmations(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, legacyPolicy(2, 0))

	_, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, owner)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	state, err := f.legacy.ScheduleLegacyAccessCheck(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, state.Confirmations)
	assert.Equal(t, f.clock.Now(), state.ScheduledAt)
}

func TestLegacyZeroQuorumNeedsOneConfirmation(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, legacyPolicy(0, 0))

	state, err := f.legacy.ScheduleLegacyAccessCheck(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.False(t, state.IsUnlocked)

	state, err = f.legacy.LegacyAccessStatus(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.False(t, state.IsUnlocked)

	state, err = f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, owner)
	require.NoError(t, err)
	assert.True(t, state.IsUnlocked)
}

func TestLegacyCancel(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, legacyPolicy(1, 0))
	admin := member("admin", familyvault.RoleAdmin)
	f.invite(t, vault.ID, admin)

	_, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, admin)
	require.NoError(t, err)

	assert.ErrorIs(t, f.legacy.CancelLegacyAccess(f.ctx, vault.ID, admin), familyvault.ErrUserNotAuthorized)

	require.NoError(t, f.legacy.CancelLegacyAccess(f.ctx, vault.ID, owner))
	state, err := f.legacy.LegacyAccessStatus(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.Equal(t, familyvault.LegacyNotStarted, state.Phase)
	assert.Equal(t, 0, state.Confirmations)

	// cancelling twice is harmless
	require.NoError(t, f.legacy.CancelLegacyAccess(f.ctx, vault.ID, owner))
}

func TestLegacyPanicLockRefusesConfirmations(t *testing.T) {
	f := newFixture(t)
	policy := legacyPolicy(1, 0)
	policy.PanicLock = true
	vault, owner := f.newFamily(t, policy)

	_, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, owner)
	assert.ErrorIs(t, err, familyvault.ErrUserNotAuthorized)
}

func TestLegacyUnknownVault(t *testing.T) {
	f := newFixture(t)

	_, err := f.legacy.ScheduleLegacyAccessCheck(f.ctx, "missing")
	assert.ErrorIs(t, err, familyvault.ErrVaultNotFound)
	_, err = f.legacy.ConfirmLegacyAccess(f.ctx, "missing", member("a", familyvault.RoleOwner))
	assert.ErrorIs(t, err, familyvault.ErrVaultNotFound)
	_, err = f.legacy.LegacyAccessStatus(f.ctx, "missing")
	assert.ErrorIs(t, err, familyvault.ErrVaultNotFound)
}

func TestStandaloneLegacyAccessManager(t *testing.T) {
	_, err := familyvault.NewLegacyAccessManager(nil, nil, nil, nil)
	assert.Error(t, err)

	f := newFixture(t)
	vault, owner := f.newFamily(t, legacyPolicy(1, 0))

	manager, err := familyvault.NewLegacyAccessManager(f.repo, nil, nil, f.clock.Now)
	require.NoError(t, err)

	state, err := manager.ConfirmLegacyAccess(f.ctx, vault.ID, owner)
	require.NoError(t, err)
	assert.True(t, state.IsUnlocked)

	// the service sees the state written by the standalone manager
	state, err = f.legacy.LegacyAccessStatus(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.True(t, state.IsUnlocked)
}

func TestLegacyCreateRejectsOverlongTimeLock(t *testing.T) {
	f := newFixture(t)
	policy := legacyPolicy(1, 0)
	policy.LegacyRules.TimeLockInterval = 10_000_000_000
	_, err := f.svc.CreateVault(f.ctx, "Family", familyvault.NewUserProfile("owner", ""), policy)
	assert.ErrorIs(t, err, familyvault.ErrInvalidPolicy)
}

func TestLegacyOverlongStoredTimeLockStaysLocked(t *testing.T) {
	f := newFixture(t)
	vault, owner := f.newFamily(t, legacyPolicy(1, 0))

	// a record that bypassed policy validation
	stored, err := f.repo.FetchVault(f.ctx, vault.ID)
	require.NoError(t, err)
	stored.Policy.LegacyRules.TimeLockInterval = 10_000_000_000
	require.NoError(t, f.repo.UpdateVault(f.ctx, stored))

	scheduled, err := f.legacy.ScheduleLegacyAccessCheck(f.ctx, vault.ID)
	require.NoError(t, err)
	assert.True(t, scheduled.UnlocksAfter.After(f.clock.Now()))

	state, err := f.legacy.ConfirmLegacyAccess(f.ctx, vault.ID, owner)
	require.NoError(t, err)
	assert.False(t, state.IsUnlocked)
	assert.Equal(t, familyvault.LegacyLocked, state.Phase)
}
