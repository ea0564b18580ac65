package familyvault

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/BradMann09/FamilyVault/audit"
	"github.com/BradMann09/FamilyVault/internal/lock"
	"go.uber.org/zap"
)

// LegacyAccessManager runs the legacy access state machine:
//
//	NotStarted -> Checking -> {Locked, Unlocked}
//
// A request is opened by ScheduleLegacyAccessCheck and persisted on the vault
// record. Confirmations are a set of distinct confirmer ids. The request
// unlocks once the quorum is met and the time lock has elapsed since the
// request was scheduled; Locked means the quorum is met but the time lock is
// still running. Unlocking is sticky until the owner cancels the request.
type LegacyAccessManager struct {
	repo     VaultRepository
	audit    audit.Logger
	security *zap.Logger
	now      func() time.Time
	locks    *lock.Keyed
}

// NewLegacyAccessManager creates a standalone manager. Use
// VaultService.LegacyAccess to share per vault serialization with a service
// writing to the same repository. clock may be nil.
func NewLegacyAccessManager(repo VaultRepository, auditLogger audit.Logger, logger *zap.Logger, clock func() time.Time) (*LegacyAccessManager, error) {
	if repo == nil {
		return nil, errors.New("vault repository is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := Options{Clock: clock}
	return &LegacyAccessManager{
		repo:     repo,
		audit:    auditLogger,
		security: logger.Named("security"),
		now:      opts.now,
		locks:    lock.NewKeyed(),
	}, nil
}

// ScheduleLegacyAccessCheck opens a fresh request with no confirmations,
// replacing any previous request for the vault.
func (m *LegacyAccessManager) ScheduleLegacyAccessCheck(ctx context.Context, vaultID string) (LegacyAccessState, error) {
	unlock := m.locks.Lock(vaultID)
	defer unlock()

	vault, err := m.repo.FetchVault(ctx, vaultID)
	if err != nil {
		return LegacyAccessState{}, err
	}

	now := m.now()
	vault.LegacyRequest = &LegacyAccessRequest{ScheduledAt: now}
	vault.UpdatedAt = now
	if err = m.repo.UpdateVault(ctx, vault); err != nil {
		return LegacyAccessState{}, fmt.Errorf("failed to persist legacy request: %w", err)
	}

	state := legacyState(&vault)
	m.security.Info("legacy access check scheduled",
		zap.String("vault_id", vaultID),
		zap.Time("unlocks_after", state.UnlocksAfter),
		zap.Int("required_confirmations", vault.Policy.LegacyRules.RequiredConfirmations))
	m.record(audit.ActionLegacySchedule, "", vaultID, nil, nil)

	return state, nil
}

// ConfirmLegacyAccess records a confirmation from confirmer.
//
// The confirmer must be a vault member whose stored role can manage members,
// or one of the policy's backup contacts. Confirmations are refused while the
// panic lock is engaged. Confirming without a scheduled request opens one.
// A repeated confirmation from the same id is not counted twice.
//
// Error Conditions:
//   - ErrVaultNotFound when the vault does not exist
//   - ErrUserNotAuthorized when the confirmer may not confirm
func (m *LegacyAccessManager) ConfirmLegacyAccess(ctx context.Context, vaultID string, confirmer Member) (LegacyAccessState, error) {
	unlock := m.locks.Lock(vaultID)
	defer unlock()

	vault, err := m.repo.FetchVault(ctx, vaultID)
	if err != nil {
		return LegacyAccessState{}, err
	}

	if err = authorizeConfirmer(&vault, confirmer); err != nil {
		m.record(audit.ActionLegacyConfirm, confirmer.ID(), vaultID, err, nil)
		m.security.Warn("legacy confirmation rejected",
			zap.String("vault_id", vaultID),
			zap.String("confirmer_id", confirmer.ID()))
		return LegacyAccessState{}, err
	}

	now := m.now()
	if vault.LegacyRequest == nil {
		vault.LegacyRequest = &LegacyAccessRequest{ScheduledAt: now}
	}
	req := vault.LegacyRequest
	if req.UnlockedAt == nil && !slices.Contains(req.Confirmers, confirmer.ID()) {
		req.Confirmers = append(req.Confirmers, confirmer.ID())
	}
	m.advance(&vault, now)

	vault.UpdatedAt = now
	if err = m.repo.UpdateVault(ctx, vault); err != nil {
		return LegacyAccessState{}, fmt.Errorf("failed to persist legacy request: %w", err)
	}

	state := legacyState(&vault)
	m.record(audit.ActionLegacyConfirm, confirmer.ID(), vaultID, nil, map[string]interface{}{
		"confirmations": state.Confirmations,
		"unlocked":      state.IsUnlocked,
	})
	return state, nil
}

// LegacyAccessStatus returns the current state, unlocking the request first
// if the quorum is met and its time lock has elapsed.
func (m *LegacyAccessManager) LegacyAccessStatus(ctx context.Context, vaultID string) (LegacyAccessState, error) {
	unlock := m.locks.Lock(vaultID)
	defer unlock()

	vault, err := m.repo.FetchVault(ctx, vaultID)
	if err != nil {
		return LegacyAccessState{}, err
	}

	if vault.LegacyRequest != nil && vault.LegacyRequest.UnlockedAt == nil {
		now := m.now()
		if m.advance(&vault, now) {
			vault.UpdatedAt = now
			if err = m.repo.UpdateVault(ctx, vault); err != nil {
				return LegacyAccessState{}, fmt.Errorf("failed to persist legacy request: %w", err)
			}
		}
	}
	return legacyState(&vault), nil
}

// CancelLegacyAccess discards the vault's request, relocking it if it was
// unlocked. Only the owner may cancel.
func (m *LegacyAccessManager) CancelLegacyAccess(ctx context.Context, vaultID string, actor Member) error {
	unlock := m.locks.Lock(vaultID)
	defer unlock()

	vault, err := m.repo.FetchVault(ctx, vaultID)
	if err != nil {
		return err
	}

	stored, ok := vault.Member(actor.ID())
	if !ok || stored.Role != RoleOwner {
		err = fmt.Errorf("%w: only the owner can cancel legacy access", ErrUserNotAuthorized)
		m.record(audit.ActionLegacyCancel, actor.ID(), vaultID, err, nil)
		return err
	}
	if vault.LegacyRequest == nil {
		return nil
	}

	vault.LegacyRequest = nil
	vault.UpdatedAt = m.now()
	if err = m.repo.UpdateVault(ctx, vault); err != nil {
		return fmt.Errorf("failed to persist legacy request: %w", err)
	}

	m.security.Info("legacy access cancelled", zap.String("vault_id", vaultID))
	m.record(audit.ActionLegacyCancel, actor.ID(), vaultID, nil, nil)
	return nil
}

// advance unlocks the request when quorum and time lock are both satisfied.
// It reports whether the request changed.
func (m *LegacyAccessManager) advance(vault *Vault, now time.Time) bool {
	req := vault.LegacyRequest
	if req == nil || req.UnlockedAt != nil {
		return false
	}

	rule := vault.Policy.LegacyRules
	if len(req.Confirmers) < quorum(rule) || now.Before(unlocksAfter(rule, req)) {
		return false
	}

	unlockedAt := now
	req.UnlockedAt = &unlockedAt
	m.security.Warn("legacy access unlocked",
		zap.String("vault_id", vault.ID),
		zap.Strings("confirmers", req.Confirmers))
	m.record(audit.ActionLegacyUnlock, "", vault.ID, nil, map[string]interface{}{
		"confirmations": len(req.Confirmers),
	})
	return true
}

func (m *LegacyAccessManager) record(action, actor, target string, err error, metadata map[string]interface{}) {
	recordEvent(m.audit, m.security, action, actor, target, err, metadata)
}

func authorizeConfirmer(vault *Vault, confirmer Member) error {
	if vault.Policy.PanicLock {
		return fmt.Errorf("%w: vault %s is panic locked", ErrUserNotAuthorized, vault.ID)
	}
	if stored, ok := vault.Member(confirmer.ID()); ok && vault.Policy.Rule(stored.Role).CanManageMembers {
		return nil
	}
	if confirmer.ID() != "" && vault.Policy.IsBackupContact(confirmer.ID()) {
		return nil
	}
	return fmt.Errorf("%w: %s cannot confirm legacy access for vault %s", ErrUserNotAuthorized, confirmer.ID(), vault.ID)
}

// quorum treats a zero requirement as one confirmation
func quorum(rule LegacyRule) int {
	return max(1, rule.RequiredConfirmations)
}

// unlocksAfter saturates intervals longer than a time.Duration can hold
func unlocksAfter(rule LegacyRule, req *LegacyAccessRequest) time.Time {
	if rule.TimeLockInterval > MaxLegacyTimeLock {
		return req.ScheduledAt.Add(time.Duration(math.MaxInt64))
	}
	return req.ScheduledAt.Add(time.Duration(rule.TimeLockInterval) * time.Second)
}

func legacyState(vault *Vault) LegacyAccessState {
	rule := vault.Policy.LegacyRules
	rule.BackupContacts = slices.Clone(rule.BackupContacts)

	state := LegacyAccessState{
		VaultID: vault.ID,
		Policy:  rule,
		Phase:   LegacyNotStarted,
	}

	req := vault.LegacyRequest
	if req == nil {
		return state
	}

	state.ScheduledAt = req.ScheduledAt
	state.UnlocksAfter = unlocksAfter(rule, req)
	state.Confirmations = len(req.Confirmers)
	switch {
	case req.UnlockedAt != nil:
		state.Phase = LegacyUnlocked
		state.IsUnlocked = true
	case state.Confirmations >= quorum(rule):
		state.Phase = LegacyLocked
	default:
		state.Phase = LegacyChecking
	}
	return state
}
