package familyvault

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// DefaultLegacyTimeLock is thirty days, in seconds
const DefaultLegacyTimeLock int64 = 30 * 24 * 60 * 60

// MaxLegacyTimeLock is the longest time lock, in seconds, a time.Duration can hold
const MaxLegacyTimeLock int64 = math.MaxInt64 / int64(time.Second)

// DefaultAccessPolicy returns the policy used when a vault is created without one
func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{
		SharingRules: map[VaultRole]SharingRule{
			RoleOwner:         {CanView: true, CanUpload: true, CanManageMembers: true},
			RoleAdmin:         {CanView: true, CanUpload: true, CanManageMembers: true},
			RoleMember:        {CanView: true, CanUpload: true},
			RoleLegacyContact: {CanView: true},
		},
		LegacyRules: LegacyRule{
			TimeLockInterval:      DefaultLegacyTimeLock,
			RequiredConfirmations: 2,
		},
	}
}

// Rule returns the capabilities of role. Unmapped roles have none.
func (p AccessPolicy) Rule(role VaultRole) SharingRule {
	return p.SharingRules[role]
}

// IsBackupContact reports whether id is a designated legacy contact
func (p AccessPolicy) IsBackupContact(id string) bool {
	return slices.Contains(p.LegacyRules.BackupContacts, id)
}

// Validate checks the structure of the policy
func (p AccessPolicy) Validate() error {
	for role := range p.SharingRules {
		if !role.Valid() {
			return fmt.Errorf("%w: unknown role %q", ErrInvalidPolicy, role)
		}
	}
	if p.LegacyRules.TimeLockInterval < 0 {
		return fmt.Errorf("%w: time lock interval cannot be negative", ErrInvalidPolicy)
	}
	if p.LegacyRules.TimeLockInterval > MaxLegacyTimeLock {
		return fmt.Errorf("%w: time lock interval exceeds %d seconds", ErrInvalidPolicy, MaxLegacyTimeLock)
	}
	if p.LegacyRules.RequiredConfirmations < 0 {
		return fmt.Errorf("%w: required confirmations cannot be negative", ErrInvalidPolicy)
	}
	return nil
}
