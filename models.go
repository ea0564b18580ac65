package familyvault

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// SecureKeyReference names a member's asymmetric key material without exposing it
type SecureKeyReference struct {
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"createdAt"`
}

// UserProfile is the identity a member is bound to
type UserProfile struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Email        string             `json:"email"`
	KeyReference SecureKeyReference `json:"keyReference"`
}

// NewUserProfile mints a profile with a fresh id and key reference. The key
// material itself is created lazily by the keystore on first use.
func NewUserProfile(name, email string) UserProfile {
	now := time.Now().UTC()
	return UserProfile{
		ID:    uuid.NewString(),
		Name:  name,
		Email: email,
		KeyReference: SecureKeyReference{
			Identifier: "fv.key." + uuid.NewString(),
			CreatedAt:  now,
		},
	}
}

type VaultRole string

const (
	RoleOwner         VaultRole = "owner"
	RoleAdmin         VaultRole = "admin"
	RoleMember        VaultRole = "member"
	RoleLegacyContact VaultRole = "legacyContact"
)

// Valid reports whether r is one of the known roles
func (r VaultRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember, RoleLegacyContact:
		return true
	}
	return false
}

// Member binds a profile to a role within one vault
type Member struct {
	Profile  UserProfile `json:"profile"`
	Role     VaultRole   `json:"role"`
	LastSeen *time.Time  `json:"lastSeen,omitempty"`
}

// ID returns the member's profile id
func (m Member) ID() string {
	return m.Profile.ID
}

// SharingRule lists the capabilities a role has within a vault
type SharingRule struct {
	CanView          bool `json:"canView"`
	CanUpload        bool `json:"canUpload"`
	CanManageMembers bool `json:"canManageMembers"`
}

// LegacyRule configures legacy access. TimeLockInterval is in seconds.
type LegacyRule struct {
	TimeLockInterval      int64    `json:"timeLockInterval"`
	RequiredConfirmations int      `json:"requiredConfirmations"`
	BackupContacts        []string `json:"backupContacts,omitempty"`
}

// AccessPolicy maps roles to capabilities and holds the legacy rules
type AccessPolicy struct {
	SharingRules map[VaultRole]SharingRule `json:"sharingRules"`
	LegacyRules  LegacyRule                `json:"legacyRules"`
	PanicLock    bool                      `json:"panicLock"`
}

// Vault is a named container of documents
type Vault struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Members       []Member             `json:"members"`
	Policy        AccessPolicy         `json:"policy"`
	VaultKeyRef   SecureKeyReference   `json:"vaultKeyRef"`
	CreatedAt     time.Time            `json:"createdAt"`
	UpdatedAt     time.Time            `json:"updatedAt"`
	LegacyRequest *LegacyAccessRequest `json:"legacyRequest,omitempty"`
}

// Member looks up a member of the vault by profile id
func (v *Vault) Member(id string) (Member, bool) {
	for _, m := range v.Members {
		if m.Profile.ID == id {
			return m, true
		}
	}
	return Member{}, false
}

// Owner returns the member whose key reference is the vault key reference
func (v *Vault) Owner() (Member, bool) {
	for _, m := range v.Members {
		if m.Profile.KeyReference.Identifier == v.VaultKeyRef.Identifier {
			return m, true
		}
	}
	return Member{}, false
}

// Clone returns a deep copy so callers cannot mutate stored records
func (v Vault) Clone() Vault {
	out := v
	out.Members = make([]Member, len(v.Members))
	for i, m := range v.Members {
		out.Members[i] = m
		if m.LastSeen != nil {
			ts := *m.LastSeen
			out.Members[i].LastSeen = &ts
		}
	}
	if v.Policy.SharingRules != nil {
		out.Policy.SharingRules = make(map[VaultRole]SharingRule, len(v.Policy.SharingRules))
		for role, rule := range v.Policy.SharingRules {
			out.Policy.SharingRules[role] = rule
		}
	}
	out.Policy.LegacyRules.BackupContacts = slices.Clone(v.Policy.LegacyRules.BackupContacts)
	if v.LegacyRequest != nil {
		req := *v.LegacyRequest
		req.Confirmers = slices.Clone(v.LegacyRequest.Confirmers)
		if v.LegacyRequest.UnlockedAt != nil {
			ts := *v.LegacyRequest.UnlockedAt
			req.UnlockedAt = &ts
		}
		out.LegacyRequest = &req
	}
	return out
}

type ItemType string

const (
	ItemDocument  ItemType = "document"
	ItemPassport  ItemType = "passport"
	ItemLicense   ItemType = "license"
	ItemMedical   ItemType = "medical"
	ItemFinancial ItemType = "financial"
	ItemLegal     ItemType = "legal"
	ItemOther     ItemType = "other"
)

// VaultItemMetadata holds the cleartext description of an item
type VaultItemMetadata struct {
	TitleHint          string            `json:"titleHint"`
	RedactedAttributes map[string]string `json:"redactedAttributes,omitempty"`
	ExpiresAt          *time.Time        `json:"expiresAt,omitempty"`
	ChecklistCategory  *string           `json:"checklistCategory,omitempty"`
}

// VaultItem is the record of one sealed document
type VaultItem struct {
	ID                     string            `json:"id"`
	VaultID                string            `json:"vaultId"`
	Type                   ItemType          `json:"type"`
	EncryptedBlobReference string            `json:"encryptedBlobReference"`
	Tags                   []string          `json:"tags,omitempty"`
	ThumbnailReference     *string           `json:"thumbnailReference,omitempty"`
	CreatedAt              time.Time         `json:"createdAt"`
	UpdatedAt              time.Time         `json:"updatedAt"`
	Metadata               VaultItemMetadata `json:"metadata"`
}

// Envelope is the output of Seal. Metadata is not encrypted.
type Envelope struct {
	Ciphertext []byte            `json:"ciphertext" cbor:"1,keyasint"`
	Nonce      []byte            `json:"nonce" cbor:"2,keyasint"`
	Tag        []byte            `json:"tag" cbor:"3,keyasint"`
	Metadata   map[string]string `json:"metadata,omitempty" cbor:"4,keyasint,omitempty"`
}

// LegacyAccessRequest is the persisted state of one legacy access attempt
type LegacyAccessRequest struct {
	ScheduledAt time.Time  `json:"scheduledAt"`
	Confirmers  []string   `json:"confirmers,omitempty"`
	UnlockedAt  *time.Time `json:"unlockedAt,omitempty"`
}

type LegacyPhase string

const (
	LegacyNotStarted LegacyPhase = "notStarted"
	LegacyChecking   LegacyPhase = "checking"
	LegacyLocked     LegacyPhase = "locked"
	LegacyUnlocked   LegacyPhase = "unlocked"
)

// LegacyAccessState is derived from a vault's policy and its current request
type LegacyAccessState struct {
	VaultID       string      `json:"vaultId"`
	Policy        LegacyRule  `json:"policy"`
	Phase         LegacyPhase `json:"phase"`
	Confirmations int         `json:"confirmations"`
	IsUnlocked    bool        `json:"isUnlocked"`
	ScheduledAt   time.Time   `json:"scheduledAt,omitempty"`
	UnlocksAfter  time.Time   `json:"unlocksAfter,omitempty"`
}
