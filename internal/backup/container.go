package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/BradMann09/FamilyVault/internal/crypto"
	"github.com/awnumar/memguard"
)

const (
	FormatVersion    = "1"
	EncryptionMethod = "argon2id-chacha20poly1305"

	minPassphraseLength = 12
)

var (
	ErrIntegrity         = errors.New("backup integrity check failed")
	ErrWrongPassphrase   = errors.New("backup passphrase is incorrect")
	ErrWeakPassphrase    = fmt.Errorf("backup passphrase must be at least %d characters", minPassphraseLength)
	ErrUnsupportedFormat = errors.New("unsupported backup format")
)

// Container is the portable form of a backup. The payload is encrypted with a
// key stretched from a passphrase, independent of any vault key.
type Container struct {
	BackupID         string    `json:"backup_id"`
	BackupTimestamp  time.Time `json:"backup_timestamp"`
	BackupVersion    string    `json:"backup_version"`
	EncryptionMethod string    `json:"encryption_method"`
	VaultID          string    `json:"vault_id"`
	Salt             []byte    `json:"salt"`
	EncryptedData    []byte    `json:"encrypted_data"`
	Checksum         string    `json:"checksum"`
}

// Seal encrypts payload under passphrase
func Seal(payload, passphrase []byte, vaultID string, now time.Time) (*Container, error) {
	if len(passphrase) < minPassphraseLength {
		return nil, ErrWeakPassphrase
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}

	key, err := crypto.DeriveKey(passphrase, memguard.NewEnclave(slices.Clone(salt)))
	if err != nil {
		return nil, fmt.Errorf("failed to derive backup key: %w", err)
	}
	defer key.Destroy()

	encrypted, err := crypto.EncryptValue(payload, key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}

	return &Container{
		BackupID:         GenerateBackupID(),
		BackupTimestamp:  now.UTC(),
		BackupVersion:    FormatVersion,
		EncryptionMethod: EncryptionMethod,
		VaultID:          vaultID,
		Salt:             salt,
		EncryptedData:    encrypted,
		Checksum:         crypto.CalculateChecksum(encrypted),
	}, nil
}

// Open verifies the checksum and decrypts the payload
func (c *Container) Open(passphrase []byte) ([]byte, error) {
	if c.BackupVersion != FormatVersion || c.EncryptionMethod != EncryptionMethod {
		return nil, fmt.Errorf("%w: version %q method %q", ErrUnsupportedFormat, c.BackupVersion, c.EncryptionMethod)
	}
	if crypto.CalculateChecksum(c.EncryptedData) != c.Checksum {
		return nil, ErrIntegrity
	}

	key, err := crypto.DeriveKey(passphrase, memguard.NewEnclave(slices.Clone(c.Salt)))
	if err != nil {
		return nil, fmt.Errorf("failed to derive backup key: %w", err)
	}
	defer key.Destroy()

	payload, err := crypto.DecryptValue(c.EncryptedData, key.Bytes())
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return payload, nil
}

// Encode serializes the container as indented JSON
func (c *Container) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup: %w", err)
	}
	return data, nil
}

// Decode parses a container produced by Encode
func Decode(data []byte) (*Container, error) {
	var c Container
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if c.BackupID == "" || len(c.Salt) == 0 {
		return nil, fmt.Errorf("%w: missing fields", ErrUnsupportedFormat)
	}
	return &c, nil
}
