package familyvault

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
)

// Derivation selects how per-item keys are derived
type Derivation string

const (
	// DerivationReference hashes the vault key reference with the item id.
	// Anyone who knows both identifiers can recompute the key.
	DerivationReference Derivation = "reference"
	// DerivationWrapped expands the unwrapped vault key with HKDF, so
	// deriving an item key requires a member's wrapped copy of the vault key.
	DerivationWrapped Derivation = "wrapped"
)

const itemKeyInfo = "familyvault/item/v1"

// ParseDerivation maps a configuration value to a Derivation
func ParseDerivation(name string) (Derivation, error) {
	switch Derivation(name) {
	case "", DerivationReference:
		return DerivationReference, nil
	case DerivationWrapped:
		return DerivationWrapped, nil
	default:
		return "", fmt.Errorf("unknown item key derivation: %q", name)
	}
}

// DeriveItemKey returns SHA-256(ref.Identifier || itemID). The result is
// deterministic and distinct per item.
func DeriveItemKey(ref SecureKeyReference, itemID string) *memguard.LockedBuffer {
	h := sha256.New()
	h.Write([]byte(ref.Identifier))
	h.Write([]byte(itemID))
	return memguard.NewBufferFromBytes(h.Sum(nil))
}

// DeriveWrappedItemKey expands vaultKey into the key for itemID
func DeriveWrappedItemKey(vaultKey []byte, ref SecureKeyReference, itemID string) (*memguard.LockedBuffer, error) {
	if len(vaultKey) != KeySize {
		return nil, fmt.Errorf("%w: vault key must be %d bytes", ErrKeyDerivationFailed, KeySize)
	}
	info := itemKeyInfo + "|" + ref.Identifier + "|" + itemID
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, vaultKey, nil, []byte(info)), key); err != nil {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}
	return memguard.NewBufferFromBytes(key), nil
}
