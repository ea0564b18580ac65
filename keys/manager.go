package keys

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/misc"
	"github.com/awnumar/memguard"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

// Scheme selects how a vault key is wrapped for a member
type Scheme string

const (
	// SchemeAgreement runs X25519 between the member's private key and its own
	// public key and expands the result with HKDF into a wrapping key. This is
	// a KDF over the member's private scalar, not a key exchange.
	SchemeAgreement Scheme = "agreement"
	// SchemeSealedBox encrypts the vault key to the member's public key with
	// an anonymous NaCl box.
	SchemeSealedBox Scheme = "sealedbox"
)

const wrapInfo = "familyvault/wrap/v1"

// ParseScheme maps a configuration value to a Scheme
func ParseScheme(name string) (Scheme, error) {
	switch Scheme(name) {
	case "", SchemeAgreement:
		return SchemeAgreement, nil
	case SchemeSealedBox:
		return SchemeSealedBox, nil
	default:
		return "", fmt.Errorf("unknown wrap scheme: %q", name)
	}
}

// WrappedKeyID is the identifier a member's wrapped copy of a vault key is
// stored under
func WrappedKeyID(vaultID, keyRef string) string {
	return vaultID + ":" + keyRef
}

// wrappedKey is the stored form of a wrapped vault key. Recording the scheme
// keeps old keys readable after the configured scheme changes.
type wrappedKey struct {
	Scheme  Scheme `json:"scheme"`
	KeyRef  string `json:"keyRef"`
	Payload []byte `json:"payload"`
}

var (
	_ familyvault.KeyManagement      = (*KeyManager)(nil)
	_ familyvault.WrappedKeyImporter = (*KeyManager)(nil)
)

// KeyManager implements familyvault.KeyManagement
type KeyManager struct {
	keystore Keystore
	wrapped  WrappedKeyStore
	scheme   Scheme
	logger   *zap.Logger
}

// NewKeyManager wraps new keys with scheme; either scheme can be unwrapped.
func NewKeyManager(keystore Keystore, wrapped WrappedKeyStore, scheme Scheme, logger *zap.Logger) (*KeyManager, error) {
	if keystore == nil {
		return nil, errors.New("keystore is required")
	}
	if wrapped == nil {
		return nil, errors.New("wrapped key store is required")
	}
	scheme, err := ParseScheme(string(scheme))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		keystore: keystore,
		wrapped:  wrapped,
		scheme:   scheme,
		logger:   logger.Named("keys"),
	}, nil
}

// GenerateVaultKey returns 256 fresh random bits
func (k *KeyManager) GenerateVaultKey() (*memguard.LockedBuffer, error) {
	key := memguard.NewBufferRandom(misc.SymmetricKeySize)
	if key.Size() != misc.SymmetricKeySize {
		return nil, fmt.Errorf("%w: failed to generate vault key", familyvault.ErrEncryptionFailed)
	}
	return key, nil
}

// Wrap seals key for member and stores the result under
// WrappedKeyID(vaultID, member key reference).
func (k *KeyManager) Wrap(ctx context.Context, key *memguard.LockedBuffer, member familyvault.Member, vaultID string) ([]byte, error) {
	if key == nil || key.Size() != misc.SymmetricKeySize {
		return nil, fmt.Errorf("%w: vault key must be %d bytes", familyvault.ErrEncryptionFailed, misc.SymmetricKeySize)
	}
	ref := member.Profile.KeyReference.Identifier

	priv, err := k.privateKey(ctx, ref)
	if err != nil {
		return nil, err
	}

	record := wrappedKey{Scheme: k.scheme, KeyRef: ref}
	switch k.scheme {
	case SchemeAgreement:
		record.Payload, err = sealAgreement(priv, ref, key.Bytes())
	case SchemeSealedBox:
		record.Payload, err = sealBox(priv, key.Bytes())
	}
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode wrapped key: %v", familyvault.ErrEncryptionFailed, err)
	}

	if err = k.wrapped.StoreWrappedKey(ctx, data, WrappedKeyID(vaultID, ref)); err != nil {
		return nil, fmt.Errorf("failed to store wrapped key: %w", err)
	}

	k.logger.Debug("vault key wrapped",
		zap.String("vault_id", vaultID),
		zap.String("member_id", member.Profile.ID),
		zap.String("scheme", string(k.scheme)))
	return data, nil
}

// UnwrapKey recovers the vault key from wrapped using member's private key
func (k *KeyManager) UnwrapKey(ctx context.Context, member familyvault.Member, wrapped []byte) (*memguard.LockedBuffer, error) {
	ref := member.Profile.KeyReference.Identifier

	var record wrappedKey
	if err := json.Unmarshal(wrapped, &record); err != nil {
		return nil, fmt.Errorf("%w: malformed wrapped key", familyvault.ErrDecryptionFailed)
	}
	if record.KeyRef != ref {
		return nil, fmt.Errorf("%w: wrapped key belongs to another member", familyvault.ErrDecryptionFailed)
	}

	priv, err := k.privateKey(ctx, ref)
	if err != nil {
		return nil, err
	}

	var key []byte
	switch record.Scheme {
	case SchemeAgreement:
		key, err = openAgreement(priv, ref, record.Payload)
	case SchemeSealedBox:
		key, err = openBox(priv, record.Payload)
	default:
		err = fmt.Errorf("%w: unknown wrap scheme %q", familyvault.ErrDecryptionFailed, record.Scheme)
	}
	if err != nil {
		return nil, err
	}
	if len(key) != misc.SymmetricKeySize {
		memguard.WipeBytes(key)
		return nil, fmt.Errorf("%w: unwrapped key has wrong size", familyvault.ErrDecryptionFailed)
	}
	return memguard.NewBufferFromBytes(key), nil
}

// FetchWrappedKey returns member's wrapped copy of a vault key
func (k *KeyManager) FetchWrappedKey(ctx context.Context, member familyvault.Member, vaultID string) ([]byte, error) {
	return k.wrapped.FetchWrappedKey(ctx, WrappedKeyID(vaultID, member.Profile.KeyReference.Identifier))
}

// ImportWrappedKey stores a wrapped copy produced by Wrap, for example one
// restored from a backup. The record must belong to member.
func (k *KeyManager) ImportWrappedKey(ctx context.Context, member familyvault.Member, vaultID string, wrapped []byte) error {
	ref := member.Profile.KeyReference.Identifier

	var record wrappedKey
	if err := json.Unmarshal(wrapped, &record); err != nil {
		return fmt.Errorf("%w: malformed wrapped key", familyvault.ErrDecryptionFailed)
	}
	if record.KeyRef != ref {
		return fmt.Errorf("%w: wrapped key belongs to another member", familyvault.ErrDecryptionFailed)
	}
	if _, err := ParseScheme(string(record.Scheme)); err != nil {
		return fmt.Errorf("%w: %v", familyvault.ErrDecryptionFailed, err)
	}

	if err := k.wrapped.StoreWrappedKey(ctx, wrapped, WrappedKeyID(vaultID, ref)); err != nil {
		return fmt.Errorf("failed to store wrapped key: %w", err)
	}
	return nil
}

// PublicKey returns member's X25519 public key
func (k *KeyManager) PublicKey(ctx context.Context, member familyvault.Member) ([]byte, error) {
	priv, err := k.privateKey(ctx, member.Profile.KeyReference.Identifier)
	if err != nil {
		return nil, err
	}
	return priv.PublicKey().Bytes(), nil
}

func (k *KeyManager) privateKey(ctx context.Context, ref string) (*ecdh.PrivateKey, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: member has no key reference", familyvault.ErrKeyDerivationFailed)
	}

	scalar, err := k.keystore.LoadOrCreate(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", familyvault.ErrKeyDerivationFailed, err)
	}
	defer scalar.Destroy()

	priv, err := ecdh.X25519().NewPrivateKey(scalar.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrKeyDerivationFailed, err)
	}
	return priv, nil
}

// agreementKey derives the wrapping key from the member's self agreement
func agreementKey(priv *ecdh.PrivateKey, ref string) (*memguard.LockedBuffer, error) {
	shared, err := priv.ECDH(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrKeyDerivationFailed, err)
	}
	defer memguard.WipeBytes(shared)

	key := make([]byte, misc.SymmetricKeySize)
	if _, err = io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(wrapInfo+"|"+ref)), key); err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrKeyDerivationFailed, err)
	}
	return memguard.NewBufferFromBytes(key), nil
}

func sealAgreement(priv *ecdh.PrivateKey, ref string, vaultKey []byte) ([]byte, error) {
	wrapping, err := agreementKey(priv, ref)
	if err != nil {
		return nil, err
	}
	defer wrapping.Destroy()

	env, err := familyvault.Seal(vaultKey, map[string]string{"keyRef": ref}, wrapping.Bytes())
	if err != nil {
		return nil, err
	}
	return familyvault.EncodeEnvelope(env, familyvault.CodecJSON)
}

func openAgreement(priv *ecdh.PrivateKey, ref string, payload []byte) ([]byte, error) {
	env, err := familyvault.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}

	wrapping, err := agreementKey(priv, ref)
	if err != nil {
		return nil, err
	}
	defer wrapping.Destroy()

	return familyvault.Open(env, wrapping.Bytes())
}

func sealBox(priv *ecdh.PrivateKey, vaultKey []byte) ([]byte, error) {
	var pub [32]byte
	copy(pub[:], priv.PublicKey().Bytes())

	sealed, err := box.SealAnonymous(nil, vaultKey, &pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrEncryptionFailed, err)
	}
	return sealed, nil
}

func openBox(priv *ecdh.PrivateKey, payload []byte) ([]byte, error) {
	var pub, secret [32]byte
	copy(pub[:], priv.PublicKey().Bytes())
	copy(secret[:], priv.Bytes())
	defer memguard.WipeBytes(secret[:])

	key, ok := box.OpenAnonymous(nil, payload, &pub, &secret)
	if !ok {
		return nil, fmt.Errorf("%w: sealed box authentication failed", familyvault.ErrDecryptionFailed)
	}
	return key, nil
}
