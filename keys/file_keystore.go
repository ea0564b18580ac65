package keys

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/crypto"
	"github.com/BradMann09/FamilyVault/internal/fsutil"
	"github.com/BradMann09/FamilyVault/internal/lock"
	"github.com/BradMann09/FamilyVault/internal/misc"
	"github.com/awnumar/memguard"
)

const (
	saltFile     = "keystore.salt"
	verifierFile = "keystore.check"
	keySuffix    = ".key"
)

var verifierPlaintext = []byte("familyvault keystore v1")

// FileKeystore persists one encrypted private key file per identifier. Files
// are sealed with ChaCha20-Poly1305 under an argon2id key derived from the
// keystore passphrase.
type FileKeystore struct {
	dir   string
	kek   *memguard.Enclave
	locks *lock.Keyed
}

// NewFileKeystore opens or initializes a keystore in dir. A passphrase that
// does not match the one the keystore was created with fails with
// familyvault.ErrSecureEnclaveUnavailable.
func NewFileKeystore(dir string, passphrase *memguard.LockedBuffer) (*FileKeystore, error) {
	if dir == "" {
		return nil, errors.New("keystore path is required")
	}
	if passphrase == nil || passphrase.Size() == 0 {
		return nil, fmt.Errorf("%w: passphrase is required", familyvault.ErrSecureEnclaveUnavailable)
	}
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	salt, err := loadOrCreate(filepath.Join(dir, saltFile), crypto.NewSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to load keystore salt: %w", err)
	}

	kek, err := crypto.DeriveKey(passphrase.Bytes(), memguard.NewEnclave(salt))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}
	defer kek.Destroy()

	verifier, err := loadOrCreate(filepath.Join(dir, verifierFile), func() ([]byte, error) {
		return crypto.EncryptValue(verifierPlaintext, kek.Bytes())
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load keystore verifier: %w", err)
	}
	check, err := crypto.DecryptValue(verifier, kek.Bytes())
	if err != nil || !bytes.Equal(check, verifierPlaintext) {
		return nil, fmt.Errorf("%w: incorrect keystore passphrase", familyvault.ErrSecureEnclaveUnavailable)
	}

	return &FileKeystore{
		dir:   dir,
		kek:   kek.Seal(),
		locks: lock.NewKeyed(),
	}, nil
}

func (f *FileKeystore) LoadOrCreate(ctx context.Context, identifier string) (*memguard.LockedBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty key identifier", familyvault.ErrSecureEnclaveUnavailable)
	}

	unlock := f.locks.Lock(identifier)
	defer unlock()

	kek, err := f.kek.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}
	defer kek.Destroy()

	path := f.keyPath(identifier)
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}
	if !exists {
		scalar, err := f.create(path, identifier, kek.Bytes())
		if err == nil {
			return scalar, nil
		}
		// another process created it first
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
	}
	return f.load(path, identifier, kek.Bytes())
}

func (f *FileKeystore) create(path, identifier string, kek []byte) (*memguard.LockedBuffer, error) {
	scalar, err := newScalar()
	if err != nil {
		return nil, err
	}

	bound := bindIdentifier(identifier, scalar.Bytes())
	defer memguard.WipeBytes(bound)

	sealed, err := crypto.EncryptValue(bound, kek)
	if err != nil {
		scalar.Destroy()
		return nil, fmt.Errorf("%w: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}

	if err = fsutil.CreateSecureFile(path, sealed, misc.FilePermissions); err != nil {
		scalar.Destroy()
		if errors.Is(err, os.ErrExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}
	return scalar, nil
}

func (f *FileKeystore) load(path, identifier string, kek []byte) (*memguard.LockedBuffer, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read key file: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}

	plaintext, err := crypto.DecryptValue(sealed, kek)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt key file: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}
	defer memguard.WipeBytes(plaintext)

	prefix := bindIdentifier(identifier, nil)
	if !bytes.HasPrefix(plaintext, prefix) || len(plaintext)-len(prefix) != misc.SymmetricKeySize {
		return nil, fmt.Errorf("%w: key file does not belong to %s", familyvault.ErrSecureEnclaveUnavailable, identifier)
	}
	return memguard.NewBufferFromBytes(bytes.Clone(plaintext[len(prefix):])), nil
}

func (f *FileKeystore) keyPath(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+keySuffix)
}

// bindIdentifier prefixes the scalar with its identifier so key files cannot
// be swapped between identifiers
func bindIdentifier(identifier string, scalar []byte) []byte {
	out := make([]byte, 0, len(identifier)+1+len(scalar))
	out = append(out, identifier...)
	out = append(out, 0)
	return append(out, scalar...)
}

func loadOrCreate(path string, generate func() ([]byte, error)) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err = generate()
	if err != nil {
		return nil, err
	}
	if err = fsutil.CreateSecureFile(path, data, misc.FilePermissions); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ReadFile(path)
		}
		return nil, err
	}
	return data, nil
}
