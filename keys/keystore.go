// Package keys implements vault key generation and per member key wrapping on
// top of a pluggable keystore holding each member's X25519 private key.
package keys

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"os"
	"sync"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/awnumar/memguard"
)

// Keystore returns a member's private key scalar, creating it on first use.
// Implementations guarantee at most one key per identifier and report
// failures as familyvault.ErrSecureEnclaveUnavailable.
type Keystore interface {
	LoadOrCreate(ctx context.Context, identifier string) (*memguard.LockedBuffer, error)
}

type KeystoreType string

const (
	MemoryKeystoreType KeystoreType = "memory"
	FileKeystoreType   KeystoreType = "file"
)

// DefaultPassphraseEnv names the variable holding the file keystore passphrase
const DefaultPassphraseEnv = "FAMILYVAULT_PASSPHRASE"

// KeystoreConfig selects and configures a keystore
type KeystoreConfig struct {
	Type          KeystoreType `mapstructure:"type" yaml:"type"`
	Path          string       `mapstructure:"path" yaml:"path,omitempty"`
	PassphraseEnv string       `mapstructure:"passphrase_env" yaml:"passphrase_env,omitempty"`
}

// NewKeystore builds the keystore described by config
func NewKeystore(config KeystoreConfig) (Keystore, error) {
	switch config.Type {
	case MemoryKeystoreType, "":
		return NewMemoryKeystore(), nil
	case FileKeystoreType:
		envName := config.PassphraseEnv
		if envName == "" {
			envName = DefaultPassphraseEnv
		}
		value := os.Getenv(envName)
		if value == "" {
			return nil, fmt.Errorf("%w: %s is not set", familyvault.ErrSecureEnclaveUnavailable, envName)
		}
		passphrase := memguard.NewBufferFromBytes([]byte(value))
		defer passphrase.Destroy()
		return NewFileKeystore(config.Path, passphrase)
	default:
		return nil, fmt.Errorf("unsupported keystore type: %s", config.Type)
	}
}

// MemoryKeystore keeps private keys sealed in memguard enclaves for the life
// of the process
type MemoryKeystore struct {
	mu   sync.Mutex
	keys map[string]*memguard.Enclave
}

func NewMemoryKeystore() *MemoryKeystore {
	return &MemoryKeystore{keys: make(map[string]*memguard.Enclave)}
}

func (m *MemoryKeystore) LoadOrCreate(ctx context.Context, identifier string) (*memguard.LockedBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if identifier == "" {
		return nil, fmt.Errorf("%w: empty key identifier", familyvault.ErrSecureEnclaveUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	enclave, ok := m.keys[identifier]
	if !ok {
		scalar, err := newScalar()
		if err != nil {
			return nil, err
		}
		enclave = scalar.Seal()
		m.keys[identifier] = enclave
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}
	return buf, nil
}

// newScalar generates an X25519 private key scalar in a guarded buffer
func newScalar() (*memguard.LockedBuffer, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to generate key: %v", familyvault.ErrSecureEnclaveUnavailable, err)
	}
	return memguard.NewBufferFromBytes(priv.Bytes()), nil
}
