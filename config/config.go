// Package config loads the FamilyVault configuration tree from files,
// environment variables and flags through viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/audit"
	"github.com/BradMann09/FamilyVault/internal/logging"
	"github.com/BradMann09/FamilyVault/keys"
	"github.com/BradMann09/FamilyVault/persist"
	"github.com/BradMann09/FamilyVault/repository"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. FAMILYVAULT_VAULT_CODEC
	EnvPrefix = "FAMILYVAULT"
	// FileName is the config file name searched for without extension
	FileName = ".familyvault"
	// DefaultDataDir holds local state when no paths are configured
	DefaultDataDir = ".familyvault"
)

// Config is the complete configuration tree
type Config struct {
	Log        logging.Config      `mapstructure:"log" yaml:"log"`
	Audit      audit.Config        `mapstructure:"audit" yaml:"audit"`
	Storage    StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Repository repository.Config   `mapstructure:"repository" yaml:"repository"`
	Keys       KeysConfig          `mapstructure:"keys" yaml:"keys"`
	Vault      familyvault.Options `mapstructure:"vault" yaml:"vault"`
	Profiles   ProfilesConfig      `mapstructure:"profiles" yaml:"profiles"`
}

// StorageConfig describes the local blob store and an optional remote
// replica. An empty remote type disables replication.
type StorageConfig struct {
	Local       persist.StoreConfig `mapstructure:"local" yaml:"local"`
	Remote      persist.StoreConfig `mapstructure:"remote" yaml:"remote,omitempty"`
	RemoteWrite string              `mapstructure:"remote_write" yaml:"remote_write"`
}

// KeysConfig configures member key material and wrapped vault keys
type KeysConfig struct {
	Keystore keys.KeystoreConfig     `mapstructure:"keystore" yaml:"keystore"`
	Wrapped  keys.WrappedStoreConfig `mapstructure:"wrapped" yaml:"wrapped"`
	Scheme   string                  `mapstructure:"scheme" yaml:"scheme"`
}

// ProfilesConfig locates the profiles created by the CLI
type ProfilesConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Configure prepares v for Load: environment overrides and defaults
func Configure(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
}

// SetDefaults registers the default of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.type", string(audit.FileAuditType))
	v.SetDefault("audit.path", filepath.Join(DefaultDataDir, "audit.log"))
	v.SetDefault("audit.cache_size", audit.DefaultCacheSize)

	v.SetDefault("storage.local.type", string(persist.StoreTypeFileSystem))
	v.SetDefault("storage.local.config.base_path", filepath.Join(DefaultDataDir, "blobs"))
	v.SetDefault("storage.remote.type", "")
	v.SetDefault("storage.remote_write", string(persist.RemoteBestEffort))

	v.SetDefault("repository.type", string(repository.TypeSQLite))
	v.SetDefault("repository.path", filepath.Join(DefaultDataDir, "vaults.db"))
	v.SetDefault("repository.database", repository.DefaultMongoDatabase)
	v.SetDefault("repository.collection", repository.DefaultMongoCollection)

	v.SetDefault("keys.keystore.type", string(keys.FileKeystoreType))
	v.SetDefault("keys.keystore.path", filepath.Join(DefaultDataDir, "keys"))
	v.SetDefault("keys.keystore.passphrase_env", keys.DefaultPassphraseEnv)
	v.SetDefault("keys.wrapped.type", string(keys.FileWrappedStoreType))
	v.SetDefault("keys.wrapped.path", filepath.Join(DefaultDataDir, "wrapped"))
	v.SetDefault("keys.scheme", string(keys.SchemeAgreement))

	defaults := familyvault.DefaultOptions()
	v.SetDefault("vault.derivation", string(defaults.Derivation))
	v.SetDefault("vault.inline_reference", defaults.InlineReference)
	v.SetDefault("vault.codec", string(defaults.Codec))
	v.SetDefault("vault.compression", string(defaults.Compression))
	v.SetDefault("vault.wrap_on_invite", defaults.WrapOnInvite)

	v.SetDefault("profiles.path", filepath.Join(DefaultDataDir, "profiles"))
}

// Default returns the configuration produced by SetDefaults alone
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	c, err := unmarshal(v)
	if err != nil {
		panic("config: defaults do not decode: " + err.Error())
	}
	return c
}

// Load decodes and validates the configuration held by v. Defaults are
// applied for keys v does not set.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	c, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &c, nil
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.New(c.Log); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	switch c.Audit.Type {
	case audit.NoOp, audit.ZapAuditType, audit.MemoryAuditType:
	case audit.FileAuditType:
		if c.Audit.Enabled && c.Audit.Path == "" {
			errs = append(errs, errors.New("audit.path: required for the file sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("audit.type: unknown audit provider %q", c.Audit.Type))
	}

	if c.Storage.Local.Type != persist.StoreTypeFileSystem {
		errs = append(errs, fmt.Errorf("storage.local.type: must be %q", persist.StoreTypeFileSystem))
	} else if path, _ := c.Storage.Local.Config["base_path"].(string); path == "" {
		errs = append(errs, errors.New("storage.local.config.base_path: required"))
	}
	switch c.Storage.Remote.Type {
	case "", persist.StoreTypeS3, persist.StoreTypeFirestore:
	default:
		errs = append(errs, fmt.Errorf("storage.remote.type: unsupported store type %q", c.Storage.Remote.Type))
	}
	if _, err := persist.ParseRemoteWritePolicy(c.Storage.RemoteWrite); err != nil {
		errs = append(errs, fmt.Errorf("storage.remote_write: %w", err))
	}

	switch c.Repository.Type {
	case repository.TypeMemory, "":
	case repository.TypeSQLite:
		if c.Repository.Path == "" {
			errs = append(errs, errors.New("repository.path: required for sqlite"))
		}
	case repository.TypeMongo:
		if c.Repository.URI == "" {
			errs = append(errs, errors.New("repository.uri: required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("repository.type: unsupported repository type %q", c.Repository.Type))
	}

	switch c.Keys.Keystore.Type {
	case keys.MemoryKeystoreType, "":
	case keys.FileKeystoreType:
		if c.Keys.Keystore.Path == "" {
			errs = append(errs, errors.New("keys.keystore.path: required for file keystore"))
		}
	default:
		errs = append(errs, fmt.Errorf("keys.keystore.type: unsupported keystore type %q", c.Keys.Keystore.Type))
	}
	switch c.Keys.Wrapped.Type {
	case keys.MemoryWrappedStoreType, "":
	case keys.FileWrappedStoreType:
		if c.Keys.Wrapped.Path == "" {
			errs = append(errs, errors.New("keys.wrapped.path: required for file store"))
		}
	default:
		errs = append(errs, fmt.Errorf("keys.wrapped.type: unsupported wrapped key store type %q", c.Keys.Wrapped.Type))
	}
	if _, err := keys.ParseScheme(c.Keys.Scheme); err != nil {
		errs = append(errs, fmt.Errorf("keys.scheme: %w", err))
	}

	if _, err := c.Options(); err != nil {
		errs = append(errs, fmt.Errorf("vault: %w", err))
	}

	return errors.Join(errs...)
}

// Options returns the vault service options with every value normalized
func (c *Config) Options() (familyvault.Options, error) {
	o := c.Vault
	var err error
	if o.Derivation, err = familyvault.ParseDerivation(string(o.Derivation)); err != nil {
		return familyvault.Options{}, err
	}
	if o.Codec, err = familyvault.ParseCodec(string(o.Codec)); err != nil {
		return familyvault.Options{}, err
	}
	if o.Compression, err = familyvault.ParseCompression(string(o.Compression)); err != nil {
		return familyvault.Options{}, err
	}
	if o.Derivation == familyvault.DerivationWrapped && !o.WrapOnInvite {
		return familyvault.Options{}, errors.New("wrapped item key derivation requires wrap_on_invite")
	}
	return o, nil
}

// RemoteWritePolicy returns the parsed storage.remote_write value
func (c *Config) RemoteWritePolicy() persist.RemoteWritePolicy {
	policy, err := persist.ParseRemoteWritePolicy(c.Storage.RemoteWrite)
	if err != nil {
		return persist.RemoteBestEffort
	}
	return policy
}
