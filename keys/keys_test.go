package keys

import (
	"context"
	"os"
	"sync"
	"testing"

	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMember(name string) familyvault.Member {
	return familyvault.Member{
		Profile: familyvault.NewUserProfile(name, name+"@example.com"),
		Role:    familyvault.RoleMember,
	}
}

func newManager(t *testing.T, scheme Scheme) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(NewMemoryKeystore(), NewMemoryWrappedKeyStore(), scheme, nil)
	require.NoError(t, err)
	return km
}

func TestWrapRoundTrip(t *testing.T) {
	for _, scheme := range []Scheme{SchemeAgreement, SchemeSealedBox} {
		t.Run(string(scheme), func(t *testing.T) {
			ctx := context.Background()
			km := newManager(t, scheme)
			member := newMember("alice")

			for i := 0; i < 5; i++ {
				key, err := km.GenerateVaultKey()
				require.NoError(t, err)
				expected := append([]byte(nil), key.Bytes()...)

				wrapped, err := km.Wrap(ctx, key, member, "vault-1")
				require.NoError(t, err)
				key.Destroy()

				unwrapped, err := km.UnwrapKey(ctx, member, wrapped)
				require.NoError(t, err)
				assert.Equal(t, expected, unwrapped.Bytes())
				unwrapped.Destroy()

				stored, err := km.FetchWrappedKey(ctx, member, "vault-1")
				require.NoError(t, err)
				assert.Equal(t, wrapped, stored)
			}
		})
	}
}

func TestGenerateVaultKeyIsFresh(t *testing.T) {
	km := newManager(t, SchemeAgreement)
	a, err := km.GenerateVaultKey()
	require.NoError(t, err)
	defer a.Destroy()
	b, err := km.GenerateVaultKey()
	require.NoError(t, err)
	defer b.Destroy()

	assert.Len(t, a.Bytes(), 32)
	assert.NotEqual(t, a.Bytes(), b.Bytes())
}

func TestUnwrapAcrossSchemes(t *testing.T) {
	ctx := context.Background()
	keystore := NewMemoryKeystore()
	store := NewMemoryWrappedKeyStore()
	member := newMember("alice")

	old, err := NewKeyManager(keystore, store, SchemeAgreement, nil)
	require.NoError(t, err)
	upgraded, err := NewKeyManager(keystore, store, SchemeSealedBox, nil)
	require.NoError(t, err)

	key := memguard.NewBufferRandom(32)
	expected := append([]byte(nil), key.Bytes()...)
	wrapped, err := old.Wrap(ctx, key, member, "vault-1")
	require.NoError(t, err)

	unwrapped, err := upgraded.UnwrapKey(ctx, member, wrapped)
	require.NoError(t, err)
	assert.Equal(t, expected, unwrapped.Bytes())
}

func TestUnwrapFailures(t *testing.T) {
	ctx := context.Background()
	km := newManager(t, SchemeAgreement)
	alice := newMember("alice")
	bob := newMember("bob")

	key := memguard.NewBufferRandom(32)
	wrapped, err := km.Wrap(ctx, key, alice, "vault-1")
	require.NoError(t, err)

	t.Run("other member", func(t *testing.T) {
		_, err := km.UnwrapKey(ctx, bob, wrapped)
		assert.ErrorIs(t, err, familyvault.ErrDecryptionFailed)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := km.UnwrapKey(ctx, alice, []byte("not a wrapped key"))
		assert.ErrorIs(t, err, familyvault.ErrDecryptionFailed)
	})

	t.Run("different private key", func(t *testing.T) {
		impostor := newMember("alice")
		impostor.Profile.KeyReference = alice.Profile.KeyReference
		other := newManager(t, SchemeAgreement)
		_, err := other.UnwrapKey(ctx, impostor, wrapped)
		assert.ErrorIs(t, err, familyvault.ErrDecryptionFailed, "a different private key under the same reference must not unwrap")
	})

	t.Run("missing key reference", func(t *testing.T) {
		nobody := familyvault.Member{Profile: familyvault.UserProfile{ID: "x"}}
		_, err := km.Wrap(ctx, memguard.NewBufferRandom(32), nobody, "vault-1")
		assert.ErrorIs(t, err, familyvault.ErrKeyDerivationFailed)
	})

	t.Run("unknown wrapped key", func(t *testing.T) {
		_, err := km.FetchWrappedKey(ctx, bob, "vault-1")
		assert.ErrorIs(t, err, familyvault.ErrKeyDerivationFailed)
	})
}

func TestMemoryKeystoreSingleKeyPerIdentifier(t *testing.T) {
	ctx := context.Background()
	ks := NewMemoryKeystore()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results [][]byte
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf, err := ks.LoadOrCreate(ctx, "fv.key.shared")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			results = append(results, append([]byte(nil), buf.Bytes()...))
			mu.Unlock()
			buf.Destroy()
		}()
	}
	wg.Wait()

	require.Len(t, results, 16)
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}

	other, err := ks.LoadOrCreate(ctx, "fv.key.other")
	require.NoError(t, err)
	assert.NotEqual(t, results[0], other.Bytes())

	_, err = ks.LoadOrCreate(ctx, "")
	assert.ErrorIs(t, err, familyvault.ErrSecureEnclaveUnavailable)
}

func TestFileKeystore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	ks, err := NewFileKeystore(dir, memguard.NewBufferFromBytes([]byte("correct horse")))
	require.NoError(t, err)

	first, err := ks.LoadOrCreate(ctx, "fv.key.alice")
	require.NoError(t, err)
	expected := append([]byte(nil), first.Bytes()...)
	first.Destroy()

	again, err := ks.LoadOrCreate(ctx, "fv.key.alice")
	require.NoError(t, err)
	assert.Equal(t, expected, again.Bytes())

	t.Run("reopened", func(t *testing.T) {
		reopened, err := NewFileKeystore(dir, memguard.NewBufferFromBytes([]byte("correct horse")))
		require.NoError(t, err)
		buf, err := reopened.LoadOrCreate(ctx, "fv.key.alice")
		require.NoError(t, err)
		assert.Equal(t, expected, buf.Bytes())
	})

	t.Run("wrong passphrase", func(t *testing.T) {
		_, err := NewFileKeystore(dir, memguard.NewBufferFromBytes([]byte("battery staple")))
		assert.ErrorIs(t, err, familyvault.ErrSecureEnclaveUnavailable)
	})

	t.Run("swapped key file", func(t *testing.T) {
		bob, err := ks.LoadOrCreate(ctx, "fv.key.bob")
		require.NoError(t, err)
		bob.Destroy()

		data, err := os.ReadFile(ks.keyPath("fv.key.bob"))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(ks.keyPath("fv.key.alice"), data, 0600))

		_, err = ks.LoadOrCreate(ctx, "fv.key.alice")
		assert.ErrorIs(t, err, familyvault.ErrSecureEnclaveUnavailable)
	})
}

func TestNewKeystoreFromConfig(t *testing.T) {
	ks, err := NewKeystore(KeystoreConfig{Type: MemoryKeystoreType})
	require.NoError(t, err)
	assert.IsType(t, &MemoryKeystore{}, ks)

	t.Setenv("FV_TEST_PASSPHRASE", "")
	_, err = NewKeystore(KeystoreConfig{Type: FileKeystoreType, Path: t.TempDir(), PassphraseEnv: "FV_TEST_PASSPHRASE"})
	assert.ErrorIs(t, err, familyvault.ErrSecureEnclaveUnavailable)

	t.Setenv("FV_TEST_PASSPHRASE", "s3cret")
	ks, err = NewKeystore(KeystoreConfig{Type: FileKeystoreType, Path: t.TempDir(), PassphraseEnv: "FV_TEST_PASSPHRASE"})
	require.NoError(t, err)
	assert.IsType(t, &FileKeystore{}, ks)

	_, err = NewKeystore(KeystoreConfig{Type: "hsm"})
	assert.Error(t, err)
}

func TestWrappedKeyStores(t *testing.T) {
	fileStore, err := NewFileWrappedKeyStore(t.TempDir())
	require.NoError(t, err)

	stores := map[string]WrappedKeyStore{
		"memory": NewMemoryWrappedKeyStore(),
		"file":   fileStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.FetchWrappedKey(ctx, "vault-1:fv.key.a")
			assert.ErrorIs(t, err, familyvault.ErrKeyDerivationFailed)

			require.NoError(t, store.StoreWrappedKey(ctx, []byte("one"), "vault-1:fv.key.a"))
			require.NoError(t, store.StoreWrappedKey(ctx, []byte("two"), "vault-2:fv.key.a"))

			data, err := store.FetchWrappedKey(ctx, "vault-1:fv.key.a")
			require.NoError(t, err)
			assert.Equal(t, []byte("one"), data)

			require.NoError(t, store.StoreWrappedKey(ctx, []byte("three"), "vault-1:fv.key.a"))
			data, err = store.FetchWrappedKey(ctx, "vault-1:fv.key.a")
			require.NoError(t, err)
			assert.Equal(t, []byte("three"), data)
		})
	}
}
