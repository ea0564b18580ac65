package crypto

import (
	"testing"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptValueRoundTrip(t *testing.T) {
	key := memguard.NewBufferRandom(32)
	defer key.Destroy()

	encrypted, err := EncryptValue([]byte("wrapped material"), key.Bytes())
	require.NoError(t, err)

	plaintext, err := DecryptValue(encrypted, key.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "wrapped material", string(plaintext))

	t.Run("too short", func(t *testing.T) {
		_, err := DecryptValue(encrypted[:10], key.Bytes())
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})

	t.Run("wrong key", func(t *testing.T) {
		other := memguard.NewBufferRandom(32)
		defer other.Destroy()
		_, err := DecryptValue(encrypted, other.Bytes())
		assert.Error(t, err)
	})
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	enclave := memguard.NewEnclave(salt)

	first, err := DeriveKey([]byte("correct horse"), enclave)
	require.NoError(t, err)
	defer first.Destroy()

	second, err := DeriveKey([]byte("correct horse"), enclave)
	require.NoError(t, err)
	defer second.Destroy()

	other, err := DeriveKey([]byte("battery staple"), enclave)
	require.NoError(t, err)
	defer other.Destroy()

	assert.Len(t, first.Bytes(), 32)
	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.NotEqual(t, first.Bytes(), other.Bytes())
}

func TestCalculateChecksum(t *testing.T) {
	a := CalculateChecksum([]byte("alpha"))
	assert.Len(t, a, 64)
	assert.Equal(t, a, CalculateChecksum([]byte("alpha")))
	assert.NotEqual(t, a, CalculateChecksum([]byte("beta")))
}
