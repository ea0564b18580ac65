package familyvault

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
	KeySize   = chacha20poly1305.KeySize
)

// Seal encrypts plaintext under key with ChaCha20-Poly1305 and a fresh random
// nonce. metadata travels in the clear but is authenticated: changing it makes
// Open fail.
func Seal(plaintext []byte, metadata map[string]string, key []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, NonceSize)
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrEncryptionFailed, err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, associatedData(metadata))
	split := len(sealed) - TagSize

	return &Envelope{
		Ciphertext: sealed[:split:split],
		Nonce:      nonce,
		Tag:        sealed[split:],
		Metadata:   maps.Clone(metadata),
	}, nil
}

// Open authenticates and decrypts env. Every failure is reported as
// ErrDecryptionFailed.
func Open(env *Envelope, key []byte) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrDecryptionFailed)
	}
	if len(env.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length %d", ErrDecryptionFailed, len(env.Nonce))
	}
	if len(env.Tag) != TagSize {
		return nil, fmt.Errorf("%w: invalid tag length %d", ErrDecryptionFailed, len(env.Tag))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+TagSize)
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := aead.Open(nil, env.Nonce, sealed, associatedData(env.Metadata))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}
	return plaintext, nil
}

// associatedData encodes metadata as sorted, length prefixed key/value pairs
func associatedData(metadata map[string]string) []byte {
	if len(metadata) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, k := range slices.Sorted(maps.Keys(metadata)) {
		writeField(&buf, k)
		writeField(&buf, metadata[k])
	}
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

// Codec selects the envelope wire encoding
type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("familyvault: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("familyvault: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseCodec maps a configuration value to a Codec
func ParseCodec(name string) (Codec, error) {
	switch Codec(name) {
	case "", CodecJSON:
		return CodecJSON, nil
	case CodecCBOR:
		return CodecCBOR, nil
	default:
		return "", fmt.Errorf("unknown envelope codec: %q", name)
	}
}

// EncodeEnvelope serializes env. JSON is the default wire format.
func EncodeEnvelope(env *Envelope, codec Codec) ([]byte, error) {
	switch codec {
	case "", CodecJSON:
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to encode envelope: %w", err)
		}
		return data, nil
	case CodecCBOR:
		data, err := cborEnc.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("failed to encode envelope: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unknown envelope codec: %q", codec)
	}
}

// DecodeEnvelope parses either wire format. Malformed input is reported as
// ErrDecryptionFailed.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty envelope", ErrDecryptionFailed)
	}

	var env Envelope
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
		}
	} else if err := cborDec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", ErrDecryptionFailed, err)
	}
	return &env, nil
}
