package familyvault

import (
	"fmt"
	"time"
)

// Options tunes how VaultService seals and references items.
// Start from DefaultOptions; the zero value stores blob references instead of
// inline envelopes and skips invite time wrapping.
type Options struct {
	// Derivation selects per-item key derivation
	Derivation Derivation `mapstructure:"derivation" yaml:"derivation"`

	// InlineReference stores the encoded envelope, base64 encoded, in
	// VaultItem.EncryptedBlobReference. When false the reference points at
	// the blob store and Decrypt fetches the envelope from it.
	InlineReference bool `mapstructure:"inline_reference" yaml:"inline_reference"`

	// Codec is the envelope wire encoding
	Codec Codec `mapstructure:"codec" yaml:"codec"`

	// Compression applied to payloads before sealing
	Compression Compression `mapstructure:"compression" yaml:"compression"`

	// WrapOnInvite wraps the vault key for every invited member
	WrapOnInvite bool `mapstructure:"wrap_on_invite" yaml:"wrap_on_invite"`

	// Clock overrides time.Now, used by tests
	Clock func() time.Time `mapstructure:"-" yaml:"-"`
}

// DefaultOptions returns the options used by the CLI when nothing is configured
func DefaultOptions() Options {
	return Options{
		Derivation:      DerivationReference,
		InlineReference: true,
		Codec:           CodecJSON,
		Compression:     CompressionNone,
		WrapOnInvite:    true,
	}
}

func (o Options) validate() error {
	if _, err := ParseDerivation(string(o.Derivation)); err != nil {
		return err
	}
	if _, err := ParseCodec(string(o.Codec)); err != nil {
		return err
	}
	if _, err := ParseCompression(string(o.Compression)); err != nil {
		return err
	}
	if o.Derivation == DerivationWrapped && !o.WrapOnInvite {
		return fmt.Errorf("wrapped item key derivation requires wrap on invite")
	}
	return nil
}

func (o Options) now() time.Time {
	if o.Clock != nil {
		return o.Clock().UTC()
	}
	return time.Now().UTC()
}
