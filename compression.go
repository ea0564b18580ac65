package familyvault

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how payloads are compressed before sealing
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// Envelope labels written by the service. They are cleartext.
const (
	LabelCompression = "fv.compression"
	LabelSize        = "fv.size"
	LabelVault       = "fv.vault"
)

// MaxPayloadSize bounds a single decompressed item
const MaxPayloadSize = 256 << 20

var errIncompressible = errors.New("data is incompressible")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("familyvault: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		panic("familyvault: zstd decoder initialization failed: " + err.Error())
	}
}

// ParseCompression maps a configuration value to a Compression
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionLZ4:
		return CompressionLZ4, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown compression: %q", name)
	}
}

// compress returns the payload to seal and the labels describing it.
// Incompressible data is stored as is with no labels.
func compress(data []byte, c Compression) ([]byte, map[string]string, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case "", CompressionNone:
		return data, nil, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, nil, fmt.Errorf("unsupported compression: %q", c)
	}
	if errors.Is(err, errIncompressible) {
		return data, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return out, map[string]string{
		LabelCompression: string(c),
		LabelSize:        strconv.Itoa(len(data)),
	}, nil
}

// decompress reverses compress using the envelope labels
func decompress(data []byte, labels map[string]string) ([]byte, error) {
	c, ok := labels[LabelCompression]
	if !ok || Compression(c) == CompressionNone {
		return data, nil
	}

	size, err := strconv.Atoi(labels[LabelSize])
	if err != nil || size < 0 || size > MaxPayloadSize {
		return nil, fmt.Errorf("invalid uncompressed size label %q", labels[LabelSize])
	}

	switch Compression(c) {
	case CompressionLZ4:
		return decompressLZ4(data, size)
	case CompressionZstd:
		return decompressZstd(data, size)
	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != size {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, size int) ([]byte, error) {
	out, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != size {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
	}
	return out, nil
}
