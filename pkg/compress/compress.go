// Package compress provides zstd compression for cached payloads.
//
// Fused mappings and taxonomy bundles are stored compressed: bundles are tens
// of megabytes of JSON and compress roughly 10:1.
//
// Example usage:
//
//	codec := compress.NewCodec(compress.LevelDefault)
//	packed := codec.Encode(mappingJSON)
//
//	// Later
//	original, err := codec.Decode(packed)
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Level represents compression level.
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio.
	LevelFastest Level = 1

	// LevelDefault is the default compression level (good balance).
	LevelDefault Level = 3

	// LevelBest provides maximum compression (slowest).
	LevelBest Level = 9
)

// zstdMagic is the zstd frame header.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Codec compresses and decompresses whole payloads. A Codec is safe for
// concurrent use.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewCodec creates a codec at the given level.
func NewCodec(level Level) *Codec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
	if err != nil {
		panic(fmt.Sprintf("compress: zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("compress: zstd decoder: %v", err))
	}
	return &Codec{enc: enc, dec: dec}
}

// Encode compresses data.
func (c *Codec) Encode(data []byte) []byte {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/4))
}

// Decode decompresses data. Payloads without a zstd frame header are
// returned unchanged, so rows written before compression was enabled stay
// readable.
func (c *Codec) Decode(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress error: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether data starts with a zstd frame header.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// NewWriter returns a streaming zstd writer over w. Close flushes the frame.
func NewWriter(w io.Writer, level Level) (io.WriteCloser, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(int(level))))
	if err != nil {
		return nil, fmt.Errorf("zstd writer error: %w", err)
	}
	return enc, nil
}

// NewReader returns a streaming zstd reader over r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader error: %w", err)
	}
	return dec.IOReadCloser(), nil
}

// Default is the shared default-level codec.
var Default = NewCodec(LevelDefault)
