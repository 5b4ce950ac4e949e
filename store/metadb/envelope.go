package metadb

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1
)

// Envelope field numbers.
const (
	fieldVersion   protowire.Number = 1
	fieldKind      protowire.Number = 2
	fieldEncoding  protowire.Number = 3
	fieldDigest    protowire.Number = 4
	fieldPayload   protowire.Number = 5
	fieldSize      protowire.Number = 6
	fieldWrittenAt protowire.Number = 7
)

// Payload encodings.
const (
	encodingIdentity uint64 = 0
	encodingZstd     uint64 = 1
)

var (
	// ErrMalformed is returned when a stored record fails schema validation.
	ErrMalformed = errors.New("malformed record")

	// ErrCorrupted is returned when payload digest verification fails.
	ErrCorrupted = fmt.Errorf("%w: payload digest mismatch", ErrMalformed)

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = fmt.Errorf("%w: decompressed payload exceeds maximum size", ErrMalformed)
)

// envelope is the versioned wrapper around every stored record.
type envelope struct {
	Version   uint64
	Kind      Kind
	Encoding  uint64
	Digest    string
	Payload   []byte
	Size      uint64
	WrittenAt time.Time
}

func (e *envelope) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Version)
	b = protowire.AppendTag(b, fieldKind, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Kind))
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Encoding)
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendString(b, e.Digest)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Size)
	b = appendTime(b, fieldWrittenAt, e.WrittenAt)
	return b
}

func (e *envelope) unmarshal(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Version = v
			return n, nil
		case num == fieldKind && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Kind = Kind(v)
			return n, nil
		case num == fieldEncoding && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Encoding = v
			return n, nil
		case num == fieldDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			e.Digest = v
			return n, nil
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			e.Payload = v
			return n, nil
		case num == fieldSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			e.Size = v
			return n, nil
		case num == fieldWrittenAt && typ == protowire.VarintType:
			v, n := consumeTime(b)
			e.WrittenAt = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// consumeFields walks the tagged fields of b. fn consumes one field value
// and returns its length. Unknown fields must be skipped by fn.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(t.UnixNano()))
}

func consumeTime(b []byte) (time.Time, int) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return time.Time{}, n
	}
	return time.Unix(0, protowire.DecodeZigZag(v)).UTC(), n
}

// EnvelopeCodec handles envelope encoding/decoding with optional compression.
// Encoder and decoder are goroutine-safe and can be reused.
type EnvelopeCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewEnvelopeCodec creates a new codec with pooled zstd encoder/decoder.
func NewEnvelopeCodec() (*EnvelopeCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &EnvelopeCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *EnvelopeCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Seal wraps a marshaled record of kind in a versioned envelope, compressing
// it when worthwhile.
func (c *EnvelopeCodec) Seal(kind Kind, payload []byte, writtenAt time.Time) []byte {
	env := &envelope{
		Version:   CurrentEnvelopeVersion,
		Kind:      kind,
		Encoding:  encodingIdentity,
		Digest:    computeDigest(payload),
		Payload:   payload,
		Size:      uint64(len(payload)),
		WrittenAt: writtenAt,
	}

	if len(payload) >= CompressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()
		if enc != nil {
			if compressed := enc.EncodeAll(payload, nil); len(compressed) < len(payload) {
				env.Payload = compressed
				env.Encoding = encodingZstd
			}
		}
	}
	return env.marshal()
}

// Open validates an envelope of the expected kind and returns its payload.
// Every validation failure matches ErrMalformed.
func (c *EnvelopeCodec) Open(kind Kind, data []byte) ([]byte, time.Time, error) {
	var env envelope
	if err := env.unmarshal(data); err != nil {
		return nil, time.Time{}, err
	}
	if env.Version != CurrentEnvelopeVersion {
		return nil, time.Time{}, fmt.Errorf("%w: unsupported version %d", ErrMalformed, env.Version)
	}
	if env.Kind != kind {
		return nil, time.Time{}, fmt.Errorf("%w: kind %q, want %q", ErrMalformed, env.Kind, kind)
	}

	payload := env.Payload
	switch env.Encoding {
	case encodingIdentity:
	case encodingZstd:
		if env.Size > MaxDecompressedSize {
			return nil, time.Time{}, ErrDecompressionBomb
		}
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, time.Time{}, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(payload, make([]byte, 0, env.Size))
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: decompressing payload: %v", ErrMalformed, err)
		}
		payload = out
	default:
		return nil, time.Time{}, fmt.Errorf("%w: unsupported encoding %d", ErrMalformed, env.Encoding)
	}

	if uint64(len(payload)) != env.Size {
		return nil, time.Time{}, fmt.Errorf("%w: payload size %d, want %d", ErrMalformed, len(payload), env.Size)
	}
	if computeDigest(payload) != env.Digest {
		return nil, time.Time{}, ErrCorrupted
	}
	return payload, env.WrittenAt, nil
}

// computeDigest computes sha256 digest in canonical format.
func computeDigest(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
