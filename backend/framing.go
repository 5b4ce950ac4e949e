package backend

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	pagecache "github.com/wolfeidau/page-cache"
)

var (
	// MagicBytes is the 4-byte prefix of a framed entry.
	MagicBytes = []byte("PCE1")

	// ErrInvalidMagic is returned when a value doesn't start with the expected magic bytes.
	ErrInvalidMagic = errors.New("invalid magic bytes: expected PCE1")

	// ErrHeaderTooLarge is returned when the header exceeds MaxHeaderSize.
	ErrHeaderTooLarge = errors.New("header exceeds maximum size")

	// ErrCorrupted is returned when the payload digest does not match the header.
	ErrCorrupted = errors.New("payload digest mismatch")
)

const (
	// MaxHeaderSize is the maximum allowed size for the JSON header (64 KiB).
	MaxHeaderSize = 64 * 1024

	// CompressionThreshold is the payload size from which bodies are zstd compressed.
	CompressionThreshold = 2048

	// MaxDecompressedSize caps decompression to guard against compression bombs.
	MaxDecompressedSize = 32 * 1024 * 1024

	encodingZstd = "zstd"
)

// EntryHeader is the metadata stored in front of a framed payload.
type EntryHeader struct {
	ContentType   string `json:"content_type,omitempty"`
	ContentLength int64  `json:"content_length"`
	CachedAt      string `json:"cached_at"`
	ExpiresAt     string `json:"expires_at,omitempty"`
	ContentHash   string `json:"content_hash"`
	Encoding      string `json:"encoding,omitempty"`
}

// WriteFramed writes a framed entry to the writer.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDRBYTES (JSON) | BODYBYTES
func WriteFramed(w io.Writer, header *EntryHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	headerLen := len(headerBytes)
	if headerLen > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	if _, err := w.Write(MagicBytes); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}

	if err := binary.Write(w, binary.BigEndian, uint32(headerLen)); err != nil { //nolint:gosec // headerLen is bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}

	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if _, err := io.Copy(w, body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	return nil
}

// ReadFramed reads a framed entry from the reader.
// Returns the parsed header and a reader for the body.
func ReadFramed(r io.Reader) (*EntryHeader, io.Reader, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, MagicBytes) {
		return nil, nil, ErrInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}

	if headerLen > MaxHeaderSize {
		return nil, nil, ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}

	var header EntryHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	return &header, r, nil
}

// entryCodec turns entries into framed values and back, compressing large
// payloads. Safe for concurrent use.
type entryCodec struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	err     error
}

func (c *entryCodec) init() error {
	c.once.Do(func() {
		c.encoder, c.err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if c.err != nil {
			c.err = fmt.Errorf("creating zstd encoder: %w", c.err)
			return
		}
		c.decoder, c.err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
		if c.err != nil {
			c.err = fmt.Errorf("creating zstd decoder: %w", c.err)
		}
	})
	return c.err
}

// Encode frames e. cachedAt is recorded in the header.
func (c *entryCodec) Encode(e *Entry, cachedAt time.Time) ([]byte, error) {
	if err := c.init(); err != nil {
		return nil, err
	}

	body := e.Payload
	header := &EntryHeader{
		ContentType:   e.ContentType,
		ContentLength: int64(len(e.Payload)),
		CachedAt:      cachedAt.UTC().Format(time.RFC3339Nano),
		ContentHash:   pagecache.HashBytes(e.Payload).Ref(),
	}
	if !e.ExpiresAt.IsZero() {
		header.ExpiresAt = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	if len(body) >= CompressionThreshold {
		if compressed := c.encoder.EncodeAll(body, nil); len(compressed) < len(body) {
			body = compressed
			header.Encoding = encodingZstd
		}
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + 256)
	if err := WriteFramed(&buf, header, bytes.NewReader(body)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a framed value and verifies its digest.
func (c *entryCodec) Decode(value []byte) (*Entry, error) {
	if err := c.init(); err != nil {
		return nil, err
	}

	header, body, err := ReadFramed(bytes.NewReader(value))
	if err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	switch header.Encoding {
	case "":
	case encodingZstd:
		if header.ContentLength > MaxDecompressedSize {
			return nil, fmt.Errorf("payload of %d bytes exceeds decompression limit", header.ContentLength)
		}
		raw, err = c.decoder.DecodeAll(raw, make([]byte, 0, header.ContentLength))
		if err != nil {
			return nil, fmt.Errorf("decompressing payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", header.Encoding)
	}

	digest := pagecache.HashBytes(raw)
	if header.ContentHash != digest.Ref() {
		return nil, ErrCorrupted
	}

	e := &Entry{
		Payload:     raw,
		ContentType: header.ContentType,
		Digest:      digest,
	}
	if e.ModTime, err = time.Parse(time.RFC3339Nano, header.CachedAt); err != nil {
		return nil, fmt.Errorf("parsing cached_at: %w", err)
	}
	if header.ExpiresAt != "" {
		if e.ExpiresAt, err = time.Parse(time.RFC3339Nano, header.ExpiresAt); err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}
	}
	return e, nil
}
