package pagecache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// refPrefix is the algorithm prefix used in the textual reference form.
const refPrefix = "blake3:"

// Hash represents a BLAKE3 256-bit digest of a cached payload.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Ref returns the canonical "blake3:<hex>" reference form.
func (h Hash) Ref() string {
	return refPrefix + h.String()
}

// ETag returns a strong HTTP entity tag for the payload.
func (h Hash) ETag() string {
	return `"` + h.ShortString() + `"`
}

// Uint64 returns the first 8 bytes of the hash as a big-endian integer.
// Used for ring placement.
func (h Hash) Uint64() uint64 {
	return binary.BigEndian.Uint64(h[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Ref()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Both "blake3:<hex>" and plain hex are accepted.
func (h *Hash) UnmarshalText(text []byte) error {
	s := strings.TrimPrefix(strings.ToLower(string(text)), refPrefix)
	if len(s) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	_, err := hex.Decode(h[:], []byte(s))
	return err
}

// ParseHash parses a hash in "blake3:<hex>" or plain hex form.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashString computes the BLAKE3 hash of s.
func HashString(s string) Hash {
	return HashBytes([]byte(s))
}
