// Package merkle derives BLAKE3 leaf hashes from a memory snapshot and builds
// binary Merkle trees, inclusion paths and their verification over them.
package merkle

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"lukechampine.com/blake3"
)

// HashSize is the byte length of every leaf and node hash.
const HashSize = 32

// Hash is a BLAKE3-256 digest. The zero value is the padding sentinel.
type Hash [HashSize]byte

// Sentinel pads the leaf sequence up to a power of two.
var Sentinel Hash

// HashChunk hashes one chunk of snapshot bytes.
func HashChunk(chunk []byte) Hash {
	return blake3.Sum256(chunk)
}

// HashPair computes a parent node as BLAKE3(left || right).
func HashPair(left, right Hash) Hash {
	var buf [2 * HashSize]byte
	copy(buf[:HashSize], left[:])
	copy(buf[HashSize:], right[:])
	return blake3.Sum256(buf[:])
}

// IsZero reports whether h is the padding sentinel.
func (h Hash) IsZero() bool {
	return h == Sentinel
}

// Hex returns the 0x-prefixed lowercase hex form.
func (h Hash) Hex() string {
	return hexutil.Encode(h[:])
}

// PlainHex returns the lowercase hex form without prefix.
func (h Hash) PlainHex() string {
	return strings.TrimPrefix(h.Hex(), "0x")
}

func (h Hash) String() string {
	return h.Hex()
}

// MarshalText encodes the hash as 0x-prefixed hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText accepts hex with or without the 0x prefix.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes a 32-byte hex hash, with or without the 0x prefix.
func ParseHash(s string) (Hash, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("decode hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(raw))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}
