package smt

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a node hash in bytes.
const HashSize = 32

// Hash addresses a node by the sha3-256 digest of its encoding.
type Hash [HashSize]byte

// ZeroHash is the placeholder root of an empty tree. It never addresses a stored node.
var ZeroHash Hash

// HashNode computes the content address of the encoded node.
func HashNode(encoded []byte) Hash {
	return sha3.Sum256(encoded)
}

// ParseHash decodes a hex encoded hash, with or without the 0x prefix.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("smt: invalid hash length %d, expected %d hex chars", len(s), HashSize*2)
	}
	_, err := hex.Decode(h[:], []byte(s))
	if err != nil {
		return h, fmt.Errorf("smt: invalid hash: %w", err)
	}
	return h, nil
}

// HashFromBytes copies a 32 byte slice into a Hash.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("smt: invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated form for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Nibble returns the i-th 4 bit digit of the hash, most significant first.
func (h Hash) Nibble(i int) byte {
	b := h[i/2]
	if i%2 == 0 {
		return b >> 4
	}
	return b & 0x0f
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
