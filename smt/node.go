package smt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"

	"github.com/multiformats/go-varint"
)

// Kind tags the first byte of every encoded node.
type Kind byte

const (
	KindInternal Kind = 0x01
	KindLeaf     Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("unknown(%#x)", byte(k))
	}
}

// Radix is the number of children of an internal node.
const Radix = 16

// TablePayloadSize is the payload length reserved for leaves that embed a nested tree root:
// a 32 byte root followed by a 4 byte big-endian entry count.
const TablePayloadSize = HashSize + 4

var (
	// ErrMalformedNode is returned when bytes do not decode into a node.
	ErrMalformedNode = errors.New("smt: malformed node")
	// ErrReservedValueLength is returned when a plain value collides with the table payload size.
	ErrReservedValueLength = fmt.Errorf("smt: values of %d bytes are reserved for nested tables", TablePayloadSize)
)

// Node is the decoded form of a tree node.
type Node struct {
	Kind Kind
	// Children is set for internal nodes; absent children are ZeroHash.
	Children [Radix]Hash
	// Key and Payload are set for leaves.
	Key     Hash
	Payload []byte
}

// NewLeaf builds a leaf node.
func NewLeaf(key Hash, payload []byte) *Node {
	return &Node{Kind: KindLeaf, Key: key, Payload: payload}
}

// Encode serializes the node into its canonical byte form.
func (n *Node) Encode() []byte {
	switch n.Kind {
	case KindInternal:
		var bitmap uint16
		for i, c := range n.Children {
			if !c.IsZero() {
				bitmap |= 1 << (Radix - 1 - i)
			}
		}
		out := make([]byte, 3, 3+bits.OnesCount16(bitmap)*HashSize)
		out[0] = byte(KindInternal)
		binary.BigEndian.PutUint16(out[1:3], bitmap)
		for _, c := range n.Children {
			if !c.IsZero() {
				out = append(out, c[:]...)
			}
		}
		return out
	case KindLeaf:
		out := make([]byte, 0, 1+HashSize+varint.UvarintSize(uint64(len(n.Payload)))+len(n.Payload))
		out = append(out, byte(KindLeaf))
		out = append(out, n.Key[:]...)
		out = append(out, varint.ToUvarint(uint64(len(n.Payload)))...)
		return append(out, n.Payload...)
	default:
		panic(fmt.Sprintf("smt: encode of %s node", n.Kind))
	}
}

// Hash returns the content address of the node.
func (n *Node) Hash() Hash {
	return HashNode(n.Encode())
}

// ChildCount reports the number of present children of an internal node.
func (n *Node) ChildCount() int {
	var count int
	for _, c := range n.Children {
		if !c.IsZero() {
			count++
		}
	}
	return count
}

// DecodeNode strictly parses an encoded node.
func DecodeNode(b []byte) (*Node, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedNode)
	}
	switch Kind(b[0]) {
	case KindInternal:
		if len(b) < 3 {
			return nil, fmt.Errorf("%w: short internal header", ErrMalformedNode)
		}
		bitmap := binary.BigEndian.Uint16(b[1:3])
		if bitmap == 0 {
			return nil, fmt.Errorf("%w: internal node without children", ErrMalformedNode)
		}
		if len(b) != 3+bits.OnesCount16(bitmap)*HashSize {
			return nil, fmt.Errorf("%w: internal node length %d does not match bitmap %016b",
				ErrMalformedNode, len(b), bitmap)
		}
		n := &Node{Kind: KindInternal}
		off := 3
		for i := 0; i < Radix; i++ {
			if bitmap&(1<<(Radix-1-i)) == 0 {
				continue
			}
			copy(n.Children[i][:], b[off:off+HashSize])
			off += HashSize
		}
		return n, nil
	case KindLeaf:
		if len(b) < 1+HashSize+1 {
			return nil, fmt.Errorf("%w: short leaf", ErrMalformedNode)
		}
		n := &Node{Kind: KindLeaf}
		copy(n.Key[:], b[1:1+HashSize])
		size, read, err := varint.FromUvarint(b[1+HashSize:])
		if err != nil {
			return nil, fmt.Errorf("%w: leaf length: %w", ErrMalformedNode, err)
		}
		start := 1 + HashSize + read
		if uint64(len(b)-start) != size {
			return nil, fmt.Errorf("%w: leaf payload length %d, declared %d", ErrMalformedNode, len(b)-start, size)
		}
		n.Payload = append([]byte(nil), b[start:]...)
		return n, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %#x", ErrMalformedNode, b[0])
	}
}

// ChildHashes returns the hashes an encoded node points to: the present children of an internal
// node or the nested root of a table leaf. Undecodable bytes yield an error.
func ChildHashes(b []byte) ([]Hash, error) {
	n, err := DecodeNode(b)
	if err != nil {
		return nil, err
	}
	switch n.Kind {
	case KindInternal:
		out := make([]Hash, 0, n.ChildCount())
		for _, c := range n.Children {
			if !c.IsZero() {
				out = append(out, c)
			}
		}
		return out, nil
	default:
		if root, ok := NestedRoot(n.Payload); ok {
			return []Hash{root}, nil
		}
		return nil, nil
	}
}

// ExtractNestedRoot inspects encoded leaf bytes and returns the embedded nested tree root, if any.
// Anything that is not a well formed table leaf yields false. A zero root denotes an empty table
// and also yields false.
func ExtractNestedRoot(b []byte) (Hash, bool) {
	if len(b) < 1+HashSize+1 || Kind(b[0]) != KindLeaf {
		return ZeroHash, false
	}
	size, read, err := varint.FromUvarint(b[1+HashSize:])
	if err != nil || size != TablePayloadSize {
		return ZeroHash, false
	}
	payload := b[1+HashSize+read:]
	if len(payload) < TablePayloadSize {
		return ZeroHash, false
	}
	return NestedRoot(payload[:TablePayloadSize])
}

// NestedRoot extracts the nested root from a decoded leaf payload.
func NestedRoot(payload []byte) (Hash, bool) {
	if len(payload) != TablePayloadSize {
		return ZeroHash, false
	}
	var root Hash
	copy(root[:], payload[:HashSize])
	if root.IsZero() {
		return ZeroHash, false
	}
	return root, true
}

// TablePayload builds the payload of a leaf that references a nested tree.
func TablePayload(root Hash, count uint32) []byte {
	out := make([]byte, TablePayloadSize)
	copy(out, root[:])
	binary.BigEndian.PutUint32(out[HashSize:], count)
	return out
}

// TableInfo decodes a table payload into its root and entry count.
func TableInfo(payload []byte) (Hash, uint32, bool) {
	if len(payload) != TablePayloadSize {
		return ZeroHash, 0, false
	}
	var root Hash
	copy(root[:], payload[:HashSize])
	return root, binary.BigEndian.Uint32(payload[HashSize:]), true
}
