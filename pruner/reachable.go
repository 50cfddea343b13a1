package pruner

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"

	"github.com/smtnode/smtnode/smt"
)

// ReachableSet holds the nodes reachable from the live roots. MightContain never reports a false
// negative; implementations may report false positives, which only make the sweep keep more.
type ReachableSet interface {
	Insert(h smt.Hash)
	MightContain(h smt.Hash) bool
	Len() uint64
}

// RemovableSet is a ReachableSet that can forget nodes, used by exact replays.
type RemovableSet interface {
	ReachableSet
	Remove(h smt.Hash)
}

// SetKind selects the ReachableSet implementation.
type SetKind string

const (
	SetExact SetKind = "exact"
	SetBloom SetKind = "bloom"
)

func (k SetKind) Validate() error {
	switch k {
	case SetExact, SetBloom:
		return nil
	default:
		return fmt.Errorf("unknown reachable set kind %q", k)
	}
}

// ExactSet is an in-memory set of node hashes.
type ExactSet struct {
	set mapset.Set[smt.Hash]
}

func NewExactSet() *ExactSet {
	return &ExactSet{set: mapset.NewSet[smt.Hash]()}
}

func (s *ExactSet) Insert(h smt.Hash) {
	s.set.Add(h)
}

func (s *ExactSet) MightContain(h smt.Hash) bool {
	return s.set.Contains(h)
}

func (s *ExactSet) Remove(h smt.Hash) {
	s.set.Remove(h)
}

func (s *ExactSet) Len() uint64 {
	return uint64(s.set.Cardinality())
}

// Equal reports whether both sets hold the same hashes.
func (s *ExactSet) Equal(other *ExactSet) bool {
	return s.set.Equal(other.set)
}

// Difference returns the hashes held by s and not by other.
func (s *ExactSet) Difference(other *ExactSet) []smt.Hash {
	return sortedHashes(s.set.Difference(other.set).ToSlice())
}

func (s *ExactSet) MarshalBinary() ([]byte, error) {
	hashes := sortedHashes(s.set.ToSlice())
	out := make([]byte, 0, len(hashes)*smt.HashSize)
	for _, h := range hashes {
		out = append(out, h[:]...)
	}
	return out, nil
}

func (s *ExactSet) UnmarshalBinary(data []byte) error {
	if len(data)%smt.HashSize != 0 {
		return fmt.Errorf("exact set: length %d is not a multiple of %d", len(data), smt.HashSize)
	}
	s.set = mapset.NewSetWithSize[smt.Hash](len(data) / smt.HashSize)
	for off := 0; off < len(data); off += smt.HashSize {
		var h smt.Hash
		copy(h[:], data[off:off+smt.HashSize])
		s.set.Add(h)
	}
	return nil
}

func sortedHashes(hashes []smt.Hash) []smt.Hash {
	slices.SortFunc(hashes, func(a, b smt.Hash) int { return bytes.Compare(a[:], b[:]) })
	return hashes
}

// minBloomNodes keeps tiny filters from degenerating when the estimate is close to zero.
const minBloomNodes = 1024

// BloomSet is a fixed size bloom filter over node hashes.
type BloomSet struct {
	filter *bloomfilter.Filter
}

// NewBloomSet sizes a filter for expected nodes at the target false positive rate:
// m = -n*ln(p)/ln(2)^2 bits and k = m/n*ln(2) hash functions.
func NewBloomSet(expected uint64, fpRate float64) (*BloomSet, error) {
	if fpRate <= 0 || fpRate >= 1 {
		return nil, fmt.Errorf("bloom false positive rate must be in (0, 1), got %f", fpRate)
	}
	if expected < minBloomNodes {
		expected = minBloomNodes
	}
	filter, err := bloomfilter.NewOptimal(expected, fpRate)
	if err != nil {
		return nil, fmt.Errorf("creating bloom filter: %w", err)
	}
	return &BloomSet{filter: filter}, nil
}

// node hashes are uniformly distributed, so folding the words is as good as rehashing
func bloomKey(h smt.Hash) uint64 {
	return binary.LittleEndian.Uint64(h[0:8]) ^
		binary.LittleEndian.Uint64(h[8:16]) ^
		binary.LittleEndian.Uint64(h[16:24]) ^
		binary.LittleEndian.Uint64(h[24:32])
}

func (b *BloomSet) Insert(h smt.Hash) {
	b.filter.AddHash(bloomKey(h))
}

func (b *BloomSet) MightContain(h smt.Hash) bool {
	return b.filter.ContainsHash(bloomKey(h))
}

// Len returns the number of insertions, duplicates included.
func (b *BloomSet) Len() uint64 {
	return b.filter.N()
}

// FalsePositiveRate estimates the current false positive probability.
func (b *BloomSet) FalsePositiveRate() float64 {
	return b.filter.FalsePosititveProbability()
}

// Bits returns the filter size in bits.
func (b *BloomSet) Bits() uint64 {
	return b.filter.M()
}

func (b *BloomSet) MarshalBinary() ([]byte, error) {
	return b.filter.MarshalBinary()
}

func (b *BloomSet) UnmarshalBinary(data []byte) error {
	filter := new(bloomfilter.Filter)
	if err := filter.UnmarshalBinary(data); err != nil {
		return fmt.Errorf("decoding bloom filter: %w", err)
	}
	b.filter = filter
	return nil
}

var errUnknownSetEncoding = errors.New("unknown reachable set encoding")

// marshalSet prefixes the set encoding with its kind.
func marshalSet(set ReachableSet) ([]byte, error) {
	var (
		kind byte
		data []byte
		err  error
	)
	switch s := set.(type) {
	case *ExactSet:
		kind = 1
		data, err = s.MarshalBinary()
	case *BloomSet:
		kind = 2
		data, err = s.MarshalBinary()
	default:
		return nil, fmt.Errorf("cannot persist reachable set of type %T", set)
	}
	if err != nil {
		return nil, err
	}
	return append([]byte{kind}, data...), nil
}

func unmarshalSet(data []byte) (ReachableSet, error) {
	if len(data) == 0 {
		return nil, errUnknownSetEncoding
	}
	switch data[0] {
	case 1:
		s := &ExactSet{}
		return s, s.UnmarshalBinary(data[1:])
	case 2:
		s := &BloomSet{}
		return s, s.UnmarshalBinary(data[1:])
	default:
		return nil, fmt.Errorf("%w: %#x", errUnknownSetEncoding, data[0])
	}
}
