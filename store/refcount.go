package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"
	"github.com/multiformats/go-varint"

	"github.com/smtnode/smtnode/smt"
)

// Refcount returns the number of distinct nodes of the head tree pointing to the node, counting
// the head root itself once. A node is reachable from the head root exactly when its count is
// positive. Absent rows count as zero.
func (s *Store) Refcount(ctx context.Context, h smt.Hash) (uint64, error) {
	b, err := s.ds.Get(ctx, refcountKey(h))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting refcount of %s: %w", h, err)
	}
	count, err := decodeUvarint(b)
	if err != nil {
		return 0, fmt.Errorf("decoding refcount of %s: %w", h, err)
	}
	return count, nil
}

// applyDelta computes the new refcount for a node, saturating at zero.
func applyDelta(h smt.Hash, current uint64, delta int64) uint64 {
	switch {
	case delta >= 0:
		return current + uint64(delta)
	case uint64(-delta) > current:
		log.Warnw("refcount would turn negative, clamping to zero",
			"node", h, "current", current, "delta", delta)
		return 0
	default:
		return current - uint64(-delta)
	}
}

// refcounts applies a commit to the head tree's reference counts. A node's children are counted
// when the node joins the tree and uncounted when it leaves, so the work is bounded by the nodes
// that change.
type refcounts struct {
	s      *Store
	added  map[smt.Hash][]byte
	counts map[smt.Hash]uint64
	// nodes whose count dropped to zero
	released []smt.Hash
	// stored nodes that rejoined the tree without being written again
	relinked []smt.Hash
}

func newRefcounts(s *Store, added []smt.NodeBlob) *refcounts {
	r := &refcounts{
		s:      s,
		added:  make(map[smt.Hash][]byte, len(added)),
		counts: make(map[smt.Hash]uint64),
	}
	for _, blob := range added {
		r.added[blob.Hash] = blob.Bytes
	}
	return r
}

func (r *refcounts) get(ctx context.Context, h smt.Hash) (uint64, error) {
	if count, ok := r.counts[h]; ok {
		return count, nil
	}
	return r.s.Refcount(ctx, h)
}

func (r *refcounts) children(ctx context.Context, h smt.Hash) ([]smt.Hash, error) {
	b, ok := r.added[h]
	if !ok {
		var err error
		b, err = r.s.GetNode(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("loading %s for refcounting: %w", h, err)
		}
	}
	children, err := smt.ChildHashes(b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s for refcounting: %w", h, err)
	}
	return children, nil
}

// retain adds a reference to h, counting its children if h joins the tree.
func (r *refcounts) retain(ctx context.Context, h smt.Hash) error {
	stack := []smt.Hash{h}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h.IsZero() {
			continue
		}
		count, err := r.get(ctx, h)
		if err != nil {
			return err
		}
		r.counts[h] = applyDelta(h, count, 1)
		if count > 0 {
			continue
		}
		if _, ok := r.added[h]; !ok {
			r.relinked = append(r.relinked, h)
		}
		children, err := r.children(ctx, h)
		if err != nil {
			return err
		}
		stack = append(stack, children...)
	}
	return nil
}

// release drops a reference to h, releasing its children if h leaves the tree.
func (r *refcounts) release(ctx context.Context, h smt.Hash) error {
	stack := []smt.Hash{h}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if h.IsZero() {
			continue
		}
		count, err := r.get(ctx, h)
		if err != nil {
			return err
		}
		next := applyDelta(h, count, -1)
		r.counts[h] = next
		if count == 0 || next > 0 {
			continue
		}
		r.released = append(r.released, h)
		children, err := r.children(ctx, h)
		if err != nil {
			return err
		}
		stack = append(stack, children...)
	}
	return nil
}

func encodeUvarint(v uint64) []byte {
	return varint.ToUvarint(v)
}

func decodeUvarint(b []byte) (uint64, error) {
	v, n, err := varint.FromUvarint(b)
	if err != nil {
		return 0, err
	}
	if n != len(b) {
		return 0, fmt.Errorf("trailing %d bytes after uvarint", len(b)-n)
	}
	return v, nil
}
