package store

import (
	"context"
	"fmt"

	"github.com/ipfs/go-datastore"

	"github.com/smtnode/smtnode/smt"
)

// Batch stages writes across every column of the Store and applies them atomically on Commit.
// Other packages sharing the datastore stage their own keys through Put and Delete so that their
// records move together with node writes.
type Batch struct {
	s       *Store
	b       datastore.Batch
	evicted []smt.Hash
}

func (s *Store) NewBatch(ctx context.Context) (*Batch, error) {
	b, err := s.ds.Batch(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating batch: %w", err)
	}
	return &Batch{s: s, b: b}, nil
}

func (b *Batch) PutNode(ctx context.Context, h smt.Hash, node []byte) error {
	b.evicted = append(b.evicted, h)
	return b.b.Put(ctx, nodeKey(h), node)
}

func (b *Batch) DeleteNode(ctx context.Context, h smt.Hash) error {
	b.evicted = append(b.evicted, h)
	return b.b.Delete(ctx, nodeKey(h))
}

// DeleteStale removes a stale index entry.
func (b *Batch) DeleteStale(ctx context.Context, e StaleEntry) error {
	return b.b.Delete(ctx, e.Key())
}

// PutStale adds a stale index entry.
func (b *Batch) PutStale(ctx context.Context, e StaleEntry) error {
	return b.b.Put(ctx, e.Key(), nil)
}

// SetRefcount writes the refcount row, removing it when count is zero.
func (b *Batch) SetRefcount(ctx context.Context, h smt.Hash, count uint64) error {
	if count == 0 {
		return b.b.Delete(ctx, refcountKey(h))
	}
	return b.b.Put(ctx, refcountKey(h), encodeUvarint(count))
}

func (b *Batch) Put(ctx context.Context, key datastore.Key, value []byte) error {
	return b.b.Put(ctx, key, value)
}

func (b *Batch) Delete(ctx context.Context, key datastore.Key) error {
	return b.b.Delete(ctx, key)
}

// Commit applies the batch. Cached copies of touched nodes are dropped afterwards.
func (b *Batch) Commit(ctx context.Context) error {
	err := b.b.Commit(ctx)
	b.s.evict(b.evicted)
	if err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	return nil
}
