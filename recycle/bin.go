package recycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"

	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/store"
)

var log = logging.Logger("recycle")

var (
	// ErrNotFound is returned for hashes that are not in the bin.
	ErrNotFound = errors.New("recycle: entry not found")
	// ErrHashMismatch is returned when restoring bytes that no longer hash to their key.
	ErrHashMismatch = errors.New("recycle: entry bytes do not match hash")
)

const (
	cleanBatchSize = 1024

	defaultLockTimeout = 10 * time.Second
)

// Bin holds nodes removed by the pruner. Entries are never deleted automatically; only Restore
// and an explicit Clean remove them.
type Bin struct {
	store       *store.Store
	ds          datastore.Batching
	clock       clock.Clock
	lockTimeout time.Duration
}

type Option func(*Bin)

// WithClock replaces the wall clock used to timestamp and age entries.
func WithClock(c clock.Clock) Option {
	return func(b *Bin) {
		b.clock = c
	}
}

// WithLockTimeout bounds how long Restore waits for the commit lock.
func WithLockTimeout(timeout time.Duration) Option {
	return func(b *Bin) {
		b.lockTimeout = timeout
	}
}

func NewBin(s *store.Store, opts ...Option) *Bin {
	b := &Bin{
		store:       s,
		ds:          s.Datastore(),
		clock:       clock.New(),
		lockTimeout: defaultLockTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Stage adds the entry to a store batch. The caller removes the node in the same batch.
func (b *Bin) Stage(ctx context.Context, batch *store.Batch, e *Entry) error {
	if e.RemovedAt.IsZero() {
		e.RemovedAt = b.clock.Now().UTC()
	}
	e.Size = len(e.Bytes)
	bin, err := marshalEntry(e)
	if err != nil {
		return err
	}
	return batch.Put(ctx, entryKey(e.Hash), bin)
}

// Get returns the entry for the hash.
func (b *Bin) Get(ctx context.Context, h smt.Hash) (*Entry, error) {
	bin, err := b.ds.Get(ctx, entryKey(h))
	if errors.Is(err, datastore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	if err != nil {
		return nil, fmt.Errorf("getting recycle entry %s: %w", h, err)
	}
	return unmarshalEntry(bin)
}

// Dump returns the entry with its bytes decoded for inspection.
func (b *Bin) Dump(ctx context.Context, h smt.Hash) (*Dump, error) {
	e, err := b.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	return newDump(e), nil
}

// Restore verifies the entry, puts the node back into the store together with its stale index
// entry and removes the entry, all in one batch under the commit lock. The restored node is
// swept again once it is unreachable.
func (b *Bin) Restore(ctx context.Context, h smt.Hash) (*Entry, error) {
	e, err := b.Get(ctx, h)
	if err != nil {
		return nil, err
	}
	if smt.HashNode(e.Bytes) != h {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, h)
	}

	lock := b.store.CommitLock()
	if err := lock.Acquire(ctx, b.lockTimeout); err != nil {
		return nil, err
	}
	defer lock.Release()

	batch, err := b.store.NewBatch(ctx)
	if err != nil {
		return nil, err
	}
	if err := batch.PutNode(ctx, h, e.Bytes); err != nil {
		return nil, err
	}
	stale := store.StaleEntry{Version: e.StaleSinceVersion, Root: e.StaleSinceRoot, Node: h}
	if err := batch.PutStale(ctx, stale); err != nil {
		return nil, err
	}
	if err := batch.Delete(ctx, entryKey(h)); err != nil {
		return nil, err
	}
	if err := batch.Commit(ctx); err != nil {
		return nil, err
	}

	log.Infow("restored node", "hash", h, "size", e.Size, "stale_since", e.StaleSinceVersion)
	return e, nil
}

// List returns up to limit entries matching the filter, in hash order, after the cursor.
// The returned page carries the cursor to continue from when more entries match.
func (b *Bin) List(ctx context.Context, filter Filter, cursor string, limit int) (*Page, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("recycle: invalid list limit %d", limit)
	}
	q := query.Query{
		Prefix: keyPrefix,
		Orders: []query.Order{query.OrderByKey{}},
	}
	if cursor != "" {
		h, err := smt.ParseHash(cursor)
		if err != nil {
			return nil, fmt.Errorf("recycle: invalid cursor: %w", err)
		}
		q.Filters = []query.Filter{
			query.FilterKeyCompare{Op: query.GreaterThan, Key: entryKey(h).String()},
		}
	}

	results, err := b.ds.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying recycle bin: %w", err)
	}
	defer results.Close()

	now := b.clock.Now()
	page := &Page{}
	for {
		res, ok := results.NextSync()
		if !ok {
			break
		}
		if res.Error != nil {
			return nil, fmt.Errorf("iterating recycle bin: %w", res.Error)
		}
		e, err := unmarshalEntry(res.Value)
		if err != nil {
			return nil, err
		}
		if !filter.match(e, now) {
			continue
		}
		if len(page.Entries) == limit {
			page.HasMore = true
			page.NextCursor = page.Entries[limit-1].Hash.String()
			break
		}
		page.Entries = append(page.Entries, e)
	}
	return page, nil
}

// Clean permanently deletes the entries selected by the policy and returns how many were removed.
func (b *Bin) Clean(ctx context.Context, policy CleanPolicy) (int, error) {
	if err := policy.Validate(); err != nil {
		return 0, err
	}
	filter := Filter{OlderThan: policy.OlderThan}

	var (
		removed int
		cursor  string
	)
	for {
		page, err := b.List(ctx, filter, cursor, cleanBatchSize)
		if err != nil {
			return removed, err
		}
		if len(page.Entries) == 0 {
			break
		}

		batch, err := b.store.NewBatch(ctx)
		if err != nil {
			return removed, err
		}
		for _, e := range page.Entries {
			if err := batch.Delete(ctx, entryKey(e.Hash)); err != nil {
				return removed, err
			}
		}
		if err := batch.Commit(ctx); err != nil {
			return removed, err
		}
		removed += len(page.Entries)

		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	log.Infow("cleaned recycle bin", "removed", removed, "older_than", policy.OlderThan, "all", policy.All)
	return removed, nil
}

// Stats summarizes the bin.
func (b *Bin) Stats(ctx context.Context) (*Stats, error) {
	results, err := b.ds.Query(ctx, query.Query{Prefix: keyPrefix})
	if err != nil {
		return nil, fmt.Errorf("querying recycle bin: %w", err)
	}
	defer results.Close()

	stats := &Stats{}
	for {
		res, ok := results.NextSync()
		if !ok {
			break
		}
		if res.Error != nil {
			return nil, fmt.Errorf("iterating recycle bin: %w", res.Error)
		}
		e, err := unmarshalEntry(res.Value)
		if err != nil {
			return nil, err
		}
		stats.Count++
		stats.TotalBytes += int64(e.Size)
		if stats.Oldest.IsZero() || e.RemovedAt.Before(stats.Oldest) {
			stats.Oldest = e.RemovedAt
		}
		if e.RemovedAt.After(stats.Newest) {
			stats.Newest = e.RemovedAt
		}
	}
	return stats, nil
}
