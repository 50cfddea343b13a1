package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"

	"github.com/smtnode/smtnode/smt"
)

var log = logging.Logger("store")

var (
	// ErrUnknownRoot is returned when a root was never committed.
	ErrUnknownRoot = errors.New("store: unknown root")
	// ErrUnknownVersion is returned when no root was committed at the requested version.
	ErrUnknownVersion = errors.New("store: unknown version")
	// ErrVersionMismatch is returned when a changeset does not extend the current head.
	ErrVersionMismatch = errors.New("store: changeset does not extend head")
)

// Store keeps content-addressed tree nodes together with the indexes the pruner relies on: the
// stale index, node refcounts, the root/version index and the changeset stream. Store is safe for
// concurrent use; Commit and sweep batches must be made while holding the CommitLock.
type Store struct {
	ds    datastore.Batching
	cache *lru.Cache[smt.Hash, []byte]
	lock  *CommitLock

	metrics *metrics
}

// NewStore creates a new node Store on top of the given datastore.
func NewStore(params *Parameters, ds datastore.Batching) (*Store, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s := &Store{ds: ds, lock: newCommitLock()}
	if params.NodeCacheSize > 0 {
		cache, err := lru.New[smt.Hash, []byte](params.NodeCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create node cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// CommitLock returns the lock serializing writes to the tree indexes.
func (s *Store) CommitLock() *CommitLock {
	return s.lock
}

// Datastore exposes the underlying datastore for components sharing it.
func (s *Store) Datastore() datastore.Batching {
	return s.ds
}

func (s *Store) Close() error {
	return s.metrics.close()
}

// GetNode returns the encoded node for the hash. Absent nodes yield an error wrapping
// smt.ErrMissingNode.
func (s *Store) GetNode(ctx context.Context, h smt.Hash) ([]byte, error) {
	if s.cache != nil {
		if b, ok := s.cache.Get(h); ok {
			s.metrics.observeGet(ctx, 0, true)
			return b, nil
		}
	}

	tNow := time.Now()
	b, err := s.ds.Get(ctx, nodeKey(h))
	s.metrics.observeGet(ctx, time.Since(tNow), false)
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", smt.ErrMissingNode, h)
	case err != nil:
		return nil, fmt.Errorf("getting node %s: %w", h, err)
	}

	if s.cache != nil {
		s.cache.Add(h, b)
	}
	return b, nil
}

// HasNode reports whether the node is persisted. The cache is bypassed.
func (s *Store) HasNode(ctx context.Context, h smt.Hash) (bool, error) {
	return s.ds.Has(ctx, nodeKey(h))
}

// Head returns the latest committed version and root. An empty store reports version 0 and the
// zero root.
func (s *Store) Head(ctx context.Context) (uint64, smt.Hash, error) {
	b, err := s.ds.Get(ctx, headKey)
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, smt.ZeroHash, nil
	}
	if err != nil {
		return 0, smt.ZeroHash, fmt.Errorf("getting head: %w", err)
	}
	return decodeHead(b)
}

// Version resolves a committed root to the newest version it was committed at.
func (s *Store) Version(ctx context.Context, root smt.Hash) (uint64, error) {
	b, err := s.ds.Get(ctx, rootKey(root))
	if errors.Is(err, datastore.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRoot, root)
	}
	if err != nil {
		return 0, fmt.Errorf("getting version of %s: %w", root, err)
	}
	version, err := decodeUvarint(b)
	if err != nil {
		return 0, fmt.Errorf("decoding version of %s: %w", root, err)
	}
	return version, nil
}

// RootAt returns the root committed at the version.
func (s *Store) RootAt(ctx context.Context, version uint64) (smt.Hash, error) {
	b, err := s.ds.Get(ctx, versionKey(version))
	if errors.Is(err, datastore.ErrNotFound) {
		return smt.ZeroHash, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	if err != nil {
		return smt.ZeroHash, fmt.Errorf("getting root at %d: %w", version, err)
	}
	return smt.HashFromBytes(b)
}

func (s *Store) evict(hashes []smt.Hash) {
	if s.cache == nil {
		return
	}
	for _, h := range hashes {
		s.cache.Remove(h)
	}
}

// VersionedRoot is a committed root together with the version it was committed at.
type VersionedRoot struct {
	Version uint64   `json:"version"`
	Root    smt.Hash `json:"root"`
}
