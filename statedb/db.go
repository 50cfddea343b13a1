package statedb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/store"
)

var log = logging.Logger("statedb")

var (
	// ErrRootPruned is returned when pinning a root whose nodes may already have been pruned.
	ErrRootPruned = errors.New("statedb: root is below the prune floor")
	// ErrNotTable is returned when a table operation hits a plain value.
	ErrNotTable = errors.New("statedb: key does not hold a table")
)

// DB is the versioned state on top of the node store. Every Update produces one changeset and one
// new root. DB also decides which roots stay live: the last RetainRoots committed roots plus the
// roots pinned by open views.
type DB struct {
	store       *store.Store
	retainRoots uint64

	mu    sync.Mutex
	pins  map[smt.Hash]*pin
	floor uint64
}

type pin struct {
	version uint64
	count   int
}

func New(s *store.Store, opts ...Option) (*DB, error) {
	p := DefaultParams()
	for _, opt := range opts {
		opt(&p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &DB{
		store:       s,
		retainRoots: p.retainRoots,
		pins:        make(map[smt.Hash]*pin),
	}, nil
}

func (db *DB) Store() *store.Store {
	return db.store
}

// Head returns the latest committed version and root.
func (db *DB) Head(ctx context.Context) (uint64, smt.Hash, error) {
	return db.store.Head(ctx)
}

// Update runs fn against a transaction on top of the current head and commits the result as the
// next version. Writers are serialized through the store's commit lock.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) (*smt.ChangeSet, error) {
	lock := db.store.CommitLock()
	if err := lock.Acquire(ctx, 0); err != nil {
		return nil, err
	}
	defer lock.Release()

	version, root, err := db.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	tx := &Tx{tree: smt.NewTree(db.store, root)}
	if err := fn(tx); err != nil {
		return nil, err
	}

	cs := tx.tree.Finalize(version + 1)
	if err := db.store.Commit(ctx, cs); err != nil {
		return nil, fmt.Errorf("committing version %d: %w", cs.Version, err)
	}
	return cs, nil
}

// LiveRoots returns the roots that must stay fully readable: the retention window ending at head
// and every pinned root. The prune floor is raised to the start of the window in the same step,
// so roots older than the window can no longer be pinned once the caller has seen this set.
func (db *DB) LiveRoots(ctx context.Context) ([]store.VersionedRoot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	head, _, err := db.store.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return nil, nil
	}

	start := uint64(1)
	if head > db.retainRoots {
		start = head - db.retainRoots + 1
	}

	seen := make(map[smt.Hash]struct{})
	roots := make([]store.VersionedRoot, 0, db.retainRoots+uint64(len(db.pins)))
	for v := start; v <= head; v++ {
		root, err := db.store.RootAt(ctx, v)
		if err != nil {
			return nil, err
		}
		if root.IsZero() {
			continue
		}
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, store.VersionedRoot{Version: v, Root: root})
	}
	for root, p := range db.pins {
		if _, ok := seen[root]; ok {
			continue
		}
		seen[root] = struct{}{}
		roots = append(roots, store.VersionedRoot{Version: p.version, Root: root})
	}

	if start > db.floor {
		log.Debugw("raising prune floor", "from", db.floor, "to", start)
		db.floor = start
	}
	return roots, nil
}

// Floor returns the lowest version that may still be pinned.
func (db *DB) Floor() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.floor
}

// Pin keeps root live until the matching Unpin.
func (db *DB) Pin(ctx context.Context, root smt.Hash) error {
	version, err := db.store.Version(ctx, root)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if p, ok := db.pins[root]; ok {
		p.count++
		return nil
	}
	if version < db.floor {
		return fmt.Errorf("%w: root %s at version %d, floor %d", ErrRootPruned, root.Short(), version, db.floor)
	}
	db.pins[root] = &pin{version: version, count: 1}
	return nil
}

// Unpin releases one pin of root.
func (db *DB) Unpin(root smt.Hash) {
	db.mu.Lock()
	defer db.mu.Unlock()
	p, ok := db.pins[root]
	if !ok {
		log.Warnw("unpin of a root that is not pinned", "root", root)
		return
	}
	p.count--
	if p.count == 0 {
		delete(db.pins, root)
	}
}

// View opens a read-only view of root. The root stays live until the view is closed.
func (db *DB) View(ctx context.Context, root smt.Hash) (*View, error) {
	if err := db.Pin(ctx, root); err != nil {
		return nil, err
	}
	return &View{db: db, tree: smt.NewTree(db.store, root)}, nil
}
