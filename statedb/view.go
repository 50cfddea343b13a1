package statedb

import (
	"context"
	"fmt"
	"sync"

	"github.com/smtnode/smtnode/smt"
)

// View reads a pinned root. It must be closed to let the root expire.
type View struct {
	db   *DB
	tree *smt.Tree

	once sync.Once
}

func (v *View) Root() smt.Hash {
	return v.tree.Root()
}

func (v *View) Get(ctx context.Context, key smt.Hash) ([]byte, bool, error) {
	return v.tree.Get(ctx, key)
}

func (v *View) TableGet(ctx context.Context, tableKey, key smt.Hash) ([]byte, bool, error) {
	payload, ok, err := v.tree.Get(ctx, tableKey)
	if err != nil || !ok {
		return nil, false, err
	}
	root, _, ok := smt.TableInfo(payload)
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrNotTable, tableKey)
	}
	return v.tree.Nested(root).Get(ctx, key)
}

func (v *View) Close() error {
	v.once.Do(func() {
		v.db.Unpin(v.tree.Root())
	})
	return nil
}
