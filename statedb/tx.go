package statedb

import (
	"context"
	"fmt"

	"github.com/smtnode/smtnode/smt"
)

// Tx mutates the state on top of the head root. Tables are nested trees stored under a key of the
// top level tree; their nodes are committed in the same changeset as the table leaf.
type Tx struct {
	tree *smt.Tree
}

func (tx *Tx) Get(ctx context.Context, key smt.Hash) ([]byte, bool, error) {
	return tx.tree.Get(ctx, key)
}

// Put stores a plain value. Values of smt.TablePayloadSize bytes are refused.
func (tx *Tx) Put(ctx context.Context, key smt.Hash, value []byte) error {
	if err := tx.dropIfTable(ctx, key); err != nil {
		return err
	}
	return tx.tree.Put(ctx, key, value)
}

// Delete removes a key. Deleting a table drops every row with it.
func (tx *Tx) Delete(ctx context.Context, key smt.Hash) (bool, error) {
	if err := tx.dropIfTable(ctx, key); err != nil {
		return false, err
	}
	return tx.tree.Delete(ctx, key)
}

// TablePut stores a row in the table under tableKey, creating the table if needed.
func (tx *Tx) TablePut(ctx context.Context, tableKey, key smt.Hash, value []byte) error {
	root, count, err := tx.table(ctx, tableKey)
	if err != nil {
		return err
	}

	nested := tx.tree.Nested(root)
	_, exists, err := nested.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := nested.Put(ctx, key, value); err != nil {
		return err
	}
	if !exists {
		count++
	}
	return tx.tree.PutTable(ctx, tableKey, nested.Root(), count)
}

// TableGet reads a row of the table under tableKey.
func (tx *Tx) TableGet(ctx context.Context, tableKey, key smt.Hash) ([]byte, bool, error) {
	root, _, err := tx.table(ctx, tableKey)
	if err != nil {
		return nil, false, err
	}
	return tx.tree.Nested(root).Get(ctx, key)
}

// TableDelete removes a row from the table under tableKey. An emptied table stays in place with
// a zero root.
func (tx *Tx) TableDelete(ctx context.Context, tableKey, key smt.Hash) (bool, error) {
	root, count, err := tx.table(ctx, tableKey)
	if err != nil {
		return false, err
	}

	nested := tx.tree.Nested(root)
	found, err := nested.Delete(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if count > 0 {
		count--
	}
	return true, tx.tree.PutTable(ctx, tableKey, nested.Root(), count)
}

// TableLen returns the number of rows in the table under tableKey.
func (tx *Tx) TableLen(ctx context.Context, tableKey smt.Hash) (uint32, error) {
	_, count, err := tx.table(ctx, tableKey)
	return count, err
}

// table resolves the nested root and row count of a table. A missing key is an empty table.
func (tx *Tx) table(ctx context.Context, tableKey smt.Hash) (smt.Hash, uint32, error) {
	payload, ok, err := tx.tree.Get(ctx, tableKey)
	if err != nil || !ok {
		return smt.ZeroHash, 0, err
	}
	root, count, ok := smt.TableInfo(payload)
	if !ok {
		return smt.ZeroHash, 0, fmt.Errorf("%w: %s", ErrNotTable, tableKey)
	}
	return root, count, nil
}

func (tx *Tx) dropIfTable(ctx context.Context, key smt.Hash) error {
	payload, ok, err := tx.tree.Get(ctx, key)
	if err != nil || !ok {
		return err
	}
	root, _, ok := smt.TableInfo(payload)
	if !ok || root.IsZero() {
		return nil
	}
	return tx.tree.DropSubtree(ctx, root)
}
