package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ipfs/go-datastore"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smtnode/smtnode/smt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(DefaultParameters(), ds_sync.MutexWrap(datastore.NewMapDatastore()))
	require.NoError(t, err)
	return s
}

func key(i int) smt.Hash {
	return smt.HashNode([]byte(fmt.Sprintf("key-%d", i)))
}

// commitValues writes the values on top of the current head and commits the changeset.
func commitValues(ctx context.Context, t *testing.T, s *Store, values map[int]string) *smt.ChangeSet {
	t.Helper()
	version, root, err := s.Head(ctx)
	require.NoError(t, err)
	tr := smt.NewTree(s, root)
	for k, v := range values {
		if v == "" {
			_, err := tr.Delete(ctx, key(k))
			require.NoError(t, err)
			continue
		}
		require.NoError(t, tr.Put(ctx, key(k), []byte(v)))
	}
	cs := tr.Finalize(version + 1)
	require.NoError(t, s.Commit(ctx, cs))
	return cs
}

func TestStore_Commit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	s := newTestStore(t)

	version, root, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.True(t, root.IsZero())

	cs1 := commitValues(ctx, t, s, map[int]string{1: "a", 2: "b", 3: "c"})
	for _, blob := range cs1.Added {
		b, err := s.GetNode(ctx, blob.Hash)
		require.NoError(t, err)
		assert.Equal(t, blob.Bytes, b)

		count, err := s.Refcount(ctx, blob.Hash)
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
	}

	cs2 := commitValues(ctx, t, s, map[int]string{1: "changed"})
	require.NotEmpty(t, cs2.Superseded)
	for _, h := range cs2.Superseded {
		count, err := s.Refcount(ctx, h)
		require.NoError(t, err)
		assert.Zero(t, count)
	}

	version, root, err = s.Head(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
	assert.Equal(t, cs2.NewRoot, root)

	v, err := s.Version(ctx, cs1.NewRoot)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
	r, err := s.RootAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, cs2.NewRoot, r)

	_, err = s.Version(ctx, key(99))
	require.ErrorIs(t, err, ErrUnknownRoot)
	_, err = s.RootAt(ctx, 99)
	require.ErrorIs(t, err, ErrUnknownVersion)

	_, err = s.GetNode(ctx, key(99))
	require.ErrorIs(t, err, smt.ErrMissingNode)

	// a changeset that does not extend head is refused
	err = s.Commit(ctx, &smt.ChangeSet{Version: 7, PrevRoot: cs2.NewRoot})
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestStore_ListBefore(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	s := newTestStore(t)

	commitValues(ctx, t, s, map[int]string{1: "a", 2: "b", 3: "c", 4: "d"})
	cs2 := commitValues(ctx, t, s, map[int]string{1: "a2"})
	cs3 := commitValues(ctx, t, s, map[int]string{2: "b2", 3: ""})

	all, err := s.ListBefore(ctx, 3, "", 100)
	require.NoError(t, err)
	require.Len(t, all, len(cs2.Superseded)+len(cs3.Superseded))
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Key().String(), all[i].Key().String())
	}
	for i, e := range all[:len(cs2.Superseded)] {
		assert.EqualValues(t, 2, e.Version, i)
		assert.Equal(t, cs2.NewRoot, e.Root)
	}

	upTo2, err := s.ListBefore(ctx, 2, "", 100)
	require.NoError(t, err)
	assert.Len(t, upTo2, len(cs2.Superseded))

	none, err := s.ListBefore(ctx, 1, "", 100)
	require.NoError(t, err)
	assert.Empty(t, none)

	// paging with a cursor visits every entry exactly once
	var (
		paged  []StaleEntry
		cursor string
	)
	for {
		page, err := s.ListBefore(ctx, 3, cursor, 2)
		require.NoError(t, err)
		paged = append(paged, page...)
		if len(page) < 2 {
			break
		}
		cursor = page[len(page)-1].Key().String()
	}
	assert.Equal(t, all, paged)

	count, err := s.CountStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, len(all), count)

	parsed, err := ParseStaleKey(all[0].Key().String())
	require.NoError(t, err)
	assert.Equal(t, all[0], parsed)
	_, err = ParseStaleKey("/stale/zz")
	require.Error(t, err)
}

func TestStore_Changesets(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	s := newTestStore(t)

	var sets []*smt.ChangeSet
	for i := 0; i < 5; i++ {
		sets = append(sets, commitValues(ctx, t, s, map[int]string{i: "v", i + 1: fmt.Sprint(i)}))
	}

	records, err := s.Changesets(ctx, 1, 4)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, record := range records {
		cs := sets[i+1]
		assert.Equal(t, cs.Version, record.Version)
		assert.Equal(t, cs.PrevRoot, record.PrevRoot)
		assert.Equal(t, cs.NewRoot, record.NewRoot)
		assert.Len(t, record.Added, len(cs.Added))
		assert.ElementsMatch(t, cs.Superseded, record.Superseded)
	}

	removed, err := s.TruncateChangesets(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	records, err = s.Changesets(ctx, 0, 5)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.EqualValues(t, 4, records[0].Version)
}

func TestStore_RefcountSaturates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	s := newTestStore(t)

	h := key(1)
	assert.EqualValues(t, 0, applyDelta(h, 0, -1))
	assert.EqualValues(t, 2, applyDelta(h, 3, -1))
	assert.EqualValues(t, 5, applyDelta(h, 3, 2))

	batch, err := s.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.SetRefcount(ctx, h, 3))
	require.NoError(t, batch.Commit(ctx))
	count, err := s.Refcount(ctx, h)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	batch, err = s.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.SetRefcount(ctx, h, 0))
	require.NoError(t, batch.Commit(ctx))
	has, err := s.ds.Has(ctx, refcountKey(h))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStore_CacheEvictedOnDelete(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	s := newTestStore(t)

	cs := commitValues(ctx, t, s, map[int]string{1: "a"})
	h := cs.Added[0].Hash
	_, err := s.GetNode(ctx, h)
	require.NoError(t, err)
	require.True(t, s.cache.Contains(h))

	batch, err := s.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.DeleteNode(ctx, h))
	require.NoError(t, batch.Commit(ctx))

	assert.False(t, s.cache.Contains(h))
	_, err = s.GetNode(ctx, h)
	require.ErrorIs(t, err, smt.ErrMissingNode)
}

func TestStore_RefcountsSharedNodes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)
	s := newTestStore(t)

	commitTree := func(edit func(tr *smt.Tree)) *ChangeRecord {
		version, root, err := s.Head(ctx)
		require.NoError(t, err)
		tr := smt.NewTree(s, root)
		edit(tr)
		require.NoError(t, s.Commit(ctx, tr.Finalize(version+1)))
		records, err := s.Changesets(ctx, version, version+1)
		require.NoError(t, err)
		require.Len(t, records, 1)
		return records[0]
	}
	refcount := func(h smt.Hash) uint64 {
		count, err := s.Refcount(ctx, h)
		require.NoError(t, err)
		return count
	}

	// two table leaves pointing at one nested tree written once
	var nested smt.Hash
	row := smt.NewLeaf(key(10), []byte("row"))
	commitTree(func(tr *smt.Tree) {
		table := tr.Nested(smt.ZeroHash)
		require.NoError(t, table.Put(ctx, key(10), []byte("row")))
		nested = table.Root()
		require.NoError(t, tr.PutTable(ctx, key(1), nested, 1))
		require.NoError(t, tr.PutTable(ctx, key(2), nested, 1))
	})
	require.Equal(t, row.Hash(), nested)
	assert.EqualValues(t, 2, refcount(nested))

	dropFirst := commitTree(func(tr *smt.Tree) {
		require.NoError(t, tr.DropSubtree(ctx, nested))
		_, err := tr.Delete(ctx, key(1))
		require.NoError(t, err)
	})
	assert.EqualValues(t, 1, refcount(nested))
	assert.Contains(t, dropFirst.Superseded, nested)
	assert.NotContains(t, dropFirst.Released, nested)
	assert.Contains(t, dropFirst.Released, smt.NewLeaf(key(1), smt.TablePayload(nested, 1)).Hash())

	dropSecond := commitTree(func(tr *smt.Tree) {
		require.NoError(t, tr.DropSubtree(ctx, nested))
		_, err := tr.Delete(ctx, key(2))
		require.NoError(t, err)
	})
	assert.Zero(t, refcount(nested))
	assert.Contains(t, dropSecond.Released, nested)
	for _, h := range dropSecond.Released {
		assert.Zero(t, refcount(h))
		assert.Contains(t, dropSecond.Superseded, h)
	}
}
