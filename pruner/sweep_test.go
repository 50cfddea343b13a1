package pruner

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/statedb"
	"github.com/smtnode/smtnode/store"
)

func sweepAll(ctx context.Context, t *testing.T, sw *Sweeper, cutoff uint64, reach ReachableSet) *SweepResult {
	t.Helper()
	total := &SweepResult{}
	for {
		res, err := sw.SweepBatch(ctx, cutoff, 16, total.Cursor, reach)
		require.NoError(t, err)
		total.add(res)
		if res.Done {
			return total
		}
	}
}

func TestSweep_KeepsEverythingLiveReachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	for _, seed := range []int64{1, 2, 3} {
		env := newTestEnv(t, 3)
		env.randomCommits(ctx, t, rand.New(rand.NewSource(seed)), 40)

		roots := env.liveRoots(ctx, t)
		reach := NewExactSet()
		_, err := NewScanner(env.store, 4).Scan(ctx, roots, reach)
		require.NoError(t, err)

		head, _, err := env.store.Head(ctx)
		require.NoError(t, err)
		sw := NewSweeper(env.store, env.bin, time.Second)
		res := sweepAll(ctx, t, sw, head, reach)
		assert.NotZero(t, res.Deleted, "seed %d", seed)

		// every node of every live root is still readable
		live := env.reachableFrom(ctx, t, roots)
		assert.Equal(t, reach.Len(), uint64(len(live)))

		stats, err := env.bin.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, res.Deleted, stats.Count)

		// nothing that was deleted is reachable
		page, err := env.bin.List(ctx, recycle.Filter{}, "", res.Deleted+1)
		require.NoError(t, err)
		for _, e := range page.Entries {
			_, ok := live[e.Hash]
			assert.False(t, ok, "recycled reachable node %s", e.Hash)
		}
	}
}

func TestSweep_Idempotent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	env := newTestEnv(t, 2)
	env.randomCommits(ctx, t, rand.New(rand.NewSource(11)), 20)
	reach := NewExactSet()
	_, err := NewScanner(env.store, 4).Scan(ctx, env.liveRoots(ctx, t), reach)
	require.NoError(t, err)

	head, _, err := env.store.Head(ctx)
	require.NoError(t, err)
	sw := NewSweeper(env.store, env.bin, time.Second)

	first := sweepAll(ctx, t, sw, head, reach)
	require.NotZero(t, first.Deleted)
	nodes := len(env.storedNodes(ctx, t))

	second := sweepAll(ctx, t, sw, head, reach)
	assert.Zero(t, second.Deleted)
	assert.Equal(t, first.Retained, second.Scanned)
	assert.Equal(t, nodes, len(env.storedNodes(ctx, t)))
}

func TestSweep_UnreachableButReferencedIsResurrected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	env := newTestEnv(t, 1)
	put := func(v string) {
		_, err := env.db.Update(ctx, func(tx *statedb.Tx) error {
			return tx.Put(ctx, key("k"), []byte(v))
		})
		require.NoError(t, err)
	}
	put("one")
	put("two")
	put("one")

	leaf := smt.NewLeaf(key("k"), []byte("one")).Hash()
	count, err := env.store.Refcount(ctx, leaf)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// an empty set claims nothing is reachable; the refcount still protects the live leaf
	sw := NewSweeper(env.store, env.bin, time.Second)
	res := sweepAll(ctx, t, sw, 3, NewExactSet())
	assert.Equal(t, 1, res.Resurrected)
	assert.Equal(t, 1, res.Deleted)

	ok, err := env.store.HasNode(ctx, leaf)
	require.NoError(t, err)
	assert.True(t, ok)

	left, err := env.store.CountStale(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestSweep_ReachableEntriesAreRetained(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	env := newTestEnv(t, 1)
	for _, v := range []string{"one", "two"} {
		_, err := env.db.Update(ctx, func(tx *statedb.Tx) error {
			return tx.Put(ctx, key("k"), []byte(v))
		})
		require.NoError(t, err)
	}
	old := smt.NewLeaf(key("k"), []byte("one")).Hash()

	reach := NewExactSet()
	reach.Insert(old)
	sw := NewSweeper(env.store, env.bin, time.Second)
	res := sweepAll(ctx, t, sw, 2, reach)
	assert.Equal(t, 1, res.Retained)
	assert.Zero(t, res.Deleted)
	assert.NotEmpty(t, res.Cursor)

	// the entry stays for a later cycle
	left, err := env.store.CountStale(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	res = sweepAll(ctx, t, sw, 2, NewExactSet())
	assert.Equal(t, 1, res.Deleted)
	_, err = env.bin.Get(ctx, old)
	require.NoError(t, err)
}

func TestSweep_CommitLockTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	env := newTestEnv(t, 1)
	env.randomCommits(ctx, t, rand.New(rand.NewSource(9)), 5)
	before := len(env.storedNodes(ctx, t))

	lock := env.store.CommitLock()
	require.True(t, lock.TryAcquire())
	t.Cleanup(lock.Release)

	sw := NewSweeper(env.store, env.bin, time.Millisecond*50)
	_, err := sw.SweepBatch(ctx, 5, 100, "", NewExactSet())
	require.ErrorIs(t, err, store.ErrLockTimeout)
	assert.Equal(t, before, len(env.storedNodes(ctx, t)))
}

func TestSweep_UnknownCutoffRoot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	env := newTestEnv(t, 1)
	sw := NewSweeper(env.store, env.bin, time.Second)
	_, err := sw.Sweep(ctx, key("nowhere"), 10, "", NewExactSet())
	assert.ErrorIs(t, err, store.ErrUnknownRoot)
}
