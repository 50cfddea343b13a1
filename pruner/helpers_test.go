package pruner

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	ds_sync "github.com/ipfs/go-datastore/sync"
	"github.com/stretchr/testify/require"

	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/statedb"
	"github.com/smtnode/smtnode/store"
)

type testEnv struct {
	ds    datastore.Batching
	store *store.Store
	db    *statedb.DB
	bin   *recycle.Bin
	clock *clock.Mock
}

func newTestEnv(t *testing.T, retainRoots uint64) *testEnv {
	t.Helper()
	ds := ds_sync.MutexWrap(datastore.NewMapDatastore())
	s, err := store.NewStore(store.DefaultParameters(), ds)
	require.NoError(t, err)
	db, err := statedb.New(s, statedb.WithRetainRoots(retainRoots))
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return &testEnv{
		ds:    ds,
		store: s,
		db:    db,
		bin:   recycle.NewBin(s, recycle.WithClock(clk)),
		clock: clk,
	}
}

func key(s string) smt.Hash {
	return smt.HashNode([]byte(s))
}

// randomCommits applies n commits of random writes. The "mirror" tables always receive the
// same rows so their nested trees share every node.
func (e *testEnv) randomCommits(ctx context.Context, t *testing.T, rng *rand.Rand, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := e.db.Update(ctx, func(tx *statedb.Tx) error {
			for j := 0; j < 8; j++ {
				k := key(fmt.Sprintf("account-%d", rng.Intn(32)))
				switch op := rng.Intn(10); {
				case op < 4:
					if err := tx.Put(ctx, k, []byte(fmt.Sprintf("balance-%d", rng.Intn(1000)))); err != nil {
						return err
					}
				case op < 5:
					if _, err := tx.Delete(ctx, k); err != nil {
						return err
					}
				case op < 8:
					row := key(fmt.Sprintf("row-%d", rng.Intn(16)))
					val := []byte(fmt.Sprintf("cell-%d", rng.Intn(100)))
					for _, table := range []string{"mirror-a", "mirror-b"} {
						if err := tx.TablePut(ctx, key(table), row, val); err != nil {
							return err
						}
					}
				case op < 9:
					row := key(fmt.Sprintf("row-%d", rng.Intn(16)))
					if _, err := tx.TableDelete(ctx, key("mirror-a"), row); err != nil {
						return err
					}
					if _, err := tx.TableDelete(ctx, key("mirror-b"), row); err != nil {
						return err
					}
				default:
					// dropping one mirror supersedes nodes the other still references
					if _, err := tx.Delete(ctx, key("mirror-a")); err != nil {
						return err
					}
				}
			}
			return nil
		})
		require.NoError(t, err)
	}
}

func (e *testEnv) liveRoots(ctx context.Context, t *testing.T) []smt.Hash {
	t.Helper()
	live, err := e.db.LiveRoots(ctx)
	require.NoError(t, err)
	roots := make([]smt.Hash, 0, len(live))
	for _, r := range live {
		roots = append(roots, r.Root)
	}
	return roots
}

// reachableFrom walks the trees below roots recursively and fails on any missing node.
func (e *testEnv) reachableFrom(ctx context.Context, t *testing.T, roots []smt.Hash) map[smt.Hash]struct{} {
	t.Helper()
	seen := make(map[smt.Hash]struct{})
	var walk func(h smt.Hash)
	walk = func(h smt.Hash) {
		if h.IsZero() {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		b, err := e.store.GetNode(ctx, h)
		require.NoError(t, err, "node %s reachable from a live root is missing", h)
		seen[h] = struct{}{}
		children, err := smt.ChildHashes(b)
		require.NoError(t, err)
		for _, c := range children {
			walk(c)
		}
	}
	for _, r := range roots {
		walk(r)
	}
	return seen
}

func (e *testEnv) storedNodes(ctx context.Context, t *testing.T) []smt.Hash {
	t.Helper()
	results, err := e.ds.Query(ctx, query.Query{Prefix: "/nodes", KeysOnly: true})
	require.NoError(t, err)
	entries, err := results.Rest()
	require.NoError(t, err)

	hashes := make([]smt.Hash, 0, len(entries))
	for _, entry := range entries {
		h, err := smt.ParseHash(datastore.NewKey(entry.Key).BaseNamespace())
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	return hashes
}

func exactSetOf(nodes map[smt.Hash]struct{}) *ExactSet {
	set := NewExactSet()
	for h := range nodes {
		set.Insert(h)
	}
	return set
}
