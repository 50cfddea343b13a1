package pruner

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smtnode/smtnode/smt"
)

func newTestService(t *testing.T, env *testEnv, opts ...Option) *Service {
	t.Helper()
	opts = append([]Option{
		WithClock(env.clock),
		WithBatchSize(8),
		WithMaxBatchesPerCycle(2),
	}, opts...)
	svc, err := NewService(env.store, env.db, env.bin, opts...)
	require.NoError(t, err)
	return svc
}

// runUntil steps the service until it reaches phase.
func runUntil(ctx context.Context, t *testing.T, svc *Service, phase Phase) {
	t.Helper()
	for i := 0; svc.Status().Phase != phase || i == 0; i++ {
		require.Less(t, i, 200, "pruner never reached %s", phase)
		_, err := svc.RunOnce(ctx)
		require.NoError(t, err)
	}
}

// TestService runs the pruner through all of its phases while the state keeps changing and
// checks that every live root stays fully readable.
func TestService(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "exact", opt: WithExactSet()},
		{name: "bloom", opt: WithBloomSet(1<<10, 0.001)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
			t.Cleanup(cancel)

			env := newTestEnv(t, 3)
			rng := rand.New(rand.NewSource(21))
			env.randomCommits(ctx, t, rng, 20)

			reg := prometheus.NewRegistry()
			svc := newTestService(t, env, tt.opt)
			require.NoError(t, svc.WithMetrics(reg))
			t.Cleanup(func() { _ = svc.metrics.close() })

			rep, err := svc.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, PhaseBuildReach, rep.Phase)
			assert.Equal(t, PhaseSweepExpired, rep.Next)
			require.NotNil(t, rep.Scan)
			require.NotNil(t, rep.Snapshot)
			assert.Equal(t, rep.Scan.Nodes, rep.Snapshot.Nodes)

			// changesets up to the snapshot are no longer needed
			old, err := env.store.Changesets(ctx, 0, rep.Snapshot.Version)
			require.NoError(t, err)
			assert.Empty(t, old)

			runUntil(ctx, t, svc, PhaseIncremental)
			env.reachableFrom(ctx, t, env.liveRoots(ctx, t))
			assert.NotZero(t, svc.Status().Deleted)

			for i := 0; i < 5; i++ {
				env.randomCommits(ctx, t, rng, 4)
				rep, err := svc.RunOnce(ctx)
				require.NoError(t, err)
				assert.Equal(t, PhaseIncremental, rep.Phase)
				require.NotNil(t, rep.Replay)
				assert.Equal(t, 4, rep.Replay.Changesets)
				env.reachableFrom(ctx, t, env.liveRoots(ctx, t))
			}

			st := svc.Status()
			stats, err := env.bin.Stats(ctx)
			require.NoError(t, err)
			// a node recreated and swept again replaces its earlier bin entry
			assert.NotZero(t, stats.Count)
			assert.LessOrEqual(t, uint64(stats.Count), st.Deleted)
			assert.LessOrEqual(t, uint64(stats.TotalBytes), st.DeletedBytes)
			assert.EqualValues(t, 5, st.IncrementalCycles)
			assert.Zero(t, st.Failures)

			count, err := testutil.GatherAndCount(reg,
				"pruner_reachable_nodes_scanned",
				"pruner_sweep_nodes_deleted",
				"pruner_failures_total",
			)
			require.NoError(t, err)
			assert.Equal(t, 3, count)
			assert.Zero(t, testutil.ToFloat64(svc.metrics.failures))
		})
	}
}

func TestService_ResumesFromCheckpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	env := newTestEnv(t, 2)
	env.randomCommits(ctx, t, rand.New(rand.NewSource(4)), 20)

	svc := newTestService(t, env, WithBatchSize(4), WithMaxBatchesPerCycle(1))
	_, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	before := svc.Status()
	require.Equal(t, PhaseSweepExpired, before.Phase)
	require.NotEmpty(t, before.Cursor)

	restarted := newTestService(t, env, WithBatchSize(4), WithMaxBatchesPerCycle(1))
	rep, err := restarted.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseSweepExpired, rep.Phase)
	after := restarted.Status()
	assert.Equal(t, before.SnapshotID, after.SnapshotID)
	assert.GreaterOrEqual(t, after.Deleted, before.Deleted)
	assert.Greater(t, after.Cursor, before.Cursor)

	runUntil(ctx, t, restarted, PhaseIncremental)
	env.reachableFrom(ctx, t, env.liveRoots(ctx, t))
}

func TestService_RebuildsStaleSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	env := newTestEnv(t, 2)
	env.randomCommits(ctx, t, rand.New(rand.NewSource(5)), 10)

	svc := newTestService(t, env)
	runUntil(ctx, t, svc, PhaseIncremental)
	first := svc.Status().SnapshotID

	env.clock.Add(DefaultSnapshotParams().MaxAge + time.Minute)

	// a restarted pruner does not trust a stale snapshot either
	restarted := newTestService(t, env)
	rep, err := restarted.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseBuildReach, rep.Phase)
	assert.NotEqual(t, first, restarted.Status().SnapshotID)

	rep, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseBuildReach, rep.Phase)
	require.NotNil(t, rep.Scan)
	assert.Equal(t, PhaseSweepExpired, rep.Next)
}

func TestService_RebuildEvery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	env := newTestEnv(t, 2)
	rng := rand.New(rand.NewSource(6))
	env.randomCommits(ctx, t, rng, 10)

	svc := newTestService(t, env, WithRebuildEvery(2))
	runUntil(ctx, t, svc, PhaseIncremental)
	for i := 0; i < 2; i++ {
		env.randomCommits(ctx, t, rng, 2)
		rep, err := svc.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, PhaseIncremental, rep.Phase)
	}

	rep, err := svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseBuildReach, rep.Phase)
	assert.Zero(t, svc.Status().IncrementalCycles)
}

func TestService_LockTimeoutDefersStep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	env := newTestEnv(t, 2)
	env.randomCommits(ctx, t, rand.New(rand.NewSource(7)), 4)

	snapParams := DefaultSnapshotParams()
	snapParams.LockTimeout = time.Millisecond * 50
	svc := newTestService(t, env, WithSnapshotParams(snapParams))
	require.NoError(t, svc.WithMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = svc.metrics.close() })

	lock := env.store.CommitLock()
	require.True(t, lock.TryAcquire())
	rep, err := svc.RunOnce(ctx)
	lock.Release()
	require.NoError(t, err)
	assert.True(t, rep.Deferred)

	st := svc.Status()
	assert.Equal(t, PhaseBuildReach, st.Phase)
	assert.Zero(t, st.Failures)
	assert.Zero(t, testutil.ToFloat64(svc.metrics.failures))

	rep, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Deferred)
	assert.Equal(t, PhaseSweepExpired, rep.Next)
}

func TestService_FailureIsRecorded(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	t.Cleanup(cancel)

	env := newTestEnv(t, 1)
	env.randomCommits(ctx, t, rand.New(rand.NewSource(8)), 4)

	svc := newTestService(t, env)
	require.NoError(t, svc.WithMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = svc.metrics.close() })

	// lose a direct child of the head root
	_, root, err := env.store.Head(ctx)
	require.NoError(t, err)
	b, err := env.store.GetNode(ctx, root)
	require.NoError(t, err)
	children, err := smt.ChildHashes(b)
	require.NoError(t, err)
	require.NotEmpty(t, children)
	lost := children[0]
	raw, err := env.store.GetNode(ctx, lost)
	require.NoError(t, err)

	batch, err := env.store.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.DeleteNode(ctx, lost))
	require.NoError(t, batch.Commit(ctx))

	_, err = svc.RunOnce(ctx)
	require.ErrorIs(t, err, ErrSnapshotInvalid)

	st := svc.Status()
	assert.EqualValues(t, 1, st.Failures)
	assert.NotEmpty(t, st.LastError)
	assert.True(t, st.RetryAt.After(env.clock.Now()))
	assert.EqualValues(t, 1, testutil.ToFloat64(svc.metrics.failures))

	cp, err := getCheckpoint(ctx, svc.ds)
	require.NoError(t, err)
	assert.Equal(t, st.LastError, cp.LastError)

	batch, err = env.store.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.PutNode(ctx, lost, raw))
	require.NoError(t, batch.Commit(ctx))

	_, err = svc.RunOnce(ctx)
	require.NoError(t, err)
	st = svc.Status()
	assert.Empty(t, st.LastError)
	assert.True(t, st.RetryAt.IsZero())
	assert.EqualValues(t, 1, st.Failures)
}

func TestService_StartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	t.Cleanup(cancel)

	env := newTestEnv(t, 2)
	env.randomCommits(ctx, t, rand.New(rand.NewSource(9)), 6)

	svc := newTestService(t, env, WithPruneCycle(time.Minute))
	require.NoError(t, svc.Start(ctx))

	// the first cycle runs right away
	require.Eventually(t, func() bool {
		return svc.Status().Phase != PhaseBuildReach
	}, time.Second*5, time.Millisecond*10)

	require.NoError(t, svc.Stop(ctx))
}
