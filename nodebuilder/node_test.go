package nodebuilder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smtnode/smtnode/pruner"
	"github.com/smtnode/smtnode/smt"
	"github.com/smtnode/smtnode/statedb"
)

func TestLifecycle(t *testing.T) {
	node := TestNode(t)
	require.NotNil(t, node)
	require.NotNil(t, node.Config)
	require.NotNil(t, node.Store)
	require.NotNil(t, node.DB)
	require.NotNil(t, node.Bin)
	require.NotNil(t, node.Pruner)
	require.NotNil(t, node.Registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := node.Start(ctx)
	require.NoError(t, err)

	err = node.Stop(ctx)
	require.NoError(t, err)
}

func TestLifecycle_Archival(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pruner.EnableService = false
	node := TestNodeWithConfig(t, cfg)
	assert.Nil(t, node.Pruner)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, node.Start(ctx))
	require.NoError(t, node.Stop(ctx))
}

func TestLifecycle_WithMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = true
	node := TestNodeWithConfig(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, node.Start(ctx))

	count, err := testutil.GatherAndCount(node.Registry,
		"pruner_reachable_nodes_scanned",
		"pruner_sweep_nodes_deleted",
	)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, node.Stop(ctx))
}

func TestNode_PrunesExpiredRoots(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()

	cfg := DefaultConfig()
	cfg.State.RetainRoots = 2
	// the test drives the pruner by hand
	cfg.Pruner.PruneCycle = time.Hour
	cfg.Pruner.MaxBackoff = time.Hour
	cfg.Pruner.ReachableSet = string(pruner.SetExact)
	node := TestNodeWithConfig(t, cfg)
	require.NoError(t, node.Start(ctx))
	t.Cleanup(func() { require.NoError(t, node.Stop(context.Background())) })

	keys := make([]smt.Hash, 16)
	for i := range keys {
		keys[i] = smt.HashNode([]byte(fmt.Sprintf("key-%d", i)))
	}
	for v := 0; v < 10; v++ {
		_, err := node.DB.Update(ctx, func(tx *statedb.Tx) error {
			for i, k := range keys {
				if err := tx.Put(ctx, k, []byte(fmt.Sprintf("value-%d-%d", i, v))); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)
	}

	// enough steps to reach the incremental phase and sweep once in it
	for i := 0; i < 5; i++ {
		_, err := node.Pruner.RunOnce(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, pruner.PhaseIncremental, node.Pruner.Status().Phase)

	stats, err := node.Bin.Stats(ctx)
	require.NoError(t, err)
	assert.NotZero(t, stats.Count)

	// the head stays fully readable
	_, root, err := node.DB.Head(ctx)
	require.NoError(t, err)
	view, err := node.DB.View(ctx, root)
	require.NoError(t, err)
	defer view.Close() //nolint:errcheck
	for i, k := range keys {
		val, ok, err := view.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d-9", i)), val)
	}
}
