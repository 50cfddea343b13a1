package nodebuilder

import (
	"context"
	"testing"

	"github.com/ipfs/go-datastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepo(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenStore(dir)
	assert.ErrorIs(t, err, ErrNotInited)

	err = Init(*DefaultConfig(), dir)
	require.NoError(t, err)

	store, err := OpenStore(dir)
	require.NoError(t, err)

	_, err = OpenStore(dir)
	assert.ErrorIs(t, err, ErrOpened)

	data, err := store.Datastore()
	assert.NoError(t, err)
	assert.NotNil(t, data)

	// the datastore is opened once
	again, err := store.Datastore()
	assert.NoError(t, err)
	assert.Same(t, data, again)

	cfg, err := store.Config()
	assert.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg.Recycle.ListLimit = 50
	require.NoError(t, store.PutConfig(cfg))
	cfg, err = store.Config()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Recycle.ListLimit)

	err = store.Close()
	assert.NoError(t, err)
}

func TestRepo_DataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, Init(*DefaultConfig(), dir))

	key := datastore.NewKey("/test/key")
	store, err := OpenStore(dir)
	require.NoError(t, err)
	data, err := store.Datastore()
	require.NoError(t, err)
	require.NoError(t, data.Put(ctx, key, []byte("value")))
	require.NoError(t, store.Close())

	store, err = OpenStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	data, err = store.Datastore()
	require.NoError(t, err)
	got, err := data.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), got)
}

func TestBadgerOptions(t *testing.T) {
	cfg := DefaultConfig().Store
	opts := badgerOptions(cfg)
	assert.EqualValues(t, cfg.ValueThreshold.Bytes(), opts.ValueThreshold)
	assert.EqualValues(t, cfg.MemTableSize.Bytes(), opts.MemTableSize)
	assert.False(t, opts.DetectConflicts)
	assert.Equal(t, cfg.GCInterval, opts.GcInterval)
}

func TestDefaultNodeStorePath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SMTNODE_HOME", dir)
	path, err := DefaultNodeStorePath()
	require.NoError(t, err)
	assert.Equal(t, dir, path)

	t.Setenv("SMTNODE_HOME", "")
	path, err = DefaultNodeStorePath()
	require.NoError(t, err)
	assert.Contains(t, path, ".smtnode")
}
