package nodebuilder

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
)

// MockStore provides mock in memory Store for testing purposes.
func MockStore(t *testing.T, cfg *Config) Store {
	t.Helper()
	store := NewMemStore()

	err := store.PutConfig(cfg)
	require.NoError(t, err)
	return store
}

func TestNode(t *testing.T, opts ...fx.Option) *Node {
	return TestNodeWithConfig(t, DefaultConfig(), opts...)
}

func TestNodeWithConfig(t *testing.T, cfg *Config, opts ...fx.Option) *Node {
	// avoids port conflicts
	cfg.Metrics.Address = "127.0.0.1:0"

	store := MockStore(t, cfg)
	nd, err := New(store, opts...)
	require.NoError(t, err)
	return nd
}
