package state

import (
	"github.com/ipfs/go-datastore"

	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/statedb"
	"github.com/smtnode/smtnode/store"
)

// NewStore opens the node store over the node's datastore.
func NewStore(cfg Config, ds datastore.Batching) (*store.Store, error) {
	params := store.DefaultParameters()
	params.NodeCacheSize = cfg.NodeCacheSize
	return store.NewStore(params, ds)
}

// NewDB constructs the versioned state on top of the node store.
func NewDB(cfg Config, s *store.Store) (*statedb.DB, error) {
	return statedb.New(s, statedb.WithRetainRoots(cfg.RetainRoots))
}

func newRecycleBin(s *store.Store) *recycle.Bin {
	return recycle.NewBin(s)
}
