package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-datastore"

	"github.com/smtnode/smtnode/nodebuilder"
	modstate "github.com/smtnode/smtnode/nodebuilder/state"
	"github.com/smtnode/smtnode/pruner"
	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/statedb"
	"github.com/smtnode/smtnode/store"
)

// offlineNode holds the components of a stopped node that maintenance commands operate on.
type offlineNode struct {
	cfg   nodebuilder.Config
	store nodebuilder.Store
	ds    datastore.Batching
	nodes *store.Store
	db    *statedb.DB
	bin   *recycle.Bin
}

// openOffline opens the Node Store found in the context. Fails with nodebuilder.ErrOpened while
// the node is running.
func openOffline(ctx context.Context) (_ *offlineNode, err error) {
	cfg := NodeConfig(ctx)
	nodestore, err := nodebuilder.OpenStore(StorePath(ctx))
	if err != nil {
		return nil, fmt.Errorf("opening node store: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, nodestore.Close())
		}
	}()

	ds, err := nodestore.Datastore()
	if err != nil {
		return nil, fmt.Errorf("getting datastore: %w", err)
	}
	nodes, err := modstate.NewStore(cfg.State, ds)
	if err != nil {
		return nil, err
	}
	db, err := modstate.NewDB(cfg.State, nodes)
	if err != nil {
		return nil, err
	}

	return &offlineNode{
		cfg:   cfg,
		store: nodestore,
		ds:    ds,
		nodes: nodes,
		db:    db,
		bin:   recycle.NewBin(nodes),
	}, nil
}

func (n *offlineNode) pruner() (*pruner.Service, error) {
	if !n.cfg.Pruner.EnableService {
		return nil, errors.New("cmd: pruning is disabled in archival mode")
	}
	return pruner.NewService(n.nodes, n.db, n.bin, n.cfg.Pruner.Options()...)
}

func (n *offlineNode) Close() error {
	return errors.Join(n.nodes.Close(), n.store.Close())
}

// withOffline runs fn against the stopped node and closes it afterwards.
func withOffline(ctx context.Context, fn func(*offlineNode) error) (err error) {
	n, err := openOffline(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, n.Close())
	}()
	return fn(n)
}
