package state

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"

	"github.com/smtnode/smtnode/pruner"
	"github.com/smtnode/smtnode/statedb"
	"github.com/smtnode/smtnode/store"
)

var log = logging.Logger("module/state")

// ConstructModule provides the node store, the versioned state and the recycle bin.
func ConstructModule(cfg *Config) fx.Option {
	// sanitize config values before constructing module
	cfgErr := cfg.Validate()

	return fx.Module(
		"state",
		fx.Supply(*cfg),
		fx.Error(cfgErr),
		fx.Provide(fx.Annotate(
			NewStore,
			fx.OnStop(func(_ context.Context, s *store.Store) error {
				return s.Close()
			}),
		)),
		fx.Provide(NewDB),
		// the state decides which roots stay live
		fx.Provide(func(db *statedb.DB) pruner.RetentionPolicy {
			return db
		}),
		fx.Provide(newRecycleBin),
		fx.Invoke(func(ctx context.Context, db *statedb.DB) error {
			version, root, err := db.Head(ctx)
			if err != nil {
				return err
			}
			log.Infow("opened state", "version", version, "root", root.Short(), "retain_roots", cfg.RetainRoots)
			return nil
		}),
	)
}

// WithMetrics turns on node store metrics.
func WithMetrics(s *store.Store) error {
	return s.WithMetrics()
}
