package nodebuilder

import (
	"context"

	"go.uber.org/fx"

	"github.com/smtnode/smtnode/libs/fxutil"
	"github.com/smtnode/smtnode/nodebuilder/pruner"
	"github.com/smtnode/smtnode/nodebuilder/state"
	"github.com/smtnode/smtnode/nodebuilder/telemetry"
)

func ConstructModule(cfg *Config, store Store) fx.Option {
	baseComponents := fx.Options(
		fx.Provide(func(lc fx.Lifecycle) context.Context {
			return fxutil.WithLifecycle(context.Background(), lc)
		}),
		fx.Supply(cfg),
		fx.Supply(ConfigLoader(store.Config)),
		fx.Provide(store.Datastore),
		fx.Supply(StorePath(store.Path())),
		// modules provided by the node
		state.ConstructModule(&cfg.State),
		pruner.ConstructModule(&cfg.Pruner),
		telemetry.ConstructModule(&cfg.Metrics),
		fxutil.OptionsIf(cfg.Metrics.Enabled, WithMetrics(cfg)),
	)

	return fx.Module(
		"node",
		baseComponents,
	)
}
