package pruner

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/fx"

	"github.com/smtnode/smtnode/pruner"
	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/store"
)

var log = logging.Logger("module/pruner")

func ConstructModule(cfg *Config) fx.Option {
	cfgErr := cfg.Validate()

	baseComponents := fx.Options(
		fx.Supply(cfg),
		fx.Error(cfgErr),
	)

	if !cfg.EnableService {
		log.Warn("archival mode: state pruning is disabled")
		return fx.Module("prune", baseComponents)
	}

	return fx.Module("prune",
		baseComponents,
		fx.Provide(fx.Annotate(
			newPrunerService,
			fx.OnStart(func(ctx context.Context, p *pruner.Service) error {
				return p.Start(ctx)
			}),
			fx.OnStop(func(ctx context.Context, p *pruner.Service) error {
				return p.Stop(ctx)
			}),
		)),
		// This is necessary to invoke the pruner service as independent thanks to a
		// quirk in FX.
		fx.Invoke(func(_ *pruner.Service) {}),
	)
}

// WithMetrics registers the pruner metrics when the service runs.
func WithMetrics(cfg *Config) fx.Option {
	if !cfg.EnableService {
		return fx.Options()
	}
	return fx.Invoke(pruner.WithPrunerMetrics)
}

func newPrunerService(
	cfg *Config,
	s *store.Store,
	retention pruner.RetentionPolicy,
	bin *recycle.Bin,
) (*pruner.Service, error) {
	return pruner.NewService(s, retention, bin, cfg.Options()...)
}
