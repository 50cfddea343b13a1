package nodebuilder

import (
	"go.uber.org/fx"

	"github.com/smtnode/smtnode/nodebuilder/pruner"
	"github.com/smtnode/smtnode/nodebuilder/state"
)

// StorePath is the root directory of the Node Store.
type StorePath string

// WithMetrics enables metrics exporting for the node.
func WithMetrics(cfg *Config) fx.Option {
	return fx.Options(
		fx.Invoke(state.WithMetrics),
		pruner.WithMetrics(&cfg.Pruner),
		// add more monitoring here
	)
}
