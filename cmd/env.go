package cmd

import (
	"context"

	"github.com/smtnode/smtnode/nodebuilder"
)

// StorePath reads the store path from the context.
func StorePath(ctx context.Context) string {
	return ctx.Value(storePathKey{}).(string)
}

// WithStorePath sets Store Path in the given context.
func WithStorePath(ctx context.Context, storePath string) context.Context {
	return context.WithValue(ctx, storePathKey{}, storePath)
}

// NodeConfig reads the node config from the context. The defaults are returned when no config
// was loaded.
func NodeConfig(ctx context.Context) nodebuilder.Config {
	cfg, ok := ctx.Value(configKey{}).(nodebuilder.Config)
	if !ok {
		return *nodebuilder.DefaultConfig()
	}
	return cfg
}

// WithNodeConfig sets the node config in the Env.
func WithNodeConfig(ctx context.Context, config *nodebuilder.Config) context.Context {
	return context.WithValue(ctx, configKey{}, *config)
}

type (
	configKey    struct{}
	storePathKey struct{}
)
