package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/smtnode/smtnode/nodebuilder"
)

var (
	nodeStoreFlag  = "node.store"
	nodeConfigFlag = "node.config"
)

// NodeFlags gives a set of hardcoded Node package flags.
func NodeFlags() *flag.FlagSet {
	flags := &flag.FlagSet{}

	path, err := nodebuilder.DefaultNodeStorePath()
	if err != nil {
		path = "~/.smtnode"
	}
	flags.String(
		nodeStoreFlag,
		path,
		"The path to root/home directory of your Node Store. SMTNODE_HOME overrides the default",
	)
	flags.String(
		nodeConfigFlag,
		"",
		"Path to a customized node config TOML file",
	)

	return flags
}

// ParseNodeFlags parses Node flags from the given cmd and applies values to Env.
func ParseNodeFlags(ctx context.Context, cmd *cobra.Command) (context.Context, error) {
	path, err := cmd.Flags().GetString(nodeStoreFlag)
	if err != nil {
		return ctx, err
	}
	ctx = WithStorePath(ctx, path)

	nodeConfig, err := cmd.Flags().GetString(nodeConfigFlag)
	if err != nil {
		return ctx, err
	}
	if nodeConfig != "" {
		// try to load config from given path
		cfg, err := nodebuilder.LoadConfig(nodeConfig)
		if err != nil {
			return ctx, fmt.Errorf("cmd: while parsing '%s': %w", nodeConfigFlag, err)
		}

		return WithNodeConfig(ctx, cfg), nil
	}

	// check if config already exists at the store path and load it
	expanded, err := homedir.Expand(filepath.Clean(path))
	if err != nil {
		return ctx, err
	}
	cfg, err := nodebuilder.LoadConfig(filepath.Join(expanded, "config.toml"))
	if err == nil {
		ctx = WithNodeConfig(ctx, cfg)
	}
	return ctx, nil
}
