package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/smtnode/smtnode/nodebuilder/pruner"
	"github.com/smtnode/smtnode/nodebuilder/state"
	"github.com/smtnode/smtnode/nodebuilder/telemetry"
)

func PrintOutput(data interface{}, err error, formatData func(interface{}) interface{}) error {
	switch {
	case err != nil:
		data = err.Error()
	case formatData != nil:
		data = formatData(data)
	}

	resp := struct {
		Result interface{} `json:"result"`
	}{
		Result: data,
	}

	bytes, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(bytes))
	return nil
}

// PersistentPreRunEnv loads the node config into the command context and applies the flags
// overriding it.
func PersistentPreRunEnv(cmd *cobra.Command, _ []string) error {
	var (
		ctx = cmd.Context()
		err error
	)

	// loads existing config into the environment
	ctx, err = ParseNodeFlags(ctx, cmd)
	if err != nil {
		return err
	}

	cfg := NodeConfig(ctx)

	err = state.ParseFlags(cmd, &cfg.State)
	if err != nil {
		return err
	}

	err = pruner.ParseFlags(cmd, &cfg.Pruner)
	if err != nil {
		return err
	}

	err = telemetry.ParseFlags(cmd, &cfg.Metrics)
	if err != nil {
		return err
	}

	ctx, err = ParseMiscFlags(ctx, cmd)
	if err != nil {
		return err
	}

	// set config
	ctx = WithNodeConfig(ctx, &cfg)
	cmd.SetContext(ctx)
	return nil
}

// WithFlagSet adds the given flagset to the command.
func WithFlagSet(fset []*flag.FlagSet) func(*cobra.Command) {
	return func(c *cobra.Command) {
		for _, set := range fset {
			c.Flags().AddFlagSet(set)
		}
	}
}
