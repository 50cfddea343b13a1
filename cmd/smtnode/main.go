package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	cmdnode "github.com/smtnode/smtnode/cmd"
	"github.com/smtnode/smtnode/nodebuilder/pruner"
	"github.com/smtnode/smtnode/nodebuilder/state"
	"github.com/smtnode/smtnode/nodebuilder/telemetry"
)

func init() {
	rootCmd.AddCommand(newCommands()...)
	rootCmd.AddCommand(versionCmd)
	rootCmd.SetHelpCommand(&cobra.Command{})
}

// newCommands assembles the node commands. Commands running the node take every config flag,
// maintenance commands only need the store and logging flags.
func newCommands() []*cobra.Command {
	nodeFlags := []*flag.FlagSet{
		cmdnode.NodeFlags(),
		cmdnode.MiscFlags(),
		state.Flags(),
		pruner.Flags(),
		telemetry.Flags(),
	}
	toolFlags := []*flag.FlagSet{
		cmdnode.NodeFlags(),
		cmdnode.MiscFlags(),
	}
	return []*cobra.Command{
		cmdnode.Init(nodeFlags...),
		cmdnode.Start(nodeFlags...),
		cmdnode.Prune(nodeFlags...),
		cmdnode.Recycle(toolFlags...),
		cmdnode.StatePrune(toolFlags...),
	}
}

func main() {
	err := run()
	if err != nil {
		os.Exit(1)
	}
}

func run() error {
	return rootCmd.ExecuteContext(context.Background())
}

var rootCmd = &cobra.Command{
	Use:               "smtnode [subcommand]",
	Short:             "Sparse Merkle state node with a background state pruner",
	Args:              cobra.NoArgs,
	PersistentPreRunE: cmdnode.PersistentPreRunEnv,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}
