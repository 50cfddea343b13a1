package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/smtnode/smtnode/pruner"
)

var stepsFlag = "steps"

// Prune constructs the CLI command group driving the pruner by hand on a stopped node.
func Prune(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune [subcommand]",
		Short: "Runs the state pruner by hand. The node must be stopped.",
	}
	cmd.AddCommand(pruneOnce(fsets...))
	return cmd
}

type pruneOnceResult struct {
	Steps  []*pruner.StepReport `json:"steps"`
	Status pruner.Status        `json:"status"`
}

func pruneOnce(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "once",
		Short:        "Runs pruner phase steps and prints what each of them did.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			steps, err := cmd.Flags().GetInt(stepsFlag)
			if err != nil {
				return err
			}
			if steps <= 0 {
				return fmt.Errorf("cmd: --%s must be positive, got %d", stepsFlag, steps)
			}

			ctx := cmd.Context()
			return withOffline(ctx, func(n *offlineNode) error {
				svc, err := n.pruner()
				if err != nil {
					return err
				}

				res := &pruneOnceResult{}
				for i := 0; i < steps; i++ {
					rep, err := svc.RunOnce(ctx)
					if err != nil {
						return fmt.Errorf("step %d: %w", i, err)
					}
					res.Steps = append(res.Steps, rep)
				}
				res.Status = svc.Status()
				return PrintOutput(res, nil, nil)
			})
		},
	}
	cmd.Flags().Int(stepsFlag, 1, "Number of phase steps to run")
	for _, set := range fsets {
		cmd.Flags().AddFlagSet(set)
	}
	return cmd
}
