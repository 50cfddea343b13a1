package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/smtnode/smtnode/recycle"
	"github.com/smtnode/smtnode/smt"
)

var (
	olderThanFlag = "older-than"
	newerThanFlag = "newer-than"
	minSizeFlag   = "min-size"
	maxSizeFlag   = "max-size"
	staleRootFlag = "stale-root"
	cursorFlag    = "cursor"
	limitFlag     = "limit"
	allFlag       = "all"
	yesFlag       = "yes"
)

// errNotConfirmed is returned by destructive commands run without --yes.
var errNotConfirmed = errors.New("cmd: refusing to delete without --yes")

// Recycle constructs the CLI command group to inspect and manage the recycle bin of a stopped
// node.
func Recycle(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recycle [subcommand]",
		Short: "Inspects, restores and cleans nodes removed by the pruner. The node must be stopped.",
	}
	cmd.AddCommand(
		recycleDump(),
		recycleRestore(),
		recycleList(),
		recycleClean(),
		recycleStats(),
	)
	for _, sub := range cmd.Commands() {
		WithFlagSet(fsets)(sub)
	}
	return cmd
}

func recycleDump() *cobra.Command {
	return &cobra.Command{
		Use:          "dump <hash>",
		Short:        "Prints a removed node decoded, with its removal metadata.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := smt.ParseHash(args[0])
			if err != nil {
				return fmt.Errorf("cmd: parsing hash: %w", err)
			}

			ctx := cmd.Context()
			return withOffline(ctx, func(n *offlineNode) error {
				dump, err := n.bin.Dump(ctx, h)
				if err != nil {
					return err
				}
				return PrintOutput(dump, nil, nil)
			})
		},
	}
}

func recycleRestore() *cobra.Command {
	return &cobra.Command{
		Use:          "restore <hash>",
		Short:        "Puts a removed node back into the node store.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := smt.ParseHash(args[0])
			if err != nil {
				return fmt.Errorf("cmd: parsing hash: %w", err)
			}

			ctx := cmd.Context()
			return withOffline(ctx, func(n *offlineNode) error {
				e, err := n.bin.Restore(ctx, h)
				if err != nil {
					return err
				}
				return PrintOutput(e, nil, func(d interface{}) interface{} {
					e := d.(*recycle.Entry)
					return struct {
						Restored smt.Hash `json:"restored"`
						Size     int      `json:"size"`
					}{e.Hash, e.Size}
				})
			})
		},
	}
}

func recycleList() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "Lists removed nodes page by page.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := parseFilter(cmd.Flags())
			if err != nil {
				return err
			}
			cursor, err := cmd.Flags().GetString(cursorFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			limit := NodeConfig(ctx).Recycle.ListLimit
			if cmd.Flags().Changed(limitFlag) {
				limit, err = cmd.Flags().GetInt(limitFlag)
				if err != nil {
					return err
				}
			}

			return withOffline(ctx, func(n *offlineNode) error {
				page, err := n.bin.List(ctx, filter, cursor, limit)
				if err != nil {
					return err
				}
				return PrintOutput(page, nil, nil)
			})
		},
	}

	cmd.Flags().Duration(olderThanFlag, 0, "Only entries removed at least this long ago")
	cmd.Flags().Duration(newerThanFlag, 0, "Only entries removed at most this long ago")
	cmd.Flags().Int(minSizeFlag, 0, "Only entries of at least this many bytes")
	cmd.Flags().Int(maxSizeFlag, 0, "Only entries of at most this many bytes")
	cmd.Flags().String(staleRootFlag, "", "Only entries that became stale with this root")
	cmd.Flags().String(cursorFlag, "", "Continue from the next_cursor of a previous page")
	cmd.Flags().Int(limitFlag, 0, "Page size. Defaults to the Recycle.ListLimit config value")
	return cmd
}

func parseFilter(flags *flag.FlagSet) (recycle.Filter, error) {
	var (
		filter recycle.Filter
		err    error
	)
	if filter.OlderThan, err = flags.GetDuration(olderThanFlag); err != nil {
		return filter, err
	}
	if filter.NewerThan, err = flags.GetDuration(newerThanFlag); err != nil {
		return filter, err
	}
	if filter.MinSize, err = flags.GetInt(minSizeFlag); err != nil {
		return filter, err
	}
	if filter.MaxSize, err = flags.GetInt(maxSizeFlag); err != nil {
		return filter, err
	}

	root, err := flags.GetString(staleRootFlag)
	if err != nil {
		return filter, err
	}
	if root != "" {
		filter.StaleRoot, err = smt.ParseHash(root)
		if err != nil {
			return filter, fmt.Errorf("cmd: while parsing '%s': %w", staleRootFlag, err)
		}
	}
	if filter.MaxSize > 0 && filter.MinSize > filter.MaxSize {
		return filter, fmt.Errorf("cmd: --%s %d exceeds --%s %d", minSizeFlag, filter.MinSize, maxSizeFlag, filter.MaxSize)
	}
	return filter, nil
}

func recycleClean() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "clean",
		Short:        "Deletes removed nodes for good. Requires --older-than or --all, and --yes.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				policy recycle.CleanPolicy
				err    error
			)
			if policy.OlderThan, err = cmd.Flags().GetDuration(olderThanFlag); err != nil {
				return err
			}
			if policy.All, err = cmd.Flags().GetBool(allFlag); err != nil {
				return err
			}
			if err := policy.Validate(); err != nil {
				return err
			}
			if policy.All && policy.OlderThan > 0 {
				return fmt.Errorf("cmd: --%s and --%s are mutually exclusive", allFlag, olderThanFlag)
			}
			yes, err := cmd.Flags().GetBool(yesFlag)
			if err != nil {
				return err
			}
			if !yes {
				return errNotConfirmed
			}

			ctx := cmd.Context()
			return withOffline(ctx, func(n *offlineNode) error {
				deleted, err := n.bin.Clean(ctx, policy)
				if err != nil {
					return err
				}
				return PrintOutput(map[string]int{"deleted": deleted}, nil, nil)
			})
		},
	}

	cmd.Flags().Duration(olderThanFlag, 0, "Delete entries removed at least this long ago")
	cmd.Flags().Bool(allFlag, false, "Delete every entry")
	cmd.Flags().Bool(yesFlag, false, "Confirm the deletion")
	return cmd
}

func recycleStats() *cobra.Command {
	return &cobra.Command{
		Use:          "stats",
		Short:        "Prints the number, size and age range of removed nodes.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withOffline(ctx, func(n *offlineNode) error {
				stats, err := n.bin.Stats(ctx)
				if err != nil {
					return err
				}
				return PrintOutput(stats, nil, nil)
			})
		},
	}
}
