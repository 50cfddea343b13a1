package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"github.com/smtnode/smtnode/pruner"
	"github.com/smtnode/smtnode/smt"
)

var (
	showFlag      = "show"
	toVersionFlag = "to-version"
	verifyFlag    = "verify"
)

// statePrunePrefix keeps the operator snapshot apart from the one the pruner service works from.
var statePrunePrefix = datastore.NewKey("/state-prune")

// errReplayUnsafe is returned when a replayed set misses nodes a fresh scan reaches.
var errReplayUnsafe = errors.New("cmd: replayed set misses reachable nodes")

// StatePrune constructs the CLI command group to capture an exact snapshot of the head state and
// check that replaying changesets over it keeps up with a fresh scan.
func StatePrune(fsets ...*flag.FlagSet) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state-prune [subcommand]",
		Short: "Snapshot and replay tools for the state pruner. The node must be stopped.",
	}
	cmd.AddCommand(statePruneSnapshot(), statePruneReplay())
	for _, sub := range cmd.Commands() {
		WithFlagSet(fsets)(sub)
	}
	return cmd
}

type snapshotReport struct {
	*pruner.Snapshot
	Age  string            `json:"age"`
	Scan *pruner.ScanStats `json:"scan,omitempty"`
}

func statePruneSnapshot() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "snapshot",
		Short:        "Captures the head state and builds its exact reachable set.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			show, err := cmd.Flags().GetBool(showFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return withOffline(ctx, func(n *offlineNode) error {
				snaps := n.snapshots(clock.New())
				if show {
					snap, err := snaps.Load(ctx)
					if err != nil {
						return err
					}
					return PrintOutput(&snapshotReport{
						Snapshot: snap,
						Age:      snaps.Age(snap).Round(time.Second).String(),
					}, nil, nil)
				}

				rep, err := captureExact(ctx, n, snaps)
				if err != nil {
					return err
				}
				return PrintOutput(rep, nil, nil)
			})
		},
	}
	cmd.Flags().Bool(showFlag, false, "Print the last captured snapshot instead of capturing a new one")
	return cmd
}

func (n *offlineNode) snapshots(clk clock.Clock) *pruner.SnapshotManager {
	params := pruner.DefaultSnapshotParams()
	params.LockTimeout = n.cfg.Pruner.Snapshot.LockTimeout
	params.MaxAge = n.cfg.Pruner.Snapshot.MaxAge
	params.EnableValidation = n.cfg.Pruner.Snapshot.EnableValidation
	return pruner.NewSnapshotManager(n.nodes, n.db, namespace.Wrap(n.ds, statePrunePrefix), clk, params)
}

// captureExact snapshots the head and scans only the head root, so that an exact replay of later
// changesets can be compared with a fresh scan of a later root.
func captureExact(ctx context.Context, n *offlineNode, snaps *pruner.SnapshotManager) (*snapshotReport, error) {
	snap, err := snaps.Capture(ctx)
	if err != nil {
		return nil, err
	}

	set := pruner.NewExactSet()
	stats, err := pruner.NewScanner(n.nodes, n.cfg.Pruner.ScanConcurrency).Scan(ctx, []smt.Hash{snap.Root}, set)
	if err != nil {
		return nil, err
	}
	snap.Nodes = set.Len()
	snap.Set = pruner.SetExact
	if err := snaps.Save(ctx, snap); err != nil {
		return nil, err
	}
	if err := snaps.SaveSet(ctx, set); err != nil {
		return nil, err
	}
	return &snapshotReport{
		Snapshot: snap,
		Age:      "0s",
		Scan:     &stats,
	}, nil
}

type replayResult struct {
	*pruner.ReplayReport
	Verify *verifyResult `json:"verify,omitempty"`
}

type verifyResult struct {
	Match   bool `json:"match"`
	Missing int  `json:"missing"`
	Extra   int  `json:"extra"`
}

func statePruneReplay() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "replay",
		Short:        "Replays changesets over the last snapshot in exact mode.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			to, err := cmd.Flags().GetUint64(toVersionFlag)
			if err != nil {
				return err
			}
			verify, err := cmd.Flags().GetBool(verifyFlag)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			return withOffline(ctx, func(n *offlineNode) error {
				res, err := replayExact(ctx, n, n.snapshots(clock.New()), to, verify)
				if err != nil {
					return err
				}
				if err := PrintOutput(res, nil, nil); err != nil {
					return err
				}
				if res.Verify != nil && res.Verify.Missing > 0 {
					return errReplayUnsafe
				}
				return nil
			})
		},
	}
	cmd.Flags().Uint64(toVersionFlag, 0, "Version to replay to. Defaults to the head")
	cmd.Flags().Bool(verifyFlag, false, "Compare the replayed set with a fresh scan of the target root")
	return cmd
}

func replayExact(
	ctx context.Context,
	n *offlineNode,
	snaps *pruner.SnapshotManager,
	to uint64,
	verify bool,
) (*replayResult, error) {
	snap, err := snaps.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot, run 'state-prune snapshot' first: %w", err)
	}
	loaded, err := snaps.LoadSet(ctx)
	if err != nil {
		return nil, err
	}
	set, ok := loaded.(*pruner.ExactSet)
	if !ok {
		return nil, fmt.Errorf("cmd: snapshot %s holds a %T, exact replay needs an exact set", snap.ID, loaded)
	}

	if to == 0 {
		to, _, err = n.nodes.Head(ctx)
		if err != nil {
			return nil, err
		}
	}
	if to < snap.Version {
		return nil, fmt.Errorf("cmd: --%s %d is below the snapshot version %d", toVersionFlag, to, snap.Version)
	}

	report, err := pruner.NewReplayer(n.nodes).Replay(ctx, snap, set, to, true)
	if err != nil {
		return nil, err
	}
	res := &replayResult{ReplayReport: report}
	if !verify {
		return res, nil
	}

	root, err := n.nodes.RootAt(ctx, to)
	if err != nil {
		return nil, err
	}
	fresh := pruner.NewExactSet()
	_, err = pruner.NewScanner(n.nodes, n.cfg.Pruner.ScanConcurrency).Scan(ctx, []smt.Hash{root}, fresh)
	if err != nil {
		return nil, err
	}
	res.Verify = &verifyResult{
		Match:   fresh.Equal(set),
		Missing: len(fresh.Difference(set)),
		Extra:   len(set.Difference(fresh)),
	}
	return res, nil
}
