package pruner

import (
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

var (
	archivalModeFlag = "archival-mode"
	pruneCycleFlag   = "pruner.cycle"
	batchSizeFlag    = "pruner.batch-size"
	reachableSetFlag = "pruner.reachable-set"
	bloomFPRateFlag  = "pruner.bloom-fp-rate"
)

func Flags() *flag.FlagSet {
	flags := &flag.FlagSet{}
	defaults := DefaultConfig()

	flags.Bool(
		archivalModeFlag,
		false,
		"Enables archival mode. When enabled, the node will not prune superseded state nodes.",
	)
	flags.Duration(
		pruneCycleFlag,
		defaults.PruneCycle,
		"Interval between pruning cycles.",
	)
	flags.Int(
		batchSizeFlag,
		defaults.BatchSize,
		"Number of stale index entries swept per batch.",
	)
	flags.String(
		reachableSetFlag,
		defaults.ReachableSet,
		"Structure holding the nodes reachable from live roots: 'bloom' or 'exact'. "+
			"'exact' keeps every hash in memory and suits small states only.",
	)
	flags.Float64(
		bloomFPRateFlag,
		defaults.BloomFalsePositiveRate,
		"Target false positive rate of the bloom reachable set. False positives only delay reclamation.",
	)
	return flags
}

func ParseFlags(
	cmd *cobra.Command,
	cfg *Config,
) error {
	var err error
	if cmd.Flags().Changed(archivalModeFlag) {
		archivalMode, err := cmd.Flags().GetBool(archivalModeFlag)
		if err != nil {
			return err
		}
		cfg.EnableService = !archivalMode
	}

	if cmd.Flags().Changed(pruneCycleFlag) {
		cfg.PruneCycle, err = cmd.Flags().GetDuration(pruneCycleFlag)
		if err != nil {
			return err
		}
	}
	if cmd.Flags().Changed(batchSizeFlag) {
		cfg.BatchSize, err = cmd.Flags().GetInt(batchSizeFlag)
		if err != nil {
			return err
		}
	}
	if cmd.Flags().Changed(reachableSetFlag) {
		cfg.ReachableSet = cmd.Flag(reachableSetFlag).Value.String()
	}
	if cmd.Flags().Changed(bloomFPRateFlag) {
		cfg.BloomFalsePositiveRate, err = cmd.Flags().GetFloat64(bloomFPRateFlag)
		if err != nil {
			return err
		}
	}
	return cfg.Validate()
}
