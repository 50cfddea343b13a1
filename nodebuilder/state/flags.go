package state

import (
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

var (
	retainRootsFlag   = "state.retain-roots"
	nodeCacheSizeFlag = "state.node-cache"
)

// Flags gives a set of hardcoded State flags.
func Flags() *flag.FlagSet {
	flags := &flag.FlagSet{}

	flags.Uint64(
		retainRootsFlag,
		DefaultConfig().RetainRoots,
		"Number of most recent state roots kept fully readable. Older roots become prunable.",
	)
	flags.Int(
		nodeCacheSizeFlag,
		DefaultConfig().NodeCacheSize,
		"Number of encoded tree nodes cached in memory. 0 disables the cache.",
	)
	return flags
}

// ParseFlags parses State flags from the given cmd and saves them to the passed config.
func ParseFlags(cmd *cobra.Command, cfg *Config) error {
	if cmd.Flags().Changed(retainRootsFlag) {
		retain, err := cmd.Flags().GetUint64(retainRootsFlag)
		if err != nil {
			return err
		}
		cfg.RetainRoots = retain
	}

	if cmd.Flags().Changed(nodeCacheSizeFlag) {
		size, err := cmd.Flags().GetInt(nodeCacheSizeFlag)
		if err != nil {
			return err
		}
		cfg.NodeCacheSize = size
	}
	return cfg.Validate()
}
