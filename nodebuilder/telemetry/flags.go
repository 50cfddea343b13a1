package telemetry

import (
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
)

var (
	metricsFlag        = "metrics"
	metricsAddressFlag = "metrics.address"
)

// Flags gives a set of hardcoded metrics flags.
func Flags() *flag.FlagSet {
	flags := &flag.FlagSet{}

	flags.Bool(
		metricsFlag,
		false,
		"Enables Prometheus metrics served over HTTP",
	)
	flags.String(
		metricsAddressFlag,
		DefaultConfig().Address,
		"Sets the address the metrics server listens on. Depends on '--metrics'",
	)
	return flags
}

// ParseFlags parses metrics flags from the given cmd and saves them to the passed config.
func ParseFlags(cmd *cobra.Command, cfg *Config) error {
	if cmd.Flags().Changed(metricsFlag) {
		enabled, err := cmd.Flags().GetBool(metricsFlag)
		if err != nil {
			return err
		}
		cfg.Enabled = enabled
	}
	if cmd.Flags().Changed(metricsAddressFlag) {
		cfg.Address = cmd.Flag(metricsAddressFlag).Value.String()
	}
	return cfg.Validate()
}
