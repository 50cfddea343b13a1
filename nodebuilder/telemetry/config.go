package telemetry

import (
	"fmt"
	"net"
	"strings"
)

// Config configures metrics exporting.
type Config struct {
	// Enabled serves pruner and store metrics over HTTP in the Prometheus format.
	Enabled bool
	// Address the metrics server listens on.
	Address string
	// Endpoint is the HTTP path metrics are served under.
	Endpoint string
}

func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Address:  "localhost:9090",
		Endpoint: "/metrics",
	}
}

// Validate performs basic validation of the config.
func (cfg *Config) Validate() error {
	if !cfg.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return fmt.Errorf("telemetry: invalid address %q: %w", cfg.Address, err)
	}
	if !strings.HasPrefix(cfg.Endpoint, "/") {
		return fmt.Errorf("telemetry: endpoint %q must start with '/'", cfg.Endpoint)
	}
	return nil
}
