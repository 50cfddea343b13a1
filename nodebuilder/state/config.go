package state

import (
	"errors"

	"github.com/smtnode/smtnode/store"
)

// Config contains configuration parameters for the state tree and its node store.
type Config struct {
	// RetainRoots is the number of most recent roots that stay fully readable.
	RetainRoots uint64
	// NodeCacheSize is the number of encoded nodes kept in memory. Zero disables the cache.
	NodeCacheSize int
}

func DefaultConfig() Config {
	return Config{
		RetainRoots:   128,
		NodeCacheSize: store.DefaultParameters().NodeCacheSize,
	}
}

// Validate performs basic validation of the config.
func (cfg *Config) Validate() error {
	if cfg.RetainRoots == 0 {
		return errors.New("state: at least one root must be retained")
	}
	if cfg.NodeCacheSize < 0 {
		return errors.New("state: node cache size cannot be negative")
	}
	return nil
}
