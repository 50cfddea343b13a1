package store

import (
	"errors"
)

type Parameters struct {
	// NodeCacheSize is the number of encoded nodes kept in the read cache.
	// Zero disables the cache.
	NodeCacheSize int
}

// DefaultParameters returns the default configuration values for the node store parameters.
func DefaultParameters() *Parameters {
	return &Parameters{
		NodeCacheSize: 65536,
	}
}

func (p *Parameters) Validate() error {
	if p.NodeCacheSize < 0 {
		return errors.New("node cache size cannot be negative")
	}
	return nil
}
