package statedb

import (
	"errors"
)

type Option func(*Params)

type Params struct {
	// retainRoots is the number of most recent roots kept live regardless of pins.
	retainRoots uint64
}

func (p *Params) Validate() error {
	if p.retainRoots == 0 {
		return errors.New("statedb: at least one root must be retained")
	}
	return nil
}

func DefaultParams() Params {
	return Params{
		retainRoots: 16,
	}
}

// WithRetainRoots sets how many of the most recent roots stay live.
func WithRetainRoots(n uint64) Option {
	return func(p *Params) {
		p.retainRoots = n
	}
}
