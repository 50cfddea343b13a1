package fxutil

import (
	"context"

	"go.uber.org/fx"
)

// WithLifecycle wraps a context to be canceled when the lifecycle stops.
func WithLifecycle(ctx context.Context, lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	lc.Append(fx.StopHook(cancel))
	return ctx
}

// InvokeIf invokes a given function if a condition is met.
func InvokeIf(cond bool, function any) fx.Option {
	if cond {
		return fx.Invoke(function)
	}
	return fx.Options()
}

// OptionsIf returns the given options if a condition is met.
func OptionsIf(cond bool, opts ...fx.Option) fx.Option {
	if cond {
		return fx.Options(opts...)
	}
	return fx.Options()
}
