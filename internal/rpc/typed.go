package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadArgs marks arguments that do not match a method's contract. The
// reply carries protocol.ErrBadRequest instead of the generic marker.
var ErrBadArgs = errors.New("rpc: bad arguments")

// Handle adapts a typed single-argument function into a Handler. The first
// wire argument is decoded into A before fn runs.
func Handle[A, R any](fn func(context.Context, A) (R, error)) Handler {
	return func(ctx context.Context, args []json.RawMessage) (any, error) {
		var a A
		if len(args) == 0 {
			return nil, fmt.Errorf("%w: missing argument", ErrBadArgs)
		}
		if err := json.Unmarshal(args[0], &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadArgs, err)
		}
		return fn(ctx, a)
	}
}

// Handle0 adapts a function that takes no arguments. Extra arguments are
// ignored.
func Handle0[R any](fn func(context.Context) (R, error)) Handler {
	return func(ctx context.Context, _ []json.RawMessage) (any, error) {
		return fn(ctx)
	}
}
