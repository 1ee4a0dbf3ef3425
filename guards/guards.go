// Package guards implements the authorization layer of the dispatch pipeline.
//
// A Guard is a single-method capability check. Guards attach to a provider
// (class level, via registry.Guarded) and to individual capability
// definitions (method level); the pipeline runs provider guards first, then
// method guards, each set in declaration order. The first denial aborts the
// call and no further guards run.
package guards

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationRequired signals a call that carried no session
	// identity at all. Distinct from ErrAccessDenied so callers can tell
	// "log in" apart from "forbidden".
	ErrAuthenticationRequired = errors.New("authentication required: no session id provided")
	// ErrAccessDenied signals a guard denial or an unknown session id.
	ErrAccessDenied = errors.New("access denied")
)

// Guard decides whether a capability call may proceed. Implementations may
// block (ctx carries the transport's cancellation signal). Returning false
// denies the call; returning an error aborts it with that error.
type Guard interface {
	Allow(ctx context.Context, ec *ExecutionContext) (bool, error)
}

// GuardFunc adapts a plain function to the Guard interface.
type GuardFunc func(ctx context.Context, ec *ExecutionContext) (bool, error)

func (f GuardFunc) Allow(ctx context.Context, ec *ExecutionContext) (bool, error) {
	return f(ctx, ec)
}

// DeniedError is returned when a guard in the chain denies a call. It names
// the capability so transports can produce a useful access-denied message.
type DeniedError struct {
	Capability string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied for %s", e.Capability)
}

func (e *DeniedError) Unwrap() error { return ErrAccessDenied }

// Run evaluates guards strictly in order. Evaluation stops at the first
// denial or error; remaining guards never run.
func Run(ctx context.Context, gs []Guard, ec *ExecutionContext) error {
	for _, g := range gs {
		ok, err := g.Allow(ctx, ec)
		if err != nil {
			return err
		}
		if !ok {
			return &DeniedError{Capability: ec.Capability()}
		}
	}
	return nil
}
