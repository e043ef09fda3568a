// Package simple contains the unthrottled export policy used when no
// export rate is configured.
package simple

import "context"

// Policy admits every call immediately.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Wait returns at once unless ctx is already done.
func (Policy) Wait(ctx context.Context, _ string) error {
	return ctx.Err()
}
