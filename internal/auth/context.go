// ABOUTME: Authenticated principal carried through request handlers via context
// ABOUTME: Provides WithPrincipal/FromContext for propagating identity

package auth

import (
	"context"
)

// Kind distinguishes worker processes from human operators.
type Kind string

const (
	KindWorker    Kind = "worker"
	KindOperator  Kind = "operator"
	KindAnonymous Kind = "anonymous"
)

// Principal is the authenticated identity behind a stream or API call.
type Principal struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`
}

// Anonymous is attached when authentication is disabled.
var Anonymous = Principal{ID: "anonymous", Kind: KindAnonymous}

// IsOperator reports whether the principal may use the operator API.
func (p Principal) IsOperator() bool {
	return p.Kind == KindOperator || p.Kind == KindAnonymous
}

type principalKey struct{}

// WithPrincipal returns a new context with the principal attached.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the principal from the context.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
