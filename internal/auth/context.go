// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/Interstation-Research/shaman/internal/domain"
)

type callerContextKey struct{}

var ctxCallerKey callerContextKey

// Caller is the account a request acts as, taken from the bearer token subject.
type Caller struct {
	Address domain.Address
	TokenID string
}

// WithCaller stores the authenticated caller on the request context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, ctxCallerKey, c)
}

// CallerFromContext reads the authenticated caller from context.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(ctxCallerKey).(Caller)
	if !ok || c.Address.IsZero() {
		return Caller{}, false
	}
	return c, true
}

func AddressFromContext(ctx context.Context) (domain.Address, bool) {
	c, ok := CallerFromContext(ctx)
	return c.Address, ok
}
