// Package admin provides the authorization capability gating
// administrative operations. The engine is authorization-scheme
// agnostic; callers supply whatever Authorizer matches their
// deployment.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
)

// ErrUnauthorized is returned when an administrative credential is
// missing or does not match.
var ErrUnauthorized = errors.New("administrative authorization required")

// Authorizer validates an administrative credential before a mutating
// configuration call is allowed to proceed.
type Authorizer interface {
	Authorize(ctx context.Context, token string) error
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, token string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, token string) error {
	if f == nil {
		return ErrUnauthorized
	}
	return f(ctx, token)
}

// StaticTokenAuthorizer accepts a single pre-shared token.
type StaticTokenAuthorizer struct {
	token string
}

// NewStaticTokenAuthorizer constructs an authorizer around a pre-shared
// token. An empty token rejects every call.
func NewStaticTokenAuthorizer(token string) *StaticTokenAuthorizer {
	return &StaticTokenAuthorizer{token: token}
}

func (a *StaticTokenAuthorizer) Authorize(_ context.Context, token string) error {
	if a.token == "" || token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(a.token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll authorizes every caller. Intended for tests and local
// development only.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string) error { return nil }
