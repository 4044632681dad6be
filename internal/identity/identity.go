// Package identity carries who is acting. The daemon authenticates API
// callers with a static bearer token and threads the resulting caller through
// request contexts so commits can be attributed.
package identity

import (
	"context"
	"crypto/subtle"
	"errors"
)

// Role classifies what a caller may do.
type Role string

const (
	// RoleAdmin may manage configuration and jobs.
	RoleAdmin Role = "admin"
	// RoleReviewer may inspect and commit potential matches.
	RoleReviewer Role = "reviewer"
)

// ErrUnauthorized indicates a missing or invalid credential.
var ErrUnauthorized = errors.New("unauthorized")

// Caller identifies one authenticated API client.
type Caller struct {
	Subject string
	Role    Role
}

// CanReview reports whether the caller may commit potential matches.
func (c *Caller) CanReview() bool {
	return c != nil && (c.Role == RoleAdmin || c.Role == RoleReviewer)
}

// CanAdminister reports whether the caller may manage configs and jobs.
func (c *Caller) CanAdminister() bool {
	return c != nil && c.Role == RoleAdmin
}

type contextKey struct{}

// WithCaller attaches the caller to a request context.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

// CallerFrom extracts the caller from a context, if any.
func CallerFrom(ctx context.Context) *Caller {
	caller, _ := ctx.Value(contextKey{}).(*Caller)
	return caller
}

// Authorizer turns presented credentials into callers.
type Authorizer interface {
	Authenticate(token string) (*Caller, error)
}

// StaticToken authenticates a single shared bearer token as an admin caller.
// An empty configured token disables authentication and grants admin to
// every caller, which keeps loopback-only deployments simple.
type StaticToken struct {
	token string
}

// NewStaticToken builds the static token authorizer.
func NewStaticToken(token string) *StaticToken {
	return &StaticToken{token: token}
}

// Authenticate checks the presented token in constant time.
func (s *StaticToken) Authenticate(token string) (*Caller, error) {
	if s.token == "" {
		return &Caller{Subject: "anonymous", Role: RoleAdmin}, nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
		return nil, ErrUnauthorized
	}
	return &Caller{Subject: "api-token", Role: RoleAdmin}, nil
}
