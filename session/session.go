// Package session holds the authenticated identity of a browser and the
// per-request context derived from it.
package session

import (
	"context"
	"slices"
	"time"
)

// AuthenticatedSession is created only by a successful callback. It is
// either complete or absent; there is no partially authenticated value.
type AuthenticatedSession struct {
	SessionID   string
	SubjectID   string
	DisplayName string
	Email       string
	Roles       []string
	IssuedAt    time.Time
	ExpiresAt   time.Time

	// BearerToken is the identity provider's access token. It never leaves
	// the server except inside the encrypted session cookie.
	BearerToken string
}

// State of the Session Authentication Context.
type State int

const (
	// Anonymous is a request without a valid session.
	Anonymous State = iota
	// Authenticated is a request carrying a decoded, unexpired session.
	Authenticated
)

func (s State) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "anonymous"
}

// Claims are the identity facts exposed to handlers.
type Claims struct {
	Subject string
	Name    string
	Email   string
	Roles   []string
}

// Context is the authentication state of a single request. Build a new one
// for every request; it is never cached across requests.
type Context struct {
	session *AuthenticatedSession
}

// AnonymousContext returns the context of a request without a session.
func AnonymousContext() Context {
	return Context{}
}

// NewContext returns an Authenticated context for s, or an Anonymous one
// when s is nil.
func NewContext(s *AuthenticatedSession) Context {
	if s == nil {
		return Context{}
	}
	cp := *s
	cp.Roles = slices.Clone(s.Roles)
	return Context{session: &cp}
}

// State reports whether the request is authenticated.
func (c Context) State() State {
	if c.session == nil {
		return Anonymous
	}
	return Authenticated
}

// IsAuthenticated is shorthand for State() == Authenticated.
func (c Context) IsAuthenticated() bool {
	return c.State() == Authenticated
}

// Claims is the zero value for anonymous requests.
func (c Context) Claims() Claims {
	if c.session == nil {
		return Claims{}
	}
	return Claims{
		Subject: c.session.SubjectID,
		Name:    c.session.DisplayName,
		Email:   c.session.Email,
		Roles:   slices.Clone(c.session.Roles),
	}
}

// ExpiresAt is when the session ends; zero for anonymous requests.
func (c Context) ExpiresAt() time.Time {
	if c.session == nil {
		return time.Time{}
	}
	return c.session.ExpiresAt
}

// SessionID identifies the session in logs; empty for anonymous requests.
func (c Context) SessionID() string {
	if c.session == nil {
		return ""
	}
	return c.session.SessionID
}

// BearerToken is empty for anonymous requests.
func (c Context) BearerToken() string {
	if c.session == nil {
		return ""
	}
	return c.session.BearerToken
}

type contextKey struct{}

// WithContext threads c through a request context.
func WithContext(ctx context.Context, c Context) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the request's authentication context, Anonymous when
// none was attached.
func FromContext(ctx context.Context) Context {
	c, _ := ctx.Value(contextKey{}).(Context)
	return c
}
