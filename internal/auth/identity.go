// Package auth resolves who is behind a connection and whether they may
// join a session right now.
package auth

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/classpeer/presence/internal/domain"
)

// Resolver turns an incoming upgrade request into an identity. A failed
// resolution is not an error: the connection is admitted as anonymous
// and every presence operation on it is denied.
type Resolver interface {
	Resolve(c *gin.Context) domain.Identity
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(c *gin.Context) domain.Identity

func (f ResolverFunc) Resolve(c *gin.Context) domain.Identity { return f(c) }

// SessionResolver reads the identity from the cookie session written by
// the platform's auth service at login.
type SessionResolver struct{}

func (SessionResolver) Resolve(c *gin.Context) domain.Identity {
	s := sessions.Default(c)

	uid, ok := s.Get("uid").(int64)
	if !ok || uid <= 0 {
		return domain.Anonymous()
	}
	if ghost, _ := s.Get("ghost").(bool); ghost {
		return domain.Identity{UserID: domain.UserID(uid), Kind: domain.IdentityGhost}
	}
	return domain.Identity{UserID: domain.UserID(uid), Kind: domain.IdentityUser}
}
