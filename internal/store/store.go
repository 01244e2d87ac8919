// Package store is the typed client for the process-external membership
// store: one set of member user ids per session id.
package store

import (
	"context"
	"errors"

	"github.com/classpeer/presence/internal/domain"
)

// ErrUnavailable wraps transient store failures. The coordinator treats
// it as "cannot confirm" and denies the operation rather than guessing;
// no silent over-capacity joins.
var ErrUnavailable = errors.New("membership store unavailable")

// Members is the durable owner of current membership. All operations
// are idempotent set updates.
type Members interface {
	// Add inserts the user into the session's member set. Adding an
	// existing member succeeds without effect.
	Add(ctx context.Context, sid domain.SessionID, uid domain.UserID) error
	// Remove deletes the user from the session's member set. Removing a
	// non-member succeeds without effect.
	Remove(ctx context.Context, sid domain.SessionID, uid domain.UserID) error
	// List returns the current member set. Unknown sessions yield an
	// empty set, never an error.
	List(ctx context.Context, sid domain.SessionID) ([]domain.UserID, error)
}
