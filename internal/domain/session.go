// Package domain contains entities without logic, just meta-data.
package domain

const MaxSessionIDLen = 64

type (
	SessionID string
	UserID    int64
)

// Valid reports whether the id can name a session at all. Whether the
// session actually exists is the scheduling system's call, not ours.
func (s SessionID) Valid() bool {
	return len(s) > 0 && len(s) <= MaxSessionIDLen
}

// Member is one user's presence in one session. A (UserID, SessionID)
// pair appears at most once in the membership store.
type Member struct {
	UserID    UserID    `json:"userId"`
	SessionID SessionID `json:"sessionId"`
}
