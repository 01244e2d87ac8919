// Package app owns the server-side presence logic: the per-connection
// state machine, the signaling relay and their supporting pieces.
package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/core"
	"github.com/classpeer/presence/internal/domain"
)

// connState is everything the coordinator tracks for one connection.
// opMu serializes this connection's mutating presence requests so a
// leave can never race ahead of an in-flight join on the same socket.
// Different connections proceed fully in parallel.
type connState struct {
	opMu sync.Mutex

	identity domain.Identity
	conn     core.Conn

	joined   map[domain.SessionID]struct{}
	watching map[domain.SessionID]struct{}
	gone     bool
}

// Registry maps open connections to their presence state.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*connState
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[core.ConnID]*connState)}
}

func (r *Registry) Bind(conn core.Conn, id domain.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = &connState{
		identity: id,
		conn:     conn,
		joined:   make(map[domain.SessionID]struct{}),
		watching: make(map[domain.SessionID]struct{}),
	}
	log.Info().Str("module", "app.registry").Str("conn", string(conn.ID())).Int64("user", int64(id.UserID)).Msg("bound connection")
}

func (r *Registry) get(id core.ConnID) *connState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// unbind removes the connection and returns its final state for
// cleanup, or nil if it was never bound (or already unbound).
func (r *Registry) unbind(id core.ConnID) *connState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.conns[id]
	delete(r.conns, id)
	return st
}

// Identity reports the identity bound to a connection.
func (r *Registry) Identity(id core.ConnID) (domain.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.conns[id]
	if !ok {
		return domain.Identity{}, false
	}
	return st.identity, true
}

// Joined reports whether the connection is currently a joined member of
// the session.
func (r *Registry) Joined(id core.ConnID, sid domain.SessionID) bool {
	st := r.get(id)
	if st == nil {
		return false
	}
	st.opMu.Lock()
	defer st.opMu.Unlock()
	_, ok := st.joined[sid]
	return ok
}
