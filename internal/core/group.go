package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/domain"
)

// room is one session's set of interested connections. Broadcasts for a
// session serialize on the room mutex, which is what gives subscribers
// a consistent causal order of membership events.
type room struct {
	mu    sync.Mutex
	conns map[ConnID]Conn
}

// Group maps session ids to the open connections currently interested
// in that session's events. It is a derived, rebuildable cache of
// socket interest, not the owner of membership truth, and depends on no
// transport library's grouping feature. A multi-instance deployment
// swaps this for a cross-instance pub/sub behind the same operations.
type Group struct {
	mu    sync.RWMutex
	rooms map[domain.SessionID]*room
}

func NewGroup() *Group {
	return &Group{rooms: make(map[domain.SessionID]*room)}
}

func (g *Group) get(sid domain.SessionID, create bool) *room {
	g.mu.RLock()
	r, ok := g.rooms[sid]
	g.mu.RUnlock()
	if ok || !create {
		return r
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok = g.rooms[sid]; ok {
		return r
	}
	r = &room{conns: make(map[ConnID]Conn)}
	g.rooms[sid] = r
	return r
}

// Add subscribes a connection to a session's events. Adding twice is a
// no-op.
func (g *Group) Add(sid domain.SessionID, c Conn) {
	r := g.get(sid, true)
	r.mu.Lock()
	r.conns[c.ID()] = c
	r.mu.Unlock()
}

// Remove unsubscribes a connection from one session.
func (g *Group) Remove(sid domain.SessionID, id ConnID) {
	r := g.get(sid, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, id)
	empty := len(r.conns) == 0
	r.mu.Unlock()

	if empty {
		g.mu.Lock()
		if r2, ok := g.rooms[sid]; ok && r2 == r {
			r.mu.Lock()
			if len(r.conns) == 0 {
				delete(g.rooms, sid)
			}
			r.mu.Unlock()
		}
		g.mu.Unlock()
	}
}

// Drop unsubscribes a connection from every session. Used on transport
// close.
func (g *Group) Drop(id ConnID) {
	g.mu.RLock()
	sids := make([]domain.SessionID, 0, len(g.rooms))
	for sid := range g.rooms {
		sids = append(sids, sid)
	}
	g.mu.RUnlock()

	for _, sid := range sids {
		g.Remove(sid, id)
	}
}

// Broadcast sends a frame to every connection subscribed to the
// session, minus the excluded ids. Returns the number of successful
// sends; backpressured receivers are dropped and logged.
func (g *Group) Broadcast(sid domain.SessionID, f Frame, exclude ...ConnID) int {
	r := g.get(sid, false)
	if r == nil {
		return 0
	}

	skip := make(map[ConnID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	sent := 0
	for id, c := range r.conns {
		if _, ok := skip[id]; ok {
			continue
		}
		if err := c.TrySend(f); err != nil {
			log.Warn().Str("module", "core.group").Str("session", string(sid)).Str("conn", string(id)).Err(err).Msg("broadcast drop")
			continue
		}
		sent++
	}
	return sent
}

// Size reports how many connections are subscribed to a session.
func (g *Group) Size(sid domain.SessionID) int {
	r := g.get(sid, false)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
