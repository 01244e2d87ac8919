package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/auth"
	"github.com/classpeer/presence/internal/core"
	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/store"
	"github.com/classpeer/presence/internal/wire"
)

const defaultAckTimeout = 5 * time.Second

// Coordinator is the authoritative per-connection state machine for a
// user's relationship to a session: Unjoined → Subscribed → Joined →
// Left/Disconnected. The membership store owns the truth; the broadcast
// group is a derived cache of socket interest.
type Coordinator struct {
	Registry *Registry
	Group    *core.Group
	Members  store.Members
	Oracle   auth.Oracle
	Recorder *Recorder
	Limiter  *JoinLimiter

	// AckTimeout bounds the oracle and store work of one request, so a
	// caller is never left waiting on a wedged dependency.
	AckTimeout time.Duration

	locks keyedMutex
}

// PreJoin subscribes the connection to a session's events without
// consuming a membership slot. No store mutation happens here.
func (c *Coordinator) PreJoin(ctx context.Context, connID core.ConnID, sid domain.SessionID, ack domain.AckFunc) {
	ack = ackOnce(ack)
	defer ackGuard(ack)

	st := c.Registry.get(connID)
	if st == nil {
		ack(domain.AckDeny(domain.AckUnreachable, "unknown connection"))
		return
	}

	st.opMu.Lock()
	defer st.opMu.Unlock()
	if st.gone {
		ack(domain.AckDeny(domain.AckUnreachable, "connection closed"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout())
	defer cancel()

	dec := c.Oracle.AuthorizeWatch(ctx, st.identity, sid)
	if !dec.OK() {
		ack(dec)
		return
	}

	ack(domain.AckOkay())
	c.Group.Add(sid, st.conn)
	st.watching[sid] = struct{}{}
	log.Info().Str("module", "app.coordinator").Str("conn", string(connID)).Str("session", string(sid)).Msg("pre-join")
}

// Join makes the connection a full member of the session. On success
// MemberJoinedSession is broadcast to the whole group including the
// joiner itself. A second Join for an already-joined connection
// short-circuits to Ok without a duplicate broadcast.
func (c *Coordinator) Join(ctx context.Context, connID core.ConnID, sid domain.SessionID, ack domain.AckFunc) {
	ack = ackOnce(ack)
	defer ackGuard(ack)

	st := c.Registry.get(connID)
	if st == nil {
		ack(domain.AckDeny(domain.AckUnreachable, "unknown connection"))
		return
	}

	st.opMu.Lock()
	defer st.opMu.Unlock()
	if st.gone {
		ack(domain.AckDeny(domain.AckUnreachable, "connection closed"))
		return
	}
	if _, ok := st.joined[sid]; ok {
		ack(domain.AckOkay())
		return
	}

	uid := st.identity.UserID
	if c.Limiter != nil && st.identity.IsUser() && !c.Limiter.Allow(uid) {
		ack(domain.AckDeny(domain.AckUnauthorized, "too many join attempts, slow down"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout())
	defer cancel()

	// The capacity check and the store insert must be atomic per
	// session, otherwise two racing joins can both pass the check.
	c.locks.lock(sid)
	defer c.locks.unlock(sid)

	dec := c.Oracle.AuthorizeJoin(ctx, st.identity, sid)
	if !dec.OK() {
		ack(dec)
		return
	}

	if err := c.Members.Add(ctx, sid, uid); err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Str("session", string(sid)).Msg("member add failed")
		ack(domain.AckDeny(domain.AckUnreachable, "could not join session, try again"))
		return
	}

	st.joined[sid] = struct{}{}
	delete(st.watching, sid)
	c.Group.Add(sid, st.conn)
	if c.Recorder != nil {
		c.Recorder.Record(EventMemberJoined, uid, sid)
	}

	ack(domain.AckOkay())
	c.broadcast(sid, wire.ServerMemberJoined, domain.MemberJoined{UserID: uid})
	log.Info().Str("module", "app.coordinator").Str("conn", string(connID)).Str("session", string(sid)).Int64("user", int64(uid)).Msg("joined")
}

// Leave removes the connection's membership. MemberLeftSession goes to
// the remaining group only; the leaver updates its own state from the
// acknowledgement. The connection stays subscribed as a watcher.
func (c *Coordinator) Leave(ctx context.Context, connID core.ConnID, sid domain.SessionID, ack domain.AckFunc) {
	ack = ackOnce(ack)
	defer ackGuard(ack)

	st := c.Registry.get(connID)
	if st == nil {
		ack(domain.AckDeny(domain.AckUnreachable, "unknown connection"))
		return
	}

	st.opMu.Lock()
	defer st.opMu.Unlock()
	if _, ok := st.joined[sid]; !ok {
		ack(domain.AckDeny(domain.AckNotMember, "you are not a member of this session"))
		return
	}

	uid := st.identity.UserID
	ctx, cancel := context.WithTimeout(ctx, c.ackTimeout())
	defer cancel()

	c.locks.lock(sid)
	defer c.locks.unlock(sid)

	if err := c.Members.Remove(ctx, sid, uid); err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Str("session", string(sid)).Msg("member remove failed")
		ack(domain.AckDeny(domain.AckUnreachable, "could not leave session, try again"))
		return
	}

	delete(st.joined, sid)
	st.watching[sid] = struct{}{}
	if c.Recorder != nil {
		c.Recorder.Record(EventMemberLeft, uid, sid)
	}

	ack(domain.AckOkay())
	c.broadcast(sid, wire.ServerMemberLeft, domain.MemberLeft{UserID: uid}, connID)
	log.Info().Str("module", "app.coordinator").Str("conn", string(connID)).Str("session", string(sid)).Int64("user", int64(uid)).Msg("left")
}

// Disconnect performs the same cleanup as an explicit leave for every
// joined session. Other members cannot tell a crash from a leave, and a
// crashed client never occupies a capacity slot. Blocks until in-flight
// mutating requests for this connection have finished, so a join that
// races the disconnect is still cleaned up.
func (c *Coordinator) Disconnect(connID core.ConnID) {
	st := c.Registry.unbind(connID)
	if st == nil {
		return
	}

	st.opMu.Lock()
	st.gone = true
	joined := make([]domain.SessionID, 0, len(st.joined))
	for sid := range st.joined {
		joined = append(joined, sid)
	}
	uid := st.identity.UserID
	st.opMu.Unlock()

	for _, sid := range joined {
		ctx, cancel := context.WithTimeout(context.Background(), c.ackTimeout())
		// Remove and broadcast under the session lock, same as Join and
		// Leave: a join racing this cleanup must not announce itself
		// before the departure that made room for it goes out.
		c.locks.lock(sid)
		err := c.Members.Remove(ctx, sid, uid)
		if err != nil {
			c.locks.unlock(sid)
			cancel()
			log.Error().Err(err).Str("module", "app.coordinator").Str("session", string(sid)).Int64("user", int64(uid)).Msg("disconnect cleanup failed")
			continue
		}
		if c.Recorder != nil {
			c.Recorder.Record(EventMemberLeft, uid, sid)
		}
		c.broadcast(sid, wire.ServerMemberLeft, domain.MemberLeft{UserID: uid}, connID)
		c.locks.unlock(sid)
		cancel()
	}

	c.Group.Drop(connID)
	log.Info().Str("module", "app.coordinator").Str("conn", string(connID)).Int("sessions", len(joined)).Msg("disconnected")
}

func (c *Coordinator) ackTimeout() time.Duration {
	if c.AckTimeout > 0 {
		return c.AckTimeout
	}
	return defaultAckTimeout
}

func (c *Coordinator) broadcast(sid domain.SessionID, tag wire.Tag, v any, exclude ...core.ConnID) {
	frame, err := wire.Encode(tag, v)
	if err != nil {
		log.Error().Err(err).Str("module", "app.coordinator").Uint8("tag", uint8(tag)).Msg("broadcast encode")
		return
	}
	c.Group.Broadcast(sid, core.Frame(frame), exclude...)
}

// ackOnce makes an ack callback safe to call any number of times and
// nil-safe: the caller learns the outcome exactly once.
func ackOnce(ack domain.AckFunc) domain.AckFunc {
	if ack == nil {
		return func(domain.Ack) {}
	}
	var once sync.Once
	return func(a domain.Ack) {
		once.Do(func() { ack(a) })
	}
}

// ackGuard converts a handler panic into an Unreachable acknowledgement
// so the caller is never left waiting.
func ackGuard(ack domain.AckFunc) {
	if r := recover(); r != nil {
		log.Error().Interface("panic", r).Str("module", "app.coordinator").Msg("handler panic")
		ack(domain.AckDeny(domain.AckUnreachable, "internal error"))
	}
}

// keyedMutex hands out one mutex per session id, reference counted so
// idle entries do not accumulate.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[domain.SessionID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(sid domain.SessionID) {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[domain.SessionID]*lockEntry)
	}
	e, ok := k.entries[sid]
	if !ok {
		e = &lockEntry{}
		k.entries[sid] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

func (k *keyedMutex) unlock(sid domain.SessionID) {
	k.mu.Lock()
	e := k.entries[sid]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, sid)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}
