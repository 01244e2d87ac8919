package app_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classpeer/presence/internal/app"
	"github.com/classpeer/presence/internal/auth"
	"github.com/classpeer/presence/internal/core"
	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/store"
	"github.com/classpeer/presence/internal/wire"
)

type fakeConn struct {
	id core.ConnID

	mu     sync.Mutex
	frames []core.Frame
}

func (f *fakeConn) ID() core.ConnID { return f.id }

func (f *fakeConn) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() {}

type event struct {
	tag    wire.Tag
	userID domain.UserID
}

// events decodes every captured broadcast frame.
func (f *fakeConn) events(t *testing.T) []event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]event, 0, len(f.frames))
	for _, fr := range f.frames {
		tag, raw, err := wire.Decode(fr)
		require.NoError(t, err)
		var p struct {
			UserID domain.UserID `json:"userId"`
		}
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, event{tag: tag, userID: p.UserID})
	}
	return out
}

var allowAll = auth.ScheduleFunc(func(context.Context, domain.UserID, domain.SessionID) (bool, error) {
	return true, nil
})

func newCoordinator(members store.Members, capacity int) *app.Coordinator {
	return &app.Coordinator{
		Registry:   app.NewRegistry(),
		Group:      core.NewGroup(),
		Members:    members,
		Oracle:     auth.NewOracle(allowAll, members, capacity),
		AckTimeout: 2 * time.Second,
	}
}

func bind(c *app.Coordinator, id core.ConnID, uid domain.UserID) *fakeConn {
	conn := &fakeConn{id: id}
	c.Registry.Bind(conn, domain.Identity{UserID: uid, Kind: domain.IdentityUser})
	return conn
}

func call(t *testing.T, op func(domain.AckFunc)) domain.Ack {
	t.Helper()
	var got []domain.Ack
	op(func(a domain.Ack) { got = append(got, a) })
	require.Len(t, got, 1, "acknowledgement must be invoked exactly once")
	return got[0]
}

func TestJoinBroadcastsIncludingSelf(t *testing.T) {
	ctx := context.Background()
	members := store.NewMemory()
	c := newCoordinator(members, 2)

	a := bind(c, "conn-a", 1)
	b := bind(c, "conn-b", 2)

	ack := call(t, func(f domain.AckFunc) { c.Join(ctx, a.ID(), "s1", f) })
	assert.True(t, ack.OK())
	ack = call(t, func(f domain.AckFunc) { c.Join(ctx, b.ID(), "s1", f) })
	assert.True(t, ack.OK())

	ids, err := members.List(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.UserID{1, 2}, ids)

	// A was in the group for both joins: its own (self notification)
	// and B's.
	assert.Equal(t, []event{
		{wire.ServerMemberJoined, 1},
		{wire.ServerMemberJoined, 2},
	}, a.events(t))
	// B subscribed at join time and sees its own join only.
	assert.Equal(t, []event{{wire.ServerMemberJoined, 2}}, b.events(t))
}

func TestJoinIdempotent(t *testing.T) {
	ctx := context.Background()
	members := store.NewMemory()
	c := newCoordinator(members, 2)
	a := bind(c, "conn-a", 1)

	for i := 0; i < 3; i++ {
		ack := call(t, func(f domain.AckFunc) { c.Join(ctx, a.ID(), "s1", f) })
		assert.True(t, ack.OK())
	}

	ids, err := members.List(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{1}, ids)
	// Redundant joins short-circuit: one broadcast only.
	assert.Len(t, a.events(t), 1)
}

func TestThirdJoinDeniedAtCapacity(t *testing.T) {
	ctx := context.Background()
	members := store.NewMemory()
	c := newCoordinator(members, 2)

	a := bind(c, "conn-a", 1)
	b := bind(c, "conn-b", 2)
	x := bind(c, "conn-x", 3)

	call(t, func(f domain.AckFunc) { c.Join(ctx, a.ID(), "s1", f) })
	call(t, func(f domain.AckFunc) { c.Join(ctx, b.ID(), "s1", f) })

	ack := call(t, func(f domain.AckFunc) { c.Join(ctx, x.ID(), "s1", f) })
	assert.Equal(t, domain.AckSessionFull, ack.Code)

	ids, err := members.List(ctx, "s1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.UserID{1, 2}, ids)
	assert.Empty(t, x.events(t))
}

func TestLeaveBroadcastsToRemainingOnly(t *testing.T) {
	ctx := context.Background()
	members := store.NewMemory()
	c := newCoordinator(members, 2)

	a := bind(c, "conn-a", 1)
	b := bind(c, "conn-b", 2)
	call(t, func(f domain.AckFunc) { c.Join(ctx, a.ID(), "s1", f) })
	call(t, func(f domain.AckFunc) { c.Join(ctx, b.ID(), "s1", f) })

	ack := call(t, func(f domain.AckFunc) { c.Leave(ctx, a.ID(), "s1", f) })
	assert.True(t, ack.OK())

	ids, err := members.List(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{2}, ids)

	// B sees the leave; A does not notify itself.
	bEvents := b.events(t)
	assert.Equal(t, event{wire.ServerMemberLeft, 1}, bEvents[len(bEvents)-1])
	for _, e := range a.events(t) {
		assert.NotEqual(t, wire.ServerMemberLeft, e.tag)
	}
}

func TestLeaveWithoutJoin(t *testing.T) {
	c := newCoordinator(store.NewMemory(), 2)
	a := bind(c, "conn-a", 1)

	ack := call(t, func(f domain.AckFunc) { c.Leave(context.Background(), a.ID(), "s1", f) })
	assert.Equal(t, domain.AckNotMember, ack.Code)
}

func TestDisconnectCleansUpLikeLeave(t *testing.T) {
	ctx := context.Background()
	members := store.NewMemory()
	c := newCoordinator(members, 2)

	a := bind(c, "conn-a", 1)
	b := bind(c, "conn-b", 2)
	call(t, func(f domain.AckFunc) { c.Join(ctx, a.ID(), "s1", f) })
	call(t, func(f domain.AckFunc) { c.Join(ctx, b.ID(), "s1", f) })

	c.Disconnect(b.ID())

	ids, err := members.List(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{1}, ids)

	left := 0
	for _, e := range a.events(t) {
		if e.tag == wire.ServerMemberLeft {
			left++
			assert.Equal(t, domain.UserID(2), e.userID)
		}
	}
	assert.Equal(t, 1, left, "exactly one MemberLeftSession broadcast")

	// A second disconnect for the same connection is a no-op.
	c.Disconnect(b.ID())
	assert.Equal(t, []domain.UserID{1}, mustList(t, members, "s1"))
}

func TestDisconnectBroadcastOrderedWithRacingJoin(t *testing.T) {
	ctx := context.Background()

	// Capacity 1: the racing join can only succeed once the disconnect
	// has freed the slot, so its MemberJoinedSession causally depends on
	// the MemberLeftSession and a watcher must see them in that order.
	for round := 0; round < 200; round++ {
		members := store.NewMemory()
		c := newCoordinator(members, 1)

		w := bind(c, "conn-w", 9)
		b := bind(c, "conn-b", 2)
		x := bind(c, "conn-x", 3)

		call(t, func(f domain.AckFunc) { c.PreJoin(ctx, w.ID(), "s1", f) })
		call(t, func(f domain.AckFunc) { c.Join(ctx, b.ID(), "s1", f) })

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				var ok bool
				c.Join(ctx, x.ID(), "s1", func(a domain.Ack) { ok = a.OK() })
				if ok {
					return
				}
			}
		}()
		c.Disconnect(b.ID())
		<-done

		leftAt, joinedAt := -1, -1
		for i, e := range w.events(t) {
			if leftAt == -1 && e.tag == wire.ServerMemberLeft && e.userID == 2 {
				leftAt = i
			}
			if joinedAt == -1 && e.tag == wire.ServerMemberJoined && e.userID == 3 {
				joinedAt = i
			}
		}
		require.NotEqual(t, -1, leftAt)
		require.NotEqual(t, -1, joinedAt)
		require.Less(t, leftAt, joinedAt, "departure must precede the join it made room for")
	}
}

// gatedMembers blocks Add until released so a disconnect can be timed
// against an in-flight join.
type gatedMembers struct {
	store.Members
	entered chan struct{}
	release chan struct{}
}

func (g *gatedMembers) Add(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	close(g.entered)
	<-g.release
	return g.Members.Add(ctx, sid, uid)
}

func TestJoinRacingDisconnectLeavesNoGhostMember(t *testing.T) {
	ctx := context.Background()
	gate := &gatedMembers{
		Members: store.NewMemory(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newCoordinator(gate, 2)

	w := bind(c, "conn-w", 9)
	a := bind(c, "conn-a", 1)
	call(t, func(f domain.AckFunc) { c.PreJoin(ctx, w.ID(), "s1", f) })

	acks := make(chan domain.Ack, 1)
	go c.Join(ctx, a.ID(), "s1", func(ack domain.Ack) { acks <- ack })
	<-gate.entered

	// The disconnect arrives while the join is inside the store write.
	// It must wait for the join to finish and then undo it.
	discDone := make(chan struct{})
	go func() {
		c.Disconnect(a.ID())
		close(discDone)
	}()
	close(gate.release)

	ack := <-acks
	<-discDone
	assert.True(t, ack.OK(), "the join itself completes normally")
	assert.Empty(t, mustList(t, gate, "s1"), "no ghost member after disconnect")

	left := 0
	for _, e := range w.events(t) {
		if e.tag == wire.ServerMemberLeft {
			left++
			assert.Equal(t, domain.UserID(1), e.userID)
		}
	}
	assert.Equal(t, 1, left, "exactly one MemberLeftSession for the compensating removal")
}

func TestPreJoinWatchesWithoutMembership(t *testing.T) {
	ctx := context.Background()
	members := store.NewMemory()
	c := newCoordinator(members, 2)

	w := bind(c, "conn-w", 9)
	a := bind(c, "conn-a", 1)

	ack := call(t, func(f domain.AckFunc) { c.PreJoin(ctx, w.ID(), "s1", f) })
	assert.True(t, ack.OK())
	assert.Empty(t, mustList(t, members, "s1"), "pre-join must not mutate the store")

	call(t, func(f domain.AckFunc) { c.Join(ctx, a.ID(), "s1", f) })

	// The watcher observes membership changes without being a member.
	assert.Equal(t, []event{{wire.ServerMemberJoined, 1}}, w.events(t))
}

type failingMembers struct{}

func (failingMembers) Add(context.Context, domain.SessionID, domain.UserID) error {
	return store.ErrUnavailable
}
func (failingMembers) Remove(context.Context, domain.SessionID, domain.UserID) error {
	return store.ErrUnavailable
}
func (failingMembers) List(context.Context, domain.SessionID) ([]domain.UserID, error) {
	return nil, store.ErrUnavailable
}

func TestJoinAckedOnceWhenStoreDown(t *testing.T) {
	c := newCoordinator(failingMembers{}, 2)
	a := bind(c, "conn-a", 1)

	ack := call(t, func(f domain.AckFunc) { c.Join(context.Background(), a.ID(), "s1", f) })
	assert.Equal(t, domain.AckUnreachable, ack.Code)
	assert.Empty(t, a.events(t), "no broadcast on denied join")
}

type panicOracle struct{}

func (panicOracle) AuthorizeWatch(context.Context, domain.Identity, domain.SessionID) domain.Ack {
	panic("boom")
}
func (panicOracle) AuthorizeJoin(context.Context, domain.Identity, domain.SessionID) domain.Ack {
	panic("boom")
}

func TestJoinAckedOnceOnHandlerPanic(t *testing.T) {
	members := store.NewMemory()
	c := newCoordinator(members, 2)
	c.Oracle = panicOracle{}
	a := bind(c, "conn-a", 1)

	ack := call(t, func(f domain.AckFunc) { c.Join(context.Background(), a.ID(), "s1", f) })
	assert.Equal(t, domain.AckUnreachable, ack.Code)
	assert.Empty(t, mustList(t, members, "s1"))
}

func TestJoinUnknownConnection(t *testing.T) {
	c := newCoordinator(store.NewMemory(), 2)
	ack := call(t, func(f domain.AckFunc) { c.Join(context.Background(), "never-bound", "s1", f) })
	assert.Equal(t, domain.AckUnreachable, ack.Code)
}

func TestJoinRateLimited(t *testing.T) {
	members := store.NewMemory()
	c := newCoordinator(members, 2)
	c.Limiter = app.NewJoinLimiter(1, time.Minute)
	a := bind(c, "conn-a", 1)

	ack := call(t, func(f domain.AckFunc) { c.Join(context.Background(), a.ID(), "s1", f) })
	assert.True(t, ack.OK())

	// Already joined short-circuits before the limiter; use a fresh
	// session to exhaust the window.
	ack = call(t, func(f domain.AckFunc) { c.Join(context.Background(), a.ID(), "s2", f) })
	assert.Equal(t, domain.AckUnauthorized, ack.Code)
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	members := store.NewMemory()
	c := newCoordinator(members, 2)

	const users = 8
	conns := make([]*fakeConn, users)
	for i := range conns {
		conns[i] = bind(c, core.ConnID(rune('a'+i)), domain.UserID(i+1))
	}

	var wg sync.WaitGroup
	oks := make(chan struct{}, users)
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			c.Join(ctx, conn.ID(), "s1", func(a domain.Ack) {
				if a.OK() {
					oks <- struct{}{}
				}
			})
		}(conn)
	}
	wg.Wait()
	close(oks)

	ids := mustList(t, members, "s1")
	assert.Len(t, ids, 2, "capacity must hold under concurrent joins")
	okCount := 0
	for range oks {
		okCount++
	}
	assert.Equal(t, 2, okCount)
}

func mustList(t *testing.T, m store.Members, sid domain.SessionID) []domain.UserID {
	t.Helper()
	ids, err := m.List(context.Background(), sid)
	require.NoError(t, err)
	return ids
}
