// Package signal is the gorilla/websocket transport adapter: it owns
// the upgrade, the read/write pumps and the per-connection mux wiring,
// and hands decoded events to the presence coordinator and the relay.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/app"
	"github.com/classpeer/presence/internal/auth"
	"github.com/classpeer/presence/internal/core"
	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/wire"
)

type Controller struct {
	Coordinator *app.Coordinator
	Relay       *app.Relay
	Registry    *app.Registry
	Resolver    auth.Resolver

	ReadLimit  int64
	PingPeriod time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts one websocket to core.Conn. Sends go through a bounded
// channel; a full buffer surfaces as backpressure, never as a blocked
// broadcaster. Mutating presence ops go through the ops queue so they
// run in arrival order: a leave must never overtake an in-flight join
// on the same connection.
type wsConn struct {
	id   core.ConnID
	conn *websocket.Conn
	send chan core.Frame
	ops  chan func()

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) ID() core.ConnID { return c.id }

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// frameSender adapts wsConn to wire.Sender across the core.Frame /
// []byte named-type boundary.
type frameSender struct{ c *wsConn }

func (s frameSender) TrySend(b []byte) error { return s.c.TrySend(core.Frame(b)) }

// acknowledge emits an Acknowledge frame correlated by the request ref.
// Ref 0 means the caller did not ask for a reply.
func (c *wsConn) acknowledge(ref int64, a domain.Ack) {
	if ref == 0 {
		return
	}
	frame, err := wire.Encode(wire.ServerAcknowledge, domain.AckReply{Ref: ref, Code: a.Code, Message: a.Message})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("acknowledge encode")
		return
	}
	if err := c.TrySend(core.Frame(frame)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("acknowledge drop")
	}
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	identity := ctl.Resolver.Resolve(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		id:   core.ConnID(uuid.NewString()),
		conn: ws,
		send: make(chan core.Frame, 32),
		ops:  make(chan func(), 16),
	}
	log.Info().Str("module", "signal").Str("conn", string(conn.id)).Int64("user", int64(identity.UserID)).Msg("new WS connection")

	ctl.Registry.Bind(conn, identity)

	mux := wire.NewMux(frameSender{conn})
	ctl.register(mux, conn)
	mux.Fire(wire.EventOpen, nil)

	ctx, cancel := context.WithCancel(ctx)
	go conn.opLoop(ctx)
	go func() {
		ctl.writePump(ctx, conn)
		cancel()
		conn.Close()
	}()
	go func() {
		ctl.readPump(ctx, conn, mux)
		cancel()
	}()
}

// opLoop executes this connection's mutating presence requests one at a
// time, in arrival order. Other connections are unaffected.
func (c *wsConn) opLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-c.ops:
			op()
		}
	}
}

// enqueue schedules a presence op on the connection's serial queue.
func (c *wsConn) enqueue(op func()) bool {
	select {
	case c.ops <- op:
		return true
	default:
		return false
	}
}
