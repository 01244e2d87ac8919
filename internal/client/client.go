// Package client is the peer-side facade over the signaling channel:
// open the socket, send typed events, await acknowledgements, subscribe
// to server events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/wire"
)

var ErrClosed = errors.New("client closed")

const writeWait = 5 * time.Second

type Client struct {
	url    string
	header http.Header

	mux *wire.Mux

	writeMu sync.Mutex
	conn    *websocket.Conn

	nextRef atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan domain.Ack
	closed  bool
}

func New(url string, header http.Header) *Client {
	c := &Client{
		url:     url,
		header:  header,
		pending: make(map[int64]chan domain.Ack),
	}
	c.mux = wire.NewMux(sender{c})
	return c
}

// sender lets the mux hand outbound frames to the socket.
type sender struct{ c *Client }

func (s sender) TrySend(frame []byte) error { return s.c.write(frame) }

// Open dials the server and starts the read loop.
func (c *Client) Open(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	// Route Acknowledge frames to their awaiting callers.
	c.mux.On(wire.ServerAcknowledge, c.onAcknowledge)

	go c.readLoop(conn)
	c.mux.Fire(wire.EventOpen, nil)
	return nil
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(tag wire.Tag, v any) error {
	return c.mux.Emit(tag, v)
}

// Call sends an acknowledged session event and waits for the server's
// decision. The wait is bounded by ctx; the server side additionally
// guarantees an Unreachable outcome rather than silence.
func (c *Client) Call(ctx context.Context, tag wire.Tag, sid domain.SessionID) (domain.Ack, error) {
	ref := c.nextRef.Add(1)
	ch := make(chan domain.Ack, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.Ack{}, ErrClosed
	}
	c.pending[ref] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.Emit(tag, domain.SessionPayload{SessionID: sid, Ref: ref}); err != nil {
		return domain.Ack{}, err
	}

	select {
	case <-ctx.Done():
		return domain.Ack{}, ctx.Err()
	case a := <-ch:
		return a, nil
	}
}

// On subscribes to a server event tag; Off removes the registration.
func (c *Client) On(tag wire.Tag, h wire.Handler) wire.Token { return c.mux.On(tag, h) }
func (c *Client) Off(tag wire.Tag, t wire.Token)             { c.mux.Off(tag, t) }

// OnEvent subscribes to local lifecycle events (open/close/error).
func (c *Client) OnEvent(name string, h wire.LifecycleHandler) wire.Token {
	return c.mux.OnEvent(name, h)
}

// Close sends a close frame and tears the connection down. Pending
// calls resolve with Unreachable.
func (c *Client) Close(code int, reason string) error {
	c.writeMu.Lock()
	conn := c.conn
	if conn != nil {
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait),
		)
	}
	c.writeMu.Unlock()

	c.teardown(nil)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mux.Fire(wire.EventError, err)
			}
			c.teardown(err)
			return
		}
		tag, raw, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("malformed frame dropped")
			continue
		}
		c.mux.Dispatch(tag, raw)
	}
}

func (c *Client) onAcknowledge(raw json.RawMessage) {
	var reply domain.AckReply
	if raw == nil || json.Unmarshal(raw, &reply) != nil {
		log.Warn().Str("module", "client").Msg("malformed acknowledge dropped")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[reply.Ref]
	delete(c.pending, reply.Ref)
	c.mu.Unlock()
	if ok {
		ch <- domain.Ack{Code: reply.Code, Message: reply.Message}
	}
}

// teardown resolves pending calls and fires close exactly once.
func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan domain.Ack)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- domain.AckDeny(domain.AckUnreachable, "connection closed")
	}
	c.mux.Fire(wire.EventClose, err)
}
