package wire

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"
)

// Lifecycle event names. They live in a string namespace disjoint from
// protocol tags so a new tag can never collide with them.
const (
	EventOpen  = "open"
	EventClose = "close"
	EventError = "error"
)

// Token identifies one registration. Go functions are not comparable,
// so deduplication and removal work through the token returned by On,
// not through callback identity.
type Token uint64

// Handler receives the decoded payload of one inbound frame.
type Handler func(payload json.RawMessage)

// LifecycleHandler receives local connection events; err is non-nil
// only for EventError.
type LifecycleHandler func(err error)

// Sender is the outbound half the mux hands encoded frames to.
// TrySend never blocks on delivery.
type Sender interface {
	TrySend([]byte) error
}

// Mux is a per-connection dispatcher between raw frames and typed
// callbacks, in both directions. Safe for concurrent use. Inbound
// dispatch is eager fan-out: handlers run on their own goroutines and
// the next frame is never held back by a slow listener. Invocation
// order across handlers is unspecified.
type Mux struct {
	sender Sender

	mu   sync.RWMutex
	next Token
	tags map[Tag]map[Token]Handler
	life map[string]map[Token]LifecycleHandler
}

func NewMux(sender Sender) *Mux {
	return &Mux{
		sender: sender,
		tags:   make(map[Tag]map[Token]Handler),
		life:   make(map[string]map[Token]LifecycleHandler),
	}
}

// On registers a handler for a protocol tag and returns its token.
func (m *Mux) On(tag Tag, h Handler) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	set, ok := m.tags[tag]
	if !ok {
		set = make(map[Token]Handler)
		m.tags[tag] = set
	}
	set[m.next] = h
	return m.next
}

// Off removes one registration. Removing an unknown token is a no-op.
func (m *Mux) Off(tag Tag, t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tags[tag], t)
}

// OnEvent registers a handler for a lifecycle event name.
func (m *Mux) OnEvent(name string, h LifecycleHandler) Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	set, ok := m.life[name]
	if !ok {
		set = make(map[Token]LifecycleHandler)
		m.life[name] = set
	}
	set[m.next] = h
	return m.next
}

func (m *Mux) OffEvent(name string, t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.life[name], t)
}

// Dispatch fans an inbound payload out to every handler registered for
// the tag. A tag nobody listens for is logged and dropped. Because each
// invocation runs on its own goroutine, one listener may observe two
// successive frames out of their transport order; callers that need
// cross-frame ordering must serialize on their side.
func (m *Mux) Dispatch(tag Tag, payload json.RawMessage) {
	m.mu.RLock()
	handlers := make([]Handler, 0, len(m.tags[tag]))
	for _, h := range m.tags[tag] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("module", "wire.mux").Uint8("tag", uint8(tag)).Msg("no listeners for tag")
		return
	}
	for _, h := range handlers {
		go h(payload)
	}
}

// Fire dispatches a lifecycle event to its handlers.
func (m *Mux) Fire(name string, err error) {
	m.mu.RLock()
	handlers := make([]LifecycleHandler, 0, len(m.life[name]))
	for _, h := range m.life[name] {
		handlers = append(handlers, h)
	}
	m.mu.RUnlock()

	for _, h := range handlers {
		go h(err)
	}
}

// Emit encodes and hands the frame to the sender. Delivery is
// best-effort; backpressure surfaces as the sender's error.
func (m *Mux) Emit(tag Tag, v any) error {
	frame, err := Encode(tag, v)
	if err != nil {
		return err
	}
	return m.sender.TrySend(frame)
}
