package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/domain"
)

type SessionEventKind string

const (
	EventMemberJoined SessionEventKind = "member-joined"
	EventMemberLeft   SessionEventKind = "member-left"
)

// SessionEvent is an audit record of a membership change.
type SessionEvent struct {
	Kind      SessionEventKind
	UserID    domain.UserID
	SessionID domain.SessionID
	At        time.Time
}

// EventSink consumes session events off the hot path. The default sink
// logs them; a durable implementation can replace it without touching
// the coordinator.
type EventSink interface {
	Write(SessionEvent)
}

type logSink struct{}

func (logSink) Write(e SessionEvent) {
	log.Info().
		Str("module", "app.recorder").
		Str("kind", string(e.Kind)).
		Int64("user", int64(e.UserID)).
		Str("session", string(e.SessionID)).
		Time("at", e.At).
		Msg("session event")
}

// Recorder hands membership events to a sink on a background worker so
// the join/leave handlers never block on audit I/O.
type Recorder struct {
	ch   chan SessionEvent
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewRecorder(sink EventSink, buffer int) *Recorder {
	if sink == nil {
		sink = logSink{}
	}
	r := &Recorder{
		ch:   make(chan SessionEvent, buffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(r.done)
		for e := range r.ch {
			sink.Write(e)
		}
	}()
	return r
}

// Record enqueues an event. When the buffer is full the event is
// dropped: audit loss is preferable to stalling a join. Recording on a
// closed recorder drops the event too; a join finishing during
// shutdown must not crash the process.
func (r *Recorder) Record(kind SessionEventKind, uid domain.UserID, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		log.Warn().Str("module", "app.recorder").Str("kind", string(kind)).Msg("recorder closed, event dropped")
		return
	}
	select {
	case r.ch <- SessionEvent{Kind: kind, UserID: uid, SessionID: sid, At: time.Now()}:
	default:
		log.Warn().Str("module", "app.recorder").Str("kind", string(kind)).Msg("recorder buffer full, event dropped")
	}
}

// Close drains the queue and stops the worker. Safe to call twice.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.ch)
	<-r.done
}
