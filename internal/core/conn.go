// Package core holds the transport-agnostic connection and broadcast
// abstractions the presence layer fans out through.
package core

import "errors"

// Frame is one encoded wire unit.
type Frame []byte

type ConnID string

// ErrBackpressure is returned when a connection's send buffer is full.
// The frame is dropped for that receiver; delivery is best-effort.
var ErrBackpressure = errors.New("backpressure")

// Conn abstracts one open signaling connection.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	ID() ConnID
	TrySend(Frame) error
	Close()
}
