// Package wire implements the signaling channel's framing: one leading
// tag byte followed by the UTF-8 JSON encoding of the payload, or
// nothing for void payloads. Client→server and server→client tags are
// disjoint enumerations; direction disambiguates. Tag values are part
// of the protocol and append-only — never reuse a retired tag.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Tag byte

// Client → server tags.
const (
	ClientPreJoinSession Tag = 1 + iota
	ClientJoinSession
	ClientLeaveSession
	ClientOffer
	ClientAnswer
	ClientCandidate
	ClientToggleVideo
	ClientToggleMic

	clientTagEnd
)

// Server → client tags.
const (
	ServerAcknowledge Tag = 1 + iota
	ServerMemberJoined
	ServerMemberLeft
	ServerOffer
	ServerAnswer
	ServerCandidate
	ServerToggleVideo
	ServerToggleMic

	serverTagEnd
)

// ErrMalformedFrame marks a frame that could not be decoded. Always
// local and non-fatal: the caller logs and drops the frame, the
// connection stays up.
var ErrMalformedFrame = errors.New("malformed frame")

// Encode produces a frame for tag and value. A nil value encodes as a
// tag-only frame (void payload).
func Encode(tag Tag, v any) ([]byte, error) {
	if tag == 0 {
		return nil, fmt.Errorf("%w: zero tag", ErrMalformedFrame)
	}
	if v == nil {
		return []byte{byte(tag)}, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode tag %d: %w", tag, err)
	}
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, byte(tag))
	return append(frame, body...), nil
}

// Decode recovers (tag, payload) from a frame. A tag-only frame yields
// a nil payload. The payload is returned raw; the handler for the tag
// knows its concrete shape.
func Decode(frame []byte) (Tag, json.RawMessage, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	tag := Tag(frame[0])
	if tag == 0 {
		return 0, nil, fmt.Errorf("%w: zero tag", ErrMalformedFrame)
	}
	body := frame[1:]
	if len(body) == 0 {
		return tag, nil, nil
	}
	if !json.Valid(body) {
		return 0, nil, fmt.Errorf("%w: tag %d carries invalid json", ErrMalformedFrame, tag)
	}
	return tag, json.RawMessage(body), nil
}
