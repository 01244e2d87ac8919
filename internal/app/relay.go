package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/core"
	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/wire"
)

// relayTags maps each client signaling tag to the server tag it is
// re-emitted under.
var relayTags = map[wire.Tag]wire.Tag{
	wire.ClientOffer:       wire.ServerOffer,
	wire.ClientAnswer:      wire.ServerAnswer,
	wire.ClientCandidate:   wire.ServerCandidate,
	wire.ClientToggleVideo: wire.ServerToggleVideo,
	wire.ClientToggleMic:   wire.ServerToggleMic,
}

// Relay fans signaling payloads out to the other members of a session.
// It reads only the sessionId routing field; everything else in the
// payload is opaque and forwarded verbatim. No queueing, no retries: a
// signal with no live peer is meaningless and silently dropped.
type Relay struct {
	Registry *Registry
	Group    *core.Group
}

func (r *Relay) Forward(connID core.ConnID, tag wire.Tag, payload json.RawMessage) {
	out, ok := relayTags[tag]
	if !ok {
		log.Warn().Str("module", "app.relay").Uint8("tag", uint8(tag)).Msg("not a signaling tag, dropped")
		return
	}

	var routed struct {
		SessionID domain.SessionID `json:"sessionId"`
	}
	if payload == nil || json.Unmarshal(payload, &routed) != nil || !routed.SessionID.Valid() {
		log.Warn().Str("module", "app.relay").Uint8("tag", uint8(tag)).Str("conn", string(connID)).Msg("unroutable signal, dropped")
		return
	}

	if !r.Registry.Joined(connID, routed.SessionID) {
		log.Warn().Str("module", "app.relay").Str("conn", string(connID)).Str("session", string(routed.SessionID)).Msg("signal from non-member, dropped")
		return
	}

	frame, err := wire.Encode(out, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Uint8("tag", uint8(tag)).Msg("relay encode")
		return
	}

	sent := r.Group.Broadcast(routed.SessionID, core.Frame(frame), connID)
	if sent == 0 {
		log.Debug().Str("module", "app.relay").Str("session", string(routed.SessionID)).Msg("no live peer, signal dropped")
	}
}
