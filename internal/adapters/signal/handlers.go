package signal

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"

	"github.com/classpeer/presence/internal/core"
	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/wire"
)

var validate = validator.New()

// register wires this connection's mux to the coordinator and the
// relay. Signaling tags are forwarded without acknowledgement.
func (ctl *Controller) register(mux *wire.Mux, conn *wsConn) {
	mux.On(wire.ClientPreJoinSession, ctl.sessionHandler(conn, ctl.Coordinator.PreJoin))
	mux.On(wire.ClientJoinSession, ctl.sessionHandler(conn, ctl.Coordinator.Join))
	mux.On(wire.ClientLeaveSession, ctl.sessionHandler(conn, ctl.Coordinator.Leave))

	for _, tag := range []wire.Tag{
		wire.ClientOffer,
		wire.ClientAnswer,
		wire.ClientCandidate,
		wire.ClientToggleVideo,
		wire.ClientToggleMic,
	} {
		t := tag
		mux.On(t, func(raw json.RawMessage) {
			ctl.Relay.Forward(conn.id, t, raw)
		})
	}
}

type sessionOp func(ctx context.Context, connID core.ConnID, sid domain.SessionID, ack domain.AckFunc)

// sessionHandler parses and validates the shared session payload, then
// hands the operation its ack callback. Parse failures are acknowledged
// too; the caller must never be left waiting.
func (ctl *Controller) sessionHandler(conn *wsConn, op sessionOp) wire.Handler {
	return func(raw json.RawMessage) {
		var p domain.SessionPayload
		if raw == nil || json.Unmarshal(raw, &p) != nil {
			conn.acknowledge(0, domain.AckDeny(domain.AckEmptyInput, "missing or malformed payload"))
			return
		}
		if err := validate.Struct(p); err != nil {
			conn.acknowledge(p.Ref, domain.AckDeny(domain.AckEmptyInput, "sessionId is required"))
			return
		}
		ok := conn.enqueue(func() {
			op(context.Background(), conn.id, p.SessionID, func(a domain.Ack) {
				conn.acknowledge(p.Ref, a)
			})
		})
		if !ok {
			conn.acknowledge(p.Ref, domain.AckDeny(domain.AckUnreachable, "too many in-flight requests"))
		}
	}
}
