package domain

// AckCode is the closed set of outcomes for acknowledged client events.
// Client UIs branch on these, so values are part of the protocol.
type AckCode string

const (
	AckOk               AckCode = "ok"
	AckEmptyInput       AckCode = "empty-input"
	AckInvalidSessionID AckCode = "invalid-session-id"
	AckSessionNotFound  AckCode = "session-not-found"
	AckSessionFull      AckCode = "session-full"
	AckNotMember        AckCode = "not-member"
	AckNotOwner         AckCode = "not-owner"
	AckUnreachable      AckCode = "unreachable"
	AckUnauthorized     AckCode = "unauthorized"
)

// Ack is constructed fresh per request and never persisted.
type Ack struct {
	Code    AckCode `json:"code"`
	Message string  `json:"message,omitempty"`
}

func (a Ack) OK() bool { return a.Code == AckOk }

func AckOkay() Ack { return Ack{Code: AckOk} }

func AckDeny(code AckCode, message string) Ack {
	return Ack{Code: code, Message: message}
}

// AckFunc receives the outcome of a mutating client event. Handlers
// must invoke it exactly once, whatever happens.
type AckFunc func(Ack)
