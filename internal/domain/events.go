package domain

// SessionPayload is the body of PreJoinSession, JoinSession and
// LeaveSession. Ref correlates the server's Acknowledge reply with the
// originating request; 0 means the caller does not want a reply.
type SessionPayload struct {
	SessionID SessionID `json:"sessionId" validate:"required,max=64"`
	Ref       int64     `json:"ref,omitempty"`
}

// AckReply is the server→client Acknowledge body.
type AckReply struct {
	Ref     int64   `json:"ref"`
	Code    AckCode `json:"code"`
	Message string  `json:"message,omitempty"`
}

// MemberJoined is broadcast to a session's group when a user joins,
// including to the joiner itself: the joiner's UI confirms success
// through the same event path as everyone else's.
type MemberJoined struct {
	UserID UserID `json:"userId"`
}

// MemberLeft is broadcast to the remaining group members on leave or
// disconnect. The leaver is the initiator and gets no self notification.
type MemberLeft struct {
	UserID UserID `json:"userId"`
}
