package auth

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/classpeer/presence/internal/domain"
	"github.com/classpeer/presence/internal/store"
)

// Oracle decides "may user U join/remain in session S right now?". A
// deny decision always carries a message and never has side effects.
type Oracle interface {
	// AuthorizeWatch gates watch-only subscriptions: schedule and
	// identity checks, no capacity slot consumed.
	AuthorizeWatch(ctx context.Context, id domain.Identity, sid domain.SessionID) domain.Ack
	// AuthorizeJoin gates full joins: everything AuthorizeWatch checks
	// plus the session's capacity.
	AuthorizeJoin(ctx context.Context, id domain.Identity, sid domain.SessionID) domain.Ack
}

type oracle struct {
	schedule Schedule
	members  store.Members
	capacity int
}

func NewOracle(schedule Schedule, members store.Members, capacity int) Oracle {
	return &oracle{schedule: schedule, members: members, capacity: capacity}
}

func (o *oracle) AuthorizeWatch(ctx context.Context, id domain.Identity, sid domain.SessionID) domain.Ack {
	return o.authorize(ctx, id, sid, false)
}

func (o *oracle) AuthorizeJoin(ctx context.Context, id domain.Identity, sid domain.SessionID) domain.Ack {
	return o.authorize(ctx, id, sid, true)
}

func (o *oracle) authorize(ctx context.Context, id domain.Identity, sid domain.SessionID, counted bool) domain.Ack {
	if !id.IsUser() {
		return domain.AckDeny(domain.AckUnauthorized, "only authenticated users may access sessions")
	}
	if !sid.Valid() {
		return domain.AckDeny(domain.AckInvalidSessionID, fmt.Sprintf("%q is not a valid session id", sid))
	}

	ok, err := o.schedule.CanAccess(ctx, id.UserID, sid)
	if err != nil {
		log.Error().Err(err).Str("module", "auth.oracle").Str("session", string(sid)).Msg("schedule check failed")
		return domain.AckDeny(domain.AckUnreachable, "could not verify session access, try again")
	}
	if !ok {
		return domain.AckDeny(domain.AckUnauthorized, "you are not a participant of this session")
	}

	if counted {
		members, err := o.members.List(ctx, sid)
		if err != nil {
			log.Error().Err(err).Str("module", "auth.oracle").Str("session", string(sid)).Msg("member list failed")
			return domain.AckDeny(domain.AckUnreachable, "could not verify session capacity, try again")
		}
		for _, uid := range members {
			if uid == id.UserID {
				// Already a member; a re-join never exceeds capacity.
				return domain.AckOkay()
			}
		}
		if len(members) >= o.capacity {
			return domain.AckDeny(domain.AckSessionFull, "session is full")
		}
	}
	return domain.AckOkay()
}
