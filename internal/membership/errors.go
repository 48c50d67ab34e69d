package membership

import (
	"errors"
	"fmt"
)

// Sentinels returned by repositories, oracles and directories. The Engine
// classifies them into Error values.
var (
	ErrTeamNotFound    = errors.New("team not found")
	ErrEventNotFound   = errors.New("event not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrVersionConflict = errors.New("team was modified concurrently")
	ErrHoldingTaken    = errors.New("user already holds a team for this event")
)

type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindNotFound
	KindForbidden
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindForbidden:
		return "FORBIDDEN"
	case KindConflict:
		return "CONFLICT"
	default:
		return "INTERNAL"
	}
}

// Stable reasons, part of the HTTP error body.
const (
	ReasonInvalidName       = "invalid_name"
	ReasonMissingField      = "missing_field"
	ReasonTeamNotFound      = "team_not_found"
	ReasonEventNotFound     = "event_not_found"
	ReasonUserNotFound      = "user_not_found"
	ReasonNotLeader         = "not_leader"
	ReasonAlreadyInTeam     = "already_in_team"
	ReasonPendingInvite     = "pending_invite_elsewhere"
	ReasonAlreadyMember     = "already_member"
	ReasonAlreadyInvited    = "already_invited"
	ReasonMemberElsewhere   = "member_elsewhere"
	ReasonInvitedElsewhere  = "invited_elsewhere"
	ReasonTeamFull          = "team_full"
	ReasonNoInvite          = "no_invite"
	ReasonNotMember         = "not_member"
	ReasonLeaderCannotLeave = "leader_cannot_leave"
	ReasonConcurrentUpdate  = "concurrent_update"
	ReasonInternal          = "internal"
)

// Error is the only error type the Engine returns to its callers.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func InvalidArgument(reason, msg string) *Error {
	return &Error{Kind: KindInvalidArgument, Reason: reason, Message: msg}
}

func NotFound(reason, msg string) *Error {
	return &Error{Kind: KindNotFound, Reason: reason, Message: msg}
}

func Forbidden(reason, msg string) *Error {
	return &Error{Kind: KindForbidden, Reason: reason, Message: msg}
}

func Conflict(reason, msg string) *Error {
	return &Error{Kind: KindConflict, Reason: reason, Message: msg}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Reason: ReasonInternal, Message: "internal error", Err: err}
}

// KindOf reports the kind of err, KindInternal for anything unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Classify turns lower-layer failures into Error values.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, ErrTeamNotFound):
		return &Error{Kind: KindNotFound, Reason: ReasonTeamNotFound, Message: "team not found", Err: err}
	case errors.Is(err, ErrEventNotFound):
		return &Error{Kind: KindNotFound, Reason: ReasonEventNotFound, Message: "event not found", Err: err}
	case errors.Is(err, ErrUserNotFound):
		return &Error{Kind: KindNotFound, Reason: ReasonUserNotFound, Message: "user not found", Err: err}
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrHoldingTaken):
		return &Error{Kind: KindConflict, Reason: ReasonConcurrentUpdate, Message: "team changed concurrently, reload and try again", Err: err}
	default:
		return Internal(err)
	}
}
