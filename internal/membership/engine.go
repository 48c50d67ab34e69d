package membership

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kyri56xcaesar/eventteams/internal/logger"
)

var tracer = otel.Tracer("kyri56xcaesar/eventteams/membership")

// Engine runs every mutating team operation as one atomic unit per event:
// the team is re-read, capacity is fetched from the oracle and the holding
// index is consulted inside the same unit that writes the result.
type Engine struct {
	repo   Repository
	oracle Oracle
	users  UserDirectory
	log    *logger.Logger

	now   func() time.Time
	newID func() string
}

type Option func(*Engine)

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides the team id generator.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(repo Repository, oracle Oracle, users UserDirectory, log *logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	e := &Engine{
		repo:   repo,
		oracle: oracle,
		users:  users,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTeam makes actorID the leader and sole member of a new team.
func (e *Engine) CreateTeam(ctx context.Context, actorID, eventID, name string) (*Team, error) {
	ctx, span := tracer.Start(ctx, "membership.CreateTeam", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("event", eventID)))
	defer span.End()

	actorID, eventID = strings.TrimSpace(actorID), strings.TrimSpace(eventID)
	if err := required("actor id", actorID); err != nil {
		return nil, e.fail(span, err)
	}
	if err := required("event id", eventID); err != nil {
		return nil, e.fail(span, err)
	}
	name, err := NormalizeName(name)
	if err != nil {
		return nil, e.fail(span, err)
	}

	var created *Team
	err = e.repo.Atomically(ctx, eventID, func(ctx context.Context, tx Tx) error {
		if _, err := e.bounds(ctx, eventID); err != nil {
			return err
		}
		h, err := tx.Holding(ctx, eventID, actorID)
		if err != nil {
			return err
		}
		if h != nil {
			if h.Role == RoleMember {
				return Conflict(ReasonAlreadyInTeam, "you are already part of a team for this event")
			}
			return Conflict(ReasonPendingInvite, "you have a pending invite for this event, decline it before creating a team")
		}

		now := e.now()
		t := &Team{
			ID:        e.newID(),
			EventID:   eventID,
			Name:      name,
			LeaderID:  actorID,
			Members:   []string{actorID},
			Invites:   []string{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := t.checkShape(); err != nil {
			return err
		}
		if err := tx.Insert(ctx, t); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("team created", "team", created.ID, "event", eventID)
	return created.Clone(), nil
}

// Invite adds targetID to the team's pending invites. Only the leader may
// invite, and only while the team has a free seat.
func (e *Engine) Invite(ctx context.Context, actorID, teamID, targetID string) (*Team, error) {
	ctx, span := tracer.Start(ctx, "membership.Invite", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("team", teamID), attribute.String("target", targetID)))
	defer span.End()

	targetID = strings.TrimSpace(targetID)
	if err := required("user id", targetID); err != nil {
		return nil, e.fail(span, err)
	}
	current, err := e.resolve(ctx, actorID, teamID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	if !current.IsLeader(actorID) {
		return nil, e.fail(span, Forbidden(ReasonNotLeader, "only the team leader can invite members"))
	}

	// The directory is external and read-only, so it is asked before the unit
	// starts rather than while holding the event.
	exists, err := e.users.UserExists(ctx, targetID)
	if err != nil {
		return nil, e.fail(span, fmt.Errorf("lookup user %s: %w", targetID, err))
	}
	if !exists {
		return nil, e.fail(span, NotFound(ReasonUserNotFound, "user not found"))
	}

	updated, err := e.mutate(ctx, current.EventID, teamID, func(ctx context.Context, tx Tx, t *Team) error {
		if !t.IsLeader(actorID) {
			return Forbidden(ReasonNotLeader, "only the team leader can invite members")
		}
		b, err := e.bounds(ctx, t.EventID)
		if err != nil {
			return err
		}
		if len(t.Members) >= b.Max {
			return Conflict(ReasonTeamFull, "team is already full")
		}
		if t.HasMember(targetID) {
			return Conflict(ReasonAlreadyMember, "user is already a team member")
		}
		if t.HasInvite(targetID) {
			return Conflict(ReasonAlreadyInvited, "user already has a pending invite")
		}
		h, err := tx.Holding(ctx, t.EventID, targetID)
		if err != nil {
			return err
		}
		if h != nil {
			if h.Role == RoleMember {
				return Conflict(ReasonMemberElsewhere, "user is already part of another team for this event")
			}
			return Conflict(ReasonInvitedElsewhere, "user already has a pending invite to another team for this event")
		}
		t.Invites = append(t.Invites, targetID)
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("invite sent", "team", teamID, "target", targetID)
	return updated, nil
}

// AcceptInvite moves actorID from the invites to the members. The capacity
// is checked again: the team may have filled up since the invite was sent,
// in which case the invite stays where it is.
func (e *Engine) AcceptInvite(ctx context.Context, actorID, teamID string) (*Team, error) {
	ctx, span := tracer.Start(ctx, "membership.AcceptInvite", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("team", teamID)))
	defer span.End()

	current, err := e.resolve(ctx, actorID, teamID)
	if err != nil {
		return nil, e.fail(span, err)
	}

	updated, err := e.mutate(ctx, current.EventID, teamID, func(ctx context.Context, tx Tx, t *Team) error {
		if !t.HasInvite(actorID) {
			return Conflict(ReasonNoInvite, "you do not have an invite to this team")
		}
		b, err := e.bounds(ctx, t.EventID)
		if err != nil {
			return err
		}
		if len(t.Members) >= b.Max {
			return Conflict(ReasonTeamFull, "team is already full")
		}
		t.Invites = remove(t.Invites, actorID)
		t.Members = append(t.Members, actorID)
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("invite accepted", "team", teamID)
	return updated, nil
}

// DeclineInvite drops actorID's pending invite. Declining twice is a conflict.
func (e *Engine) DeclineInvite(ctx context.Context, actorID, teamID string) (*Team, error) {
	ctx, span := tracer.Start(ctx, "membership.DeclineInvite", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("team", teamID)))
	defer span.End()

	current, err := e.resolve(ctx, actorID, teamID)
	if err != nil {
		return nil, e.fail(span, err)
	}

	updated, err := e.mutate(ctx, current.EventID, teamID, func(_ context.Context, _ Tx, t *Team) error {
		if !t.HasInvite(actorID) {
			return Conflict(ReasonNoInvite, "you do not have an invite to this team")
		}
		t.Invites = remove(t.Invites, actorID)
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("invite declined", "team", teamID)
	return updated, nil
}

// RevokeInvite lets the leader withdraw a pending invite, e.g. one left
// behind after the team filled up.
func (e *Engine) RevokeInvite(ctx context.Context, actorID, teamID, targetID string) (*Team, error) {
	ctx, span := tracer.Start(ctx, "membership.RevokeInvite", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("team", teamID), attribute.String("target", targetID)))
	defer span.End()

	targetID = strings.TrimSpace(targetID)
	if err := required("user id", targetID); err != nil {
		return nil, e.fail(span, err)
	}
	current, err := e.resolve(ctx, actorID, teamID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	if !current.IsLeader(actorID) {
		return nil, e.fail(span, Forbidden(ReasonNotLeader, "only the team leader can revoke invites"))
	}

	updated, err := e.mutate(ctx, current.EventID, teamID, func(_ context.Context, _ Tx, t *Team) error {
		if !t.HasInvite(targetID) {
			return Conflict(ReasonNoInvite, "user does not have an invite to this team")
		}
		t.Invites = remove(t.Invites, targetID)
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("invite revoked", "team", teamID, "target", targetID)
	return updated, nil
}

// Leave removes a non-leader member. The leader has to delete the team.
func (e *Engine) Leave(ctx context.Context, actorID, teamID string) (*Team, error) {
	ctx, span := tracer.Start(ctx, "membership.Leave", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("team", teamID)))
	defer span.End()

	current, err := e.resolve(ctx, actorID, teamID)
	if err != nil {
		return nil, e.fail(span, err)
	}

	updated, err := e.mutate(ctx, current.EventID, teamID, func(_ context.Context, _ Tx, t *Team) error {
		if !t.HasMember(actorID) {
			return Conflict(ReasonNotMember, "you are not a member of this team")
		}
		if t.IsLeader(actorID) {
			return Conflict(ReasonLeaderCannotLeave, "team leader cannot leave, delete the team instead")
		}
		t.Members = remove(t.Members, actorID)
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("member left", "team", teamID)
	return updated, nil
}

// Rename changes the team name. Leader only.
func (e *Engine) Rename(ctx context.Context, actorID, teamID, name string) (*Team, error) {
	ctx, span := tracer.Start(ctx, "membership.Rename", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("team", teamID)))
	defer span.End()

	name, err := NormalizeName(name)
	if err != nil {
		return nil, e.fail(span, err)
	}
	current, err := e.resolve(ctx, actorID, teamID)
	if err != nil {
		return nil, e.fail(span, err)
	}
	if !current.IsLeader(actorID) {
		return nil, e.fail(span, Forbidden(ReasonNotLeader, "only the team leader can rename the team"))
	}

	updated, err := e.mutate(ctx, current.EventID, teamID, func(_ context.Context, _ Tx, t *Team) error {
		t.Name = name
		return nil
	})
	if err != nil {
		return nil, e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("team renamed", "team", teamID)
	return updated, nil
}

// DeleteTeam removes the team together with its pending invites.
func (e *Engine) DeleteTeam(ctx context.Context, actorID, teamID string) error {
	ctx, span := tracer.Start(ctx, "membership.DeleteTeam", trace.WithAttributes(
		attribute.String("actor", actorID), attribute.String("team", teamID)))
	defer span.End()

	current, err := e.resolve(ctx, actorID, teamID)
	if err != nil {
		return e.fail(span, err)
	}
	if !current.IsLeader(actorID) {
		return e.fail(span, Forbidden(ReasonNotLeader, "only the team leader can delete the team"))
	}

	err = e.repo.Atomically(ctx, current.EventID, func(ctx context.Context, tx Tx) error {
		t, err := tx.Get(ctx, teamID)
		if err != nil {
			return err
		}
		if !t.IsLeader(actorID) {
			return Forbidden(ReasonNotLeader, "only the team leader can delete the team")
		}
		return tx.Delete(ctx, teamID)
	})
	if err != nil {
		return e.fail(span, err)
	}

	e.log.WithContext(ctx).WithUser(actorID).Audit("team deleted", "team", teamID, "event", current.EventID)
	return nil
}

// resolve validates the ids and reads the team outside of any unit. The event
// of a team never changes, so it is safe to pick the unit from this read.
func (e *Engine) resolve(ctx context.Context, actorID, teamID string) (*Team, error) {
	if err := required("actor id", strings.TrimSpace(actorID)); err != nil {
		return nil, err
	}
	if err := required("team id", strings.TrimSpace(teamID)); err != nil {
		return nil, err
	}
	return e.repo.Get(ctx, teamID)
}

// mutate re-reads the team inside the event's unit, applies change to a copy
// and writes it back with a version check.
func (e *Engine) mutate(ctx context.Context, eventID, teamID string, change func(ctx context.Context, tx Tx, t *Team) error) (*Team, error) {
	var out *Team
	err := e.repo.Atomically(ctx, eventID, func(ctx context.Context, tx Tx) error {
		t, err := tx.Get(ctx, teamID)
		if err != nil {
			return err
		}
		t = t.Clone()
		if err := change(ctx, tx, t); err != nil {
			return err
		}
		if err := t.checkShape(); err != nil {
			return err
		}
		t.UpdatedAt = e.now()
		if err := tx.Update(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (e *Engine) bounds(ctx context.Context, eventID string) (Bounds, error) {
	b, err := e.oracle.TeamBounds(ctx, eventID)
	if err != nil {
		return Bounds{}, err
	}
	if err := b.Validate(); err != nil {
		return Bounds{}, fmt.Errorf("event %s: %w", eventID, err)
	}
	return b, nil
}

// fail classifies err, records it on the span and logs internal failures.
func (e *Engine) fail(span trace.Span, err error) error {
	err = Classify(err)
	kind := KindOf(err)
	span.SetAttributes(attribute.String("error.kind", kind.String()))
	if kind == KindInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.Error("membership operation failed", "error", err)
	}
	return err
}

func required(field, value string) error {
	if value == "" {
		return InvalidArgument(ReasonMissingField, field+" is required")
	}
	return nil
}
