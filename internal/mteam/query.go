package mteam

import (
	"context"

	"kyri56xcaesar/eventteams/internal/logger"
	"kyri56xcaesar/eventteams/internal/membership"
)

// Query serves the read side. It never writes and never fails a read
// because the capacity lookup failed.
type Query struct {
	repo   membership.Reader
	oracle membership.Oracle
	log    *logger.Logger
}

func NewQuery(repo membership.Reader, oracle membership.Oracle, log *logger.Logger) *Query {
	if log == nil {
		log = logger.Nop()
	}
	return &Query{repo: repo, oracle: oracle, log: log}
}

func (q *Query) Get(ctx context.Context, teamID string) (TeamView, error) {
	if teamID == "" {
		return TeamView{}, membership.InvalidArgument(membership.ReasonMissingField, "teamId is required")
	}
	t, err := q.repo.Get(ctx, teamID)
	if err != nil {
		return TeamView{}, membership.Classify(err)
	}
	return q.Views(ctx, t)[0], nil
}

func (q *Query) ByEvent(ctx context.Context, eventID string) ([]TeamView, error) {
	if eventID == "" {
		return nil, membership.InvalidArgument(membership.ReasonMissingField, "eventId is required")
	}
	return q.list(ctx, q.repo.ListByEvent, eventID)
}

func (q *Query) MyTeams(ctx context.Context, userID string) ([]TeamView, error) {
	return q.list(ctx, q.repo.ListByMember, userID)
}

func (q *Query) MyInvites(ctx context.Context, userID string) ([]TeamView, error) {
	return q.list(ctx, q.repo.ListByInvitee, userID)
}

func (q *Query) list(ctx context.Context, fetch func(context.Context, string) ([]*membership.Team, error), key string) ([]TeamView, error) {
	teams, err := fetch(ctx, key)
	if err != nil {
		return nil, membership.Classify(err)
	}
	return q.Views(ctx, teams...), nil
}

// Views enriches teams with capacity data, asking the oracle once per event.
func (q *Query) Views(ctx context.Context, teams ...*membership.Team) []TeamView {
	type lookup struct {
		bounds membership.Bounds
		ok     bool
	}
	seen := make(map[string]lookup)

	views := make([]TeamView, 0, len(teams))
	for _, t := range teams {
		l, cached := seen[t.EventID]
		if !cached {
			b, err := q.oracle.TeamBounds(ctx, t.EventID)
			if err == nil {
				err = b.Validate()
			}
			if err != nil {
				q.log.WithContext(ctx).Warn("capacity lookup failed", "event_id", t.EventID, "error", err)
			}
			l = lookup{bounds: b, ok: err == nil}
			seen[t.EventID] = l
		}

		v := TeamView{Team: t, MemberCount: len(t.Members)}
		if l.ok {
			b := l.bounds
			full := len(t.Members) >= b.Max
			v.TeamSize, v.IsFull = &b, &full
		}
		views = append(views, v)
	}
	return views
}
