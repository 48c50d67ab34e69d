package capacity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kyri56xcaesar/eventteams/internal/membership"
)

// Postgres reads bounds from the events table of the event catalog:
//
//	events(id TEXT PRIMARY KEY, team_size_min INT, team_size_max INT)
//
// The pool should not be shared with the team repository: lookups happen
// while a unit of work holds one of its connections.
type Postgres struct {
	Pool *pgxpool.Pool
}

func (p *Postgres) TeamBounds(ctx context.Context, eventID string) (membership.Bounds, error) {
	var b membership.Bounds
	err := p.Pool.QueryRow(ctx,
		`SELECT team_size_min, team_size_max FROM events WHERE id = $1`, eventID,
	).Scan(&b.Min, &b.Max)
	if errors.Is(err, pgx.ErrNoRows) {
		return membership.Bounds{}, membership.ErrEventNotFound
	}
	if err != nil {
		return membership.Bounds{}, fmt.Errorf("event bounds lookup: %w", err)
	}
	return b, nil
}
