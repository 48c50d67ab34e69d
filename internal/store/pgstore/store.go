// Package pgstore is the PostgreSQL team repository. Every unit of work is a
// transaction holding a transaction-scoped advisory lock on its event.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kyri56xcaesar/eventteams/internal/membership"
)

//go:embed db/init.sql
var initSQL string

const uniqueViolation = "23505"

// querier is what both the pool and a transaction offer.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping the db: %w", err)
	}
	return pool, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, initSQL); err != nil {
		return fmt.Errorf("failed to execute init sql: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, teamID string) (*membership.Team, error) {
	return getTeam(ctx, s.pool, teamID)
}

func (s *Store) ListByEvent(ctx context.Context, eventID string) ([]*membership.Team, error) {
	return listTeams(ctx, s.pool, `WHERE t.event_id = $1`, eventID)
}

func (s *Store) ListByMember(ctx context.Context, userID string) ([]*membership.Team, error) {
	return listTeams(ctx, s.pool, `
		WHERE EXISTS (
			SELECT 1 FROM team_holdings me
			WHERE me.team_id = t.id AND me.user_id = $1 AND me.role = 'member'
		)`, userID)
}

func (s *Store) ListByInvitee(ctx context.Context, userID string) ([]*membership.Team, error) {
	return listTeams(ctx, s.pool, `
		WHERE EXISTS (
			SELECT 1 FROM team_holdings me
			WHERE me.team_id = t.id AND me.user_id = $1 AND me.role = 'invite'
		)`, userID)
}

func (s *Store) Atomically(ctx context.Context, eventID string, fn func(ctx context.Context, tx membership.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "eventteams:"+eventID); err != nil {
		return fmt.Errorf("lock event %s: %w", eventID, err)
	}

	if err := fn(ctx, &pgTx{tx: tx, eventID: eventID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx      pgx.Tx
	eventID string
}

func (p *pgTx) Get(ctx context.Context, teamID string) (*membership.Team, error) {
	t, err := getTeam(ctx, p.tx, teamID)
	if err != nil {
		return nil, err
	}
	if t.EventID != p.eventID {
		return nil, membership.ErrTeamNotFound
	}
	return t, nil
}

func (p *pgTx) Holding(ctx context.Context, eventID, userID string) (*membership.Holding, error) {
	h := membership.Holding{EventID: eventID, UserID: userID}
	var role string
	err := p.tx.QueryRow(ctx, `
		SELECT team_id, role FROM team_holdings
		WHERE event_id = $1 AND user_id = $2
	`, eventID, userID).Scan(&h.TeamID, &role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.Role = membership.Role(role)
	return &h, nil
}

func (p *pgTx) Insert(ctx context.Context, t *membership.Team) error {
	if t.EventID != p.eventID {
		return fmt.Errorf("insert team of event %s inside unit of event %s", t.EventID, p.eventID)
	}
	_, err := p.tx.Exec(ctx, `
		INSERT INTO teams (id, event_id, name, leader_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, $5, $6)
	`, t.ID, t.EventID, t.Name, t.LeaderID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if err := p.syncHoldings(ctx, t); err != nil {
		return err
	}
	t.Version = 1
	return nil
}

func (p *pgTx) Update(ctx context.Context, t *membership.Team) error {
	ct, err := p.tx.Exec(ctx, `
		UPDATE teams SET name = $1, updated_at = $2, version = version + 1
		WHERE id = $3 AND event_id = $4 AND version = $5
	`, t.Name, t.UpdatedAt, t.ID, p.eventID, t.Version)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := p.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM teams WHERE id = $1 AND event_id = $2)`, t.ID, p.eventID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return membership.ErrTeamNotFound
		}
		return membership.ErrVersionConflict
	}
	if err := p.syncHoldings(ctx, t); err != nil {
		return err
	}
	t.Version++
	return nil
}

func (p *pgTx) Delete(ctx context.Context, teamID string) error {
	ct, err := p.tx.Exec(ctx, `DELETE FROM teams WHERE id = $1 AND event_id = $2`, teamID, p.eventID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return membership.ErrTeamNotFound
	}
	return nil
}

// syncHoldings rewrites only the rows whose role changed, so members keep
// their seq and with it the display order.
func (p *pgTx) syncHoldings(ctx context.Context, t *membership.Team) error {
	rows, err := p.tx.Query(ctx, `SELECT user_id, role FROM team_holdings WHERE team_id = $1`, t.ID)
	if err != nil {
		return err
	}
	current, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (membership.Holding, error) {
		var h membership.Holding
		var role string
		err := row.Scan(&h.UserID, &role)
		h.Role = membership.Role(role)
		return h, err
	})
	if err != nil {
		return err
	}

	want := make(map[string]membership.Role)
	for _, h := range t.Holdings() {
		want[h.UserID] = h.Role
	}
	have := make(map[string]membership.Role, len(current))
	for _, h := range current {
		have[h.UserID] = h.Role
		if want[h.UserID] != h.Role {
			if _, err := p.tx.Exec(ctx, `DELETE FROM team_holdings WHERE team_id = $1 AND user_id = $2`, t.ID, h.UserID); err != nil {
				return err
			}
		}
	}
	for _, h := range t.Holdings() {
		if have[h.UserID] == h.Role {
			continue
		}
		_, err := p.tx.Exec(ctx, `
			INSERT INTO team_holdings (team_id, event_id, user_id, role)
			VALUES ($1, $2, $3, $4)
		`, t.ID, t.EventID, h.UserID, string(h.Role))
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}

const selectTeams = `
	SELECT
	  t.id,
	  t.event_id,
	  t.name,
	  t.leader_id,
	  t.version,
	  t.created_at,
	  t.updated_at,

	  COALESCE(
	    json_agg(h.user_id ORDER BY h.seq) FILTER (WHERE h.role = 'member'),
	    '[]'::json
	  ) AS members_json,

	  COALESCE(
	    json_agg(h.user_id ORDER BY h.seq) FILTER (WHERE h.role = 'invite'),
	    '[]'::json
	  ) AS invites_json

	FROM teams t
	LEFT JOIN team_holdings h ON h.team_id = t.id
	%s
	GROUP BY t.id
	ORDER BY t.created_at ASC, t.id ASC
`

func getTeam(ctx context.Context, q querier, teamID string) (*membership.Team, error) {
	teams, err := listTeams(ctx, q, `WHERE t.id = $1`, teamID)
	if err != nil {
		return nil, err
	}
	if len(teams) == 0 {
		return nil, membership.ErrTeamNotFound
	}
	return teams[0], nil
}

func listTeams(ctx context.Context, q querier, where string, args ...any) ([]*membership.Team, error) {
	rows, err := q.Query(ctx, fmt.Sprintf(selectTeams, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*membership.Team, 0)
	for rows.Next() {
		var (
			t                        membership.Team
			membersJSON, invitesJSON []byte
			createdAt, updatedAt     time.Time
		)
		if err := rows.Scan(
			&t.ID,
			&t.EventID,
			&t.Name,
			&t.LeaderID,
			&t.Version,
			&createdAt,
			&updatedAt,
			&membersJSON,
			&invitesJSON,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(membersJSON, &t.Members); err != nil {
			return nil, fmt.Errorf("unmarshal members_json: %w", err)
		}
		if err := json.Unmarshal(invitesJSON, &t.Invites); err != nil {
			return nil, fmt.Errorf("unmarshal invites_json: %w", err)
		}
		t.CreatedAt, t.UpdatedAt = createdAt.UTC(), updatedAt.UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", membership.ErrHoldingTaken, pgErr.ConstraintName)
	}
	return err
}
