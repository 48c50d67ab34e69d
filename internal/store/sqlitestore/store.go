// Package sqlitestore is a single-file team repository for local runs and
// tests. Units of work are BEGIN IMMEDIATE transactions, additionally
// serialized per event inside the process.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"kyri56xcaesar/eventteams/internal/membership"
	"kyri56xcaesar/eventteams/internal/store/keylock"
)

//go:embed db/schema.sql
var schemaSQL string

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	sqlDB *sql.DB
	locks *keylock.Locks
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, locks: keylock.New()}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, teamID string) (*membership.Team, error) {
	return getTeam(ctx, s.sqlDB, teamID)
}

func (s *Store) ListByEvent(ctx context.Context, eventID string) ([]*membership.Team, error) {
	return listTeams(ctx, s.sqlDB, `WHERE t.event_id = ?`, eventID)
}

func (s *Store) ListByMember(ctx context.Context, userID string) ([]*membership.Team, error) {
	return listTeams(ctx, s.sqlDB, `
		WHERE EXISTS (SELECT 1 FROM team_holdings me
		              WHERE me.team_id = t.id AND me.user_id = ? AND me.role = 'member')`, userID)
}

func (s *Store) ListByInvitee(ctx context.Context, userID string) ([]*membership.Team, error) {
	return listTeams(ctx, s.sqlDB, `
		WHERE EXISTS (SELECT 1 FROM team_holdings me
		              WHERE me.team_id = t.id AND me.user_id = ? AND me.role = 'invite')`, userID)
}

func (s *Store) Atomically(ctx context.Context, eventID string, fn func(ctx context.Context, tx membership.Tx) error) error {
	unlock, err := s.locks.Lock(ctx, eventID)
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqliteTx{tx: tx, eventID: eventID}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx      *sql.Tx
	eventID string
}

func (s *sqliteTx) Get(ctx context.Context, teamID string) (*membership.Team, error) {
	t, err := getTeam(ctx, s.tx, teamID)
	if err != nil {
		return nil, err
	}
	if t.EventID != s.eventID {
		return nil, membership.ErrTeamNotFound
	}
	return t, nil
}

func (s *sqliteTx) Holding(ctx context.Context, eventID, userID string) (*membership.Holding, error) {
	h := membership.Holding{EventID: eventID, UserID: userID}
	var role string
	err := s.tx.QueryRowContext(ctx,
		`SELECT team_id, role FROM team_holdings WHERE event_id = ? AND user_id = ?`,
		eventID, userID,
	).Scan(&h.TeamID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.Role = membership.Role(role)
	return &h, nil
}

func (s *sqliteTx) Insert(ctx context.Context, t *membership.Team) error {
	if t.EventID != s.eventID {
		return fmt.Errorf("insert team of event %s inside unit of event %s", t.EventID, s.eventID)
	}
	_, err := s.tx.ExecContext(ctx, `
		INSERT INTO teams (id, event_id, name, leader_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)`,
		t.ID, t.EventID, t.Name, t.LeaderID, toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		return mapErr(err)
	}
	if err := s.syncHoldings(ctx, t); err != nil {
		return err
	}
	t.Version = 1
	return nil
}

func (s *sqliteTx) Update(ctx context.Context, t *membership.Team) error {
	res, err := s.tx.ExecContext(ctx, `
		UPDATE teams SET name = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND event_id = ? AND version = ?`,
		t.Name, toMillis(t.UpdatedAt), t.ID, s.eventID, t.Version)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := s.tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM teams WHERE id = ? AND event_id = ?`, t.ID, s.eventID,
		).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return membership.ErrTeamNotFound
		}
		return membership.ErrVersionConflict
	}
	if err := s.syncHoldings(ctx, t); err != nil {
		return err
	}
	t.Version++
	return nil
}

func (s *sqliteTx) Delete(ctx context.Context, teamID string) error {
	res, err := s.tx.ExecContext(ctx, `DELETE FROM teams WHERE id = ? AND event_id = ?`, teamID, s.eventID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return membership.ErrTeamNotFound
	}
	return nil
}

func (s *sqliteTx) syncHoldings(ctx context.Context, t *membership.Team) error {
	rows, err := s.tx.QueryContext(ctx, `SELECT user_id, role FROM team_holdings WHERE team_id = ?`, t.ID)
	if err != nil {
		return err
	}
	have := make(map[string]membership.Role)
	for rows.Next() {
		var user, role string
		if err := rows.Scan(&user, &role); err != nil {
			_ = rows.Close()
			return err
		}
		have[user] = membership.Role(role)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}

	want := make(map[string]membership.Role)
	for _, h := range t.Holdings() {
		want[h.UserID] = h.Role
	}
	for user, role := range have {
		if want[user] == role {
			continue
		}
		if _, err := s.tx.ExecContext(ctx, `DELETE FROM team_holdings WHERE team_id = ? AND user_id = ?`, t.ID, user); err != nil {
			return err
		}
	}
	for _, h := range t.Holdings() {
		if have[h.UserID] == h.Role {
			continue
		}
		if _, err := s.tx.ExecContext(ctx,
			`INSERT INTO team_holdings (team_id, event_id, user_id, role) VALUES (?, ?, ?, ?)`,
			t.ID, t.EventID, h.UserID, string(h.Role),
		); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func getTeam(ctx context.Context, q querier, teamID string) (*membership.Team, error) {
	teams, err := listTeams(ctx, q, `WHERE t.id = ?`, teamID)
	if err != nil {
		return nil, err
	}
	if len(teams) == 0 {
		return nil, membership.ErrTeamNotFound
	}
	return teams[0], nil
}

func listTeams(ctx context.Context, q querier, where string, args ...any) ([]*membership.Team, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.id, t.event_id, t.name, t.leader_id, t.version, t.created_at, t.updated_at
		FROM teams t
		`+where+`
		ORDER BY t.created_at ASC, t.id ASC`, args...)
	if err != nil {
		return nil, err
	}

	out := make([]*membership.Team, 0)
	for rows.Next() {
		var (
			t                    membership.Team
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&t.ID, &t.EventID, &t.Name, &t.LeaderID, &t.Version, &createdAt, &updatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		t.CreatedAt, t.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
		t.Members, t.Invites = []string{}, []string{}
		out = append(out, &t)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, t := range out {
		if err := loadHoldings(ctx, q, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func loadHoldings(ctx context.Context, q querier, t *membership.Team) error {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, role FROM team_holdings WHERE team_id = ? ORDER BY seq ASC`, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var user, role string
		if err := rows.Scan(&user, &role); err != nil {
			return err
		}
		switch membership.Role(role) {
		case membership.RoleMember:
			t.Members = append(t.Members, user)
		case membership.RoleInvite:
			t.Invites = append(t.Invites, user)
		}
	}
	return rows.Err()
}

func mapErr(err error) error {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE {
		return fmt.Errorf("%w: %v", membership.ErrHoldingTaken, err)
	}
	return err
}
