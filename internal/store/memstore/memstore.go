// Package memstore keeps teams in process memory. Units of work are
// serialized per event with a keyed lock and staged until they commit.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"kyri56xcaesar/eventteams/internal/membership"
	"kyri56xcaesar/eventteams/internal/store/keylock"
)

type holdKey struct {
	event string
	user  string
}

type Store struct {
	mu    sync.RWMutex
	teams map[string]*membership.Team
	holds map[holdKey]membership.Holding

	locks *keylock.Locks
}

func New() *Store {
	return &Store{
		teams: make(map[string]*membership.Team),
		holds: make(map[holdKey]membership.Holding),
		locks: keylock.New(),
	}
}

func (s *Store) Get(_ context.Context, teamID string) (*membership.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[teamID]
	if !ok {
		return nil, membership.ErrTeamNotFound
	}
	return t.Clone(), nil
}

func (s *Store) ListByEvent(_ context.Context, eventID string) ([]*membership.Team, error) {
	return s.collect(func(t *membership.Team) bool { return t.EventID == eventID }), nil
}

func (s *Store) ListByMember(_ context.Context, userID string) ([]*membership.Team, error) {
	return s.collect(func(t *membership.Team) bool { return t.HasMember(userID) }), nil
}

func (s *Store) ListByInvitee(_ context.Context, userID string) ([]*membership.Team, error) {
	return s.collect(func(t *membership.Team) bool { return t.HasInvite(userID) }), nil
}

func (s *Store) collect(keep func(*membership.Team) bool) []*membership.Team {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*membership.Team, 0)
	for _, t := range s.teams {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *membership.Team) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

func (s *Store) Atomically(ctx context.Context, eventID string, fn func(ctx context.Context, tx membership.Tx) error) error {
	unlock, err := s.locks.Lock(ctx, eventID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memTx{s: s, eventID: eventID, staged: make(map[string]*membership.Team)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

type memTx struct {
	s       *Store
	eventID string
	// nil value marks a deletion
	staged map[string]*membership.Team
	order  []string
}

func (tx *memTx) current(teamID string) (*membership.Team, bool) {
	if t, ok := tx.staged[teamID]; ok {
		return t, t != nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	t, ok := tx.s.teams[teamID]
	return t, ok
}

func (tx *memTx) Get(_ context.Context, teamID string) (*membership.Team, error) {
	t, ok := tx.current(teamID)
	if !ok || t.EventID != tx.eventID {
		return nil, membership.ErrTeamNotFound
	}
	return t.Clone(), nil
}

func (tx *memTx) Holding(_ context.Context, eventID, userID string) (*membership.Holding, error) {
	if eventID != tx.eventID {
		return nil, fmt.Errorf("holding lookup for event %s inside unit of event %s", eventID, tx.eventID)
	}
	for _, id := range tx.order {
		t := tx.staged[id]
		if t == nil {
			continue
		}
		for _, h := range t.Holdings() {
			if h.UserID == userID {
				return &h, nil
			}
		}
	}

	tx.s.mu.RLock()
	h, ok := tx.s.holds[holdKey{event: eventID, user: userID}]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if _, rewritten := tx.staged[h.TeamID]; rewritten {
		// the staged copy was scanned above and no longer holds the user
		return nil, nil
	}
	return &h, nil
}

func (tx *memTx) stage(t *membership.Team) {
	if _, seen := tx.staged[t.ID]; !seen {
		tx.order = append(tx.order, t.ID)
	}
	tx.staged[t.ID] = t
}

func (tx *memTx) Insert(_ context.Context, t *membership.Team) error {
	if t.EventID != tx.eventID {
		return fmt.Errorf("insert team of event %s inside unit of event %s", t.EventID, tx.eventID)
	}
	if _, exists := tx.current(t.ID); exists {
		return fmt.Errorf("team %s already exists", t.ID)
	}
	t.Version = 1
	tx.stage(t.Clone())
	return nil
}

func (tx *memTx) Update(_ context.Context, t *membership.Team) error {
	cur, ok := tx.current(t.ID)
	if !ok || cur.EventID != tx.eventID {
		return membership.ErrTeamNotFound
	}
	if cur.Version != t.Version {
		return membership.ErrVersionConflict
	}
	t.Version++
	tx.stage(t.Clone())
	return nil
}

func (tx *memTx) Delete(_ context.Context, teamID string) error {
	cur, ok := tx.current(teamID)
	if !ok || cur.EventID != tx.eventID {
		return membership.ErrTeamNotFound
	}
	if _, seen := tx.staged[teamID]; !seen {
		tx.order = append(tx.order, teamID)
	}
	tx.staged[teamID] = nil
	return nil
}

// commit validates the staged writes against the holding index and applies
// them all, or none of them.
func (s *Store) commit(tx *memTx) error {
	if len(tx.order) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := make(map[holdKey]string)
	for _, id := range tx.order {
		t := tx.staged[id]
		if t == nil {
			continue
		}
		for _, h := range t.Holdings() {
			k := holdKey{event: h.EventID, user: h.UserID}
			if other, dup := claimed[k]; dup && other != id {
				return membership.ErrHoldingTaken
			}
			claimed[k] = id
			if existing, ok := s.holds[k]; ok {
				if _, rewritten := tx.staged[existing.TeamID]; !rewritten {
					return membership.ErrHoldingTaken
				}
			}
		}
	}

	for _, id := range tx.order {
		if old, ok := s.teams[id]; ok {
			for _, h := range old.Holdings() {
				k := holdKey{event: h.EventID, user: h.UserID}
				if s.holds[k].TeamID == id {
					delete(s.holds, k)
				}
			}
			delete(s.teams, id)
		}
	}
	for _, id := range tx.order {
		t := tx.staged[id]
		if t == nil {
			continue
		}
		s.teams[id] = t
		for _, h := range t.Holdings() {
			s.holds[holdKey{event: h.EventID, user: h.UserID}] = h
		}
	}
	return nil
}
