package membership

import "context"

// Reader is the read side of a team repository. Returned teams are copies.
type Reader interface {
	Get(ctx context.Context, teamID string) (*Team, error)
	ListByEvent(ctx context.Context, eventID string) ([]*Team, error)
	ListByMember(ctx context.Context, userID string) ([]*Team, error)
	ListByInvitee(ctx context.Context, userID string) ([]*Team, error)
}

// Tx is a unit of work scoped to one event. Writes become visible only when
// the enclosing Atomically call returns nil.
type Tx interface {
	// Get returns ErrTeamNotFound for teams of other events.
	Get(ctx context.Context, teamID string) (*Team, error)
	// Holding returns nil when the user holds nothing for the event.
	Holding(ctx context.Context, eventID, userID string) (*Holding, error)
	// Insert stores a new team with Version 1.
	Insert(ctx context.Context, t *Team) error
	// Update writes t if the stored version still equals t.Version, then
	// bumps t.Version. Otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, t *Team) error
	Delete(ctx context.Context, teamID string) error
}

// Repository is the durable team store.
//
// Atomically runs fn so that no other unit of work for the same event runs
// concurrently with it, and commits all of fn's writes or none of them.
type Repository interface {
	Reader
	Atomically(ctx context.Context, eventID string, fn func(ctx context.Context, tx Tx) error) error
}

// Oracle reports an event's team size bounds. Implementations must not cache
// across calls: organizers may change the bounds at any time.
type Oracle interface {
	TeamBounds(ctx context.Context, eventID string) (Bounds, error)
}

// UserDirectory tells whether a user id refers to an existing account.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}
