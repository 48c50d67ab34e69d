// Package membership holds the team membership lifecycle: the team model, the
// repository contract every storage adapter implements, and the Engine that
// keeps the per-event invariants intact under concurrent requests.
//
// Invariants kept by the Engine:
//   - the leader is always a member
//   - members and invites never overlap and never repeat
//   - a team never has more members than its event allows
//   - a user holds at most one membership or invite per event
package membership

import (
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	NameMinLen = 2
	NameMaxLen = 100
)

// Role of a user inside a team for a given event.
type Role string

const (
	RoleMember Role = "member"
	RoleInvite Role = "invite"
)

type Team struct {
	ID        string    `json:"id"`
	EventID   string    `json:"eventId"`
	Name      string    `json:"name"`
	LeaderID  string    `json:"leaderId"`
	Members   []string  `json:"members"`
	Invites   []string  `json:"invites"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Holding is what a user holds for an event: a seat in a team or a pending
// invite to one.
type Holding struct {
	EventID string
	UserID  string
	TeamID  string
	Role    Role
}

// Bounds are the team size limits of an event.
type Bounds struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

func (b Bounds) Validate() error {
	if b.Min < 1 || b.Max < b.Min {
		return fmt.Errorf("invalid team size bounds min=%d max=%d", b.Min, b.Max)
	}
	return nil
}

func (t *Team) HasMember(userID string) bool {
	return slices.Contains(t.Members, userID)
}

func (t *Team) HasInvite(userID string) bool {
	return slices.Contains(t.Invites, userID)
}

func (t *Team) IsLeader(userID string) bool {
	return t.LeaderID == userID
}

// Holdings lists every (user, role) pair the team occupies, members first.
func (t *Team) Holdings() []Holding {
	out := make([]Holding, 0, len(t.Members)+len(t.Invites))
	for _, m := range t.Members {
		out = append(out, Holding{EventID: t.EventID, UserID: m, TeamID: t.ID, Role: RoleMember})
	}
	for _, i := range t.Invites {
		out = append(out, Holding{EventID: t.EventID, UserID: i, TeamID: t.ID, Role: RoleInvite})
	}
	return out
}

func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	c := *t
	c.Members = slices.Clone(t.Members)
	c.Invites = slices.Clone(t.Invites)
	if c.Members == nil {
		c.Members = []string{}
	}
	if c.Invites == nil {
		c.Invites = []string{}
	}
	return &c
}

// checkShape verifies the single-team invariants before anything is written.
func (t *Team) checkShape() error {
	if !t.HasMember(t.LeaderID) {
		return fmt.Errorf("team %s: leader %s is not a member", t.ID, t.LeaderID)
	}
	seen := make(map[string]struct{}, len(t.Members)+len(t.Invites))
	for _, u := range append(slices.Clone(t.Members), t.Invites...) {
		if _, dup := seen[u]; dup {
			return fmt.Errorf("team %s: user %s appears twice", t.ID, u)
		}
		seen[u] = struct{}{}
	}
	return nil
}

func remove(list []string, userID string) []string {
	return slices.DeleteFunc(slices.Clone(list), func(u string) bool { return u == userID })
}

// NormalizeName trims the name and checks its length in characters.
func NormalizeName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", InvalidArgument(ReasonInvalidName, "team name is required")
	}
	n := utf8.RuneCountInString(name)
	if n < NameMinLen || n > NameMaxLen {
		return "", InvalidArgument(ReasonInvalidName,
			fmt.Sprintf("team name must be between %d and %d characters", NameMinLen, NameMaxLen))
	}
	return name, nil
}
