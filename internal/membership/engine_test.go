package membership_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"kyri56xcaesar/eventteams/internal/membership"
	"kyri56xcaesar/eventteams/internal/membership/membershiptest"
	"kyri56xcaesar/eventteams/internal/store/memstore"
)

type brokenDirectory struct{}

func (brokenDirectory) UserExists(context.Context, string) (bool, error) {
	return false, errors.New("directory down")
}

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "  Team Rocket ", want: "Team Rocket"},
		{in: "ab", want: "ab"},
		{in: "a", wantErr: true},
		{in: "   ", wantErr: true},
		{in: strings.Repeat("é", membership.NameMaxLen), want: strings.Repeat("é", membership.NameMaxLen)},
		{in: strings.Repeat("x", membership.NameMaxLen+1), wantErr: true},
	}
	for _, tc := range cases {
		got, err := membership.NormalizeName(tc.in)
		if tc.wantErr {
			membershiptest.ExpectError(t, err, membership.KindInvalidArgument, membership.ReasonInvalidName)
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeName(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBoundsValidate(t *testing.T) {
	if err := (membership.Bounds{Min: 1, Max: 1}).Validate(); err != nil {
		t.Fatalf("1..1: %v", err)
	}
	for _, b := range []membership.Bounds{{Min: 0, Max: 3}, {Min: 3, Max: 2}} {
		if err := b.Validate(); err == nil {
			t.Fatalf("%+v: expected error", b)
		}
	}
}

func TestKindStrings(t *testing.T) {
	want := map[membership.Kind]string{
		membership.KindInvalidArgument: "INVALID_ARGUMENT",
		membership.KindNotFound:        "NOT_FOUND",
		membership.KindForbidden:       "FORBIDDEN",
		membership.KindConflict:        "CONFLICT",
		membership.KindInternal:        "INTERNAL",
	}
	for k, s := range want {
		if k.String() != s {
			t.Fatalf("%d.String() = %q, want %q", k, k.String(), s)
		}
	}
	if membership.KindOf(errors.New("plain")) != membership.KindInternal {
		t.Fatal("plain errors should be internal")
	}
}

func TestInvalidOracleBoundsAreInternal(t *testing.T) {
	oracle := membershiptest.NewOracle()
	oracle.Set("evt", 3, 2)
	engine := membership.NewEngine(memstore.New(), oracle, membershiptest.Directory{}, nil)

	_, err := engine.CreateTeam(context.Background(), "leader", "evt", "Broken")
	membershiptest.ExpectError(t, err, membership.KindInternal, membership.ReasonInternal)
}

func TestDirectoryFailureIsInternal(t *testing.T) {
	oracle := membershiptest.NewOracle()
	oracle.Set("evt", 1, 4)
	engine := membership.NewEngine(memstore.New(), oracle, brokenDirectory{}, nil)

	team, err := engine.CreateTeam(context.Background(), "leader", "evt", "Team")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = engine.Invite(context.Background(), "leader", team.ID, "alice")
	membershiptest.ExpectError(t, err, membership.KindInternal, membership.ReasonInternal)
}

func TestOracleConsultedOnEveryCapacityCheck(t *testing.T) {
	oracle := membershiptest.NewOracle()
	oracle.Set("evt", 1, 4)
	engine := membership.NewEngine(memstore.New(), oracle, membershiptest.Directory{}, nil)
	ctx := context.Background()

	team, err := engine.CreateTeam(ctx, "leader", "evt", "Team")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before := oracle.Calls()
	if _, err := engine.Invite(ctx, "leader", team.ID, "alice"); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := engine.AcceptInvite(ctx, "alice", team.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got := oracle.Calls() - before; got != 2 {
		t.Fatalf("oracle calls = %d, want 2", got)
	}
}

func TestClockAndIDOptions(t *testing.T) {
	oracle := membershiptest.NewOracle()
	oracle.Set("evt", 1, 4)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := membership.NewEngine(memstore.New(), oracle, membershiptest.Directory{}, nil,
		membership.WithClock(func() time.Time { return fixed }),
		membership.WithIDs(func() string { return "team-1" }),
	)

	team, err := engine.CreateTeam(context.Background(), "leader", "evt", "Clocked")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if team.ID != "team-1" {
		t.Fatalf("id = %q, want team-1", team.ID)
	}
	if !team.CreatedAt.Equal(fixed) || !team.UpdatedAt.Equal(fixed) {
		t.Fatalf("timestamps = %v/%v, want %v", team.CreatedAt, team.UpdatedAt, fixed)
	}
}

func TestReturnedTeamsAreCopies(t *testing.T) {
	oracle := membershiptest.NewOracle()
	oracle.Set("evt", 1, 4)
	repo := memstore.New()
	engine := membership.NewEngine(repo, oracle, membershiptest.Directory{}, nil)
	ctx := context.Background()

	team, err := engine.CreateTeam(ctx, "leader", "evt", "Copies")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	team.Members[0] = "mallory"

	stored, err := repo.Get(ctx, team.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Members[0] != "leader" {
		t.Fatalf("stored leader = %q, caller mutation leaked", stored.Members[0])
	}
}
