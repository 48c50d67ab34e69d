package membershiptest

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"kyri56xcaesar/eventteams/internal/membership"
)

const (
	eventSmall = "evt-small" // max 2
	eventFour  = "evt-four"  // max 4
	eventWide  = "evt-wide"  // max 64
)

type fixture struct {
	ctx    context.Context
	repo   membership.Repository
	oracle *Oracle
	engine *membership.Engine
}

func newFixture(t *testing.T, newRepo func(t *testing.T) membership.Repository) *fixture {
	t.Helper()
	oracle := NewOracle()
	oracle.Set(eventSmall, 1, 2)
	oracle.Set(eventFour, 2, 4)
	oracle.Set(eventWide, 1, 64)
	repo := newRepo(t)
	return &fixture{
		ctx:    context.Background(),
		repo:   repo,
		oracle: oracle,
		engine: membership.NewEngine(repo, oracle, Directory{Missing: map[string]bool{"ghost": true}}, nil),
	}
}

func (f *fixture) create(t *testing.T, leader, eventID, name string) *membership.Team {
	t.Helper()
	team, err := f.engine.CreateTeam(f.ctx, leader, eventID, name)
	if err != nil {
		t.Fatalf("create team %q for %s: %v", name, leader, err)
	}
	return team
}

func (f *fixture) join(t *testing.T, team *membership.Team, users ...string) *membership.Team {
	t.Helper()
	var err error
	for _, u := range users {
		if _, err = f.engine.Invite(f.ctx, team.LeaderID, team.ID, u); err != nil {
			t.Fatalf("invite %s: %v", u, err)
		}
		if team, err = f.engine.AcceptInvite(f.ctx, u, team.ID); err != nil {
			t.Fatalf("accept %s: %v", u, err)
		}
	}
	return team
}

// ExpectError fails unless err is a membership error of the given kind and,
// when reason is not empty, the given reason.
func ExpectError(t *testing.T, err error, kind membership.Kind, reason string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var me *membership.Error
	if !errors.As(err, &me) {
		t.Fatalf("expected *membership.Error, got %T: %v", err, err)
	}
	if me.Kind != kind {
		t.Fatalf("kind = %s, want %s (%v)", me.Kind, kind, err)
	}
	if reason != "" && me.Reason != reason {
		t.Fatalf("reason = %q, want %q (%v)", me.Reason, reason, err)
	}
}

// RunEngineSuite drives the Engine on top of the repositories built by
// newRepo. Every subtest gets a fresh repository.
func RunEngineSuite(t *testing.T, newRepo func(t *testing.T) membership.Repository) {
	t.Run("CreateTeam", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "leader", eventFour, "  Rocket  ")

		if team.ID == "" {
			t.Fatal("expected a team id")
		}
		if team.Name != "Rocket" {
			t.Fatalf("name = %q, want %q", team.Name, "Rocket")
		}
		if team.LeaderID != "leader" || !slices.Equal(team.Members, []string{"leader"}) {
			t.Fatalf("leader/members = %s/%v, want leader/[leader]", team.LeaderID, team.Members)
		}
		if len(team.Invites) != 0 {
			t.Fatalf("invites = %v, want none", team.Invites)
		}
		if team.Version != 1 {
			t.Fatalf("version = %d, want 1", team.Version)
		}

		stored, err := f.repo.Get(f.ctx, team.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.EventID != eventFour || stored.Name != "Rocket" {
			t.Fatalf("stored = %+v", stored)
		}
	})

	t.Run("CreateTeamRejections", func(t *testing.T) {
		f := newFixture(t, newRepo)
		f.create(t, "leader", eventFour, "First")

		_, err := f.engine.CreateTeam(f.ctx, "leader", eventFour, "Second")
		ExpectError(t, err, membership.KindConflict, membership.ReasonAlreadyInTeam)

		_, err = f.engine.CreateTeam(f.ctx, "leader", "evt-missing", "Lost")
		ExpectError(t, err, membership.KindNotFound, membership.ReasonEventNotFound)

		_, err = f.engine.CreateTeam(f.ctx, "other", eventFour, " ")
		ExpectError(t, err, membership.KindInvalidArgument, membership.ReasonInvalidName)

		_, err = f.engine.CreateTeam(f.ctx, "other", eventFour, "x")
		ExpectError(t, err, membership.KindInvalidArgument, membership.ReasonInvalidName)

		_, err = f.engine.CreateTeam(f.ctx, "other", "", "Valid")
		ExpectError(t, err, membership.KindInvalidArgument, membership.ReasonMissingField)

		// a different event is fine
		f.create(t, "leader", eventSmall, "Elsewhere")
	})

	t.Run("CreateTeamWithPendingInvite", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "leader", eventFour, "Inviters")
		if _, err := f.engine.Invite(f.ctx, "leader", team.ID, "alice"); err != nil {
			t.Fatalf("invite: %v", err)
		}

		_, err := f.engine.CreateTeam(f.ctx, "alice", eventFour, "Own")
		ExpectError(t, err, membership.KindConflict, membership.ReasonPendingInvite)

		if _, err := f.engine.DeclineInvite(f.ctx, "alice", team.ID); err != nil {
			t.Fatalf("decline: %v", err)
		}
		f.create(t, "alice", eventFour, "Own")
	})

	t.Run("FullTeamScenario", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "L", eventSmall, "Pair")

		team, err := f.engine.Invite(f.ctx, "L", team.ID, "A")
		if err != nil {
			t.Fatalf("invite A: %v", err)
		}
		if !slices.Equal(team.Invites, []string{"A"}) {
			t.Fatalf("invites = %v, want [A]", team.Invites)
		}

		team, err = f.engine.AcceptInvite(f.ctx, "A", team.ID)
		if err != nil {
			t.Fatalf("accept A: %v", err)
		}
		if !slices.Equal(team.Members, []string{"L", "A"}) || len(team.Invites) != 0 {
			t.Fatalf("members/invites = %v/%v, want [L A]/[]", team.Members, team.Invites)
		}

		_, err = f.engine.Invite(f.ctx, "L", team.ID, "B")
		ExpectError(t, err, membership.KindConflict, membership.ReasonTeamFull)
	})

	t.Run("InviteRejections", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "leader", eventFour, "Main")
		other := f.create(t, "rival", eventFour, "Rival")
		f.join(t, other, "bob")
		f.join(t, team, "carol")

		_, err := f.engine.Invite(f.ctx, "carol", team.ID, "dave")
		ExpectError(t, err, membership.KindForbidden, membership.ReasonNotLeader)

		_, err = f.engine.Invite(f.ctx, "leader", team.ID, "ghost")
		ExpectError(t, err, membership.KindNotFound, membership.ReasonUserNotFound)

		_, err = f.engine.Invite(f.ctx, "leader", "no-such-team", "dave")
		ExpectError(t, err, membership.KindNotFound, membership.ReasonTeamNotFound)

		_, err = f.engine.Invite(f.ctx, "leader", team.ID, "carol")
		ExpectError(t, err, membership.KindConflict, membership.ReasonAlreadyMember)

		_, err = f.engine.Invite(f.ctx, "leader", team.ID, "leader")
		ExpectError(t, err, membership.KindConflict, membership.ReasonAlreadyMember)

		_, err = f.engine.Invite(f.ctx, "leader", team.ID, "bob")
		ExpectError(t, err, membership.KindConflict, membership.ReasonMemberElsewhere)

		_, err = f.engine.Invite(f.ctx, "leader", team.ID, "rival")
		ExpectError(t, err, membership.KindConflict, membership.ReasonMemberElsewhere)

		if _, err := f.engine.Invite(f.ctx, "leader", team.ID, "dave"); err != nil {
			t.Fatalf("invite dave: %v", err)
		}
		_, err = f.engine.Invite(f.ctx, "leader", team.ID, "dave")
		ExpectError(t, err, membership.KindConflict, membership.ReasonAlreadyInvited)

		_, err = f.engine.Invite(f.ctx, "rival", other.ID, "dave")
		ExpectError(t, err, membership.KindConflict, membership.ReasonInvitedElsewhere)

		_, err = f.engine.Invite(f.ctx, "leader", team.ID, "")
		ExpectError(t, err, membership.KindInvalidArgument, membership.ReasonMissingField)
	})

	t.Run("InviteRereadsShrunkBounds", func(t *testing.T) {
		f := newFixture(t, newRepo)
		f.oracle.Set("evt-shrink", 1, 4)
		team := f.create(t, "leader", "evt-shrink", "Shrinking")
		f.join(t, team, "a", "b")

		if _, err := f.engine.Invite(f.ctx, "leader", team.ID, "c"); err != nil {
			t.Fatalf("invite c: %v", err)
		}
		f.oracle.Set("evt-shrink", 1, 3)
		_, err := f.engine.Invite(f.ctx, "leader", team.ID, "d")
		ExpectError(t, err, membership.KindConflict, membership.ReasonTeamFull)

		// c's invite predates the shrink, acceptance still checks capacity
		_, err = f.engine.AcceptInvite(f.ctx, "c", team.ID)
		ExpectError(t, err, membership.KindConflict, membership.ReasonTeamFull)

		stored, err := f.repo.Get(f.ctx, team.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !stored.HasInvite("c") {
			t.Fatalf("invite of c should be left in place, invites = %v", stored.Invites)
		}
	})

	t.Run("AcceptAndDecline", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "leader", eventFour, "Crew")

		_, err := f.engine.AcceptInvite(f.ctx, "alice", team.ID)
		ExpectError(t, err, membership.KindConflict, membership.ReasonNoInvite)

		if _, err := f.engine.Invite(f.ctx, "leader", team.ID, "alice"); err != nil {
			t.Fatalf("invite: %v", err)
		}
		team, err = f.engine.DeclineInvite(f.ctx, "alice", team.ID)
		if err != nil {
			t.Fatalf("decline: %v", err)
		}
		if len(team.Invites) != 0 || team.HasMember("alice") {
			t.Fatalf("after decline members/invites = %v/%v", team.Members, team.Invites)
		}

		_, err = f.engine.DeclineInvite(f.ctx, "alice", team.ID)
		ExpectError(t, err, membership.KindConflict, membership.ReasonNoInvite)

		// declining frees alice for another team
		other := f.create(t, "other", eventFour, "Other")
		f.join(t, other, "alice")
	})

	t.Run("LeaveAndDelete", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "leader", eventFour, "Temp")
		team = f.join(t, team, "alice")
		if _, err := f.engine.Invite(f.ctx, "leader", team.ID, "bob"); err != nil {
			t.Fatalf("invite bob: %v", err)
		}

		_, err := f.engine.Leave(f.ctx, "leader", team.ID)
		ExpectError(t, err, membership.KindConflict, membership.ReasonLeaderCannotLeave)

		_, err = f.engine.Leave(f.ctx, "zed", team.ID)
		ExpectError(t, err, membership.KindConflict, membership.ReasonNotMember)

		team, err = f.engine.Leave(f.ctx, "alice", team.ID)
		if err != nil {
			t.Fatalf("leave: %v", err)
		}
		if team.HasMember("alice") {
			t.Fatalf("alice still a member: %v", team.Members)
		}
		f.create(t, "alice", eventFour, "Alice's")

		err = f.engine.DeleteTeam(f.ctx, "bob", team.ID)
		ExpectError(t, err, membership.KindForbidden, membership.ReasonNotLeader)

		if err := f.engine.DeleteTeam(f.ctx, "leader", team.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := f.repo.Get(f.ctx, team.ID); !errors.Is(err, membership.ErrTeamNotFound) {
			t.Fatalf("get after delete = %v, want ErrTeamNotFound", err)
		}

		_, err = f.engine.AcceptInvite(f.ctx, "bob", team.ID)
		ExpectError(t, err, membership.KindNotFound, membership.ReasonTeamNotFound)

		err = f.engine.DeleteTeam(f.ctx, "leader", team.ID)
		ExpectError(t, err, membership.KindNotFound, membership.ReasonTeamNotFound)

		// pending invite of bob vanished with the team
		f.create(t, "bob", eventFour, "Bob's")
		f.create(t, "leader", eventFour, "Again")
	})

	t.Run("RenameAndRevoke", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "leader", eventFour, "Old")
		team = f.join(t, team, "alice")

		_, err := f.engine.Rename(f.ctx, "alice", team.ID, "Mine")
		ExpectError(t, err, membership.KindForbidden, membership.ReasonNotLeader)

		_, err = f.engine.Rename(f.ctx, "leader", team.ID, "")
		ExpectError(t, err, membership.KindInvalidArgument, membership.ReasonInvalidName)

		renamed, err := f.engine.Rename(f.ctx, "leader", team.ID, "New")
		if err != nil {
			t.Fatalf("rename: %v", err)
		}
		if renamed.Name != "New" || renamed.Version <= team.Version {
			t.Fatalf("renamed = %q v%d, previous v%d", renamed.Name, renamed.Version, team.Version)
		}

		if _, err := f.engine.Invite(f.ctx, "leader", team.ID, "bob"); err != nil {
			t.Fatalf("invite: %v", err)
		}
		_, err = f.engine.RevokeInvite(f.ctx, "alice", team.ID, "bob")
		ExpectError(t, err, membership.KindForbidden, membership.ReasonNotLeader)

		revoked, err := f.engine.RevokeInvite(f.ctx, "leader", team.ID, "bob")
		if err != nil {
			t.Fatalf("revoke: %v", err)
		}
		if revoked.HasInvite("bob") {
			t.Fatalf("bob still invited: %v", revoked.Invites)
		}
		_, err = f.engine.RevokeInvite(f.ctx, "leader", team.ID, "bob")
		ExpectError(t, err, membership.KindConflict, membership.ReasonNoInvite)
	})

	t.Run("Listings", func(t *testing.T) {
		f := newFixture(t, newRepo)
		a := f.create(t, "leader-a", eventFour, "Alpha")
		b := f.create(t, "leader-b", eventFour, "Beta")
		c := f.create(t, "leader-a", eventSmall, "Gamma")
		f.join(t, a, "alice")
		if _, err := f.engine.Invite(f.ctx, "leader-b", b.ID, "bob"); err != nil {
			t.Fatalf("invite: %v", err)
		}
		if _, err := f.engine.Invite(f.ctx, "leader-a", c.ID, "bob"); err != nil {
			t.Fatalf("invite: %v", err)
		}

		byEvent, err := f.repo.ListByEvent(f.ctx, eventFour)
		if err != nil {
			t.Fatalf("list by event: %v", err)
		}
		if got := ids(byEvent); !sameSet(got, []string{a.ID, b.ID}) {
			t.Fatalf("by event = %v, want %v", got, []string{a.ID, b.ID})
		}

		mine, err := f.repo.ListByMember(f.ctx, "leader-a")
		if err != nil {
			t.Fatalf("list by member: %v", err)
		}
		if got := ids(mine); !sameSet(got, []string{a.ID, c.ID}) {
			t.Fatalf("leader-a teams = %v", got)
		}

		invites, err := f.repo.ListByInvitee(f.ctx, "bob")
		if err != nil {
			t.Fatalf("list by invitee: %v", err)
		}
		if got := ids(invites); !sameSet(got, []string{b.ID, c.ID}) {
			t.Fatalf("bob invites = %v", got)
		}

		none, err := f.repo.ListByInvitee(f.ctx, "alice")
		if err != nil {
			t.Fatalf("list by invitee: %v", err)
		}
		if len(none) != 0 {
			t.Fatalf("alice invites = %v, want none", ids(none))
		}
	})

	t.Run("ConcurrentInvitesSameTarget", func(t *testing.T) {
		f := newFixture(t, newRepo)
		const n = 12
		teams := make([]*membership.Team, n)
		for i := range n {
			teams[i] = f.create(t, fmt.Sprintf("leader-%d", i), eventWide, fmt.Sprintf("Team %d", i))
		}

		errs := make([]error, n)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = f.engine.Invite(f.ctx, teams[i].LeaderID, teams[i].ID, "target")
			}()
		}
		close(start)
		wg.Wait()

		successes := 0
		for _, err := range errs {
			if err == nil {
				successes++
				continue
			}
			if membership.KindOf(err) != membership.KindConflict {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if successes != 1 {
			t.Fatalf("successful invites = %d, want 1", successes)
		}
		assertInvariants(t, f, eventWide)
	})

	t.Run("ConcurrentAcceptsLastSeat", func(t *testing.T) {
		f := newFixture(t, newRepo)
		team := f.create(t, "leader", eventFour, "Almost")
		team = f.join(t, team, "m1", "m2")
		for _, u := range []string{"x", "y"} {
			if _, err := f.engine.Invite(f.ctx, "leader", team.ID, u); err != nil {
				t.Fatalf("invite %s: %v", u, err)
			}
		}

		errs := make([]error, 2)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i, u := range []string{"x", "y"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = f.engine.AcceptInvite(f.ctx, u, team.ID)
			}()
		}
		close(start)
		wg.Wait()

		successes := 0
		for _, err := range errs {
			if err == nil {
				successes++
				continue
			}
			ExpectError(t, err, membership.KindConflict, membership.ReasonTeamFull)
		}
		if successes != 1 {
			t.Fatalf("successful accepts = %d, want 1", successes)
		}

		stored, err := f.repo.Get(f.ctx, team.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(stored.Members) != 4 {
			t.Fatalf("members = %v, want 4 of them", stored.Members)
		}
		assertInvariants(t, f, eventFour)
	})

	t.Run("ConcurrentCreatesSameActor", func(t *testing.T) {
		f := newFixture(t, newRepo)
		const n = 10
		errs := make([]error, n)
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, errs[i] = f.engine.CreateTeam(f.ctx, "eager", eventWide, fmt.Sprintf("Eager %d", i))
			}()
		}
		close(start)
		wg.Wait()

		successes := 0
		for _, err := range errs {
			if err == nil {
				successes++
				continue
			}
			ExpectError(t, err, membership.KindConflict, membership.ReasonAlreadyInTeam)
		}
		if successes != 1 {
			t.Fatalf("successful creates = %d, want 1", successes)
		}
	})

	t.Run("RandomConcurrentOperationsKeepInvariants", func(t *testing.T) {
		f := newFixture(t, newRepo)
		f.oracle.Set("evt-chaos", 1, 3)
		users := make([]string, 12)
		for i := range users {
			users[i] = fmt.Sprintf("u%d", i)
		}

		var wg sync.WaitGroup
		for w := range 6 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rng := rand.New(rand.NewPCG(uint64(w), 42))
				for range 40 {
					randomStep(f, rng, users)
				}
			}()
		}
		wg.Wait()

		assertInvariants(t, f, "evt-chaos")
	})
}

func randomStep(f *fixture, rng *rand.Rand, users []string) {
	actor := users[rng.IntN(len(users))]
	teams, err := f.repo.ListByEvent(f.ctx, "evt-chaos")
	if err != nil {
		return
	}
	var team *membership.Team
	if len(teams) > 0 {
		team = teams[rng.IntN(len(teams))]
	}

	switch op := rng.IntN(6); {
	case op == 0 || team == nil:
		_, _ = f.engine.CreateTeam(f.ctx, actor, "evt-chaos", "Chaos "+actor)
	case op == 1:
		_, _ = f.engine.Invite(f.ctx, team.LeaderID, team.ID, actor)
	case op == 2:
		_, _ = f.engine.AcceptInvite(f.ctx, actor, team.ID)
	case op == 3:
		_, _ = f.engine.DeclineInvite(f.ctx, actor, team.ID)
	case op == 4:
		_, _ = f.engine.Leave(f.ctx, actor, team.ID)
	default:
		if rng.IntN(4) == 0 {
			_ = f.engine.DeleteTeam(f.ctx, team.LeaderID, team.ID)
		}
	}
}

func assertInvariants(t *testing.T, f *fixture, eventID string) {
	t.Helper()
	teams, err := f.repo.ListByEvent(f.ctx, eventID)
	if err != nil {
		t.Fatalf("list by event: %v", err)
	}
	bounds, err := f.oracle.TeamBounds(f.ctx, eventID)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}

	holder := map[string]string{}
	for _, team := range teams {
		if !team.HasMember(team.LeaderID) {
			t.Fatalf("team %s: leader %s not a member", team.ID, team.LeaderID)
		}
		if len(team.Members) > bounds.Max {
			t.Fatalf("team %s: %d members exceed max %d", team.ID, len(team.Members), bounds.Max)
		}
		for _, u := range team.Invites {
			if team.HasMember(u) {
				t.Fatalf("team %s: %s both invited and member", team.ID, u)
			}
		}
		for _, u := range append(slices.Clone(team.Members), team.Invites...) {
			if other, dup := holder[u]; dup {
				t.Fatalf("user %s held by teams %s and %s", u, other, team.ID)
			}
			holder[u] = team.ID
		}
	}
}

func ids(teams []*membership.Team) []string {
	out := make([]string, 0, len(teams))
	for _, t := range teams {
		out = append(out, t.ID)
	}
	return out
}

func sameSet(a, b []string) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}
