package mteam

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"kyri56xcaesar/eventteams/internal/capacity"
	"kyri56xcaesar/eventteams/internal/logger"
	"kyri56xcaesar/eventteams/internal/membership"
	"kyri56xcaesar/eventteams/internal/membership/membershiptest"
	"kyri56xcaesar/eventteams/internal/store/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// identity trusts the X-User header, standing in for the token middleware.
func identity(c *gin.Context) {
	if user := c.GetHeader("X-User"); user != "" {
		c.Set("kc.username", user)
		c.Next()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing access token"})
}

type apiHarness struct {
	t      *testing.T
	router *gin.Engine
	oracle *capacity.Static
}

func newHarness(t *testing.T) *apiHarness {
	t.Helper()
	oracle, err := capacity.ParseStatic("hack:1:2,jam:1:4")
	if err != nil {
		t.Fatalf("oracle: %v", err)
	}
	repo := memstore.New()
	dir := membershiptest.Directory{Missing: map[string]bool{"ghost": true}}
	log := logger.Nop()

	svc := NewService(membership.NewEngine(repo, oracle, dir, log), NewQuery(repo, oracle, log), log)
	cfg := Config{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST"}, AllowedHeaders: []string{"Authorization"}}
	return &apiHarness{t: t, router: newRouter(cfg, svc, log, identity), oracle: oracle}
}

type apiResponse struct {
	Code int
	Body map[string]any
}

func (h *apiHarness) do(method, path, user string, body any) apiResponse {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User", user)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	out := apiResponse{Code: w.Code}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out.Body); err != nil {
			h.t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
		}
	}
	return out
}

func (h *apiHarness) expect(r apiResponse, code int, kind, reason string) {
	h.t.Helper()
	if r.Code != code {
		h.t.Fatalf("status = %d, want %d (body %v)", r.Code, code, r.Body)
	}
	if kind == "" {
		return
	}
	if r.Body["code"] != kind || r.Body["reason"] != reason {
		h.t.Fatalf("error = %v/%v, want %s/%s", r.Body["code"], r.Body["reason"], kind, reason)
	}
}

func teamOf(t *testing.T, r apiResponse) map[string]any {
	t.Helper()
	team, ok := r.Body["team"].(map[string]any)
	if !ok {
		t.Fatalf("no team in %v", r.Body)
	}
	return team
}

func strs(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, x := range list {
		out = append(out, x.(string))
	}
	return out
}

func (h *apiHarness) createTeam(user, event, name string) string {
	h.t.Helper()
	r := h.do(http.MethodPost, "/teams", user, gin.H{"eventId": event, "name": name})
	h.expect(r, http.StatusCreated, "", "")
	return teamOf(h.t, r)["id"].(string)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	r := h.do(http.MethodGet, "/healthz", "", nil)
	if r.Code != http.StatusOK || r.Body["status"] != "alive" {
		t.Fatalf("healthz = %d %v", r.Code, r.Body)
	}
}

func TestRequiresIdentity(t *testing.T) {
	h := newHarness(t)
	r := h.do(http.MethodGet, "/teams/my-teams", "", nil)
	if r.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", r.Code)
	}
}

func TestCreateTeamView(t *testing.T) {
	h := newHarness(t)
	r := h.do(http.MethodPost, "/teams", "alice", gin.H{"eventId": "jam", "name": "  Owls  "})
	h.expect(r, http.StatusCreated, "", "")

	team := teamOf(t, r)
	if team["name"] != "Owls" || team["leaderId"] != "alice" || team["eventId"] != "jam" {
		t.Fatalf("team = %v", team)
	}
	if got := strs(team["members"]); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("members = %v", got)
	}
	if got := strs(team["invites"]); len(got) != 0 {
		t.Fatalf("invites = %v, want empty", got)
	}
	if team["memberCount"] != float64(1) || team["isFull"] != false {
		t.Fatalf("enrichment = %v/%v", team["memberCount"], team["isFull"])
	}
	size := team["teamSize"].(map[string]any)
	if size["min"] != float64(1) || size["max"] != float64(4) {
		t.Fatalf("teamSize = %v", size)
	}
}

func TestCreateTeamErrors(t *testing.T) {
	h := newHarness(t)
	h.expect(h.do(http.MethodPost, "/teams", "alice", gin.H{"name": "Owls"}), http.StatusBadRequest, "INVALID_ARGUMENT", "missing_field")
	h.expect(h.do(http.MethodPost, "/teams", "alice", gin.H{"eventId": "jam", "name": "x"}), http.StatusBadRequest, "INVALID_ARGUMENT", "invalid_name")
	h.expect(h.do(http.MethodPost, "/teams", "alice", gin.H{"eventId": "nope", "name": "Owls"}), http.StatusNotFound, "NOT_FOUND", "event_not_found")

	h.createTeam("alice", "jam", "Owls")
	h.expect(h.do(http.MethodPost, "/teams", "alice", gin.H{"eventId": "jam", "name": "Hawks"}), http.StatusBadRequest, "CONFLICT", "already_in_team")
}

func TestFullTeamFlow(t *testing.T) {
	h := newHarness(t)
	id := h.createTeam("alice", "hack", "Owls")

	r := h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{"userId": "bob"})
	h.expect(r, http.StatusOK, "", "")
	if got := strs(teamOf(t, r)["invites"]); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("invites = %v", got)
	}

	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "bob", gin.H{"userId": "carol"}), http.StatusForbidden, "FORBIDDEN", "not_leader")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{"userId": "ghost"}), http.StatusNotFound, "NOT_FOUND", "user_not_found")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{}), http.StatusBadRequest, "INVALID_ARGUMENT", "missing_field")

	r = h.do(http.MethodPost, "/teams/"+id+"/join", "bob", nil)
	h.expect(r, http.StatusOK, "", "")
	team := teamOf(t, r)
	if team["isFull"] != true || team["memberCount"] != float64(2) {
		t.Fatalf("after join: %v", team)
	}

	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{"userId": "carol"}), http.StatusBadRequest, "CONFLICT", "team_full")

	r = h.do(http.MethodGet, "/teams/my-teams", "bob", nil)
	h.expect(r, http.StatusOK, "", "")
	if r.Body["total"] != float64(1) {
		t.Fatalf("my-teams = %v", r.Body)
	}

	h.expect(h.do(http.MethodPost, "/teams/"+id+"/leave", "alice", nil), http.StatusBadRequest, "CONFLICT", "leader_cannot_leave")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/leave", "bob", nil), http.StatusOK, "", "")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/leave", "bob", nil), http.StatusBadRequest, "CONFLICT", "not_member")

	h.expect(h.do(http.MethodDelete, "/teams/"+id, "bob", nil), http.StatusForbidden, "FORBIDDEN", "not_leader")
	h.expect(h.do(http.MethodDelete, "/teams/"+id, "alice", nil), http.StatusOK, "", "")
	h.expect(h.do(http.MethodGet, "/teams/"+id, "alice", nil), http.StatusNotFound, "NOT_FOUND", "team_not_found")
}

func TestInviteLifecycle(t *testing.T) {
	h := newHarness(t)
	id := h.createTeam("alice", "jam", "Owls")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{"userId": "bob"}), http.StatusOK, "", "")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{"userId": "carol"}), http.StatusOK, "", "")

	r := h.do(http.MethodGet, "/teams/my-invites", "bob", nil)
	h.expect(r, http.StatusOK, "", "")
	if r.Body["total"] != float64(1) {
		t.Fatalf("my-invites = %v", r.Body)
	}

	h.expect(h.do(http.MethodPost, "/teams/"+id+"/decline", "bob", nil), http.StatusOK, "", "")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/decline", "bob", nil), http.StatusBadRequest, "CONFLICT", "no_invite")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/join", "bob", nil), http.StatusBadRequest, "CONFLICT", "no_invite")

	h.expect(h.do(http.MethodDelete, "/teams/"+id+"/invite/carol", "carol", nil), http.StatusForbidden, "FORBIDDEN", "not_leader")
	r = h.do(http.MethodDelete, "/teams/"+id+"/invite/carol", "alice", nil)
	h.expect(r, http.StatusOK, "", "")
	if got := strs(teamOf(t, r)["invites"]); len(got) != 0 {
		t.Fatalf("invites after revoke = %v", got)
	}
}

func TestRenameAndListByEvent(t *testing.T) {
	h := newHarness(t)
	id := h.createTeam("alice", "jam", "Owls")
	h.createTeam("bob", "jam", "Hawks")
	h.createTeam("carol", "hack", "Crows")

	r := h.do(http.MethodPatch, "/teams/"+id, "alice", gin.H{"name": "Night Owls"})
	h.expect(r, http.StatusOK, "", "")
	if teamOf(t, r)["name"] != "Night Owls" {
		t.Fatalf("rename = %v", r.Body)
	}
	h.expect(h.do(http.MethodPatch, "/teams/"+id, "bob", gin.H{"name": "Mine"}), http.StatusForbidden, "FORBIDDEN", "not_leader")

	r = h.do(http.MethodGet, "/teams/event/jam", "dave", nil)
	h.expect(r, http.StatusOK, "", "")
	items, _ := r.Body["items"].([]any)
	if r.Body["total"] != float64(2) || len(items) != 2 {
		t.Fatalf("event listing = %v", r.Body)
	}
	names := map[any]bool{}
	for _, it := range items {
		names[it.(map[string]any)["name"]] = true
	}
	if !names["Night Owls"] || !names["Hawks"] {
		t.Fatalf("event teams = %v", names)
	}

	r = h.do(http.MethodGet, "/teams/event/none", "dave", nil)
	h.expect(r, http.StatusOK, "", "")
	if r.Body["total"] != float64(0) {
		t.Fatalf("empty listing = %v", r.Body)
	}
}

func TestConcurrentJoinsOverHTTP(t *testing.T) {
	h := newHarness(t)
	id := h.createTeam("alice", "hack", "Owls")
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{"userId": "bob"}), http.StatusOK, "", "")

	// a second seat-holder's invite, added while the team still has room
	h.oracle.Set("hack", membership.Bounds{Min: 1, Max: 3})
	h.expect(h.do(http.MethodPost, "/teams/"+id+"/invite", "alice", gin.H{"userId": "carol"}), http.StatusOK, "", "")
	h.oracle.Set("hack", membership.Bounds{Min: 1, Max: 2})

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i, user := range []string{"bob", "carol"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = h.do(http.MethodPost, "/teams/"+id+"/join", user, nil).Code
		}()
	}
	wg.Wait()

	ok := 0
	for _, c := range codes {
		if c == http.StatusOK {
			ok++
		}
	}
	if ok != 1 {
		t.Fatalf("joins = %v, want exactly one success", codes)
	}
}
