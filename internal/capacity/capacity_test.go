package capacity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"kyri56xcaesar/eventteams/internal/membership"
)

func TestParseStatic(t *testing.T) {
	s, err := ParseStatic("hack-1:1:4, jam:2:2,,")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got, err := s.TeamBounds(context.Background(), "jam")
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if got != (membership.Bounds{Min: 2, Max: 2}) {
		t.Fatalf("bounds = %+v, want {2 2}", got)
	}
	got, err = s.TeamBounds(context.Background(), "hack-1")
	if err != nil || got.Max != 4 {
		t.Fatalf("bounds = %+v, %v, want max 4", got, err)
	}
	if _, err := s.TeamBounds(context.Background(), "nope"); !errors.Is(err, membership.ErrEventNotFound) {
		t.Fatalf("err = %v, want ErrEventNotFound", err)
	}
}

func TestParseStaticRejects(t *testing.T) {
	for _, table := range []string{"hack", ":1:2", "hack:1", "hack:a:2", "hack:3:2", "hack:0:2", "hack:1:2:3"} {
		if _, err := ParseStatic(table); err == nil {
			t.Fatalf("ParseStatic(%q) succeeded, want error", table)
		}
	}
}

func TestHTTPTeamBounds(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/api/events/e1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"success":true,"event":{"title":"Jam","teamSize":{"min":1,"max":5}}}`))
		case "/api/events/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			http.Error(w, `{"success":false}`, http.StatusNotFound)
		}
	}))
	defer srv.Close()

	h := NewHTTP(srv.URL+"/api/", func(context.Context) string { return "tok" })

	b, err := h.TeamBounds(context.Background(), "e1")
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if b != (membership.Bounds{Min: 1, Max: 5}) {
		t.Fatalf("bounds = %+v, want {1 5}", b)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q, want %q", gotAuth, "Bearer tok")
	}
	if gotPath != "/api/events/e1" {
		t.Fatalf("path = %q", gotPath)
	}

	if _, err := h.TeamBounds(context.Background(), "missing"); !errors.Is(err, membership.ErrEventNotFound) {
		t.Fatalf("err = %v, want ErrEventNotFound", err)
	}
	_, err = h.TeamBounds(context.Background(), "broken")
	if err == nil || errors.Is(err, membership.ErrEventNotFound) {
		t.Fatalf("err = %v, want a plain failure", err)
	}
}

func TestHTTPWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"event":{"teamSize":{"min":2,"max":3}}}`))
	}))
	defer srv.Close()

	b, err := NewHTTP(srv.URL, nil).TeamBounds(context.Background(), "e1")
	if err != nil || b.Max != 3 {
		t.Fatalf("bounds = %+v, %v", b, err)
	}
}
