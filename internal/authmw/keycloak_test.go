package authmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func fakeKeycloak(t *testing.T, logins *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/realms/teams/protocol/openid-connect/token"):
			logins.Add(1)
			_, _ = w.Write([]byte(`{"access_token":"admin-token","expires_in":300,"token_type":"Bearer"}`))
		case strings.HasSuffix(r.URL.Path, "/admin/realms/teams/users"):
			if r.Header.Get("Authorization") != "Bearer admin-token" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			switch r.URL.Query().Get("username") {
			case "alice":
				_, _ = w.Write([]byte(`[{"id":"1","username":"alice","enabled":true}]`))
			case "frozen":
				_, _ = w.Write([]byte(`[{"id":"2","username":"frozen","enabled":false}]`))
			default:
				_, _ = w.Write([]byte(`[]`))
			}
		default:
			_, _ = w.Write([]byte(`{}`))
		}
	}))
}

func TestServiceUserExists(t *testing.T) {
	var logins atomic.Int32
	srv := fakeKeycloak(t, &logins)
	defer srv.Close()

	s, err := NewService(srv.URL, "teams", "teams-api", "secret")
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	for user, want := range map[string]bool{"alice": true, "frozen": false, "ghost": false} {
		got, err := s.UserExists(ctx, user)
		if err != nil {
			t.Fatalf("UserExists(%q): %v", user, err)
		}
		if got != want {
			t.Fatalf("UserExists(%q) = %v, want %v", user, got, want)
		}
	}
	if n := logins.Load(); n != 1 {
		t.Fatalf("logins = %d, want the token reused", n)
	}
}

func TestServiceSelfTestFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	if _, err := NewService(srv.URL, "teams", "teams-api", "wrong"); err == nil {
		t.Fatal("expected login failure")
	}
}

func TestJWKSURL(t *testing.T) {
	if got, want := JWKSURL("kc:8080", "teams"), "http://kc:8080/realms/teams/protocol/openid-connect/certs"; got != want {
		t.Fatalf("JWKSURL = %q, want %q", got, want)
	}
	if got, want := JWKSURL("https://id.example.org/", "r"), "https://id.example.org/realms/r/protocol/openid-connect/certs"; got != want {
		t.Fatalf("JWKSURL = %q, want %q", got, want)
	}
}

func TestAllowAll(t *testing.T) {
	ok, err := AllowAll{}.UserExists(context.Background(), "anyone")
	if err != nil || !ok {
		t.Fatalf("AllowAll = %v, %v", ok, err)
	}
}
