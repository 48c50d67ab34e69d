package mteam

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "teams.env")
	content := strings.Join([]string{
		"STORE_DRIVER=sqlite",
		"SQLITE_PATH=/tmp/teams.db",
		"ORACLE_DRIVER=static",
		"STATIC_EVENTS=hack:1:4",
		"AUTH_MODE=secret",
		"JWT_SECRET=hunter2",
		"ALLOW_ORIGINS=http://a.test,http://b.test",
		"REQUIRED_ROLES=participant",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	for _, key := range []string{"STORE_DRIVER", "SQLITE_PATH", "ORACLE_DRIVER", "STATIC_EVENTS", "AUTH_MODE", "JWT_SECRET", "ALLOW_ORIGINS", "REQUIRED_ROLES"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.StoreDriver != "sqlite" || cfg.SQLitePath != "/tmp/teams.db" {
		t.Fatalf("store = %s %s", cfg.StoreDriver, cfg.SQLitePath)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://b.test" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
	if len(cfg.RequiredRoles) != 1 || cfg.RequiredRoles[0] != "participant" {
		t.Fatalf("roles = %v", cfg.RequiredRoles)
	}
	if cfg.Port != "5045" {
		t.Fatalf("port default = %q", cfg.Port)
	}
	if cfg.issuer() != "" {
		t.Fatalf("secret mode issuer = %q, want empty", cfg.issuer())
	}
	if cfg.ConfigPath != "teams.env" {
		t.Fatalf("config path = %q", cfg.ConfigPath)
	}

	dump := cfg.toString()
	if strings.Contains(dump, "hunter2") {
		t.Fatalf("config dump leaks the secret:\n%s", dump)
	}
}

func TestLoadConfigRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	if _, err := loadConfig(""); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestSecretModeNeedsSecret(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("AUTH_MODE", "secret")
	t.Setenv("JWT_SECRET", "")
	if _, err := loadConfig(""); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}
}

func TestKeycloakIssuerDefault(t *testing.T) {
	cfg := Config{AuthMode: "keycloak", AuthAddress: "kc:8080", Realm: "teams"}
	if got, want := cfg.issuer(), "http://kc:8080/realms/teams"; got != want {
		t.Fatalf("issuer = %q, want %q", got, want)
	}
	if got, want := cfg.postgresDSN("teams"), "postgres://:@/teams?sslmode=disable"; got != want {
		t.Fatalf("dsn = %q, want %q", got, want)
	}
}
