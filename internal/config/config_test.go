package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMemoryDefaults(t *testing.T) {
	t.Setenv("APP_STORAGE_DRIVER", "memory")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DAV.BasePath != "/dav/" {
		t.Fatalf("DAV.BasePath = %q", cfg.DAV.BasePath)
	}
	if cfg.DAV.MaxDepth != 8 || cfg.DAV.SyncLimit != 1000 {
		t.Fatalf("unexpected dav defaults: %+v", cfg.DAV)
	}
	if cfg.OIDC.UsernameClaim != "preferred_username" {
		t.Fatalf("OIDC.UsernameClaim = %q", cfg.OIDC.UsernameClaim)
	}
}

func TestLoadBuildsDSNFromParts(t *testing.T) {
	t.Setenv("APP_DB_HOST", "db")
	t.Setenv("APP_DB_NAME", "davkit")
	t.Setenv("APP_DB_USER", "dav")
	t.Setenv("APP_DB_PASSWORD", "p@ss")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := "postgres://dav:p%40ss@db:5432/davkit?sslmode=disable"
	if cfg.DB.DSN != want {
		t.Fatalf("DSN = %q, want %q", cfg.DB.DSN, want)
	}
}

func TestLoadRequiresDatabase(t *testing.T) {
	t.Setenv("APP_DB_HOST", "db")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "APP_DB_DSN") {
		t.Fatalf("Load() error = %v, want missing database error", err)
	}
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "davkit.yaml")
	data := "storage:\n  driver: memory\ndav:\n  base_path: remote\n  max_depth: 3\ntrusted_proxies:\n  - 10.0.0.0/8\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APP_DAV_MAX_DEPTH", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DAV.BasePath != "/remote/" {
		t.Fatalf("DAV.BasePath = %q", cfg.DAV.BasePath)
	}
	if cfg.DAV.MaxDepth != 4 {
		t.Fatalf("env should override the file, MaxDepth = %d", cfg.DAV.MaxDepth)
	}
	if len(cfg.TrustedProxies) != 1 || cfg.TrustedProxies[0] != "10.0.0.0/8" {
		t.Fatalf("TrustedProxies = %v", cfg.TrustedProxies)
	}
}

func TestLoadValidatesOIDC(t *testing.T) {
	t.Setenv("APP_STORAGE_DRIVER", "memory")
	t.Setenv("APP_OIDC_ISSUER_URL", "https://id.example.com")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error without a client id")
	}
	t.Setenv("APP_OIDC_CLIENT_ID", "davkit")
	if _, err := Load(""); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("APP_STORAGE_DRIVER", "bolt")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}
