package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"providers": {"openai": {"model": "gpt-4o-mini", "api_key": "k"}},
		"databases": {"sqlite3": {"dsn": "chat.db"}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway != "sql" {
		t.Fatalf("expected sql gateway, got %q", cfg.Gateway)
	}
	if cfg.BasicConfig.ServerAddress != ":8090" || cfg.BasicConfig.MaxCandidates != 2 {
		t.Fatalf("defaults not applied: %+v", cfg.BasicConfig)
	}
	if cfg.Quota.FreeDaily != 20 || cfg.Quota.FreeMonthly != 100 || cfg.Quota.ProMonthly != 1500 {
		t.Fatalf("quota defaults not applied: %+v", cfg.Quota)
	}
	want := filepath.Join(filepath.Dir(path), "chat.db")
	if got := cfg.Databases["sqlite3"].DSN; got != want {
		t.Fatalf("relative dsn not resolved, want %s got %s", want, got)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, `{
		"providers": {"openai": {"model": "gpt-4o-mini"}},
		"databases": {"sqlite3": {"dsn": ":memory:"}},
		"auth": {"jwt_secret": "from-file"}
	}`)
	t.Setenv("WUSSUP_AUTH_JWT_SECRET", "from-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Fatalf("expected env override, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Databases["sqlite3"].DSN != ":memory:" {
		t.Fatalf("memory dsn should be kept as is")
	}
}

func TestLoadRejectsMissingGatewayConfig(t *testing.T) {
	path := writeConfig(t, `{"providers": {"openai": {}}, "gateway": "supabase"}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for supabase gateway without credentials")
	}
	path = writeConfig(t, `{"providers": {"openai": {}}, "basic_config": {"database": "mysql"}}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing database config")
	}
}

func TestTitleProviderFallback(t *testing.T) {
	cfg := &Config{
		Providers: map[string]ProviderConfig{
			"claude": {Model: "claude-3-5-haiku"},
		},
	}
	name, p := cfg.TitleProvider()
	if name != "claude" || p.Model != "claude-3-5-haiku" {
		t.Fatalf("unexpected fallback %s %+v", name, p)
	}
	cfg.BasicConfig.TitleProvider = "claude"
	cfg.BasicConfig.TitleModel = "claude-3-haiku"
	if _, p := cfg.TitleProvider(); p.Model != "claude-3-haiku" {
		t.Fatalf("title model override ignored: %+v", p)
	}
}
