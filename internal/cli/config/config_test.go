package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil || cfg != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", cfg, err)
	}
	if cfg, err := Load("  "); err != nil || cfg != nil {
		t.Fatalf("empty path should load nothing")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config")
	cfg := &Config{}
	cfg.SetContext("alice@gw", &Context{
		User:      "alice",
		Gateway:   "gw.example",
		Env:       "bio",
		LocalPort: 9000,
		Timings:   &Timings{HopWait: 8 * time.Second, URLTimeout: 2 * time.Minute},
	}, false)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "hopWait: 8s") {
		t.Fatalf("durations should be written as strings:\n%s", raw)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctx, name, err := loaded.Resolve("")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if name != "alice@gw" || ctx.Gateway != "gw.example" || ctx.LocalPort != 9000 {
		t.Fatalf("unexpected context %q %+v", name, ctx)
	}
	if ctx.Timings == nil || ctx.Timings.HopWait != 8*time.Second || ctx.Timings.URLTimeout != 2*time.Minute {
		t.Fatalf("timings lost: %+v", ctx.Timings)
	}
	creds, ok := ctx.Credentials()
	if !ok || creds.Endpoint() != "alice@gw.example" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
}

func TestResolveAndUseContext(t *testing.T) {
	cfg := &Config{}
	cfg.SetContext("a", &Context{User: "a", Gateway: "g1"}, false)
	cfg.SetContext("b", &Context{User: "b", Gateway: "g2"}, false)
	if cfg.CurrentContext != "a" {
		t.Fatalf("first context should become current, got %q", cfg.CurrentContext)
	}
	if _, _, err := cfg.Resolve("zzz"); !errors.Is(err, ErrContextNotFound) {
		t.Fatalf("expected ErrContextNotFound, got %v", err)
	}
	if err := cfg.UseContext("b"); err != nil {
		t.Fatalf("UseContext: %v", err)
	}
	if ctx, _, _ := cfg.Resolve(""); ctx.User != "b" {
		t.Fatalf("expected b to be current")
	}
	if err := cfg.UseContext("zzz"); err == nil {
		t.Fatalf("expected error for unknown context")
	}
	if got := strings.Join(cfg.Names(), ","); got != "a,b" {
		t.Fatalf("Names()=%s", got)
	}
	var nilCfg *Config
	if ctx, _, err := nilCfg.Resolve("a"); ctx != nil || err != nil {
		t.Fatalf("nil config should resolve to nothing")
	}
}

func TestDefaultConfigPathHonorsEnv(t *testing.T) {
	t.Setenv("NBGATE_CONFIG", "")
	t.Setenv("NBGATE_HOME", "/tmp/nbgate-home")
	if got := DefaultConfigPath(); got != filepath.Join("/tmp/nbgate-home", "config") {
		t.Fatalf("DefaultConfigPath()=%s", got)
	}
	t.Setenv("NBGATE_CONFIG", "/etc/nbgate.yaml")
	if got := DefaultConfigPath(); got != "/etc/nbgate.yaml" {
		t.Fatalf("DefaultConfigPath()=%s", got)
	}
}
