package client

import (
	"path/filepath"
	"testing"
	"time"

	cliconfig "github.com/antonkrylov/nbgate/internal/cli/config"
	"github.com/antonkrylov/nbgate/internal/transport"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	cfg := &cliconfig.Config{}
	cfg.SetContext("lab", &cliconfig.Context{
		User:           "alice",
		Gateway:        "gw.lab",
		Port:           2222,
		Env:            "bio",
		Dir:            "~/work",
		FleetCommand:   "ai -a",
		EnvInitCommand: "source ~/.profile",
		HopMarkers:     []string{"node ready"},
		Timings:        &cliconfig.Timings{HopWait: 9 * time.Second},
	}, true)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return path
}

func TestResolveProfileDefaults(t *testing.T) {
	t.Setenv("NBGATE_USER", "")
	t.Setenv("NBGATE_GATEWAY", "")
	p, err := ResolveProfile(filepath.Join(t.TempDir(), "missing"), "", Flags{})
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	if p.Gateway.Port != 22 || p.LocalPort != 8888 || p.Env != "base" || p.FleetCommand != "ai" {
		t.Fatalf("unexpected defaults %+v", p)
	}
	if p.Transport != transport.KindNative || p.HostKeyPolicy != "accept-new" {
		t.Fatalf("unexpected transport defaults %q %q", p.Transport, p.HostKeyPolicy)
	}
	if p.Timings.Hop != 5*time.Second || p.Commands.EnvVar != "CONDA_DEFAULT_ENV" {
		t.Fatalf("orchestrator defaults not applied")
	}
	if err := p.RequireLogin(); err == nil {
		t.Fatalf("expected missing login error")
	}
}

func TestResolveProfilePrecedence(t *testing.T) {
	path := writeConfig(t)
	t.Setenv("NBGATE_USER", "envuser")
	t.Setenv("NBGATE_GATEWAY", "env.gw")

	p, err := ResolveProfile(path, "", Flags{User: "flaguser"})
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	if p.Gateway.User != "flaguser" {
		t.Fatalf("flag should win, got %q", p.Gateway.User)
	}
	if p.Gateway.Host != "gw.lab" || p.Gateway.Port != 2222 {
		t.Fatalf("config should beat env, got %+v", p.Gateway)
	}
	if p.Env != "bio" || p.Dir != "~/work" || p.FleetCommand != "ai -a" || p.ContextName != "lab" {
		t.Fatalf("config values lost: %+v", p)
	}
	if p.Timings.Hop != 9*time.Second || p.Timings.Prompt != 2*time.Second {
		t.Fatalf("timings not merged: %+v", p.Timings)
	}
	if p.Commands.EnvInit != "source ~/.profile" || len(p.Commands.HopMarkers) != 1 || p.Commands.HopMarkers[0] != "node ready" {
		t.Fatalf("command overrides not applied: %+v", p.Commands)
	}
	if p.Commands.Activate != "conda activate" {
		t.Fatalf("unset commands should keep defaults: %+v", p.Commands)
	}

	noCfg, err := ResolveProfile("", "", Flags{})
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	if noCfg.Gateway.User != "envuser" || noCfg.Gateway.Host != "env.gw" {
		t.Fatalf("env fallback not applied: %+v", noCfg.Gateway)
	}
}

func TestResolveProfileExplicitEmptyEnv(t *testing.T) {
	path := writeConfig(t)
	p, err := ResolveProfile(path, "lab", Flags{EnvSet: true, Env: ""})
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	if p.Env != "" {
		t.Fatalf("explicit empty env should skip activation, got %q", p.Env)
	}
}

func TestResolveProfileRejectsBadValues(t *testing.T) {
	if _, err := ResolveProfile("", "", Flags{HostKeyPolicy: "trust-me"}); err == nil {
		t.Fatalf("expected host key policy error")
	}
	path := writeConfig(t)
	if _, err := ResolveProfile(path, "nope", Flags{}); err == nil {
		t.Fatalf("expected unknown context error")
	}
}

func TestSaveContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	p, err := ResolveProfile(path, "", Flags{User: "bob", Gateway: "gw", LocalPort: 9999})
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	name, err := p.SaveContext()
	if err != nil {
		t.Fatalf("SaveContext: %v", err)
	}
	if name != "bob@gw" {
		t.Fatalf("unexpected context name %q", name)
	}
	again, err := ResolveProfile(path, "", Flags{})
	if err != nil {
		t.Fatalf("ResolveProfile: %v", err)
	}
	if again.Gateway.User != "bob" || again.LocalPort != 9999 {
		t.Fatalf("saved context not reloaded: %+v", again)
	}
	if creds, ok := again.Context.Credentials(); !ok || creds.Host != "gw" {
		t.Fatalf("saved context should provide credentials")
	}
}
