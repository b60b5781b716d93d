package client

import (
	"fmt"
	"os"
	"strings"

	cliconfig "github.com/antonkrylov/nbgate/internal/cli/config"
	"github.com/antonkrylov/nbgate/internal/fleet"
	"github.com/antonkrylov/nbgate/internal/lifecycle"
	"github.com/antonkrylov/nbgate/internal/orchestrator"
	"github.com/antonkrylov/nbgate/internal/ports"
	"github.com/antonkrylov/nbgate/internal/transport"
)

const (
	DefaultEnv = "base"
)

// Flags carries explicitly set command line values. Zero values mean "not set".
type Flags struct {
	User          string
	Gateway       string
	Port          int
	IdentityFile  string
	KnownHosts    string
	HostKeyPolicy string
	Transport     string
	Env           string
	Dir           string
	LocalPort     int
	EnvSet        bool
	DirSet        bool
}

// Profile is everything needed to log in and launch.
type Profile struct {
	ConfigPath  string
	ContextName string
	Config      *cliconfig.Config
	Context     *cliconfig.Context

	Gateway       transport.Credentials
	IdentityFile  string
	KnownHosts    string
	HostKeyPolicy string
	Transport     transport.Kind

	Env          string
	Dir          string
	LocalPort    int
	FleetCommand string
	ScanWidth    int
	Commands     orchestrator.Commands
	Timings      orchestrator.Timings
}

// Credentials lets a resolved profile act as the reconnect source.
func (p *Profile) Credentials() (transport.Credentials, bool) {
	if p == nil {
		return transport.Credentials{}, false
	}
	return p.Gateway, p.Gateway.Valid()
}

// ResolveProfile applies, in order of precedence:
// 1) flags
// 2) config file context
// 3) environment (NBGATE_USER, NBGATE_GATEWAY)
// 4) defaults (port 22, local port 8888, env "base", fleet command "ai")
func ResolveProfile(configPath, contextName string, flags Flags) (*Profile, error) {
	p := &Profile{ConfigPath: configPath, ContextName: contextName}

	if p.ConfigPath != "" {
		cfg, err := cliconfig.Load(p.ConfigPath)
		if err != nil {
			return nil, err
		}
		p.Config = cfg
	}
	if p.Config != nil {
		ctx, name, err := p.Config.Resolve(p.ContextName)
		if err != nil {
			return nil, err
		}
		p.Context = ctx
		p.ContextName = name
	}
	c := p.Context
	if c == nil {
		c = &cliconfig.Context{}
	}

	p.Gateway = transport.Credentials{
		User: first(flags.User, c.User, os.Getenv("NBGATE_USER")),
		Host: first(flags.Gateway, c.Gateway, os.Getenv("NBGATE_GATEWAY")),
		Port: firstInt(flags.Port, c.Port, transport.DefaultPort),
	}
	p.IdentityFile = first(flags.IdentityFile, c.IdentityFile)
	p.KnownHosts = first(flags.KnownHosts, c.KnownHosts)
	p.HostKeyPolicy = first(flags.HostKeyPolicy, c.HostKeyPolicy, string(transport.HostKeyAcceptNew))
	p.Transport = transport.Kind(first(flags.Transport, c.Transport, string(transport.KindNative)))

	// An explicitly empty --env skips activation.
	if flags.EnvSet {
		p.Env = flags.Env
	} else {
		p.Env = first(c.Env, DefaultEnv)
	}
	if flags.DirSet {
		p.Dir = flags.Dir
	} else {
		p.Dir = c.Dir
	}
	p.LocalPort = firstInt(flags.LocalPort, c.LocalPort, ports.DefaultLocalPort)
	p.FleetCommand = first(c.FleetCommand, fleet.DefaultCommand)
	p.ScanWidth = firstInt(c.PortScanWidth, lifecycle.DefaultScanWidth)

	p.Commands = orchestrator.Commands{
		EnvInit:    c.EnvInitCommand,
		Activate:   c.ActivateCommand,
		EnvVar:     c.EnvVar,
		Server:     c.ServerCommand,
		HopMarkers: c.HopMarkers,
	}.WithDefaults()
	p.Timings = timings(c.Timings).WithDefaults()

	if _, err := transport.ParseHostKeyPolicy(p.HostKeyPolicy); err != nil {
		return nil, err
	}
	if p.LocalPort <= 0 || p.LocalPort > 65535 {
		return nil, fmt.Errorf("invalid local port %d", p.LocalPort)
	}
	return p, nil
}

// RequireLogin reports a usable error when user or gateway are unknown.
func (p *Profile) RequireLogin() error {
	var missing []string
	if p.Gateway.User == "" {
		missing = append(missing, "user (--user or NBGATE_USER)")
	}
	if p.Gateway.Host == "" {
		missing = append(missing, "gateway (--gateway or NBGATE_GATEWAY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, " and "))
	}
	return nil
}

// SaveContext writes the profile's login and launch defaults to the config file and makes
// it the current context.
func (p *Profile) SaveContext() (string, error) {
	if err := p.RequireLogin(); err != nil {
		return "", err
	}
	cfg := p.Config
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	name := p.ContextName
	if name == "" {
		name = cliconfig.ContextName(p.Gateway.User, p.Gateway.Host)
	}
	ctx := &cliconfig.Context{}
	if p.Context != nil {
		cp := *p.Context
		ctx = &cp
	}
	ctx.User = p.Gateway.User
	ctx.Gateway = p.Gateway.Host
	if p.Gateway.Port != transport.DefaultPort {
		ctx.Port = p.Gateway.Port
	}
	ctx.IdentityFile = p.IdentityFile
	ctx.KnownHosts = p.KnownHosts
	ctx.HostKeyPolicy = p.HostKeyPolicy
	ctx.Transport = string(p.Transport)
	ctx.Env = p.Env
	ctx.Dir = p.Dir
	ctx.LocalPort = p.LocalPort

	cfg.SetContext(name, ctx, true)
	if err := cfg.Save(p.ConfigPath); err != nil {
		return "", err
	}
	p.Config = cfg
	p.Context = ctx
	p.ContextName = name
	return name, nil
}

func timings(t *cliconfig.Timings) orchestrator.Timings {
	if t == nil {
		return orchestrator.Timings{}
	}
	return orchestrator.Timings{
		Prompt:       t.PromptWait,
		Hop:          t.HopWait,
		EnvInit:      t.EnvInitWait,
		Activate:     t.ActivateWait,
		EnvEcho:      t.EnvEchoWait,
		Cd:           t.CdWait,
		Pwd:          t.PwdWait,
		Launch:       t.LaunchWait,
		URLPoll:      t.URLPoll,
		URLTimeout:   t.URLTimeout,
		TunnelSettle: t.TunnelSettle,
	}
}

func first(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
