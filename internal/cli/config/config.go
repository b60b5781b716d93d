package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antonkrylov/nbgate/internal/transport"
)

// Config models a kubeconfig-style file with named gateway contexts.
type Config struct {
	CurrentContext string              `yaml:"currentContext"`
	Contexts       map[string]*Context `yaml:"contexts"`
}

// Context holds one gateway login plus the launch defaults used with it.
type Context struct {
	User          string `yaml:"user"`
	Gateway       string `yaml:"gateway"`
	Port          int    `yaml:"port,omitempty"`
	IdentityFile  string `yaml:"identityFile,omitempty"`
	KnownHosts    string `yaml:"knownHosts,omitempty"`
	HostKeyPolicy string `yaml:"hostKeyPolicy,omitempty"`
	Transport     string `yaml:"transport,omitempty"`

	Env       string `yaml:"env,omitempty"`
	Dir       string `yaml:"dir,omitempty"`
	LocalPort int    `yaml:"localPort,omitempty"`

	FleetCommand    string   `yaml:"fleetCommand,omitempty"`
	EnvInitCommand  string   `yaml:"envInitCommand,omitempty"`
	ActivateCommand string   `yaml:"activateCommand,omitempty"`
	EnvVar          string   `yaml:"envVar,omitempty"`
	ServerCommand   string   `yaml:"serverCommand,omitempty"`
	HopMarkers      []string `yaml:"hopMarkers,omitempty"`
	PortScanWidth   int      `yaml:"portScanWidth,omitempty"`

	Timings *Timings `yaml:"timings,omitempty"`
}

// Timings overrides the step waits. Values are Go durations such as "8s".
type Timings struct {
	PromptWait   time.Duration `yaml:"promptWait,omitempty"`
	HopWait      time.Duration `yaml:"hopWait,omitempty"`
	EnvInitWait  time.Duration `yaml:"envInitWait,omitempty"`
	ActivateWait time.Duration `yaml:"activateWait,omitempty"`
	EnvEchoWait  time.Duration `yaml:"envEchoWait,omitempty"`
	CdWait       time.Duration `yaml:"cdWait,omitempty"`
	PwdWait      time.Duration `yaml:"pwdWait,omitempty"`
	LaunchWait   time.Duration `yaml:"launchWait,omitempty"`
	URLPoll      time.Duration `yaml:"urlPoll,omitempty"`
	URLTimeout   time.Duration `yaml:"urlTimeout,omitempty"`
	TunnelSettle time.Duration `yaml:"tunnelSettle,omitempty"`
}

// Credentials makes a saved context usable for reconnecting.
func (c *Context) Credentials() (transport.Credentials, bool) {
	if c == nil {
		return transport.Credentials{}, false
	}
	creds := transport.Credentials{User: c.User, Host: c.Gateway, Port: c.Port}
	return creds, creds.Valid()
}

// ErrContextNotFound indicates the requested context is missing.
var ErrContextNotFound = errors.New("context not found")

// Load decodes the config file. Missing files return (nil, nil).
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o700); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

// Resolve picks a context either by explicit name or the currentContext value.
func (c *Config) Resolve(name string) (*Context, string, error) {
	if c == nil {
		return nil, "", nil
	}
	ctxName := strings.TrimSpace(name)
	if ctxName == "" {
		ctxName = c.CurrentContext
	}
	if ctxName == "" {
		return nil, "", nil
	}
	ctx, ok := c.Contexts[ctxName]
	if !ok {
		return nil, ctxName, fmt.Errorf("%w: %s", ErrContextNotFound, ctxName)
	}
	return ctx, ctxName, nil
}

// SetContext stores ctx under name and optionally makes it current.
func (c *Config) SetContext(name string, ctx *Context, makeCurrent bool) {
	if c.Contexts == nil {
		c.Contexts = map[string]*Context{}
	}
	c.Contexts[name] = ctx
	if makeCurrent || c.CurrentContext == "" {
		c.CurrentContext = name
	}
}

func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, name)
	}
	c.CurrentContext = name
	return nil
}

// Names lists the context names in sorted order.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.Contexts))
	for n := range c.Contexts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ContextName derives the default context name for a login.
func ContextName(user, gateway string) string {
	return user + "@" + gateway
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
