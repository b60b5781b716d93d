package orchestrator

import "time"

// Timings are the fixed waits of each step.
type Timings struct {
	Prompt       time.Duration `yaml:"promptWait,omitempty"`
	Hop          time.Duration `yaml:"hopWait,omitempty"`
	EnvInit      time.Duration `yaml:"envInitWait,omitempty"`
	Activate     time.Duration `yaml:"activateWait,omitempty"`
	EnvEcho      time.Duration `yaml:"envEchoWait,omitempty"`
	Cd           time.Duration `yaml:"cdWait,omitempty"`
	Pwd          time.Duration `yaml:"pwdWait,omitempty"`
	Launch       time.Duration `yaml:"launchWait,omitempty"`
	URLPoll      time.Duration `yaml:"urlPoll,omitempty"`
	URLTimeout   time.Duration `yaml:"urlTimeout,omitempty"`
	TunnelSettle time.Duration `yaml:"tunnelSettle,omitempty"`
}

func DefaultTimings() Timings {
	return Timings{
		Prompt:       2 * time.Second,
		Hop:          5 * time.Second,
		EnvInit:      time.Second,
		Activate:     3 * time.Second,
		EnvEcho:      2 * time.Second,
		Cd:           time.Second,
		Pwd:          time.Second,
		Launch:       3 * time.Second,
		URLPoll:      2 * time.Second,
		URLTimeout:   60 * time.Second,
		TunnelSettle: 3 * time.Second,
	}
}

// WithDefaults fills zero fields from DefaultTimings.
func (t Timings) WithDefaults() Timings {
	d := DefaultTimings()
	fill := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&t.Prompt, d.Prompt)
	fill(&t.Hop, d.Hop)
	fill(&t.EnvInit, d.EnvInit)
	fill(&t.Activate, d.Activate)
	fill(&t.EnvEcho, d.EnvEcho)
	fill(&t.Cd, d.Cd)
	fill(&t.Pwd, d.Pwd)
	fill(&t.Launch, d.Launch)
	fill(&t.URLPoll, d.URLPoll)
	fill(&t.URLTimeout, d.URLTimeout)
	fill(&t.TunnelSettle, d.TunnelSettle)
	return t
}

// Commands are the remote command lines sent by the steps.
type Commands struct {
	EnvInit    string
	Activate   string
	EnvVar     string
	Server     string
	HopMarkers []string
}

func DefaultCommands() Commands {
	return Commands{
		EnvInit:    "source ~/.bashrc",
		Activate:   "conda activate",
		EnvVar:     "CONDA_DEFAULT_ENV",
		Server:     "jupyter notebook --ip 0.0.0.0 --no-browser",
		HopMarkers: []string{"Last login", "Welcome"},
	}
}

func (c Commands) WithDefaults() Commands {
	d := DefaultCommands()
	if c.EnvInit == "" {
		c.EnvInit = d.EnvInit
	}
	if c.Activate == "" {
		c.Activate = d.Activate
	}
	if c.EnvVar == "" {
		c.EnvVar = d.EnvVar
	}
	if c.Server == "" {
		c.Server = d.Server
	}
	if len(c.HopMarkers) == 0 {
		c.HopMarkers = d.HopMarkers
	}
	return c
}
