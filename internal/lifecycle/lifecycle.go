// Package lifecycle owns the single active remote shell and tunnel and tears them down.
//
// Teardown never fails: each sub-step runs guarded and problems become warnings in the
// event log and the returned Report.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/nbgate/internal/eventlog"
	"github.com/antonkrylov/nbgate/internal/logging"
	"github.com/antonkrylov/nbgate/internal/ports"
	"github.com/antonkrylov/nbgate/internal/transport"
	"github.com/antonkrylov/nbgate/internal/tunnel"
)

const (
	DefaultScanWidth      = 10
	DefaultTunnelTermWait = 3 * time.Second
	DefaultTunnelKillWait = 2 * time.Second
	DefaultInterruptPause = 500 * time.Millisecond
	reclaimTimeout        = 5 * time.Second
)

// PortReclaimer is the part of the port broker used by disconnect.
type PortReclaimer interface {
	IsFree(ctx context.Context, port int) bool
	Analyze(ctx context.Context, port int) ports.Usage
	Reclaim(ctx context.Context, port int, timeout time.Duration) ([]string, error)
}

type Options struct {
	Events         *eventlog.Log
	Ports          PortReclaimer
	Logger         *slog.Logger
	BasePort       int
	ScanWidth      int
	TunnelTermWait time.Duration
	TunnelKillWait time.Duration
	InterruptPause time.Duration
}

// Report summarizes one teardown.
type Report struct {
	TunnelStopped      bool     `json:"tunnelStopped"`
	TunnelStillRunning bool     `json:"tunnelStillRunning"`
	ShellClosed        bool     `json:"shellClosed"`
	Reclaimed          []int    `json:"reclaimed,omitempty"`
	BrowserHeld        []int    `json:"browserHeld,omitempty"`
	OtherHeld          []int    `json:"otherHeld,omitempty"`
	Warnings           []string `json:"warnings,omitempty"`
}

type Manager struct {
	events *eventlog.Log
	ports  PortReclaimer
	logger *slog.Logger
	opts   Options

	mu         sync.Mutex
	shell      transport.Shell
	tunnel     tunnel.Handle
	basePort   int
	followStop chan struct{}
}

func New(opts Options) *Manager {
	if opts.Events == nil {
		opts.Events = eventlog.New(0)
	}
	if opts.ScanWidth <= 0 {
		opts.ScanWidth = DefaultScanWidth
	}
	if opts.TunnelTermWait <= 0 {
		opts.TunnelTermWait = DefaultTunnelTermWait
	}
	if opts.TunnelKillWait <= 0 {
		opts.TunnelKillWait = DefaultTunnelKillWait
	}
	if opts.InterruptPause <= 0 {
		opts.InterruptPause = DefaultInterruptPause
	}
	if opts.BasePort <= 0 {
		opts.BasePort = ports.DefaultLocalPort
	}
	return &Manager{
		events:   opts.Events,
		ports:    opts.Ports,
		logger:   logging.OrDiscard(opts.Logger),
		opts:     opts,
		basePort: opts.BasePort,
	}
}

// AdoptShell makes sh the active shell and closes the previous one. It refuses, leaving
// sh to the caller, once ctx is done: a run cancelled by Disconnect or a newer run must
// not publish resources after the teardown that cancelled it.
func (m *Manager) AdoptShell(ctx context.Context, sh transport.Shell) error {
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	old := m.shell
	m.shell = sh
	m.stopFollowLocked()
	m.mu.Unlock()

	if old != nil && old != sh {
		var rep Report
		m.guard("close previous shell", &rep, func() error { return m.closeShell(old) })
	}
	return nil
}

func (m *Manager) Shell() transport.Shell {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shell
}

// SetTunnel makes h the active tunnel and stops the previous one. Like AdoptShell it
// refuses once ctx is done.
func (m *Manager) SetTunnel(ctx context.Context, h tunnel.Handle) error {
	m.mu.Lock()
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	old := m.tunnel
	m.tunnel = h
	m.mu.Unlock()

	if old != nil && old != h {
		var rep Report
		m.stopTunnel(old, &rep)
	}
	return nil
}

func (m *Manager) Tunnel() tunnel.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tunnel
}

// SetBasePort moves the start of the range scanned by Disconnect.
func (m *Manager) SetBasePort(port int) {
	if port <= 0 {
		return
	}
	m.mu.Lock()
	m.basePort = port
	m.mu.Unlock()
}

// Supersede stops the tunnel and closes the shell without touching local ports.
func (m *Manager) Supersede() Report {
	var rep Report
	m.release(&rep)
	return rep
}

// Disconnect stops the tunnel, closes the shell and clears the local port range. It is
// safe to call repeatedly.
func (m *Manager) Disconnect(ctx context.Context) Report {
	var rep Report
	m.events.Info("Disconnecting...")
	m.release(&rep)
	m.guard("scan local ports", &rep, func() error {
		m.scanPorts(ctx, &rep)
		return nil
	})
	if len(rep.Warnings) == 0 {
		m.events.Success("Disconnected")
	} else {
		m.events.Warn("Disconnected with %d warning(s)", len(rep.Warnings))
	}
	return rep
}

func (m *Manager) release(rep *Report) {
	m.mu.Lock()
	tn := m.tunnel
	sh := m.shell
	m.tunnel = nil
	m.shell = nil
	m.stopFollowLocked()
	m.mu.Unlock()

	if tn != nil {
		m.stopTunnel(tn, rep)
	}
	if sh != nil {
		m.guard("close shell", rep, func() error {
			if err := m.closeShell(sh); err != nil {
				return err
			}
			rep.ShellClosed = true
			m.events.Info("Remote shell closed")
			return nil
		})
	}
}

func (m *Manager) stopTunnel(tn tunnel.Handle, rep *Report) {
	m.guard("stop tunnel", rep, func() error {
		pid := tn.Pid()
		if err := tn.Stop(m.opts.TunnelTermWait, m.opts.TunnelKillWait); err != nil {
			rep.TunnelStillRunning = true
			return fmt.Errorf("tunnel pid %d still running: %w", pid, err)
		}
		rep.TunnelStopped = true
		m.events.Info("Tunnel on port %d closed", tn.LocalPort())
		return nil
	})
}

func (m *Manager) closeShell(sh transport.Shell) error {
	if err := sh.Interrupt(); err != nil {
		m.logger.Debug("interrupt shell", "err", err)
	}
	time.Sleep(m.opts.InterruptPause)
	return sh.Close()
}

func (m *Manager) scanPorts(ctx context.Context, rep *Report) {
	if m.ports == nil {
		return
	}
	m.mu.Lock()
	base := m.basePort
	m.mu.Unlock()

	for port := base; port < base+m.opts.ScanWidth; port++ {
		if m.ports.IsFree(ctx, port) {
			continue
		}
		warnings, err := m.ports.Reclaim(ctx, port, reclaimTimeout)
		for _, w := range warnings {
			m.warn(rep, w)
		}
		if err != nil {
			m.warn(rep, fmt.Sprintf("reclaim port %d: %v", port, err))
		}
		if m.ports.IsFree(ctx, port) {
			rep.Reclaimed = append(rep.Reclaimed, port)
			m.events.Info("Released local port %d", port)
			continue
		}
		u := m.ports.Analyze(ctx, port)
		if u.BrowserLikely {
			rep.BrowserHeld = append(rep.BrowserHeld, port)
			m.warn(rep, fmt.Sprintf("port %d is still held by a browser tab (%s); close it to free the port", port, u.ProcessName))
		} else {
			rep.OtherHeld = append(rep.OtherHeld, port)
			m.warn(rep, fmt.Sprintf("port %d is still held by %s (pid %d)", port, u.ProcessName, u.PID))
		}
	}
}

// Follow keeps draining the active shell into output events until the shell is replaced,
// closed or released.
func (m *Manager) Follow(interval time.Duration) {
	m.mu.Lock()
	sh := m.shell
	if sh == nil {
		m.mu.Unlock()
		return
	}
	m.stopFollowLocked()
	stop := make(chan struct{})
	m.followStop = stop
	m.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Warn("shell follower panicked", "panic", r)
			}
		}()
		for {
			select {
			case <-stop:
				return
			default:
			}
			out, err := sh.Drain(interval)
			if out != "" {
				m.events.Output(out)
			}
			if err != nil {
				m.logger.Debug("shell follower stopped", "err", err)
				return
			}
			if m.Shell() != sh {
				return
			}
		}
	}()
}

func (m *Manager) stopFollowLocked() {
	if m.followStop != nil {
		close(m.followStop)
		m.followStop = nil
	}
}

func (m *Manager) guard(step string, rep *Report, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			m.warn(rep, fmt.Sprintf("%s: panic: %v", step, r))
		}
	}()
	if err := fn(); err != nil {
		m.warn(rep, fmt.Sprintf("%s: %v", step, err))
	}
}

func (m *Manager) warn(rep *Report, msg string) {
	rep.Warnings = append(rep.Warnings, msg)
	m.events.Append(eventlog.KindWarning, msg)
	m.logger.Warn("teardown", "msg", msg)
}
