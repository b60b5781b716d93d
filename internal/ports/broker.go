// Package ports decides which local port a tunnel may bind and clears stale holders.
package ports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/antonkrylov/nbgate/internal/errors"
	"github.com/antonkrylov/nbgate/internal/logging"
)

const (
	DefaultLocalPort     = 8888
	DefaultFindAttempts  = 20
	DefaultReclaimWindow = 5 * time.Second
	defaultDialTimeout   = time.Second
	defaultGrace         = time.Second
)

var browserNames = []string{"chrome", "chromium", "firefox", "safari", "msedge", "brave", "opera", "vivaldi"}

// Usage describes who, if anyone, holds a local port.
type Usage struct {
	Port          int    `json:"port"`
	Free          bool   `json:"free"`
	BrowserLikely bool   `json:"browserLikely"`
	ProcessName   string `json:"processName,omitempty"`
	PID           int32  `json:"pid,omitempty"`
	State         string `json:"state,omitempty"`
}

// Acquired is the outcome of Acquire.
type Acquired struct {
	Port      int
	Preferred int
	Reclaimed bool
	Warnings  []string
}

type Options struct {
	System      System
	Logger      *slog.Logger
	DialTimeout time.Duration
	// Grace is the pause between terminating and killing holders of a port.
	Grace time.Duration
}

type Broker struct {
	sys         System
	logger      *slog.Logger
	selfPID     int32
	dialTimeout time.Duration
	grace       time.Duration
}

func NewBroker(opts Options) *Broker {
	b := &Broker{
		sys:         opts.System,
		logger:      logging.OrDiscard(opts.Logger),
		selfPID:     int32(os.Getpid()),
		dialTimeout: opts.DialTimeout,
		grace:       opts.Grace,
	}
	if b.sys == nil {
		b.sys = OSSystem{}
	}
	if b.dialTimeout <= 0 {
		b.dialTimeout = defaultDialTimeout
	}
	if b.grace <= 0 {
		b.grace = defaultGrace
	}
	return b
}

// IsFree reports whether port can be bound, is absent from the TCP table and refuses
// connections. All three checks must pass.
func (b *Broker) IsFree(ctx context.Context, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()

	conns, err := b.sys.Connections(ctx)
	if err != nil {
		b.logger.Debug("connection table unavailable", "err", err)
	}
	for _, c := range conns {
		if c.LocalPort == port && (c.Status == StateListen || c.Status == StateEstablished) {
			return false
		}
	}

	d := net.Dialer{Timeout: b.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("localhost", strconv.Itoa(port)))
	if err == nil {
		_ = conn.Close()
		return false
	}
	return true
}

// Analyze attributes port to a process. A port is browser-held when its owner is a
// browser, or when a notebook server or tunnel owning it has an established client.
func (b *Broker) Analyze(ctx context.Context, port int) Usage {
	u := Usage{Port: port, Free: b.IsFree(ctx, port)}
	if u.Free {
		return u
	}
	conns, err := b.sys.Connections(ctx)
	if err != nil {
		return u
	}
	var established bool
	for _, c := range conns {
		if c.LocalPort != port {
			continue
		}
		if c.Status == StateEstablished {
			established = true
		}
		if u.PID == 0 || (c.Status == StateListen && u.State != StateListen) {
			u.PID = c.PID
			u.State = c.Status
		}
	}
	if u.PID > 0 {
		if name, err := b.sys.ProcessName(ctx, u.PID); err == nil {
			u.ProcessName = name
		}
	}
	switch {
	case IsBrowser(u.ProcessName):
		u.BrowserLikely = true
	case established && IsNotebookServer(u.ProcessName):
		u.BrowserLikely = true
	}
	return u
}

// Reclaim terminates, then kills, every process bound to port. Browsers are reported and
// left alone, and the broker never signals its own process. The returned strings are
// warnings for the user.
func (b *Broker) Reclaim(ctx context.Context, port int, timeout time.Duration) ([]string, error) {
	if timeout <= 0 {
		timeout = DefaultReclaimWindow
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conns, err := b.sys.Connections(ctx)
	if err != nil {
		return nil, fmt.Errorf("read connection table: %w", err)
	}

	owners := map[int32]bool{} // pid -> has established client
	for _, c := range conns {
		if c.LocalPort != port || c.PID <= 0 {
			continue
		}
		if c.Status != StateListen && c.Status != StateEstablished {
			continue
		}
		owners[c.PID] = owners[c.PID] || c.Status == StateEstablished
	}

	var (
		warnings []string
		targets  []int32
	)
	for _, pid := range sortedPIDs(owners) {
		if pid == b.selfPID {
			continue
		}
		name, _ := b.sys.ProcessName(ctx, pid)
		if IsBrowser(name) {
			warnings = append(warnings, fmt.Sprintf("port %d is held by browser %s (pid %d); close its notebook tabs", port, name, pid))
			continue
		}
		if owners[pid] && IsNotebookServer(name) {
			warnings = append(warnings, fmt.Sprintf("a browser tab was connected to %s (pid %d) on port %d", name, pid, port))
		}
		b.logger.Info("terminating port holder", "port", port, "pid", pid, "name", name)
		if err := b.sys.Terminate(ctx, pid); err != nil {
			b.logger.Debug("terminate failed", "pid", pid, "err", err)
		}
		targets = append(targets, pid)
	}
	if len(targets) == 0 {
		return warnings, nil
	}

	select {
	case <-time.After(b.grace):
	case <-ctx.Done():
		return warnings, ctx.Err()
	}

	var errs []error
	for _, pid := range targets {
		running, err := b.sys.Running(ctx, pid)
		if err != nil || !running {
			continue
		}
		b.logger.Info("killing port holder", "port", port, "pid", pid)
		if err := b.sys.Kill(ctx, pid); err != nil {
			errs = append(errs, fmt.Errorf("kill pid %d: %w", pid, err))
		}
	}
	return warnings, errors.Join(errs...)
}

// FindFree probes start, start+1, ... and returns the first free port.
func (b *Broker) FindFree(ctx context.Context, start, maxAttempts int) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultFindAttempts
	}
	var browserHeld []int
	for port := start; port < start+maxAttempts; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if b.IsFree(ctx, port) {
			return port, nil
		}
		if u := b.Analyze(ctx, port); u.BrowserLikely {
			browserHeld = append(browserHeld, port)
		}
	}
	return 0, apperrors.NoPortAvailable(start, maxAttempts, browserHeld)
}

// Acquire returns preferred if it is free or can be reclaimed, otherwise the first free
// port above it.
func (b *Broker) Acquire(ctx context.Context, preferred int) (Acquired, error) {
	if preferred <= 0 {
		preferred = DefaultLocalPort
	}
	res := Acquired{Port: preferred, Preferred: preferred}
	if b.IsFree(ctx, preferred) {
		return res, nil
	}

	b.logger.Info("preferred port busy, reclaiming", "port", preferred)
	warnings, err := b.Reclaim(ctx, preferred, DefaultReclaimWindow)
	res.Warnings = append(res.Warnings, warnings...)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("reclaim port %d: %v", preferred, err))
	}
	if b.IsFree(ctx, preferred) {
		res.Reclaimed = true
		return res, nil
	}

	port, err := b.FindFree(ctx, preferred+1, DefaultFindAttempts)
	if err != nil {
		return res, err
	}
	res.Port = port
	res.Warnings = append(res.Warnings, fmt.Sprintf("port %d is busy, using %d instead", preferred, port))
	return res, nil
}

// Scan analyzes [base, base+width) and returns the ports that are not free.
func (b *Broker) Scan(ctx context.Context, base, width int) []Usage {
	var out []Usage
	for port := base; port < base+width; port++ {
		if u := b.Analyze(ctx, port); !u.Free {
			out = append(out, u)
		}
	}
	return out
}

func IsBrowser(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return false
	}
	for _, b := range browserNames {
		if strings.Contains(n, b) {
			return true
		}
	}
	return n == "arc" || strings.HasPrefix(n, "arc helper")
}

// IsNotebookServer matches the processes that serve or forward a notebook.
func IsNotebookServer(name string) bool {
	n := strings.ToLower(strings.TrimSpace(name))
	return strings.HasPrefix(n, "jupyter") || strings.HasPrefix(n, "python") || n == "ssh"
}

func sortedPIDs(m map[int32]bool) []int32 {
	out := make([]int32, 0, len(m))
	for pid := range m {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
