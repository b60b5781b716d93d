// Package tunnel runs the local-forwarding ssh child that exposes a remote notebook.
package tunnel

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Spec describes one `ssh -L` forward through the gateway to a worker.
type Spec struct {
	LocalPort    int
	TargetHost   string
	TargetPort   int
	GatewayUser  string
	GatewayHost  string
	GatewayPort  int
	IdentityFile string
	BatchMode    bool
	ExtraArgs    []string
	Binary       string
}

func (s Spec) binary() string {
	if s.Binary == "" {
		return "ssh"
	}
	return s.Binary
}

func (s Spec) Validate() error {
	switch {
	case s.LocalPort <= 0 || s.LocalPort > 65535:
		return fmt.Errorf("invalid local port %d", s.LocalPort)
	case s.TargetPort <= 0 || s.TargetPort > 65535:
		return fmt.Errorf("invalid remote port %d", s.TargetPort)
	case s.TargetHost == "":
		return errors.New("target host is required")
	case s.GatewayUser == "" || s.GatewayHost == "":
		return errors.New("gateway user and host are required")
	}
	return nil
}

// Args returns the ssh argument vector.
func (s Spec) Args() []string {
	args := []string{
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-o", "ConnectTimeout=10",
	}
	if s.BatchMode {
		args = append(args, "-o", "BatchMode=yes")
	}
	if s.IdentityFile != "" {
		args = append(args, "-i", s.IdentityFile)
	}
	if s.GatewayPort > 0 && s.GatewayPort != 22 {
		args = append(args, "-p", strconv.Itoa(s.GatewayPort))
	}
	args = append(args, s.ExtraArgs...)
	return append(args,
		"-L", fmt.Sprintf("127.0.0.1:%d:%s:%d", s.LocalPort, s.TargetHost, s.TargetPort),
		"-N", s.GatewayUser+"@"+s.GatewayHost,
	)
}

// CommandLine is the full command, for display.
func (s Spec) CommandLine() string {
	return strings.Join(append([]string{s.binary()}, s.Args()...), " ")
}

// Handle is a live tunnel.
type Handle interface {
	Pid() int
	LocalPort() int
	Running() bool
	// Stop terminates the tunnel, escalating to a kill after termWait. It fails if the
	// process is still running killWait after the kill.
	Stop(termWait, killWait time.Duration) error
}

type Launcher interface {
	Launch(spec Spec) (Handle, error)
}

// ExecLauncher starts tunnels as child processes. Output goes to Output when set.
type ExecLauncher struct {
	Output io.Writer
}

// Launch starts the tunnel. The child is deliberately not bound to a context: it outlives
// the run that created it and is stopped through its Handle.
func (l ExecLauncher) Launch(spec Spec) (Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := exec.Command(spec.binary(), spec.Args()...)
	if l.Output != nil {
		cmd.Stdout = l.Output
		cmd.Stderr = l.Output
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ssh forward: %w", err)
	}
	return newProcess(cmd, spec.LocalPort), nil
}

// Process wraps a started command and reaps it in the background.
type Process struct {
	cmd       *exec.Cmd
	localPort int
	done      chan struct{}

	mu      sync.Mutex
	waitErr error
}

func newProcess(cmd *exec.Cmd, localPort int) *Process {
	p := &Process{cmd: cmd, localPort: localPort, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) LocalPort() int { return p.localPort }

func (p *Process) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the wait error once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *Process) Stop(termWait, killWait time.Duration) error {
	if !p.Running() {
		return nil
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	if p.wait(termWait) {
		return nil
	}
	_ = p.cmd.Process.Kill()
	if p.wait(killWait) {
		return nil
	}
	return fmt.Errorf("tunnel pid %d still running after kill", p.Pid())
}

func (p *Process) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}
