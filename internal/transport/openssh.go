package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/antonkrylov/nbgate/internal/logging"
)

// sshExitTransport is the status the ssh client itself exits with on connection errors.
const sshExitTransport = 255

// OpenSSHDialer drives the system ssh client. All sessions share one ControlMaster socket so
// only the first command pays for authentication.
type OpenSSHDialer struct {
	Binary       string
	IdentityFile string
	ControlDir   string
	BatchMode    bool
	ExtraArgs    []string
	Logger       *slog.Logger
}

func (d *OpenSSHDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	if !creds.Valid() {
		return nil, errors.New("user and host are required")
	}
	bin := d.Binary
	if bin == "" {
		bin = "ssh"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("ssh client not found: %w", err)
	}
	dir := d.ControlDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(home, ".ssh")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create control dir: %w", err)
	}

	s := &opensshSession{
		bin:     bin,
		target:  creds.User + "@" + creds.Host,
		control: filepath.Join(dir, "nbgate-%C"),
		logger:  logging.OrDiscard(d.Logger),
	}
	s.opts = s.baseArgs(creds.port(), expandHome(d.IdentityFile), d.BatchMode, d.ExtraArgs)

	// The first command establishes the master connection and runs authentication.
	if err := ping(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

type opensshSession struct {
	bin     string
	target  string
	control string
	opts    []string
	logger  *slog.Logger

	mu     sync.Mutex
	shells []*exec.Cmd
}

func (s *opensshSession) baseArgs(port int, identity string, batch bool, extra []string) []string {
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=60s",
		"-o", "ControlPath=" + s.control,
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-o", "ConnectTimeout=10",
		"-o", "StrictHostKeyChecking=accept-new",
	}
	if port != DefaultPort {
		args = append(args, "-p", strconv.Itoa(port))
	}
	if identity != "" {
		args = append(args, "-i", identity)
	}
	if batch {
		args = append(args, "-o", "BatchMode=yes")
	}
	return append(args, extra...)
}

func (s *opensshSession) args(extra ...string) []string {
	out := append([]string(nil), s.opts...)
	return append(out, extra...)
}

func (s *opensshSession) Exec(ctx context.Context, command string, timeout time.Duration) (string, string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, s.bin, s.args(s.target, command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if cctx.Err() != nil {
		if ctx.Err() != nil {
			return stdout.String(), stderr.String(), ctx.Err()
		}
		return stdout.String(), stderr.String(), fmt.Errorf("command %q timed out after %s", command, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() != sshExitTransport {
		return stdout.String(), stderr.String(), nil
	}
	if err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("ssh %s: %w", s.target, err)
	}
	return stdout.String(), stderr.String(), nil
}

func (s *opensshSession) Ping(ctx context.Context) error {
	return ping(ctx, s)
}

func (s *opensshSession) OpenShell(ctx context.Context) (Shell, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(s.bin, s.args("-tt", s.target)...)
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: shellRows, Cols: shellCols})
	if err != nil {
		return nil, fmt.Errorf("start ssh shell: %w", err)
	}
	s.mu.Lock()
	s.shells = append(s.shells, cmd)
	s.mu.Unlock()

	closeFn := func() error {
		err := f.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		s.forget(cmd)
		return err
	}
	interrupt := func() error {
		_, err := io.WriteString(f, "\x03")
		return err
	}
	return newStreamShell(f, f, interrupt, closeFn), nil
}

func (s *opensshSession) forget(cmd *exec.Cmd) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.shells {
		if c == cmd {
			s.shells = append(s.shells[:i], s.shells[i+1:]...)
			return
		}
	}
}

// Close kills any shells still attached and stops the master connection.
func (s *opensshSession) Close() error {
	s.mu.Lock()
	shells := s.shells
	s.shells = nil
	s.mu.Unlock()
	for _, c := range shells {
		if c.Process != nil {
			_ = c.Process.Kill()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, s.bin, "-o", "ControlPath="+s.control, "-O", "exit", s.target)
	if out, err := cmd.CombinedOutput(); err != nil {
		s.logger.Debug("stop ssh control master", "target", s.target, "err", err, "output", string(bytes.TrimSpace(out)))
	}
	return nil
}
