package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/antonkrylov/nbgate/internal/logging"
)

const (
	shellTermType = "xterm"
	shellRows     = 40
	shellCols     = 200

	closeWait = 2 * time.Second
)

// PromptFunc asks the user for a secret. echo is false for passwords.
type PromptFunc func(prompt string, echo bool) (string, error)

// NativeDialer authenticates with golang.org/x/crypto/ssh. Auth methods are tried in order:
// ssh-agent, identity files, then password and keyboard-interactive prompts.
type NativeDialer struct {
	IdentityFiles  []string
	KnownHostsFile string
	HostKeyPolicy  HostKeyPolicy
	UseAgent       bool
	Prompt         PromptFunc
	Timeout        time.Duration
	Logger         *slog.Logger
}

func (d *NativeDialer) Dial(ctx context.Context, creds Credentials) (Session, error) {
	logger := logging.OrDiscard(d.Logger)
	if !creds.Valid() {
		return nil, errors.New("user and host are required")
	}

	hostKeys, err := HostKeyCallback(d.HostKeyPolicy, d.KnownHostsFile, logger)
	if err != nil {
		return nil, err
	}
	auth, agentConn := d.authMethods(creds, logger)

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}

	addr := creds.Address()
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		closeQuietly(agentConn)
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		closeQuietly(agentConn)
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("gateway session established", "endpoint", creds.Endpoint())
	return &nativeSession{client: ssh.NewClient(c, chans, reqs), agentConn: agentConn}, nil
}

func (d *NativeDialer) authMethods(creds Credentials, logger *slog.Logger) ([]ssh.AuthMethod, io.Closer) {
	var (
		methods   []ssh.AuthMethod
		agentConn io.Closer
	)

	if d.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Debug("ssh agent unavailable", "sock", sock, "err", err)
			} else {
				agentConn = conn
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	var signers []ssh.Signer
	for _, path := range d.identityFiles() {
		signer, err := d.loadSigner(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Warn("skipping identity file", "path", path, "err", err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if d.Prompt != nil {
		prompt := d.Prompt
		methods = append(methods,
			ssh.PasswordCallback(func() (string, error) {
				return prompt(fmt.Sprintf("%s's password: ", creds.Endpoint()), false)
			}),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i, q := range questions {
					a, err := prompt(q, echos[i])
					if err != nil {
						return nil, err
					}
					answers[i] = a
				}
				return answers, nil
			}),
		)
	}
	return methods, agentConn
}

func (d *NativeDialer) identityFiles() []string {
	if len(d.IdentityFiles) > 0 {
		out := make([]string, 0, len(d.IdentityFiles))
		for _, p := range d.IdentityFiles {
			out = append(out, expandHome(p))
		}
		return out
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
}

func (d *NativeDialer) loadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && d.Prompt != nil {
		pass, perr := d.Prompt(fmt.Sprintf("Enter passphrase for key '%s': ", path), false)
		if perr != nil {
			return nil, perr
		}
		return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(pass))
	}
	return signer, err
}

type nativeSession struct {
	client    *ssh.Client
	agentConn io.Closer
}

func (s *nativeSession) Exec(ctx context.Context, command string, timeout time.Duration) (string, string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("open exec channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err = <-done:
	case <-timer.C:
		_ = sess.Close()
		return outputAfterClose(done, &stdout, &stderr, fmt.Errorf("command %q timed out after %s", command, timeout))
	case <-ctx.Done():
		_ = sess.Close()
		return outputAfterClose(done, &stdout, &stderr, ctx.Err())
	}

	var exitErr *ssh.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), err
	}
	return stdout.String(), stderr.String(), nil
}

// outputAfterClose waits for an abandoned Run to return so its copy goroutines no longer
// write the buffers. If Run does not return within closeWait the output is dropped.
func outputAfterClose(done <-chan error, stdout, stderr *bytes.Buffer, err error) (string, string, error) {
	t := time.NewTimer(closeWait)
	defer t.Stop()
	select {
	case <-done:
		return stdout.String(), stderr.String(), err
	case <-t.C:
		return "", "", err
	}
}

func (s *nativeSession) Ping(ctx context.Context) error {
	return ping(ctx, s)
}

func (s *nativeSession) OpenShell(ctx context.Context) (Shell, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open shell channel: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(shellTermType, shellRows, shellCols, modes); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	if err := sess.Shell(); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	interrupt := func() error {
		sigErr := sess.Signal(ssh.SIGINT)
		_, wErr := io.WriteString(stdin, "\x03")
		if wErr != nil {
			return errors.Join(sigErr, wErr)
		}
		return nil
	}
	closeFn := func() error {
		_ = stdin.Close()
		err := sess.Close()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return newStreamShell(stdin, stdout, interrupt, closeFn), nil
}

func (s *nativeSession) Close() error {
	err := s.client.Close()
	closeQuietly(s.agentConn)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// ping runs "echo test" and expects it back.
func ping(ctx context.Context, s Session) error {
	stdout, _, err := s.Exec(ctx, "echo test", pingTimeout)
	if err != nil {
		return err
	}
	if !strings.Contains(stdout, "test") {
		return fmt.Errorf("unexpected probe output %q", strings.TrimSpace(stdout))
	}
	return nil
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
