package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	apperrors "github.com/antonkrylov/nbgate/internal/errors"
	"github.com/antonkrylov/nbgate/internal/logging"
)

const (
	DefaultExecTimeout = 30 * time.Second
	DefaultMaxRetries  = 5
	DefaultBackoff     = 2 * time.Second
	DefaultSentinel    = "#CPU"

	pingTimeout = 5 * time.Second
)

// ExecOptions controls ExecOnce. Zero Timeout, MaxRetries and Backoff take the defaults.
// An empty Sentinel accepts the first successful output.
type ExecOptions struct {
	Timeout    time.Duration
	MaxRetries int
	Sentinel   string
	Backoff    time.Duration
}

// DefaultExecOptions are the options used for the fleet-status query.
func DefaultExecOptions() ExecOptions {
	return ExecOptions{
		Timeout:    DefaultExecTimeout,
		MaxRetries: DefaultMaxRetries,
		Sentinel:   DefaultSentinel,
		Backoff:    DefaultBackoff,
	}
}

func (o ExecOptions) withDefaults() ExecOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultExecTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// Manager holds the single live gateway session.
type Manager struct {
	dialer Dialer
	logger *slog.Logger

	mu    sync.Mutex
	sess  Session
	creds *Credentials

	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(dialer Dialer, logger *slog.Logger) *Manager {
	return &Manager{
		dialer: dialer,
		logger: logging.OrDiscard(logger),
		sleep:  sleepCtx,
	}
}

// Connect returns the existing session when creds match it and it still answers the
// probe. Otherwise any existing session is closed and replaced by a newly dialed one.
func (m *Manager) Connect(ctx context.Context, creds Credentials) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil && m.creds != nil && m.creds.Equal(creds) {
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := m.sess.Ping(pctx)
		cancel()
		if err == nil {
			return m.sess, nil
		}
		m.logger.Info("gateway session is dead, dialing again", "endpoint", creds.Endpoint(), "err", err)
	}
	if m.sess != nil {
		if err := m.sess.Close(); err != nil {
			m.logger.Warn("close previous gateway session", "endpoint", m.creds.Endpoint(), "err", err)
		}
		m.sess = nil
	}

	m.logger.Info("connecting to gateway", "endpoint", creds.Endpoint())
	sess, err := m.dialer.Dial(ctx, creds)
	if err != nil {
		return nil, apperrors.AuthFailed(creds.User, creds.Host, err)
	}
	c := creds
	m.sess = sess
	m.creds = &c
	return sess, nil
}

// IsValid probes the session with a short echo command.
func (m *Manager) IsValid(ctx context.Context) bool {
	sess := m.current()
	if sess == nil {
		return false
	}
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := sess.Ping(pctx); err != nil {
		m.logger.Debug("gateway session probe failed", "err", err)
		return false
	}
	return true
}

// EnsureValid re-establishes an invalid session from the last credentials, or from src
// when there are none.
func (m *Manager) EnsureValid(ctx context.Context, src CredentialSource) error {
	if m.IsValid(ctx) {
		return nil
	}

	m.mu.Lock()
	var creds Credentials
	have := false
	if m.creds != nil {
		creds, have = *m.creds, true
	}
	if m.sess != nil {
		_ = m.sess.Close()
		m.sess = nil
	}
	m.mu.Unlock()

	if !have && src != nil {
		creds, have = src.Credentials()
	}
	if !have {
		return apperrors.NoCredentials()
	}
	m.logger.Info("gateway session invalid, reconnecting", "endpoint", creds.Endpoint())
	_, err := m.Connect(ctx, creds)
	return err
}

// ExecOnce runs a single command, retrying while the output lacks opts.Sentinel. Once the
// retries are spent the last output is returned without error. Only a transport error on
// the final attempt fails the call.
func (m *Manager) ExecOnce(ctx context.Context, command string, opts ExecOptions) (string, error) {
	opts = opts.withDefaults()

	var last string
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		sess := m.current()
		if sess == nil {
			return "", apperrors.NotConnected()
		}
		final := attempt == opts.MaxRetries

		stdout, stderr, err := sess.Exec(ctx, command, opts.Timeout)
		if s := strings.TrimSpace(stderr); s != "" {
			m.logger.Warn("remote command wrote to stderr", "cmd", command, "attempt", attempt, "stderr", s)
		}
		if err != nil {
			if final || errors.Is(err, context.Canceled) {
				return last, err
			}
			m.logger.Warn("remote command failed, retrying", "cmd", command, "attempt", attempt, "err", err)
		} else {
			last = stdout
			if opts.Sentinel == "" || strings.Contains(stdout, opts.Sentinel) {
				return stdout, nil
			}
			m.logger.Debug("sentinel missing from output", "cmd", command, "attempt", attempt, "sentinel", opts.Sentinel)
		}
		if final {
			break
		}
		if err := m.sleep(ctx, opts.Backoff); err != nil {
			return last, err
		}
	}
	return last, nil
}

// OpenShell opens an interactive shell on the live session.
func (m *Manager) OpenShell(ctx context.Context) (Shell, error) {
	sess := m.current()
	if sess == nil {
		return nil, apperrors.NotConnected()
	}
	return sess.OpenShell(ctx)
}

// Credentials returns the credentials of the last successful Connect.
func (m *Manager) Credentials() (Credentials, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return Credentials{}, false
	}
	return *m.creds, true
}

func (m *Manager) Connected() bool {
	return m.current() != nil
}

// Close closes the session and forgets its credentials. It is safe to call repeatedly.
func (m *Manager) Close() error {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.creds = nil
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

func (m *Manager) current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
