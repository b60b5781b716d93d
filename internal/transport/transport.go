// Package transport owns the authenticated gateway connection.
//
// A Manager keeps at most one Session alive. Sessions run one-shot commands and open
// interactive PTY shells. Two dialers exist: a native one built on golang.org/x/crypto/ssh
// and one that drives the system ssh binary with a ControlMaster socket.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const DefaultPort = 22

type Credentials struct {
	User string
	Host string
	Port int
}

func (c Credentials) port() int {
	if c.Port <= 0 {
		return DefaultPort
	}
	return c.Port
}

// Address is host:port for dialing.
func (c Credentials) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.port()))
}

// Endpoint is the user@host[:port] form used in messages.
func (c Credentials) Endpoint() string {
	if c.port() == DefaultPort {
		return fmt.Sprintf("%s@%s", c.User, c.Host)
	}
	return fmt.Sprintf("%s@%s:%d", c.User, c.Host, c.port())
}

func (c Credentials) Equal(o Credentials) bool {
	return c.User == o.User && c.Host == o.Host && c.port() == o.port()
}

func (c Credentials) Valid() bool {
	return c.User != "" && c.Host != ""
}

// Session is one authenticated gateway connection.
type Session interface {
	// Exec runs a non-interactive command and returns its output. A non-zero exit status
	// of the remote command is not an error.
	Exec(ctx context.Context, command string, timeout time.Duration) (stdout, stderr string, err error)
	Ping(ctx context.Context) error
	OpenShell(ctx context.Context) (Shell, error)
	Close() error
}

// Shell is an interactive pseudo-terminal on the gateway. The caller owns the
// send/drain protocol.
type Shell interface {
	Send(line string) error
	// Drain blocks for wait, then returns everything that arrived, reading on until the
	// stream has been quiet briefly. It fails if the shell is closed while waiting.
	Drain(wait time.Duration) (string, error)
	Interrupt() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Session, error)
}

// CredentialSource supplies credentials for reconnecting when the manager has none.
type CredentialSource interface {
	Credentials() (Credentials, bool)
}

// StaticCredentials is a fixed CredentialSource.
type StaticCredentials Credentials

func (s StaticCredentials) Credentials() (Credentials, bool) {
	c := Credentials(s)
	return c, c.Valid()
}
