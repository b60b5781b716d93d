package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type HostKeyPolicy string

const (
	// HostKeyAcceptNew records unknown hosts and rejects changed keys.
	HostKeyAcceptNew HostKeyPolicy = "accept-new"
	HostKeyStrict    HostKeyPolicy = "strict"
	HostKeyInsecure  HostKeyPolicy = "insecure"
)

func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	switch HostKeyPolicy(s) {
	case "", HostKeyAcceptNew:
		return HostKeyAcceptNew, nil
	case HostKeyStrict:
		return HostKeyStrict, nil
	case HostKeyInsecure:
		return HostKeyInsecure, nil
	default:
		return "", fmt.Errorf("unknown host key policy %q (want accept-new, strict or insecure)", s)
	}
}

// DefaultKnownHostsPath returns ~/.ssh/known_hosts.
func DefaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "known_hosts")
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// HostKeyCallback builds the host key check for policy against the known_hosts file at path.
func HostKeyCallback(policy HostKeyPolicy, path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if path == "" {
		path = DefaultKnownHostsPath()
	}
	switch policy {
	case HostKeyInsecure:
		return ssh.InsecureIgnoreHostKey(), nil
	case HostKeyStrict:
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", path, err)
		}
		return cb, nil
	case HostKeyAcceptNew, "":
		return acceptNewCallback(path, logger)
	default:
		return nil, fmt.Errorf("unknown host key policy %q", policy)
	}
}

func acceptNewCallback(path string, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create known hosts dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open known hosts %s: %w", path, err)
	}
	_ = f.Close()

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		af, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("record host key for %s: %w", hostname, err)
		}
		if _, err := fmt.Fprintln(af, line); err != nil {
			_ = af.Close()
			return fmt.Errorf("record host key for %s: %w", hostname, err)
		}
		if err := af.Close(); err != nil {
			return fmt.Errorf("record host key for %s: %w", hostname, err)
		}
		if logger != nil {
			logger.Warn("permanently added host key", "host", hostname, "type", key.Type(), "known_hosts", path)
		}
		if reloaded, err := knownhosts.New(path); err == nil {
			cb = reloaded
		}
		return nil
	}, nil
}
