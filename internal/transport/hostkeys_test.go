package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("wrap key: %v", err)
	}
	return key
}

func TestAcceptNewRecordsUnknownHostAndRejectsChangedKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	cb, err := HostKeyCallback(HostKeyAcceptNew, path, nil)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}
	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}
	key := newHostKey(t)

	if err := cb("gateway.example:22", remote, key); err != nil {
		t.Fatalf("first contact should be accepted: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read known_hosts: %v", err)
	}
	if !strings.Contains(string(data), "gateway.example") {
		t.Fatalf("host not recorded: %q", data)
	}

	if err := cb("gateway.example:22", remote, key); err != nil {
		t.Fatalf("known key rejected: %v", err)
	}
	if lines := strings.Count(string(mustRead(t, path)), "\n"); lines != 1 {
		t.Fatalf("expected a single known_hosts line, got %d", lines)
	}

	if err := cb("gateway.example:22", remote, newHostKey(t)); err == nil {
		t.Fatalf("changed host key must be rejected")
	}

	strict, err := HostKeyCallback(HostKeyStrict, path, nil)
	if err != nil {
		t.Fatalf("strict callback: %v", err)
	}
	if err := strict("gateway.example:22", remote, key); err != nil {
		t.Fatalf("strict mode should accept recorded key: %v", err)
	}
	if err := strict("other.example:22", remote, key); err == nil {
		t.Fatalf("strict mode must reject unknown hosts")
	}
}

func TestParseHostKeyPolicy(t *testing.T) {
	if p, err := ParseHostKeyPolicy(""); err != nil || p != HostKeyAcceptNew {
		t.Fatalf("default policy = %q, %v", p, err)
	}
	if _, err := ParseHostKeyPolicy("yolo"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}
