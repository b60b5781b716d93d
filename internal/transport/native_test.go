package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// startExecServer runs an in-process ssh server. "echo test" answers and exits; any other
// command prints a line and then never finishes.
func startExecServer(t *testing.T) Credentials {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go serveExecConn(c, cfg)
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return Credentials{User: "alice", Host: host, Port: port}
}

func serveExecConn(c net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
	if err != nil {
		_ = c.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, creqs, err := nc.Accept()
		if err != nil {
			continue
		}
		go serveExecSession(ch, creqs)
	}
}

func serveExecSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		_ = req.Reply(true, nil)
		if payload.Command == "echo test" {
			_, _ = io.WriteString(ch, "test\n")
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		}
		_, _ = io.WriteString(ch, "partial\n")
	}
}

func dialTestServer(t *testing.T) Session {
	t.Helper()
	creds := startExecServer(t)
	d := &NativeDialer{
		IdentityFiles: []string{filepath.Join(t.TempDir(), "id_missing")},
		HostKeyPolicy: HostKeyInsecure,
		Timeout:       5 * time.Second,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := d.Dial(ctx, creds)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestNativeExecTimeoutReturnsAfterRunEnds(t *testing.T) {
	sess := dialTestServer(t)

	stdout, _, err := sess.Exec(context.Background(), "sleep forever", 100*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if stdout != "" && stdout != "partial\n" {
		t.Fatalf("unexpected output after timeout %q", stdout)
	}

	if err := sess.Ping(context.Background()); err != nil {
		t.Fatalf("session unusable after a timed out command: %v", err)
	}
}

func TestNativeExecCancelled(t *testing.T) {
	sess := dialTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	_, _, err := sess.Exec(ctx, "sleep forever", 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
