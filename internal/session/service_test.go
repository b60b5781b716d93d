package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/antonkrylov/nbgate/internal/errors"
	"github.com/antonkrylov/nbgate/internal/orchestrator"
	"github.com/antonkrylov/nbgate/internal/ports"
	"github.com/antonkrylov/nbgate/internal/transport"
	"github.com/antonkrylov/nbgate/internal/tunnel"
)

const fleetReport = `#CPU LOAD TOTAL HOST TYPE RAMAVAIL RAMTOTAL PROG
12.5 0.3 16 node01 intel 64.0 128.0 none
3.0 12.1 32 gpu02 amd 200.5 256.0 python
`

type scriptedShell struct {
	mu      sync.Mutex
	script  map[string][]string
	pending []string
	sent    []string
	closed  bool
}

func (s *scriptedShell) Send(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return transport.ErrShellClosed
	}
	s.sent = append(s.sent, line)
	s.pending = append(s.pending, s.script[line]...)
	return nil
}

func (s *scriptedShell) Drain(wait time.Duration) (string, error) {
	time.Sleep(wait)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", transport.ErrShellClosed
	}
	if len(s.pending) == 0 {
		return "", nil
	}
	out := s.pending[0]
	s.pending = s.pending[1:]
	return out, nil
}

func (s *scriptedShell) Interrupt() error { return nil }

func (s *scriptedShell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedShell) sentCommands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func notebookScript(withURL bool) map[string][]string {
	server := []string{"[I NotebookApp] Serving notebooks\r\n"}
	if withURL {
		server = append(server, "    http://localhost:8891/?token=0123abcd\r\n")
	}
	return map[string][]string{
		"ssh node01":              {"Last login: today\r\n"},
		"echo $CONDA_DEFAULT_ENV": {"bio\r\n"},
		"pwd":                     {"/home/alice/work\r\n"},
		orchestrator.DefaultCommands().Server: server,
	}
}

type fakeGatewaySession struct {
	mu     sync.Mutex
	shells []*scriptedShell
	next   func() *scriptedShell
	closed bool
}

func (g *fakeGatewaySession) Exec(ctx context.Context, command string, timeout time.Duration) (string, string, error) {
	switch command {
	case "echo test":
		return "test\n", "", nil
	case "ai":
		return fleetReport, "", nil
	}
	return "", "unknown command", nil
}

func (g *fakeGatewaySession) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return transport.ErrShellClosed
	}
	return nil
}

func (g *fakeGatewaySession) OpenShell(ctx context.Context) (transport.Shell, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sh := g.next()
	g.shells = append(g.shells, sh)
	return sh, nil
}

func (g *fakeGatewaySession) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

type fakeDialer struct {
	sess  *fakeGatewaySession
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Session, error) {
	d.dials++
	return d.sess, nil
}

type freePorts struct{}

func (freePorts) Acquire(ctx context.Context, preferred int) (ports.Acquired, error) {
	return ports.Acquired{Port: preferred, Preferred: preferred}, nil
}
func (freePorts) IsFree(ctx context.Context, port int) bool { return true }
func (freePorts) Analyze(ctx context.Context, port int) ports.Usage {
	return ports.Usage{Port: port, Free: true}
}
func (freePorts) Reclaim(ctx context.Context, port int, timeout time.Duration) ([]string, error) {
	return nil, nil
}

type fakeHandle struct {
	mu      sync.Mutex
	port    int
	stopped bool
}

func (h *fakeHandle) Pid() int { return 1234 }
func (h *fakeHandle) LocalPort() int { return h.port }
func (h *fakeHandle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}
func (h *fakeHandle) Stop(_, _ time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

type launcher struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (l *launcher) Launch(spec tunnel.Spec) (tunnel.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := &fakeHandle{port: spec.LocalPort}
	l.handles = append(l.handles, h)
	return h, nil
}

func fastTimings(urlTimeout time.Duration) orchestrator.Timings {
	const d = time.Millisecond
	return orchestrator.Timings{
		Prompt: d, Hop: d, EnvInit: d, Activate: d, EnvEcho: d, Cd: d, Pwd: d,
		Launch: d, URLPoll: d, URLTimeout: urlTimeout, TunnelSettle: d,
	}
}

// slowPorts holds Acquire until the delay passes or the run is cancelled.
type slowPorts struct {
	freePorts
	delay time.Duration
}

func (p slowPorts) Acquire(ctx context.Context, preferred int) (ports.Acquired, error) {
	select {
	case <-time.After(p.delay):
		return ports.Acquired{Port: preferred, Preferred: preferred}, nil
	case <-ctx.Done():
		return ports.Acquired{}, ctx.Err()
	}
}

func newTestService(gw *fakeGatewaySession, urlTimeout time.Duration) (*Service, *fakeDialer, *launcher) {
	return newTestServiceWithPorts(gw, urlTimeout, freePorts{})
}

func newTestServiceWithPorts(gw *fakeGatewaySession, urlTimeout time.Duration, broker PortBroker) (*Service, *fakeDialer, *launcher) {
	d := &fakeDialer{sess: gw}
	l := &launcher{}
	svc := New(Options{
		Dialer:         d,
		Ports:          broker,
		Tunnels:        l,
		LocalPort:      8888,
		Timings:        fastTimings(urlTimeout),
		Exec:           transport.ExecOptions{MaxRetries: 1, Sentinel: transport.DefaultSentinel},
		FollowInterval: 5 * time.Millisecond,
		InterruptPause: time.Millisecond,
	})
	return svc, d, l
}

func waitResult(t *testing.T, tk interface {
	Wait(context.Context) (orchestrator.Result, error)
}) (orchestrator.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return tk.Wait(ctx)
}

func TestEndToEnd(t *testing.T) {
	gw := &fakeGatewaySession{next: func() *scriptedShell {
		return &scriptedShell{script: notebookScript(true)}
	}}
	svc, dialer, l := newTestService(gw, 500*time.Millisecond)

	if _, err := svc.ListWorkers(context.Background()); !apperrors.IsCode(err, apperrors.CodeAuthNoCredentials) {
		t.Fatalf("expected auth.no_credentials before login, got %v", err)
	}
	if err := svc.Login(context.Background(), "alice", "gw.example:2222"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Login(context.Background(), "alice", "gw.example:2222"); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if dialer.dials != 1 {
		t.Fatalf("repeated login with same credentials must reuse the session, dials=%d", dialer.dials)
	}

	workers, err := svc.ListWorkers(context.Background())
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	if len(workers) != 2 || len(svc.Workers()) != 2 {
		t.Fatalf("unexpected workers %+v", workers)
	}

	res, err := waitResult(t, svc.StartSession("node01", "bio", "~/work"))
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if res.URL != "http://localhost:8888/?token=0123abcd" || res.RemotePort != 8891 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !svc.ActiveTunnel() || len(l.handles) != 1 {
		t.Fatalf("expected an active tunnel")
	}

	if !svc.SendCommand("ls") {
		t.Fatalf("SendCommand failed with an active shell")
	}
	sent := gw.shells[0].sentCommands()
	if sent[len(sent)-1] != "ls" {
		t.Fatalf("command not forwarded, sent=%v", sent)
	}

	last := svc.Events()[len(svc.Events())-1].Seq
	svc.SendCommand("pwd")
	if got := svc.EventsSince(last); len(got) == 0 || got[0].Message != "$ pwd" {
		t.Fatalf("unexpected incremental events %+v", got)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Disconnect().Wait(context.Background()); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		if svc.ActiveTunnel() || svc.SendCommand("ls") {
			t.Fatalf("resources left after disconnect %d", i+1)
		}
	}
	if !l.handles[0].stopped {
		t.Fatalf("tunnel not stopped")
	}
	if !svc.Connected() {
		t.Fatalf("disconnect must keep the gateway login")
	}

	if err := svc.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if svc.Connected() || len(svc.Workers()) != 0 {
		t.Fatalf("logout should clear session and roster")
	}

	svc.ClearEvents()
	if len(svc.Events()) != 0 {
		t.Fatalf("ClearEvents did not clear")
	}
}

func TestNewRunSupersedesInFlightRun(t *testing.T) {
	var calls int
	gw := &fakeGatewaySession{}
	gw.next = func() *scriptedShell {
		calls++
		return &scriptedShell{script: notebookScript(calls > 1)}
	}
	svc, _, _ := newTestService(gw, 5*time.Second)
	if err := svc.Login(context.Background(), "alice", "gw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	first := svc.StartSession("node01", "bio", "~/work")
	deadline := time.Now().Add(5 * time.Second)
	for {
		gw.mu.Lock()
		opened := len(gw.shells)
		gw.mu.Unlock()
		if opened == 1 {
			sent := gw.shells[0].sentCommands()
			if len(sent) > 0 && sent[len(sent)-1] == orchestrator.DefaultCommands().Server {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("first run never reached the server launch")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second := svc.StartSession("node01", "bio", "~/work")
	if _, err := waitResult(t, first); !apperrors.IsCode(err, apperrors.CodeRunSuperseded) {
		t.Fatalf("expected first run to be superseded, got %v", err)
	}
	res, err := waitResult(t, second)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(res.URL, "token=0123abcd") {
		t.Fatalf("unexpected URL %q", res.URL)
	}
}

func TestDisconnectDuringPortAcquireLeavesNothing(t *testing.T) {
	gw := &fakeGatewaySession{next: func() *scriptedShell {
		return &scriptedShell{script: notebookScript(true)}
	}}
	svc, _, l := newTestServiceWithPorts(gw, 500*time.Millisecond, slowPorts{delay: 300 * time.Millisecond})
	if err := svc.Login(context.Background(), "alice", "gw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	run := svc.StartSession("node01", "bio", "~/work")
	time.Sleep(100 * time.Millisecond)
	if _, err := svc.Disconnect().Wait(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, err := waitResult(t, run); !apperrors.IsCode(err, apperrors.CodeRunSuperseded) {
		t.Fatalf("expected run.superseded, got %v", err)
	}
	if svc.ActiveTunnel() || svc.SendCommand("ls") {
		t.Fatalf("cancelled run left a tunnel or shell behind")
	}
	gw.mu.Lock()
	opened := len(gw.shells)
	gw.mu.Unlock()
	if opened != 0 || len(l.handles) != 0 {
		t.Fatalf("cancelled run opened %d shells and %d tunnels", opened, len(l.handles))
	}
}

func TestLoginRedialsDeadGatewaySession(t *testing.T) {
	next := func() *scriptedShell { return &scriptedShell{script: notebookScript(true)} }
	gw := &fakeGatewaySession{next: next}
	svc, dialer, _ := newTestService(gw, 500*time.Millisecond)
	if err := svc.Login(context.Background(), "alice", "gw.example"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	gw.mu.Lock()
	gw.closed = true
	gw.mu.Unlock()
	dialer.sess = &fakeGatewaySession{next: next}

	if err := svc.Login(context.Background(), "alice", "gw.example"); err != nil {
		t.Fatalf("second Login: %v", err)
	}
	if dialer.dials != 2 {
		t.Fatalf("dead session must be replaced, dials=%d", dialer.dials)
	}
	if !svc.Connected() {
		t.Fatalf("expected a live session after re-login")
	}
	if _, err := svc.ListWorkers(context.Background()); err != nil {
		t.Fatalf("ListWorkers on the new session: %v", err)
	}
}

func TestLoginValidation(t *testing.T) {
	svc, _, _ := newTestService(&fakeGatewaySession{}, time.Second)
	if err := svc.Login(context.Background(), "", "gw"); !apperrors.IsCode(err, apperrors.CodeSessionInvalidArguments) {
		t.Fatalf("expected invalid arguments, got %v", err)
	}
	if err := svc.Login(context.Background(), "a", "gw:notaport"); !apperrors.IsCode(err, apperrors.CodeSessionInvalidArguments) {
		t.Fatalf("expected invalid port error, got %v", err)
	}
}

func TestCloseKeepsTunnel(t *testing.T) {
	gw := &fakeGatewaySession{next: func() *scriptedShell {
		return &scriptedShell{script: notebookScript(true)}
	}}
	svc, _, l := newTestService(gw, 500*time.Millisecond)
	if err := svc.Login(context.Background(), "alice", "gw.example"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := waitResult(t, svc.StartSession("node01", "", "")); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if svc.Connected() {
		t.Fatalf("Close should drop the gateway session")
	}
	if l.handles[0].stopped {
		t.Fatalf("Close must not stop the tunnel")
	}
	svc.Disconnect().Wait(context.Background())
}
