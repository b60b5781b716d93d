// Package session is the operation surface front-ends drive: log in, list workers, start a
// notebook, talk to its shell and tear everything down.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/nbgate/internal/eventlog"
	apperrors "github.com/antonkrylov/nbgate/internal/errors"
	"github.com/antonkrylov/nbgate/internal/fleet"
	"github.com/antonkrylov/nbgate/internal/lifecycle"
	"github.com/antonkrylov/nbgate/internal/logging"
	"github.com/antonkrylov/nbgate/internal/orchestrator"
	"github.com/antonkrylov/nbgate/internal/ports"
	"github.com/antonkrylov/nbgate/internal/task"
	"github.com/antonkrylov/nbgate/internal/transport"
	"github.com/antonkrylov/nbgate/internal/tunnel"
)

const DefaultFollowInterval = time.Second

// PortBroker is what runs and teardown need from the local port layer.
type PortBroker interface {
	orchestrator.PortAcquirer
	lifecycle.PortReclaimer
}

type Options struct {
	Dialer  transport.Dialer
	Ports   PortBroker
	Tunnels tunnel.Launcher
	Events  *eventlog.Log
	Logger  *slog.Logger

	// Credentials is consulted when the gateway session must be re-established and no
	// login happened in this process.
	Credentials transport.CredentialSource

	LocalPort      int
	ScanWidth      int
	FleetCommand   string
	Exec           transport.ExecOptions
	Timings        orchestrator.Timings
	Commands       orchestrator.Commands
	Tunnel         orchestrator.TunnelDefaults
	FollowInterval time.Duration
	InterruptPause time.Duration
}

type Service struct {
	transport *transport.Manager
	life      *lifecycle.Manager
	orch      *orchestrator.Orchestrator
	events    *eventlog.Log
	logger    *slog.Logger
	roster    fleet.Roster

	creds          transport.CredentialSource
	localPort      int
	fleetCommand   string
	execOpts       transport.ExecOptions
	followInterval time.Duration

	runMu sync.Mutex // held for the duration of a run

	mu        sync.Mutex
	gen       uint64 // bumped by every StartSession and Disconnect
	cancelRun context.CancelFunc
}

func New(opts Options) *Service {
	logger := logging.OrDiscard(opts.Logger)
	events := opts.Events
	if events == nil {
		events = eventlog.New(0, eventlog.WithLogger(logger))
	}
	if opts.Ports == nil {
		opts.Ports = ports.NewBroker(ports.Options{Logger: logger})
	}
	if opts.Tunnels == nil {
		opts.Tunnels = tunnel.ExecLauncher{}
	}
	if opts.LocalPort <= 0 {
		opts.LocalPort = ports.DefaultLocalPort
	}
	if opts.FleetCommand == "" {
		opts.FleetCommand = fleet.DefaultCommand
	}
	if opts.Exec == (transport.ExecOptions{}) {
		opts.Exec = transport.DefaultExecOptions()
	}
	if opts.FollowInterval <= 0 {
		opts.FollowInterval = DefaultFollowInterval
	}

	mgr := transport.NewManager(opts.Dialer, logger.With("component", "transport"))
	life := lifecycle.New(lifecycle.Options{
		Events:         events,
		Ports:          opts.Ports,
		Logger:         logger.With("component", "lifecycle"),
		BasePort:       opts.LocalPort,
		ScanWidth:      opts.ScanWidth,
		InterruptPause: opts.InterruptPause,
	})
	orch := orchestrator.New(orchestrator.Options{
		Shells:   mgr,
		Ports:    opts.Ports,
		Life:     life,
		Tunnels:  opts.Tunnels,
		Events:   events,
		Logger:   logger.With("component", "orchestrator"),
		Timings:  opts.Timings,
		Commands: opts.Commands,
		Tunnel:   opts.Tunnel,
	})
	return &Service{
		transport:      mgr,
		life:           life,
		orch:           orch,
		events:         events,
		logger:         logger,
		creds:          opts.Credentials,
		localPort:      opts.LocalPort,
		fleetCommand:   opts.FleetCommand,
		execOpts:       opts.Exec,
		followInterval: opts.FollowInterval,
	}
}

// Login authenticates against the gateway. gateway may carry a port as host:port.
func (s *Service) Login(ctx context.Context, user, gateway string) error {
	creds, err := parseGateway(user, gateway)
	if err != nil {
		return err
	}
	return s.LoginWith(ctx, creds)
}

func (s *Service) LoginWith(ctx context.Context, creds transport.Credentials) error {
	if !creds.Valid() {
		return apperrors.New(apperrors.CodeSessionInvalidArguments, "user and gateway are required")
	}
	s.events.Info("Connecting to %s...", creds.Endpoint())
	if _, err := s.transport.Connect(ctx, creds); err != nil {
		s.events.Error("%s", apperrors.GetMessage(err))
		return err
	}
	if !s.transport.IsValid(ctx) {
		_ = s.transport.Close()
		err := apperrors.AuthFailed(creds.User, creds.Host, fmt.Errorf("gateway did not answer the probe command"))
		s.events.Error("%s", apperrors.GetMessage(err))
		return err
	}
	s.events.Success("Connected to %s", creds.Endpoint())
	return nil
}

// ListWorkers queries the fleet and replaces the roster snapshot.
func (s *Service) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	if err := s.transport.EnsureValid(ctx, s.creds); err != nil {
		s.events.Error("%s", apperrors.GetMessage(err))
		return nil, err
	}
	s.events.Command(s.fleetCommand)
	exec := fleet.ExecFunc(func(ctx context.Context, command string) (string, error) {
		return s.transport.ExecOnce(ctx, command, s.execOpts)
	})
	workers, err := fleet.Query(ctx, exec, s.fleetCommand)
	if err != nil {
		s.events.Error("%s", apperrors.GetMessage(err))
		return nil, err
	}
	s.roster.Replace(workers)
	s.events.Success("Found %d servers", len(workers))
	return workers, nil
}

// Workers returns the last fleet snapshot.
func (s *Service) Workers() []fleet.Worker {
	return s.roster.Snapshot()
}

// StartSession launches a notebook on worker. The previous run, if still in flight, is
// cancelled and finishes before this one starts. The call itself never blocks.
func (s *Service) StartSession(worker, env, dir string) *task.Task[orchestrator.Result] {
	gen, ctx := s.beginRun()

	return task.Go(func() (orchestrator.Result, error) {
		s.runMu.Lock()
		defer s.runMu.Unlock()

		if !s.isCurrent(gen) {
			return orchestrator.Result{}, apperrors.New(apperrors.CodeRunSuperseded, "a newer run was requested")
		}
		if err := s.transport.EnsureValid(ctx, s.creds); err != nil {
			s.events.Error("%s", apperrors.GetMessage(err))
			return orchestrator.Result{}, err
		}
		gw, _ := s.transport.Credentials()
		res, err := s.orch.Run(ctx, orchestrator.Request{
			Worker:    worker,
			Env:       env,
			Dir:       dir,
			LocalPort: s.localPort,
			Gateway:   gw,
		})
		if s.isCurrent(gen) {
			s.life.Follow(s.followInterval)
		}
		return res, err
	})
}

// SendCommand writes a line to the active shell. It reports false when no shell is open
// or the write failed.
func (s *Service) SendCommand(text string) bool {
	sh := s.life.Shell()
	if sh == nil {
		s.events.Warn("No active shell")
		return false
	}
	s.events.Command(text)
	if err := sh.Send(text); err != nil {
		s.events.Error("Send failed: %v", err)
		return false
	}
	return true
}

func (s *Service) Events() []eventlog.Event { return s.events.Snapshot() }

func (s *Service) EventsSince(seq uint64) []eventlog.Event { return s.events.Since(seq) }

func (s *Service) ClearEvents() { s.events.Clear() }

// Disconnect stops the tunnel, closes the shell and frees local ports. The gateway login
// stays valid.
func (s *Service) Disconnect() *task.Task[lifecycle.Report] {
	s.bump()
	return task.Go(func() (lifecycle.Report, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.life.Disconnect(ctx), nil
	})
}

// Logout disconnects and closes the gateway session.
func (s *Service) Logout() error {
	rep, _ := s.Disconnect().Wait(context.Background())
	s.roster.Replace(nil)
	err := s.transport.Close()
	if err != nil {
		s.events.Warn("Closing gateway session: %v", err)
	} else {
		s.events.Info("Logged out")
	}
	s.logger.Debug("logout", "warnings", len(rep.Warnings))
	return err
}

// Close drops the gateway session without tearing down shells, tunnels or local ports.
// Front-ends that only query the fleet use it instead of Logout.
func (s *Service) Close() error {
	return s.transport.Close()
}

func (s *Service) Connected() bool { return s.transport.Connected() }

// Gateway returns the credentials of the active login.
func (s *Service) Gateway() (transport.Credentials, bool) { return s.transport.Credentials() }

// ActiveTunnel reports whether an owned tunnel is still running.
func (s *Service) ActiveTunnel() bool {
	tn := s.life.Tunnel()
	return tn != nil && tn.Running()
}

// bump starts a new generation and cancels the run of the previous one.
func (s *Service) bump() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	return s.gen
}

// beginRun bumps the generation and returns a context the next bump cancels.
func (s *Service) beginRun() (uint64, context.Context) {
	gen := s.bump()
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		cancel()
	} else {
		s.cancelRun = cancel
	}
	return gen, ctx
}

func (s *Service) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func parseGateway(user, gateway string) (transport.Credentials, error) {
	creds := transport.Credentials{User: strings.TrimSpace(user), Host: strings.TrimSpace(gateway)}
	if strings.Contains(creds.Host, ":") {
		host, port, err := net.SplitHostPort(creds.Host)
		if err != nil {
			return transport.Credentials{}, apperrors.Wrap(apperrors.CodeSessionInvalidArguments, "invalid gateway address", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return transport.Credentials{}, apperrors.New(apperrors.CodeSessionInvalidArguments, fmt.Sprintf("invalid gateway port %q", port))
		}
		creds.Host, creds.Port = host, p
	}
	return creds, nil
}
