// Package orchestrator drives one notebook launch through the remote shell.
//
// A run walks the step table in order: open a shell on the gateway, hop to the worker,
// prepare the environment, start the server, scrape its URL and forward a local port to
// it. Each step drains the shell for a fixed wait and checks what came back. A failed
// check ends the run; there is no step-level retry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/nbgate/internal/eventlog"
	apperrors "github.com/antonkrylov/nbgate/internal/errors"
	"github.com/antonkrylov/nbgate/internal/lifecycle"
	"github.com/antonkrylov/nbgate/internal/logging"
	"github.com/antonkrylov/nbgate/internal/ports"
	"github.com/antonkrylov/nbgate/internal/transport"
	"github.com/antonkrylov/nbgate/internal/tunnel"
)

type ShellOpener interface {
	OpenShell(ctx context.Context) (transport.Shell, error)
}

type PortAcquirer interface {
	Acquire(ctx context.Context, preferred int) (ports.Acquired, error)
}

// Lifecycle receives the shell and tunnel a run creates.
type Lifecycle interface {
	Supersede() lifecycle.Report
	AdoptShell(ctx context.Context, sh transport.Shell) error
	SetTunnel(ctx context.Context, h tunnel.Handle) error
	SetBasePort(port int)
}

// TunnelDefaults are the ssh settings shared by every tunnel.
type TunnelDefaults struct {
	IdentityFile string
	BatchMode    bool
	ExtraArgs    []string
	Binary       string
}

type Options struct {
	Shells   ShellOpener
	Ports    PortAcquirer
	Life     Lifecycle
	Tunnels  tunnel.Launcher
	Events   *eventlog.Log
	Logger   *slog.Logger
	Timings  Timings
	Commands Commands
	Tunnel   TunnelDefaults
}

type Orchestrator struct {
	shells         ShellOpener
	ports          PortAcquirer
	life           Lifecycle
	tunnels        tunnel.Launcher
	events         *eventlog.Log
	logger         *slog.Logger
	timings        Timings
	commands       Commands
	tunnelDefaults TunnelDefaults
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		shells:         opts.Shells,
		ports:          opts.Ports,
		life:           opts.Life,
		tunnels:        opts.Tunnels,
		events:         opts.Events,
		logger:         logging.OrDiscard(opts.Logger),
		timings:        opts.Timings.WithDefaults(),
		commands:       opts.Commands.WithDefaults(),
		tunnelDefaults: opts.Tunnel,
	}
	if o.events == nil {
		o.events = eventlog.New(0)
	}
	if o.tunnels == nil {
		o.tunnels = tunnel.ExecLauncher{}
	}
	return o
}

// Request is the input of one launch.
type Request struct {
	Worker    string
	Env       string
	Dir       string
	LocalPort int
	Gateway   transport.Credentials
}

func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.Worker) == "":
		return apperrors.New(apperrors.CodeSessionInvalidArguments, "worker is required")
	case strings.ContainsAny(r.Worker, " \t\n;&|"):
		return apperrors.New(apperrors.CodeSessionInvalidArguments, fmt.Sprintf("invalid worker name %q", r.Worker))
	case !r.Gateway.Valid():
		return apperrors.NotConnected()
	}
	return nil
}

// Result is the outcome of a successful run.
type Result struct {
	RunID      string   `json:"runId"`
	Worker     string   `json:"worker"`
	URL        string   `json:"url"`
	LocalPort  int      `json:"localPort"`
	RemotePort int      `json:"remotePort"`
	Token      string   `json:"token"`
	Warnings   []string `json:"warnings,omitempty"`
}

// run is the state of one launch attempt.
type run struct {
	id   string
	ctx  context.Context
	req  Request
	step StepID

	shell        transport.Shell
	unwatch      func() bool
	output       strings.Builder
	serverOutput strings.Builder

	localPort  int
	remotePort int
	token      string
	url        string
	warnings   []string

	events *eventlog.Log
}

func (r *run) send(cmd string) error {
	r.events.Command(cmd)
	if err := r.shell.Send(cmd); err != nil {
		return r.shellLost(err)
	}
	return nil
}

func (r *run) drain(wait time.Duration) (string, error) {
	out, err := r.shell.Drain(wait)
	r.output.WriteString(out)
	r.events.Output(StripANSI(out))
	if err != nil {
		return out, r.shellLost(err)
	}
	return out, nil
}

// cancelled reports that the run's context ended, i.e. a newer run or a disconnect took over.
func (r *run) cancelled(err error) error {
	return apperrors.Wrap(apperrors.CodeRunSuperseded,
		fmt.Sprintf("run cancelled during %s", r.step), err)
}

func (r *run) shellLost(err error) error {
	return apperrors.Wrap(apperrors.CodeRunSuperseded,
		fmt.Sprintf("shell closed during %s", r.step), err)
}

// Run executes the launch. It returns a CodedError on failure.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		o.events.Error("%s", apperrors.GetMessage(err))
		return Result{}, err
	}
	r := &run{
		id:     uuid.NewString(),
		ctx:    ctx,
		req:    req,
		events: o.events,
	}
	defer func() {
		if r.unwatch != nil {
			r.unwatch()
		}
	}()
	started := time.Now()
	logger := o.logger.With("run", r.id, "worker", req.Worker)
	logger.Info("run started", "env", req.Env, "dir", req.Dir, "local_port", req.LocalPort)
	o.events.Info("Starting notebook on %s", req.Worker)

	o.life.Supersede()
	o.life.SetBasePort(req.LocalPort)

	acq, err := o.ports.Acquire(ctx, req.LocalPort)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = r.cancelled(cerr)
		}
		o.events.Error("%s", apperrors.GetMessage(err))
		logger.Warn("run failed", "step", "port-acquire", "code", apperrors.GetCode(err), "err", err)
		return Result{}, err
	}
	for _, w := range acq.Warnings {
		o.events.Warn("%s", w)
	}
	r.localPort = acq.Port
	r.warnings = append(r.warnings, acq.Warnings...)

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return Result{}, o.fail(logger, r, r.cancelled(err))
		}
		r.step = st.id
		if st.skip != nil && st.skip(r) {
			logger.Debug("step skipped", "step", st.id.String())
			continue
		}
		if st.id != StepDone {
			o.events.Info("[%s] %s", st.id, st.title)
		}
		if err := st.enter(o, r); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				err = r.cancelled(cerr)
			}
			return Result{}, o.fail(logger, r, err)
		}
	}

	res := Result{
		RunID:      r.id,
		Worker:     req.Worker,
		URL:        r.url,
		LocalPort:  r.localPort,
		RemotePort: r.remotePort,
		Token:      r.token,
		Warnings:   r.warnings,
	}
	o.events.Success("Notebook ready: %s", res.URL)
	logger.Info("run succeeded", "url", res.URL, "remote_port", res.RemotePort, "elapsed", time.Since(started).Truncate(time.Millisecond))
	return res, nil
}

func (o *Orchestrator) fail(logger *slog.Logger, r *run, err error) error {
	var coded *apperrors.CodedError
	if !errors.As(err, &coded) {
		err = apperrors.Wrap(apperrors.CodeUnknown, err.Error(), err)
	}
	o.events.Error("[%s] %s", r.step, apperrors.GetMessage(err))
	logger.Warn("run failed", "step", r.step.String(), "code", apperrors.GetCode(err), "err", err)
	return err
}
