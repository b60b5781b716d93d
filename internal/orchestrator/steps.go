package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/antonkrylov/nbgate/internal/errors"
	"github.com/antonkrylov/nbgate/internal/lifecycle"
	"github.com/antonkrylov/nbgate/internal/tunnel"
)

// StepID is a state of the launch machine. Runs only move forward.
type StepID int

const (
	StepShellOpen StepID = iota
	StepHop
	StepEnvInit
	StepEnvActivate
	StepDirChange
	StepLaunch
	StepAwaitURL
	StepTunnel
	StepDone
)

var stepNames = [...]string{
	StepShellOpen:   "shell-open",
	StepHop:         "hop",
	StepEnvInit:     "env-init",
	StepEnvActivate: "env-activate",
	StepDirChange:   "dir-change",
	StepLaunch:      "launch",
	StepAwaitURL:    "await-url",
	StepTunnel:      "tunnel",
	StepDone:        "done",
}

func (s StepID) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("S%d", int(s))
	}
	return fmt.Sprintf("S%d %s", int(s), stepNames[s])
}

type step struct {
	id    StepID
	title string
	// skip reports whether the request makes the step a no-op.
	skip  func(r *run) bool
	enter func(o *Orchestrator, r *run) error
}

var steps = []step{
	{id: StepShellOpen, title: "Opening shell on gateway", enter: (*Orchestrator).openShell},
	{id: StepHop, title: "Connecting to worker", enter: (*Orchestrator).hop},
	{id: StepEnvInit, title: "Initializing shell environment", enter: (*Orchestrator).envInit},
	{
		id:    StepEnvActivate,
		title: "Activating environment",
		skip:  func(r *run) bool { return strings.TrimSpace(r.req.Env) == "" },
		enter: (*Orchestrator).activate,
	},
	{
		id:    StepDirChange,
		title: "Changing directory",
		skip:  func(r *run) bool { return strings.TrimSpace(r.req.Dir) == "" },
		enter: (*Orchestrator).changeDir,
	},
	{id: StepLaunch, title: "Starting notebook server", enter: (*Orchestrator).launch},
	{id: StepAwaitURL, title: "Waiting for server URL", enter: (*Orchestrator).awaitURL},
	{id: StepTunnel, title: "Creating tunnel", enter: (*Orchestrator).openTunnel},
	{id: StepDone, title: "Finishing", enter: (*Orchestrator).finish},
}

func (o *Orchestrator) openShell(r *run) error {
	sh, err := o.shells.OpenShell(r.ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeShellOpenFailed, "could not open a shell on the gateway", err)
	}
	r.shell = sh
	// Cancelling the run closes its shell so a blocked drain returns at once.
	r.unwatch = context.AfterFunc(r.ctx, func() { _ = sh.Close() })
	if err := o.life.AdoptShell(r.ctx, sh); err != nil {
		_ = sh.Close()
		return r.cancelled(err)
	}
	_, err = r.drain(o.timings.Prompt)
	return err
}

func (o *Orchestrator) hop(r *run) error {
	if err := r.send("ssh " + r.req.Worker); err != nil {
		return err
	}
	out, err := r.drain(o.timings.Hop)
	if err != nil {
		return err
	}
	if !containsAny(out, o.commands.HopMarkers) {
		return apperrors.StepFailed(apperrors.CodeWorkerUnreachable,
			fmt.Sprintf("could not reach worker %s", r.req.Worker), out)
	}
	o.events.Success("Connected to %s", r.req.Worker)
	return nil
}

func (o *Orchestrator) envInit(r *run) error {
	if err := r.send(o.commands.EnvInit); err != nil {
		return err
	}
	_, err := r.drain(o.timings.EnvInit)
	return err
}

func (o *Orchestrator) activate(r *run) error {
	env := strings.TrimSpace(r.req.Env)
	if err := r.send(o.commands.Activate + " " + env); err != nil {
		return err
	}
	if _, err := r.drain(o.timings.Activate); err != nil {
		return err
	}
	echo := "echo $" + o.commands.EnvVar
	if err := r.send(echo); err != nil {
		return err
	}
	out, err := r.drain(o.timings.EnvEcho)
	if err != nil {
		return err
	}
	if !strings.Contains(withoutEcho(out, echo), env) {
		return apperrors.StepFailed(apperrors.CodeEnvActivationFailed,
			fmt.Sprintf("environment %s is not active", env), out)
	}
	o.events.Success("Environment %s active", env)
	return nil
}

func (o *Orchestrator) changeDir(r *run) error {
	dir := strings.TrimSpace(r.req.Dir)
	if err := r.send("cd " + dir); err != nil {
		return err
	}
	if _, err := r.drain(o.timings.Cd); err != nil {
		return err
	}
	if err := r.send("pwd"); err != nil {
		return err
	}
	out, err := r.drain(o.timings.Pwd)
	if err != nil {
		return err
	}
	if !dirMatches(withoutEcho(out, "pwd"), dir) {
		return apperrors.StepFailed(apperrors.CodeDirectoryChangeFailed,
			fmt.Sprintf("could not change to directory %s", dir), out)
	}
	o.events.Success("Working directory %s", dir)
	return nil
}

func (o *Orchestrator) launch(r *run) error {
	if err := r.send(o.commands.Server); err != nil {
		return err
	}
	out, err := r.drain(o.timings.Launch)
	r.serverOutput.WriteString(out)
	return err
}

func (o *Orchestrator) awaitURL(r *run) error {
	deadline := time.Now().Add(o.timings.URLTimeout)
	for {
		if port, token, ok := ParseServerURL(r.serverOutput.String()); ok {
			r.remotePort = port
			r.token = token
			o.events.Success("Notebook server listening on %s:%d", r.req.Worker, port)
			return nil
		}
		if !time.Now().Before(deadline) {
			return apperrors.StepFailed(apperrors.CodeURLParseFailed,
				fmt.Sprintf("no notebook URL within %s", o.timings.URLTimeout), r.serverOutput.String())
		}
		out, err := r.drain(o.timings.URLPoll)
		r.serverOutput.WriteString(out)
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) openTunnel(r *run) error {
	spec := tunnel.Spec{
		LocalPort:    r.localPort,
		TargetHost:   r.req.Worker,
		TargetPort:   r.remotePort,
		GatewayUser:  r.req.Gateway.User,
		GatewayHost:  r.req.Gateway.Host,
		GatewayPort:  r.req.Gateway.Port,
		IdentityFile: o.tunnelDefaults.IdentityFile,
		BatchMode:    o.tunnelDefaults.BatchMode,
		ExtraArgs:    o.tunnelDefaults.ExtraArgs,
		Binary:       o.tunnelDefaults.Binary,
	}
	o.events.Command(spec.CommandLine())
	h, err := o.tunnels.Launch(spec)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeTunnelFailed, "could not start the ssh tunnel", err)
	}
	if err := o.life.SetTunnel(r.ctx, h); err != nil {
		_ = h.Stop(lifecycle.DefaultTunnelTermWait, lifecycle.DefaultTunnelKillWait)
		return r.cancelled(err)
	}
	time.Sleep(o.timings.TunnelSettle)
	if !h.Running() {
		o.events.Warn("Tunnel process exited early; port %d may not be forwarded", r.localPort)
	}
	return nil
}

func (o *Orchestrator) finish(r *run) error {
	r.url = fmt.Sprintf("http://localhost:%d/?token=%s", r.localPort, r.token)
	return nil
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// withoutEcho drops lines that are the terminal echo of cmd: the command alone, or a
// prompt followed by it.
func withoutEcho(out, cmd string) string {
	lines := strings.Split(StripANSI(out), "\n")
	kept := lines[:0]
	for _, l := range lines {
		if isEcho(strings.TrimSpace(l), cmd) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

func isEcho(line, cmd string) bool {
	if !strings.HasSuffix(line, cmd) {
		return false
	}
	rest := line[:len(line)-len(cmd)]
	if rest == "" {
		return true
	}
	return strings.ContainsRune(" $#>%", rune(rest[len(rest)-1]))
}

// dirMatches checks pwd output against the requested directory. A leading "~/" is
// dropped since pwd prints the expanded path.
func dirMatches(pwdOut, dir string) bool {
	want := strings.TrimSuffix(dir, "/")
	switch {
	case want == "~" || want == "":
		return true
	case strings.HasPrefix(want, "~/"):
		want = strings.TrimPrefix(want, "~/")
	}
	return strings.Contains(pwdOut, want)
}
