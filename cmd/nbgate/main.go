package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	cliconfig "github.com/antonkrylov/nbgate/internal/cli/config"
	"github.com/antonkrylov/nbgate/internal/client"
	"github.com/antonkrylov/nbgate/internal/logging"
	"github.com/antonkrylov/nbgate/internal/orchestrator"
	"github.com/antonkrylov/nbgate/internal/ports"
	"github.com/antonkrylov/nbgate/internal/session"
	"github.com/antonkrylov/nbgate/internal/transport"
	"github.com/antonkrylov/nbgate/internal/tunnel"
)

type rootOptions struct {
	configPath  string
	contextName string
	logLevel    string
	logJSON     bool
	batch       bool
	flags       client.Flags

	profile *client.Profile
	logger  *slog.Logger
}

func (r *rootOptions) prepare(cmd *cobra.Command) error {
	r.logger = logging.New(logging.Options{
		Level:     r.logLevel,
		JSON:      r.logJSON,
		Writer:    os.Stderr,
		Component: "nbgate",
	})
	flags := r.flags
	if f := cmd.Flags().Lookup("env"); f != nil && f.Changed {
		flags.EnvSet = true
	}
	if f := cmd.Flags().Lookup("dir"); f != nil && f.Changed {
		flags.DirSet = true
	}
	profile, err := client.ResolveProfile(r.configPath, r.contextName, flags)
	if err != nil {
		return err
	}
	r.profile = profile
	return nil
}

func (r *rootOptions) newService() (*session.Service, error) {
	p := r.profile
	dialer, err := transport.NewDialer(transport.DialerOptions{
		Kind:          p.Transport,
		IdentityFile:  p.IdentityFile,
		KnownHosts:    p.KnownHosts,
		HostKeyPolicy: p.HostKeyPolicy,
		BatchMode:     r.batch,
		Prompt:        terminalPrompt,
		Logger:        r.logger.With("component", "dialer"),
	})
	if err != nil {
		return nil, err
	}
	return session.New(session.Options{
		Dialer:       dialer,
		Ports:        ports.NewBroker(ports.Options{Logger: r.logger.With("component", "ports")}),
		Tunnels:      tunnel.ExecLauncher{Output: os.Stderr},
		Logger:       r.logger,
		Credentials:  p,
		LocalPort:    p.LocalPort,
		ScanWidth:    p.ScanWidth,
		FleetCommand: p.FleetCommand,
		Timings:      p.Timings,
		Commands:     p.Commands,
		Tunnel: orchestrator.TunnelDefaults{
			IdentityFile: p.IdentityFile,
			BatchMode:    r.batch,
		},
	}), nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "nbgate",
		Short:         "Launch Jupyter notebooks on fleet workers behind an SSH gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", cliconfig.DefaultConfigPath(), "path to nbgate config file (default $HOME/.nbgate/config)")
	pf.StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	pf.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug|info|warn|error)")
	pf.BoolVar(&opts.logJSON, "log-json", false, "emit logs as JSON")
	pf.StringVarP(&opts.flags.User, "user", "u", "", "gateway user (overrides config and NBGATE_USER)")
	pf.StringVarP(&opts.flags.Gateway, "gateway", "g", "", "gateway host (overrides config and NBGATE_GATEWAY)")
	pf.IntVarP(&opts.flags.Port, "port", "p", 0, "gateway ssh port (default 22)")
	pf.StringVarP(&opts.flags.IdentityFile, "identity", "i", "", "ssh private key file")
	pf.StringVar(&opts.flags.KnownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	pf.StringVar(&opts.flags.HostKeyPolicy, "host-key-policy", "", "accept-new|strict|insecure (default accept-new)")
	pf.StringVar(&opts.flags.Transport, "transport", "", "native|openssh (default native)")
	pf.BoolVar(&opts.batch, "batch", false, "never prompt for passwords")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare(cmd)
	}

	rootCmd.AddCommand(newLoginCmd(opts))
	rootCmd.AddCommand(newWorkersCmd(opts))
	rootCmd.AddCommand(newStartCmd(opts))
	rootCmd.AddCommand(newPortsCmd(opts))
	// doctor and config must work even when the config file cannot be resolved.
	for _, c := range []*cobra.Command{newDoctorCmd(), newConfigCmd(opts)} {
		c.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }
		rootCmd.AddCommand(c)
	}

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// terminalPrompt reads a secret (or, with echo, a plain answer) from the controlling terminal.
func terminalPrompt(prompt string, echo bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("interactive authentication needs a terminal (use an ssh agent or --identity)")
	}
	fmt.Fprint(os.Stderr, prompt)
	if !echo {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	return readLine(os.Stdin)
}

// readLine reads up to a newline one byte at a time so nothing past it is consumed.
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				return strings.TrimRight(sb.String(), "\r"), nil
			}
			sb.WriteByte(buf[0])
		}
		if err != nil {
			return sb.String(), err
		}
	}
}
