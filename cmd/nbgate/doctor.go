package main

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/nbgate/internal/cli/config"
	"github.com/antonkrylov/nbgate/internal/transport"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			fmt.Fprintf(os.Stdout, "nbgate_executable=%s\n", strings.TrimSpace(exe))

			sshPath, err := exec.LookPath("ssh")
			if err != nil {
				fmt.Fprintln(os.Stdout, "ssh_on_path=false")
				fmt.Fprintln(os.Stdout, "warning=ssh_not_found (tunnels need the OpenSSH client)")
			} else {
				fmt.Fprintf(os.Stdout, "ssh_on_path=%s\n", sshPath)
			}
			agent := os.Getenv("SSH_AUTH_SOCK")
			fmt.Fprintf(os.Stdout, "ssh_agent=%t\n", agent != "")
			fmt.Fprintf(os.Stdout, "known_hosts=%s\n", transport.DefaultKnownHostsPath())

			cfgPath := effectiveConfigPath(cmd)
			fmt.Fprintf(os.Stdout, "config_path=%s\n", cfgPath)
			cfg, err := cliconfig.Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(os.Stdout, "config_present=false")
				return nil
			}
			fmt.Fprintln(os.Stdout, "config_present=true")
			fmt.Fprintf(os.Stdout, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
			names := make([]string, 0, len(cfg.Contexts))
			for k := range cfg.Contexts {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, name := range names {
				c := cfg.Contexts[name]
				if c == nil {
					continue
				}
				fmt.Fprintf(os.Stdout, "context=%s user=%s gateway=%s transport=%s env=%s\n",
					name,
					strings.TrimSpace(c.User),
					strings.TrimSpace(c.Gateway),
					strings.TrimSpace(c.Transport),
					strings.TrimSpace(c.Env),
				)
			}
			return nil
		},
	}
	return cmd
}

func effectiveConfigPath(cmd *cobra.Command) string {
	if cmd != nil {
		if f := cmd.Flags().Lookup("config"); f != nil {
			if v := strings.TrimSpace(f.Value.String()); v != "" {
				return v
			}
		}
	}
	return cliconfig.DefaultConfigPath()
}
