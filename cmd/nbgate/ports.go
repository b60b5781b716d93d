package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/nbgate/internal/ports"
)

func newPortsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "Inspect and reclaim local tunnel ports",
	}
	broker := func() *ports.Broker {
		return ports.NewBroker(ports.Options{Logger: opts.logger.With("component", "ports")})
	}

	var width int
	check := &cobra.Command{
		Use:   "check [PORT]",
		Short: "Show who holds a port (or the tunnel port range)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				port, err := parsePort(args[0])
				if err != nil {
					return err
				}
				printUsage(os.Stdout, broker().Analyze(cmd.Context(), port))
				return nil
			}
			base := opts.profile.LocalPort
			busy := broker().Scan(cmd.Context(), base, width)
			if len(busy) == 0 {
				fmt.Fprintf(os.Stdout, "ports %d..%d are free\n", base, base+width-1)
			}
			for _, u := range busy {
				printUsage(os.Stdout, u)
			}
			return nil
		},
	}
	check.Flags().IntVar(&width, "width", 3, "number of ports to scan from the configured local port")

	var attempts int
	free := &cobra.Command{
		Use:   "free [START]",
		Short: "Print the first free port at or above START",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := opts.profile.LocalPort
			if len(args) == 1 {
				p, err := parsePort(args[0])
				if err != nil {
					return err
				}
				start = p
			}
			port, err := broker().FindFree(cmd.Context(), start, attempts)
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, port)
			return nil
		},
	}
	free.Flags().IntVar(&attempts, "attempts", ports.DefaultFindAttempts, "number of consecutive ports to try")

	var timeout time.Duration
	reclaim := &cobra.Command{
		Use:   "reclaim PORT",
		Short: "Stop stale tunnels or notebook servers holding PORT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}
			warnings, err := broker().Reclaim(cmd.Context(), port, timeout)
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "warning: %s\n", w)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "port %d is free\n", port)
			return nil
		},
	}
	reclaim.Flags().DurationVar(&timeout, "timeout", ports.DefaultReclaimWindow, "how long to wait for the port to free up")

	cmd.AddCommand(check, free, reclaim)
	return cmd
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

func printUsage(w io.Writer, u ports.Usage) {
	if u.Free {
		fmt.Fprintf(w, "port=%d free=true\n", u.Port)
		return
	}
	fmt.Fprintf(w, "port=%d free=false process=%s pid=%d state=%s browser=%t\n",
		u.Port, u.ProcessName, u.PID, u.State, u.BrowserLikely)
}
