package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/nbgate/internal/eventlog"
	"github.com/antonkrylov/nbgate/internal/fleet"
	"github.com/antonkrylov/nbgate/internal/orchestrator"
	"github.com/antonkrylov/nbgate/internal/session"
)

const eventPollInterval = time.Second

func newStartCmd(opts *rootOptions) *cobra.Command {
	var (
		worker string
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a notebook server on a worker and tunnel it to a local port",
		Long: "Start logs in to the gateway, hops to a worker, activates the environment, launches the\n" +
			"notebook server and forwards it to a local port. Lines typed on stdin are sent to the\n" +
			"worker shell. Interrupt (Ctrl-C) stops the tunnel and the server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, err := opts.newService()
			if err != nil {
				return err
			}
			if err := connect(ctx, svc, opts); err != nil {
				return err
			}
			defer shutdown(svc)

			if worker == "" {
				workers, err := svc.ListWorkers(ctx)
				if err != nil {
					return err
				}
				best, ok := fleet.Best(workers)
				if !ok {
					return fmt.Errorf("no workers available")
				}
				worker = best.Host
				fmt.Fprintf(os.Stderr, "selected worker %s (%.1fG RAM free)\n", best.Host, best.RAMAvailGB)
			}

			p := opts.profile
			tk := svc.StartSession(worker, p.Env, p.Dir)
			printer := &eventPrinter{w: os.Stderr}
			if !awaitRun(ctx, svc, tk.Done(), printer) {
				return nil
			}
			res, runErr, _ := tk.Result()
			if runErr != nil {
				return runErr
			}
			printResult(os.Stdout, res)

			printer.quietOutput = !follow
			lines := readLines(os.Stdin)
			ticker := time.NewTicker(eventPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					printer.flush(svc)
					return nil
				case line, ok := <-lines:
					if !ok {
						lines = nil
						continue
					}
					if strings.TrimSpace(line) != "" {
						svc.SendCommand(line)
					}
				case <-ticker.C:
					printer.flush(svc)
					if !svc.ActiveTunnel() {
						fmt.Fprintln(os.Stderr, "tunnel is no longer running")
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&worker, "worker", "w", "", "worker host (default: the worker with the most free RAM)")
	cmd.Flags().StringVarP(&opts.flags.Env, "env", "e", "", "conda environment to activate (empty skips activation)")
	cmd.Flags().StringVarP(&opts.flags.Dir, "dir", "d", "", "remote working directory (empty stays in home)")
	cmd.Flags().IntVarP(&opts.flags.LocalPort, "local-port", "l", 0, "preferred local port (default 8888)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", true, "keep printing notebook server output after the URL is ready")
	return cmd
}

// awaitRun prints events until the run finishes. It reports false when ctx was
// cancelled first.
func awaitRun(ctx context.Context, svc *session.Service, done <-chan struct{}, printer *eventPrinter) bool {
	ticker := time.NewTicker(eventPollInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			printer.flush(svc)
			return false
		case <-done:
			printer.flush(svc)
			return true
		case <-ticker.C:
			printer.flush(svc)
		}
	}
}

func shutdown(svc *session.Service) {
	rep, _ := svc.Disconnect().Wait(context.Background())
	for _, w := range rep.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if len(rep.BrowserHeld) > 0 {
		fmt.Fprintf(os.Stderr, "ports still held by browser tabs: %v (close those tabs)\n", rep.BrowserHeld)
	}
	_ = svc.Logout()
}

func printResult(w io.Writer, res orchestrator.Result) {
	fmt.Fprintf(w, "worker=%s\n", res.Worker)
	fmt.Fprintf(w, "local_port=%d\n", res.LocalPort)
	fmt.Fprintf(w, "remote_port=%d\n", res.RemotePort)
	fmt.Fprintf(w, "url=%s\n", res.URL)
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "warning=%s\n", warn)
	}
}

func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

type eventPrinter struct {
	w           io.Writer
	last        uint64
	quietOutput bool
}

func (p *eventPrinter) flush(svc *session.Service) {
	for _, ev := range svc.EventsSince(p.last) {
		p.last = ev.Seq
		if p.quietOutput && ev.Kind == eventlog.KindOutput {
			continue
		}
		fmt.Fprintln(p.w, formatEvent(ev))
	}
}

func formatEvent(ev eventlog.Event) string {
	prefix := ""
	switch ev.Kind {
	case eventlog.KindSuccess:
		prefix = "ok "
	case eventlog.KindWarning:
		prefix = "warn "
	case eventlog.KindError:
		prefix = "error "
	}
	return fmt.Sprintf("%s %s%s", ev.Time.Format("15:04:05"), prefix, ev.Message)
}
