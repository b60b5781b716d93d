package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/nbgate/internal/session"
)

const loginTimeout = 30 * time.Second

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify the gateway login and optionally save it as a context",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.profile.RequireLogin(); err != nil {
				return err
			}
			svc, err := opts.newService()
			if err != nil {
				return err
			}
			if err := connect(cmd.Context(), svc, opts); err != nil {
				return err
			}
			defer svc.Close()
			fmt.Fprintf(os.Stdout, "connected to %s\n", opts.profile.Gateway.Address())
			if save {
				name, err := opts.profile.SaveContext()
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "saved context %q to %s\n", name, opts.profile.ConfigPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "save the login as a context and make it current")
	return cmd
}

// connect logs in with the resolved profile, bounded by loginTimeout.
func connect(ctx context.Context, svc *session.Service, opts *rootOptions) error {
	if err := opts.profile.RequireLogin(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	return svc.LoginWith(ctx, opts.profile.Gateway)
}
