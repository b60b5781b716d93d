package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cliconfig "github.com/antonkrylov/nbgate/internal/cli/config"
)

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and switch saved gateway contexts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "view",
		Short: "Print the config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cliconfig.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("no config at %s (run nbgate login --save)", opts.configPath)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "use-context NAME",
		Short: "Make NAME the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cliconfig.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg == nil {
				return fmt.Errorf("no config at %s", opts.configPath)
			}
			if err := cfg.UseContext(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(opts.configPath); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "switched to context %q\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "get-contexts",
		Short: "List context names",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := cliconfig.Load(opts.configPath)
			if err != nil || cfg == nil {
				return err
			}
			for _, name := range cfg.Names() {
				marker := " "
				if name == cfg.CurrentContext {
					marker = "*"
				}
				fmt.Fprintf(os.Stdout, "%s %s\n", marker, name)
			}
			return nil
		},
	})
	return cmd
}
