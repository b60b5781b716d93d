package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/nbgate/internal/fleet"
)

func newWorkersCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON  bool
		gpuOnly bool
		sortKey string
	)
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List fleet workers reachable through the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := opts.newService()
			if err != nil {
				return err
			}
			if err := connect(cmd.Context(), svc, opts); err != nil {
				return err
			}
			defer svc.Close()
			workers, err := svc.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			if gpuOnly {
				workers = fleet.FilterGPU(workers)
			}
			workers, err = fleet.Sorted(workers, fleet.SortKey(sortKey))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(workers)
			}
			return printWorkers(os.Stdout, workers)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print workers as JSON")
	cmd.Flags().BoolVar(&gpuOnly, "gpu", false, "only list workers with a GPU")
	cmd.Flags().StringVar(&sortKey, "sort", string(fleet.SortRAM), "sort by ram|cpu|load")
	return cmd
}

func printWorkers(w io.Writer, workers []fleet.Worker) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tCPU FREE\tLOAD\tCORES\tRAM FREE\tRAM TOTAL\tGPU\tUSER")
	for _, wk := range workers {
		gpu := "-"
		if wk.HasGPU {
			gpu = "yes"
		}
		user := wk.User
		if user == "" {
			user = "-"
		}
		fmt.Fprintf(tw, "%s\t%.1f%%\t%.2f\t%d\t%.1fG\t%.1fG\t%s\t%s\n",
			wk.Host, wk.CPUAvail, wk.Load, wk.CPUTotal, wk.RAMAvailGB, wk.RAMTotalGB, gpu, user)
	}
	return tw.Flush()
}
