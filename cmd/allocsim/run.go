package main

import (
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var (
	runWorkload    workload
	runStats       bool
	runDetailed    bool
	runMetricsFile string
)

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVarP(&runWorkload.Frames, "frames", "n", 120, "Number of frames to simulate")
	cmd.Flags().Uint64Var(&runWorkload.Latency, "latency", 2, "Frames the simulated GPU trails the CPU by")
	cmd.Flags().Int64Var(&runWorkload.Seed, "seed", 1, "Seed for the random workload")
	cmd.Flags().IntVar(&runWorkload.DeviceMemory, "device-memory", 0, "Bytes of device memory, 0 for unlimited")
	cmd.Flags().IntVar(&runWorkload.Uploads, "uploads", 32, "Upload buffers per frame")
	cmd.Flags().IntVar(&runWorkload.Buffers, "buffers", 8, "Default buffers per frame")
	cmd.Flags().IntVar(&runWorkload.Textures, "textures", 2, "Textures per frame")
	cmd.Flags().IntVar(&runWorkload.Constants, "constants", 64, "Constant buffers per frame")
	cmd.Flags().IntVar(&runWorkload.Transient, "transient", 64, "Transient allocations per frame")
	cmd.Flags().IntVar(&runWorkload.Lifetime, "lifetime", 30, "Largest number of frames a buffer or texture lives")
	cmd.Flags().BoolVar(&runStats, "stats", false, "Print the device statistics document before tearing down")
	cmd.Flags().BoolVar(&runDetailed, "detailed", false, "Include every allocator's block map in --stats")
	cmd.Flags().StringVar(&runMetricsFile, "metrics-file", "", "Write Prometheus metrics in text format to this file")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Simulate frames and report memory use",
		Long: `The run command simulates a number of frames against the allocators,
releases everything, waits for the simulated GPU to go idle and reports
how much memory the allocators held at peak and still retain.

Example:
  allocsim run --frames 300 --latency 3
  allocsim run --config gpumem.yaml --stats --detailed
  allocsim run --metrics-file gpumem.prom --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd, runWorkload)
		},
	}
	return cmd
}

func runSimulation(cmd *cobra.Command, w workload) (err error) {
	if w.Frames < 0 || w.Lifetime < 1 {
		return errors.Newf("frames must not be negative and lifetime must be at least 1, got %d and %d", w.Frames, w.Lifetime)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	sim, err := newSimulation(cmd.Context(), newLogger(cmd.ErrOrStderr()), cfg, w)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := sim.close(); closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()

	err = sim.run()
	if err != nil {
		return err
	}

	if runStats {
		fmt.Fprintln(cmd.OutOrStdout(), sim.dev.BuildStatsString(runDetailed))
	}

	err = sim.drain()
	if err != nil {
		return err
	}

	if runMetricsFile != "" {
		err = sim.writeMetrics(runMetricsFile)
		if err != nil {
			return errors.Wrapf(err, "failed to write metrics to %s", runMetricsFile)
		}
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), sim.summary)
	}
	printSummary(cmd.OutOrStdout(), sim.summary)
	return nil
}

func printSummary(w io.Writer, s summary) {
	fmt.Fprintf(w, "Frames:            %d\n", s.Frames)
	fmt.Fprintf(w, "Allocations:       %d (%d stand-alone)\n", s.Allocations, s.StandAlone)
	fmt.Fprintf(w, "Peak allocated:    %d bytes\n", s.PeakAllocated)
	fmt.Fprintf(w, "Retained:          %d bytes (%d unused)\n", s.Retained.TotalAllocated, s.Retained.TotalUnused)
	names := maps.Keys(s.Budgets)
	slices.Sort(names)
	for _, name := range names {
		budget := s.Budgets[name]
		fmt.Fprintf(w, "  %-18s %d blocks, %d bytes\n", name+":", budget.Statistics.BlockCount, budget.Usage)
	}
}
