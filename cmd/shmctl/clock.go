//go:build unix

package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/srediag/shmtransport/pkg/timestamp"
)

var clockSamples int

func init() {
	cmd := newClockCmd()
	cmd.Flags().IntVar(&clockSamples, "samples", 1000, "Stamps taken to measure the clock")
	rootCmd.AddCommand(cmd)
}

func newClockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clock",
		Short: "Report on the process clock",
		Long: `The clock command prints the backing of the timestamp source, its tick
rate and resolution, and the process creation anchor.

SHM_NO_HIRES_TIMER=1 forces the 32-bit interval clock.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			src := timestamp.NewSource(cfg.TimestampOptions(log))
			return runClock(cmd.OutOrStdout(), src, clockSamples)
		},
	}
}

func runClock(out io.Writer, src *timestamp.Source, samples int) error {
	if samples < 1 {
		samples = 1
	}
	start := src.Now()
	prev := start
	var smallest timestamp.Duration
	for i := 0; i < samples; i++ {
		now := src.Now()
		if d := now.Sub(prev); d > 0 && (smallest == 0 || d < smallest) {
			smallest = d
		}
		prev = now
	}
	creation, inconsistent := src.ProcessCreation()

	fmt.Fprintf(out, "high resolution: %t\n", src.HighResolution())
	fmt.Fprintf(out, "ticks per second: %d\n", src.TicksPerSecond())
	fmt.Fprintf(out, "resolution: %s\n", src.ToDuration(src.Resolution()))
	fmt.Fprintf(out, "smallest step: %s\n", src.ToDuration(smallest))
	fmt.Fprintf(out, "sampling took: %s\n", src.ToDuration(src.Since(start)))
	fmt.Fprintf(out, "process age: %s\n", src.ToDuration(src.Since(creation)))
	fmt.Fprintf(out, "creation inconsistent: %t\n", inconsistent)
	return nil
}
