package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/aquestalk-proxy/internal/bench"
	"github.com/example/aquestalk-proxy/pkg/protocol"
)

func newBenchCmd() *cobra.Command {
	var (
		addr         string
		execBin      string
		voice        string
		koe          string
		speed        int
		runs         int
		concurrency  int
		format       string
		rtfThreshold float64
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure synthesis latency through a proxy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("unsupported --format %q (want table or json)", format)
			}

			synth, release, err := newTarget(cmd, cfg, addr, execBin)
			if err != nil {
				return err
			}
			defer release()

			results, err := bench.Run(cmd.Context(), synth, bench.Config{
				Voice:       voice,
				Koe:         koe,
				Speed:       speed,
				Runs:        runs,
				Concurrency: concurrency,
			})
			if err != nil {
				return err
			}

			stats := bench.ComputeStats(bench.Durations(results))
			if format == "json" {
				if err := bench.FormatJSON(results, stats, cmd.OutOrStdout()); err != nil {
					return err
				}
			} else {
				bench.FormatTable(results, stats, cmd.OutOrStdout())
			}

			return bench.CheckRTFThreshold(bench.MeanRTF(results), rtfThreshold)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address of a proxy running in tcp mode")
	cmd.Flags().StringVar(&execBin, "exec", "", "Proxy executable to spawn in stdio mode")
	cmd.Flags().StringVar(&voice, "type", protocol.DefaultType, "Voice id")
	cmd.Flags().StringVar(&koe, "koe", "ゆっくりしていってね", "Koe to synthesize")
	cmd.Flags().IntVar(&speed, "speed", protocol.DefaultSpeed, "Speed in percent")
	cmd.Flags().IntVar(&runs, "runs", 5, "Number of requests, including the cold one")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Requests in flight after the cold run")
	cmd.Flags().StringVar(&format, "format", "table", "Output format: table or json")
	cmd.Flags().Float64Var(&rtfThreshold, "rtf-threshold", 0, "Fail when mean RTF exceeds this value (0 = off)")

	return cmd
}
