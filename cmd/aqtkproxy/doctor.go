package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/example/aquestalk-proxy/internal/doctor"
)

func newDoctorCmd() *cobra.Command {
	var probe string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that every voice under --path loads and synthesizes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			res := doctor.Run(doctor.Config{
				VoiceDir: cfg.Paths.VoiceDir,
				ProbeKoe: probe,
			}, cmd.OutOrStdout())
			if res.Failed() {
				return errors.New("doctor checks failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&probe, "probe", doctor.DefaultProbeKoe, "Koe synthesized with each voice")

	return cmd
}
