package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/aquestalk-proxy/internal/server"
)

func newStdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve one session on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE:  runStdio,
	}
}

func runStdio(cmd *cobra.Command, _ []string) error {
	cfg, err := requireConfig()
	if err != nil {
		return err
	}

	engine, voices, err := openEngine(cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = voices.Close() }()

	stats, err := server.RunStdio(cmd.Context(), engine, cmd.InOrStdin(), cmd.OutOrStdout())
	slog.Debug("stdio session finished",
		slog.Int("requests", stats.Requests),
		slog.Int("failures", stats.Failures),
	)
	return err
}
