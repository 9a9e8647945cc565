package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/aquestalk-proxy/internal/config"
	"github.com/example/aquestalk-proxy/internal/observe"
	"github.com/example/aquestalk-proxy/internal/server"
)

func newTCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tcp",
		Short: "Serve sessions on TCP connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var metrics *observe.Metrics
			if cfg.Metrics.Listen != "" {
				m, shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
				if err != nil {
					return err
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdown(shutdownCtx)
				}()
				metrics = m
			}

			engine, voices, err := openEngine(cfg, metrics)
			if err != nil {
				return err
			}
			defer func() { _ = voices.Close() }()

			srv := server.New(engine, cfg.TCP.Listen,
				server.WithThreads(cfg.TCP.Threads),
				server.WithReadTimeout(cfg.TCP.ReadTimeout()),
				server.WithLimit(cfg.TCP.LimitBytes),
				server.WithShutdownTimeout(time.Duration(cfg.TCP.ShutdownTimeout)*time.Second),
				server.WithLogger(slog.Default()),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Start(gctx) })
			if cfg.Metrics.Listen != "" {
				g.Go(func() error { return observe.Serve(gctx, cfg.Metrics.Listen, slog.Default()) })
			}
			return g.Wait()
		},
	}

	config.RegisterTCPFlags(cmd.Flags(), config.DefaultConfig())

	return cmd
}
