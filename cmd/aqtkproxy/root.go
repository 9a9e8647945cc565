package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/aquestalk-proxy/internal/aquestalk"
	"github.com/example/aquestalk-proxy/internal/config"
	"github.com/example/aquestalk-proxy/internal/observe"
	"github.com/example/aquestalk-proxy/internal/session"
)

var (
	cfgFile   string
	activeCfg config.Config
	cfgLoaded bool
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "aqtkproxy",
		Short: "AquesTalk synthesis proxy over stdio or TCP",
		Long: `aqtkproxy loads every voice under --path and answers line-delimited JSON
synthesis requests. Without a subcommand it serves one session on
stdin/stdout.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.Load(config.LoadOptions{
				Cmd:        cmd,
				ConfigFile: cfgFile,
				Defaults:   defaults,
			})
			if err != nil {
				return err
			}
			activeCfg = loaded
			cfgLoaded = true
			setupLogger(loaded.LogLevel)
			return nil
		},
		RunE: runStdio,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newStdioCmd())
	cmd.AddCommand(newTCPCmd())
	cmd.AddCommand(newSayCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newBenchCmd())

	return cmd
}

// setupLogger configures the process-wide slog default logger. Logs go to
// stderr; stdout carries protocol data in stdio mode.
func setupLogger(levelStr string) {
	lvl, err := config.ParseLogLevel(levelStr)
	if err != nil {
		lvl = slog.LevelInfo
	}
	h := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

func requireConfig() (config.Config, error) {
	if !cfgLoaded {
		return config.Config{}, fmt.Errorf("configuration not loaded")
	}
	return activeCfg, nil
}

// openEngine loads the voices under the configured directory. The caller
// must close the returned registry.
func openEngine(cfg config.Config, metrics *observe.Metrics) (*session.Engine, *aquestalk.Registry, error) {
	voices, err := aquestalk.LoadRegistry(cfg.Paths.VoiceDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load voices from %s: %w", cfg.Paths.VoiceDir, err)
	}

	log := slog.Default()
	if voices.Len() == 0 {
		log.Warn("no voices found", slog.String("path", cfg.Paths.VoiceDir))
	} else {
		log.Info("voices loaded",
			slog.String("path", cfg.Paths.VoiceDir),
			slog.Any("voices", voices.IDs()),
		)
	}

	engine := session.NewEngine(voices,
		session.WithLogger(log),
		session.WithMetrics(metrics),
	)
	return engine, voices, nil
}
