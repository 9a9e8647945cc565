// Package config loads proxy settings from flags, AQTKPROXY_* environment
// variables, and an optional aqtkproxy.{yaml,toml,json} file, in that order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultListenAddr is the TCP address used when none is configured.
const DefaultListenAddr = "127.0.0.1:21569"

type Config struct {
	LogLevel string        `mapstructure:"log_level"`
	Paths    PathsConfig   `mapstructure:"paths"`
	TCP      TCPConfig     `mapstructure:"tcp"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

type PathsConfig struct {
	// VoiceDir holds one subdirectory per voice.
	VoiceDir string `mapstructure:"voice_dir"`
}

type TCPConfig struct {
	Listen  []string `mapstructure:"listen"`
	Threads int      `mapstructure:"threads"`
	// TimeoutMillis bounds each read; 0 disables it.
	TimeoutMillis int64 `mapstructure:"timeout"`
	// LimitBytes is the per-connection byte budget; 0 disables it.
	LimitBytes int64 `mapstructure:"limit"`
	// ShutdownTimeout is the drain period in seconds.
	ShutdownTimeout int `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	// Listen is the Prometheus endpoint address; empty disables it.
	Listen string `mapstructure:"listen"`
}

// ReadTimeout returns the per-read timeout as a duration.
func (c TCPConfig) ReadTimeout() time.Duration {
	return time.Duration(c.TimeoutMillis) * time.Millisecond
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Paths: PathsConfig{
			VoiceDir: "./aquestalk",
		},
		TCP: TCPConfig{
			Listen:          []string{DefaultListenAddr},
			Threads:         1,
			ShutdownTimeout: 30,
		},
	}
}

// RegisterFlags adds the flags shared by every command.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.StringP("path", "p", defaults.Paths.VoiceDir, "Directory containing one subdirectory per voice")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

// RegisterTCPFlags adds the socket-mode flags.
func RegisterTCPFlags(fs *pflag.FlagSet, defaults Config) {
	fs.StringSliceP("listen", "l", defaults.TCP.Listen, "Listen address (repeatable)")
	fs.IntP("threads", "n", defaults.TCP.Threads, "Number of sessions served concurrently")
	fs.Int64("timeout", defaults.TCP.TimeoutMillis, "Read timeout in milliseconds (0 = none)")
	fs.Int64("limit", defaults.TCP.LimitBytes, "Maximum bytes read per connection (0 = none)")
	fs.Int("shutdown-timeout", defaults.TCP.ShutdownTimeout, "Seconds to drain sessions on shutdown")
	fs.String("metrics-listen", defaults.Metrics.Listen, "Prometheus /metrics address (empty = disabled)")
}

// flagKeys maps config keys to the flags that set them.
var flagKeys = map[string]string{
	"log_level":            "log-level",
	"paths.voice_dir":      "path",
	"tcp.listen":           "listen",
	"tcp.threads":          "threads",
	"tcp.timeout":          "timeout",
	"tcp.limit":            "limit",
	"tcp.shutdown_timeout": "shutdown-timeout",
	"metrics.listen":       "metrics-listen",
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for key, name := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix("AQTKPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("aqtkproxy")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("paths.voice_dir", c.Paths.VoiceDir)
	v.SetDefault("tcp.listen", c.TCP.Listen)
	v.SetDefault("tcp.threads", c.TCP.Threads)
	v.SetDefault("tcp.timeout", c.TCP.TimeoutMillis)
	v.SetDefault("tcp.limit", c.TCP.LimitBytes)
	v.SetDefault("tcp.shutdown_timeout", c.TCP.ShutdownTimeout)
	v.SetDefault("metrics.listen", c.Metrics.Listen)
}

// Validate rejects settings the socket server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Paths.VoiceDir) == "" {
		errs = append(errs, errors.New("voice directory must not be empty"))
	}
	if len(c.TCP.Listen) == 0 {
		errs = append(errs, errors.New("at least one listen address is required"))
	}
	if c.TCP.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be at least 1, got %d", c.TCP.Threads))
	}
	if c.TCP.TimeoutMillis < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %d", c.TCP.TimeoutMillis))
	}
	if c.TCP.LimitBytes < 0 {
		errs = append(errs, fmt.Errorf("limit must not be negative, got %d", c.TCP.LimitBytes))
	}
	return errors.Join(errs...)
}

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}
