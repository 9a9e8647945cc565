package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/aquestalk-proxy/internal/audio"
	"github.com/example/aquestalk-proxy/internal/config"
	"github.com/example/aquestalk-proxy/pkg/client"
	"github.com/example/aquestalk-proxy/pkg/protocol"
)

func newSayCmd() *cobra.Command {
	var (
		addr    string
		execBin string
		voice   string
		speed   int
		out     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "say [koe]",
		Short: "Send one request to a proxy and write the WAV",
		Long: `say sends one synthesis request to a running proxy (--addr) or to a proxy
it spawns in stdio mode (--exec). The koe is taken from the argument or
read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			koe, err := readKoe(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			synth, release, err := newTarget(cmd, cfg, addr, execBin)
			if err != nil {
				return err
			}
			defer release()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			wav, err := synth.Synthe(ctx, voice, koe, speed)
			if err != nil {
				return err
			}

			if err := writeOutput(out, wav, cmd.OutOrStdout()); err != nil {
				return err
			}

			info, err := audio.Inspect(wav)
			if err != nil {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes (not a parseable WAV: %v)\n", len(wav), err)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes, %.2fs at %d Hz\n",
				len(wav), info.Duration.Seconds(), info.SampleRate)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address of a proxy running in tcp mode")
	cmd.Flags().StringVar(&execBin, "exec", "", "Proxy executable to spawn in stdio mode")
	cmd.Flags().StringVar(&voice, "type", protocol.DefaultType, "Voice id")
	cmd.Flags().IntVar(&speed, "speed", protocol.DefaultSpeed, "Speed in percent")
	cmd.Flags().StringVarP(&out, "out", "o", "out.wav", "Output WAV path or '-' for stdout")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout (0 = none)")

	return cmd
}

// newTarget picks the proxy addressed by --addr or --exec. The release func
// stops a spawned proxy.
func newTarget(cmd *cobra.Command, cfg config.Config, addr, execBin string) (client.Synthesizer, func(), error) {
	switch {
	case addr != "" && execBin != "":
		return nil, nil, errors.New("--addr and --exec are mutually exclusive")
	case addr != "":
		return &client.TCPClient{Addr: addr}, func() {}, nil
	case execBin != "":
		ec := &client.ExecClient{
			Path:   execBin,
			Args:   []string{"--path", cfg.Paths.VoiceDir, "--log-level", cfg.LogLevel, "stdio"},
			Stderr: cmd.ErrOrStderr(),
		}
		return ec, func() { _ = ec.Close() }, nil
	default:
		return nil, nil, errors.New("either --addr or --exec is required")
	}
}

func readKoe(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		return args[0], nil
	}

	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	koe := strings.TrimSpace(string(b))
	if koe == "" {
		return "", errors.New("either pass koe as an argument or pipe it on stdin")
	}
	return koe, nil
}

func writeOutput(outPath string, wav []byte, stdout io.Writer) error {
	if outPath == "-" {
		_, err := stdout.Write(wav)
		return err
	}
	return os.WriteFile(outPath, wav, 0o644)
}
