// Package bench measures synthesis latency through a running proxy.
package bench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/aquestalk-proxy/internal/audio"
	"github.com/example/aquestalk-proxy/pkg/client"
)

// ---------------------------------------------------------------------------
// Run result and stats
// ---------------------------------------------------------------------------

// RunResult holds the timing and audio metadata for a single synthesis run.
type RunResult struct {
	Index       int
	Cold        bool // true for the first run (cold-start)
	Duration    time.Duration
	WAVDuration time.Duration
	RTF         float64
}

// Stats holds aggregate timing statistics across all runs.
type Stats struct {
	Min  time.Duration
	Max  time.Duration
	Mean time.Duration
}

// ComputeStats calculates min, max and mean over a slice of durations.
func ComputeStats(durations []time.Duration) Stats {
	if len(durations) == 0 {
		return Stats{}
	}
	mn, mx := durations[0], durations[0]
	var sum time.Duration
	for _, d := range durations {
		if d < mn {
			mn = d
		}
		if d > mx {
			mx = d
		}
		sum += d
	}
	return Stats{
		Min:  mn,
		Max:  mx,
		Mean: sum / time.Duration(len(durations)),
	}
}

// Durations returns the synthesis durations of runs, in order.
func Durations(runs []RunResult) []time.Duration {
	out := make([]time.Duration, len(runs))
	for i, r := range runs {
		out[i] = r.Duration
	}
	return out
}

// MeanRTF averages the RTF of runs.
func MeanRTF(runs []RunResult) float64 {
	if len(runs) == 0 {
		return 0
	}
	var sum float64
	for _, r := range runs {
		sum += r.RTF
	}
	return sum / float64(len(runs))
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// Config describes one benchmark.
type Config struct {
	Voice string
	Koe   string
	Speed int
	// Runs is the total number of requests, including the cold one.
	Runs int
	// Concurrency bounds in-flight requests after the cold run. Values
	// below 1 mean sequential.
	Concurrency int
}

// Run sends cfg.Runs identical requests through target. The first request
// runs alone and is marked cold; the rest run with up to cfg.Concurrency in
// flight. Results are returned in index order. Any failed request aborts the
// benchmark.
func Run(ctx context.Context, target client.Synthesizer, cfg Config) ([]RunResult, error) {
	if cfg.Runs < 1 {
		return nil, errors.New("runs must be at least 1")
	}
	limit := max(cfg.Concurrency, 1)

	results := make([]RunResult, cfg.Runs)

	once := func(ctx context.Context, i int) error {
		start := time.Now()
		wav, err := target.Synthe(ctx, cfg.Voice, cfg.Koe, cfg.Speed)
		elapsed := time.Since(start)
		if err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}

		info, err := audio.Inspect(wav)
		if err != nil {
			return fmt.Errorf("run %d: %w", i+1, err)
		}

		results[i] = RunResult{
			Index:       i,
			Cold:        i == 0,
			Duration:    elapsed,
			WAVDuration: info.Duration,
			RTF:         CalcRTF(elapsed, info.Duration),
		}
		return nil
	}

	if err := once(ctx, 0); err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 1; i < cfg.Runs; i++ {
		g.Go(func() error { return once(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// ---------------------------------------------------------------------------
// RTF helpers
// ---------------------------------------------------------------------------

// CalcRTF returns synthesis_duration / audio_duration.
// Returns 0 if audioDur is zero to avoid division by zero.
func CalcRTF(synthDur, audioDur time.Duration) float64 {
	if audioDur <= 0 {
		return 0
	}
	return float64(synthDur) / float64(audioDur)
}

// CheckRTFThreshold returns an error if meanRTF > threshold.
// A threshold of 0 disables the gate.
func CheckRTFThreshold(meanRTF, threshold float64) error {
	if threshold <= 0 {
		return nil
	}
	if meanRTF > threshold {
		return fmt.Errorf("mean RTF %.3f exceeds threshold %.3f", meanRTF, threshold)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Output formatters
// ---------------------------------------------------------------------------

// FormatTable writes a human-readable ASCII table of bench results to w.
func FormatTable(runs []RunResult, stats Stats, w io.Writer) {
	sb := &strings.Builder{}

	fmt.Fprintf(sb, "%-5s  %-5s  %10s  %12s  %8s\n", "Run", "Cold", "MS", "Audio(ms)", "RTF")
	fmt.Fprintln(sb, strings.Repeat("-", 48))

	for _, r := range runs {
		cold := ""
		if r.Cold {
			cold = "yes"
		}
		fmt.Fprintf(sb, "%-5d  %-5s  %10.1f  %12.1f  %8.3f\n",
			r.Index+1,
			cold,
			ms(r.Duration),
			ms(r.WAVDuration),
			r.RTF,
		)
	}

	fmt.Fprintln(sb, strings.Repeat("-", 48))
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %12s  %8s  (min)\n", "", "", ms(stats.Min), "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %12s  %8s  (mean)\n", "", "", ms(stats.Mean), "", "")
	fmt.Fprintf(sb, "%-5s  %-5s  %10.1f  %12s  %8s  (max)\n", "", "", ms(stats.Max), "", "")

	fmt.Fprint(w, sb.String())
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type jsonReport struct {
	Runs  []jsonRun `json:"runs"`
	Stats jsonStats `json:"stats"`
}

type jsonRun struct {
	Index      int     `json:"index"`
	Cold       bool    `json:"cold"`
	DurationMS float64 `json:"duration_ms"`
	AudioMS    float64 `json:"audio_ms"`
	RTF        float64 `json:"rtf"`
}

type jsonStats struct {
	MinMS  float64 `json:"min_ms"`
	MeanMS float64 `json:"mean_ms"`
	MaxMS  float64 `json:"max_ms"`
}

// FormatJSON writes a JSON report of bench results to w.
func FormatJSON(runs []RunResult, stats Stats, w io.Writer) error {
	jr := jsonReport{
		Runs: make([]jsonRun, len(runs)),
		Stats: jsonStats{
			MinMS:  ms(stats.Min),
			MeanMS: ms(stats.Mean),
			MaxMS:  ms(stats.Max),
		},
	}
	for i, r := range runs {
		jr.Runs[i] = jsonRun{
			Index:      r.Index,
			Cold:       r.Cold,
			DurationMS: ms(r.Duration),
			AudioMS:    ms(r.WAVDuration),
			RTF:        r.RTF,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jr)
}
