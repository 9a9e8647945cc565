// Package doctor provides environment preflight checks for aqtkproxy.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/example/aquestalk-proxy/internal/aquestalk"
	"github.com/example/aquestalk-proxy/internal/audio"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// DefaultProbeKoe is synthesized once per voice to prove the library works.
const DefaultProbeKoe = "てすと"

// OpenFunc loads the engine library at path.
type OpenFunc func(path string) (aquestalk.Engine, error)

// Config holds injectable dependencies for each doctor check.
type Config struct {
	// VoiceDir is the directory holding one subdirectory per voice.
	VoiceDir string
	// Open loads one voice library. Nil uses aquestalk.OpenVoice.
	Open OpenFunc
	// ProbeKoe is synthesized with every voice. Empty uses DefaultProbeKoe.
	ProbeKoe string
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
	voices   []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// Voices returns the ids of voices that passed every check.
func (r *Result) Voices() []string { return append([]string(nil), r.voices...) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

// Run executes all checks and writes human-readable output to w. Unlike
// aquestalk.LoadRegistry it keeps going after a broken voice, so every
// problem is reported at once.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	open := cfg.Open
	if open == nil {
		open = func(path string) (aquestalk.Engine, error) { return aquestalk.OpenVoice(path) }
	}
	koe := cfg.ProbeKoe
	if koe == "" {
		koe = DefaultProbeKoe
	}

	fmt.Fprintf(w, "%s platform: %s/%s (expects %s)\n", PassMark, runtime.GOOS, runtime.GOARCH, aquestalk.ArtifactName)

	// ---- voice directory --------------------------------------------------
	entries, err := os.ReadDir(cfg.VoiceDir)
	if err != nil {
		res.fail(fmt.Sprintf("voice directory %q: %v", cfg.VoiceDir, err))
		fmt.Fprintf(w, "%s voice directory %s: %v\n", FailMark, cfg.VoiceDir, err)
		return res
	}
	fmt.Fprintf(w, "%s voice directory: %s\n", PassMark, cfg.VoiceDir)

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		res.fail(fmt.Sprintf("voice directory %q: no voices", cfg.VoiceDir))
		fmt.Fprintf(w, "%s voices: none found\n", FailMark)
		return res
	}

	// ---- voices -----------------------------------------------------------
	for _, id := range ids {
		if err := checkVoice(filepath.Join(cfg.VoiceDir, id, aquestalk.ArtifactName), koe, open); err != nil {
			res.fail(fmt.Sprintf("voice %q: %v", id, err))
			fmt.Fprintf(w, "%s voice %s: %v\n", FailMark, id, err)
			continue
		}
		res.voices = append(res.voices, id)
		fmt.Fprintf(w, "%s voice: %s\n", PassMark, id)
	}

	return res
}

func checkVoice(path, koe string, open OpenFunc) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("library missing: %w", err)
	}

	engine, err := open(path)
	if err != nil {
		return err
	}
	if c, ok := engine.(io.Closer); ok {
		defer func() { _ = c.Close() }()
	}

	wav, err := engine.Synthe(koe, 100)
	if err != nil {
		return fmt.Errorf("probe synthesis: %w", err)
	}

	info, err := audio.Inspect(wav)
	if err != nil {
		return fmt.Errorf("probe output: %w", err)
	}
	if info.SampleRate != audio.EngineSampleRate || info.Channels != audio.EngineChannels {
		return fmt.Errorf("probe output is %d Hz/%d ch, want %d Hz/%d ch",
			info.SampleRate, info.Channels, audio.EngineSampleRate, audio.EngineChannels)
	}
	return nil
}
