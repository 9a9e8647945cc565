package aquestalk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Registry maps voice ids to engines. It is built once and never mutated, so
// concurrent lookups need no locking.
type Registry struct {
	voices map[string]Engine
}

// NewRegistry builds a registry from an existing id → engine map.
func NewRegistry(voices map[string]Engine) *Registry {
	m := make(map[string]Engine, len(voices))
	for id, e := range voices {
		m[id] = e
	}
	return &Registry{voices: m}
}

// LoadRegistry scans dir for voice directories. Every immediate
// subdirectory is a voice id and must contain ArtifactName; the first voice
// that fails to load aborts the scan and unloads the ones already loaded.
func LoadRegistry(dir string) (*Registry, error) {
	return loadRegistry(dir, func(path string) (Engine, error) {
		return OpenVoice(path)
	})
}

func loadRegistry(dir string, open func(path string) (Engine, error)) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read voice directory: %w", err)
	}

	reg := &Registry{voices: make(map[string]Engine, len(entries))}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		id := entry.Name()
		path := filepath.Join(dir, id, ArtifactName)
		if _, err := os.Stat(path); err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("voice %q: %w", id, err)
		}

		engine, err := open(path)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("voice %q: %w", id, err)
		}
		reg.voices[id] = engine
	}

	return reg, nil
}

// Lookup returns the engine for id.
func (r *Registry) Lookup(id string) (Engine, bool) {
	e, ok := r.voices[id]
	return e, ok
}

// IDs returns the loaded voice ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.voices))
	for id := range r.voices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of loaded voices.
func (r *Registry) Len() int {
	return len(r.voices)
}

// Close releases every engine that holds native resources.
func (r *Registry) Close() error {
	var errs []error
	for id, e := range r.voices {
		c, ok := e.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close voice %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
