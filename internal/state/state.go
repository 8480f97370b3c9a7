// Package state implements C5, the State Store: a durable per-environment
// record of model fingerprints and last execution outcomes. Persisted as a
// self-describing YAML snapshot with atomic temp-file+rename replace
// semantics, grounded on the teacher's own goccy/go-yaml config
// marshalling idiom (config.go) and its temp-file+os.Rename atomic-replace
// pattern (cli/command_format.go, there used for in-place SQL formatting).
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/warehouseplan/core/internal/engerr"
)

// Status is the last recorded execution outcome for a model.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
)

// HighWatermarkKind disambiguates how to render a watermark back into SQL.
type HighWatermarkKind string

const (
	WatermarkNone         HighWatermarkKind = "none"
	WatermarkTimestamp    HighWatermarkKind = "timestamp"
	WatermarkSurrogateKey HighWatermarkKind = "surrogate_key"
)

// Entry is one model's persisted state within an environment.
type Entry struct {
	ModelName             string            `yaml:"model_name"`
	Fingerprint           string            `yaml:"fingerprint"`
	Status                Status            `yaml:"status"`
	LastSuccessFingerprint string           `yaml:"last_success_fingerprint,omitempty"`
	LastRunAt             time.Time         `yaml:"last_run_at"`
	HighWatermarkKind     HighWatermarkKind `yaml:"high_watermark_kind,omitempty"`
	HighWatermark         string            `yaml:"high_watermark,omitempty"`
	// LastRunID correlates this entry with one Executor.Run invocation,
	// for matching a model's persisted outcome back to its run logs.
	LastRunID string `yaml:"last_run_id,omitempty"`
}

// snapshot is the self-describing on-disk document for one environment.
// Unknown keys (from a newer or older engine version) are tolerated by
// goccy/go-yaml's default decode behaviour, satisfying the forward/
// backward-compatibility requirement of spec §6.
type snapshot struct {
	Version int              `yaml:"version"`
	Entries map[string]Entry `yaml:"entries"`
}

const currentVersion = 1

// Store is the State Store for one environment. The zero value is not
// usable; construct with Open.
type Store struct {
	mu   sync.RWMutex
	path string
	snap snapshot
}

// Open prepares a Store bound to path but does not read it; call Load to
// populate it (or start it empty — per spec §4.5, "On first run in an
// environment, the store is empty").
func Open(path string) *Store {
	return &Store{path: path, snap: snapshot{Version: currentVersion, Entries: map[string]Entry{}}}
}

// Load reads the snapshot file if it exists. A missing file is not an
// error: the store is simply empty, matching spec §4.5's first-run
// contract. A malformed file is a ConfigurationError.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.snap = snapshot{Version: currentVersion, Entries: map[string]Entry{}}
			return nil
		}

		return engerr.Wrap(engerr.KindConfigurationError, "state.Load", err)
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return engerr.Wrap(engerr.KindConfigurationError, "state.Load", err)
	}

	if snap.Entries == nil {
		snap.Entries = map[string]Entry{}
	}

	s.snap = snap

	return nil
}

// Get returns the Entry for name, or (Entry{}, false) when the model has
// never been recorded (the planner's "NEW" case).
func (s *Store) Get(name string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.snap.Entries[name]

	return e, ok
}

// All returns every recorded Entry, keyed by model name.
func (s *Store) All() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry, len(s.snap.Entries))
	for k, v := range s.snap.Entries {
		out[k] = v
	}

	return out
}

// Put upserts an Entry in memory. Callers must call Flush to persist it.
func (s *Store) Put(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.Entries == nil {
		s.snap.Entries = map[string]Entry{}
	}

	s.snap.Entries[e.ModelName] = e
}

// Delete removes an Entry (after a DELETE-batch drop attempt, whether or
// not the drop succeeded).
func (s *Store) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.snap.Entries, name)
}

// Flush persists the current in-memory snapshot atomically: write to a
// temp file in the same directory, then rename over the target. A crash
// between the write and the rename leaves the previous snapshot file
// completely intact, satisfying the "state atomicity" testable property
// (spec §8).
func (s *Store) Flush() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.snap)
	s.mu.RUnlock()

	if err != nil {
		return engerr.Wrap(engerr.KindConfigurationError, "state.Flush", err)
	}

	dir := filepath.Dir(s.path)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engerr.Wrap(engerr.KindConfigurationError, "state.Flush", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return engerr.Wrap(engerr.KindConfigurationError, "state.Flush", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return engerr.Wrap(engerr.KindConfigurationError, "state.Flush", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return engerr.Wrap(engerr.KindConfigurationError, "state.Flush", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return engerr.Wrap(engerr.KindConfigurationError, "state.Flush", fmt.Errorf("rename snapshot into place: %w", err))
	}

	return nil
}
