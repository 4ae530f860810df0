package modestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// State is the durable record of the desired mode. It is read once at
// daemon startup to restore the prior policy and overwritten on every
// accepted mode change.
type State struct {
	Mode          Mode          `yaml:"mode"`
	LastAppliedAt time.Time     `yaml:"last_applied_at,omitempty"`
	RestoreDelay  time.Duration `yaml:"restore_delay,omitempty"`
}

// Store persists State to a single file, replacing it atomically so an
// unclean shutdown can never leave a torn record behind.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a Store backed by the given file path. The file does not
// need to exist yet.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the persisted state. A missing file yields the default
// state (standard mode) rather than an error, matching first-run
// behavior.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{Mode: ModeStandard}, nil
		}
		return State{}, fmt.Errorf("read state file: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("parse state file %s: %w", s.path, err)
	}
	return st, nil
}

// Save writes the state with an atomic replace: the record is written to
// a temporary file in the same directory and renamed over the old one.
func (s *Store) Save(st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
