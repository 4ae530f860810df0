package kmod

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Manager for tests. It records call order and can
// report a module busy for a configured number of attempts.
type Fake struct {
	mu sync.Mutex

	// BusyFor maps module name to the number of Unload attempts that
	// fail with ErrBusy before succeeding.
	BusyFor map[string]int

	// LoadErr maps module name to a load failure.
	LoadErr map[string]error

	Unloaded []string
	Loaded   []string

	attempts map[string]int
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{attempts: make(map[string]int)}
}

func (f *Fake) Unload(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[name]++
	if remaining := f.BusyFor[name]; remaining > 0 {
		f.BusyFor[name]--
		return fmt.Errorf("unload %s: %w", name, ErrBusy)
	}
	f.Unloaded = append(f.Unloaded, name)
	return nil
}

func (f *Fake) Load(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.LoadErr[name]; err != nil {
		return err
	}
	f.Loaded = append(f.Loaded, name)
	return nil
}

// UnloadAttempts returns how many Unload calls were made for name.
func (f *Fake) UnloadAttempts(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}
