package services

import (
	"context"
	"sync"
)

// Fake is an in-memory Manager for tests, recording stop/start order.
type Fake struct {
	mu sync.Mutex

	// StopErr and StartErr map unit names to injected failures.
	StopErr  map[string]error
	StartErr map[string]error

	Stopped []string
	Started []string
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Stop(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StopErr[unit]; err != nil {
		return err
	}
	f.Stopped = append(f.Stopped, unit)
	return nil
}

func (f *Fake) Start(ctx context.Context, unit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.StartErr[unit]; err != nil {
		return err
	}
	f.Started = append(f.Started, unit)
	return nil
}

func (f *Fake) Close() error { return nil }
