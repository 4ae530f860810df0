package powersource

import (
	"context"
	"sync"
)

// Fake is an in-memory Monitor for tests. Set drives both the current
// value and the change channel.
type Fake struct {
	mu        sync.Mutex
	onBattery bool
	subs      []chan bool
}

// NewFake creates a Fake with the given initial source.
func NewFake(onBattery bool) *Fake {
	return &Fake{onBattery: onBattery}
}

// Set changes the power source and notifies subscribers.
func (f *Fake) Set(onBattery bool) {
	f.mu.Lock()
	if f.onBattery == onBattery {
		f.mu.Unlock()
		return
	}
	f.onBattery = onBattery
	subs := append([]chan bool(nil), f.subs...)
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- onBattery
	}
}

func (f *Fake) OnBattery(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onBattery, nil
}

func (f *Fake) Changes(ctx context.Context) (<-chan bool, error) {
	ch := make(chan bool, 16)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		for i, sub := range f.subs {
			if sub == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
