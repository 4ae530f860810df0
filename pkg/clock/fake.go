package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a deterministic clock for tests. Time only moves when Advance
// is called; waiters whose deadlines are reached are released in
// deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time

	// period is non-zero for tickers, which re-arm after firing.
	period time.Duration
	done   bool
}

// NewFake creates a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns the duration since t in fake time.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Sleep blocks until the clock is advanced past the wake time.
func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// After returns a channel that receives once the clock has been advanced
// by at least d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), ch: ch})
	return ch
}

// NewTicker returns a ticker driven by Advance.
func (f *Fake) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("non-positive interval for NewTicker")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWaiter{deadline: f.now.Add(d), ch: make(chan time.Time, 1), period: d}
	f.waiters = append(f.waiters, w)
	return &fakeTicker{clock: f, w: w}
}

// Advance moves the clock forward by d, releasing every waiter whose
// deadline is reached, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		next := f.nextDeadlineLocked()
		if next == nil || next.deadline.After(target) {
			break
		}
		f.now = next.deadline
		f.fireLocked(next)
	}
	f.now = target
}

// Waiters returns the number of pending waiters. Tests use this to wait
// for a goroutine to block on the clock before advancing it.
func (f *Fake) Waiters() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, w := range f.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// BlockUntilWaiters polls until at least n waiters are registered. It is
// a test aid; it gives up after a second of real time.
func (f *Fake) BlockUntilWaiters(n int) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if f.Waiters() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func (f *Fake) nextDeadlineLocked() *fakeWaiter {
	var next *fakeWaiter
	for _, w := range f.waiters {
		if w.done {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) {
			next = w
		}
	}
	return next
}

func (f *Fake) fireLocked(w *fakeWaiter) {
	select {
	case w.ch <- f.now:
	default:
		// Ticker channel already holds an undelivered tick.
	}
	if w.period > 0 {
		w.deadline = w.deadline.Add(w.period)
	} else {
		w.done = true
	}
	f.compactLocked()
}

func (f *Fake) compactLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	f.waiters = live
	sort.SliceStable(f.waiters, func(i, j int) bool {
		return f.waiters[i].deadline.Before(f.waiters[j].deadline)
	})
}

type fakeTicker struct {
	clock *Fake
	w     *fakeWaiter
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.w.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.w.done = true
	t.clock.compactLocked()
}
