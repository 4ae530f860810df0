package clock

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	c := Real()
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestRealClock_After(t *testing.T) {
	c := Real()
	start := time.Now()
	<-c.After(20 * time.Millisecond)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("After() took %v, want >= 20ms", elapsed)
	}
}

func TestFake_AdvanceReleasesAfter(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)

	ch := f.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatal("After fired before Advance")
	default:
	}

	f.Advance(5 * time.Second)

	select {
	case got := <-ch:
		want := start.Add(5 * time.Second)
		if !got.Equal(want) {
			t.Errorf("fired at %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire after Advance")
	}
}

func TestFake_AdvancePartial(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ch := f.After(10 * time.Second)

	f.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	f.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("did not fire at deadline")
	}
}

func TestFake_TickerRepeats(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		f.Advance(time.Second)
		select {
		case <-ticker.C():
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}
}

func TestFake_TickerStop(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ticker := f.NewTicker(time.Second)
	ticker.Stop()

	f.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFake_SleepBlocksUntilAdvance(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	done := make(chan struct{})

	go func() {
		f.Sleep(3 * time.Second)
		close(done)
	}()

	if !f.BlockUntilWaiters(1) {
		t.Fatal("sleeper never registered")
	}
	f.Advance(3 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}

func TestFake_WaitersOrdering(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	first := f.After(time.Second)
	second := f.After(2 * time.Second)

	f.Advance(90 * time.Minute)

	t1 := <-first
	t2 := <-second
	if !t1.Before(t2) {
		t.Errorf("waiters released out of order: %v then %v", t1, t2)
	}
}
