package procs

import (
	"context"
	"sync"
)

// Fake is an in-memory Manager for tests. Holder sets are scripted as a
// sequence: each Holders call consumes the next set, and the last set
// repeats once the script is exhausted.
type Fake struct {
	mu sync.Mutex

	script [][]ProcInfo
	calls  int

	// Terminated and Killed record the signals issued, in order.
	Terminated []int32
	Killed     []int32

	// TerminateRemoves lists PIDs that a graceful terminate actually
	// removes; PIDs not listed survive until killed. Nil means
	// terminate removes every PID.
	TerminateRemoves map[int32]bool

	// KillRemoves lists PIDs that a force-kill removes. Nil means kill
	// removes every PID; an empty non-nil map models an unkillable
	// holder (e.g. stuck in uninterruptible sleep).
	KillRemoves map[int32]bool
}

// NewFake creates a Fake whose Holders calls replay the given sets.
func NewFake(script ...[]ProcInfo) *Fake {
	return &Fake{script: script}
}

func (f *Fake) Holders(ctx context.Context, nodes []string) ([]ProcInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.script) == 0 {
		return nil, nil
	}
	idx := f.calls
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	f.calls++

	current := f.script[idx]
	out := make([]ProcInfo, 0, len(current))
	for _, p := range current {
		if f.removed(p.PID) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) removed(pid int32) bool {
	for _, k := range f.Killed {
		if k != pid {
			continue
		}
		if f.KillRemoves == nil || f.KillRemoves[pid] {
			return true
		}
	}
	for _, t := range f.Terminated {
		if t != pid {
			continue
		}
		if f.TerminateRemoves == nil || f.TerminateRemoves[pid] {
			return true
		}
	}
	return false
}

func (f *Fake) Terminate(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Terminated = append(f.Terminated, pid)
	return nil
}

func (f *Fake) Kill(ctx context.Context, pid int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Killed = append(f.Killed, pid)
	return nil
}

// HolderCalls returns how many times Holders was queried.
func (f *Fake) HolderCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
