// Package conflict decides what to do about processes still holding the
// GPU before a teardown may proceed.
//
// The decision policy is deliberately asymmetric: an unattended trigger
// (boot restore, power-source switch, watchdog) never kills anything —
// it aborts. Only an interactive caller who explicitly confirmed the
// kill gets KillAndProceed.
package conflict

import (
	"context"

	"github.com/nvsleepify/nvsleepify/pkg/procs"
)

// Decision is the resolver's verdict, consumed once by the engine.
type Decision int

const (
	// Proceed means no holders are present; teardown may continue.
	Proceed Decision = iota

	// Abort means the transition must stop before any mutating step.
	Abort

	// KillAndProceed means the caller explicitly confirmed terminating
	// the holders; the engine performs the termination.
	KillAndProceed
)

// String returns a short name for the decision.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Abort:
		return "abort"
	case KillAndProceed:
		return "kill-and-proceed"
	default:
		return "invalid"
	}
}

// Prompter obtains an explicit choice from an interactive caller. It
// receives the holder list and returns true only if the caller confirmed
// killing them. A nil Prompter marks the request as non-interactive.
type Prompter func(ctx context.Context, holders []procs.ProcInfo) (bool, error)

// AlwaysConfirm is a Prompter that approves the kill without asking.
// Used when the caller already collected confirmation out of band (the
// CLI re-submits a request after its own prompt).
func AlwaysConfirm(ctx context.Context, holders []procs.ProcInfo) (bool, error) {
	return true, nil
}

// Resolve applies the conflict policy.
//
// No holders always yields Proceed. With holders present, a
// non-interactive request (nil prompter) yields Abort, and an
// interactive one yields whatever the caller chose. A prompter error is
// treated as a decline.
func Resolve(ctx context.Context, holders []procs.ProcInfo, prompter Prompter) (Decision, error) {
	if len(holders) == 0 {
		return Proceed, nil
	}
	if prompter == nil {
		return Abort, nil
	}

	confirmed, err := prompter(ctx, holders)
	if err != nil {
		return Abort, err
	}
	if !confirmed {
		return Abort, nil
	}
	return KillAndProceed, nil
}
