package supervisor

import (
	"context"
	"errors"

	"github.com/nvsleepify/nvsleepify/pkg/engine"
	"github.com/nvsleepify/nvsleepify/pkg/pci"
	"github.com/nvsleepify/nvsleepify/pkg/procs"
)

// Code is the outcome classification of a mode request. It is the value
// carried across the IPC boundary, so clients can react to specific
// failures (re-prompt on cancelled-with-holders, give up on unsupported
// hardware) without parsing messages.
type Code int

const (
	// CodeOK means the transition completed, or was a no-op because the
	// device was already in the target state.
	CodeOK Code = iota

	// CodeCancelled means holders blocked a non-interactive request, or
	// the caller declined the kill. Nothing was changed.
	CodeCancelled

	// CodeDeviceBusy means holders survived even force-termination.
	CodeDeviceBusy

	// CodeModuleBusy means a kernel module could not be unloaded.
	CodeModuleBusy

	// CodeSlotPowerUnsupported means the platform exposes no slot power
	// control for the device.
	CodeSlotPowerUnsupported

	// CodeRescanTimeout means the device did not reappear after a bus
	// rescan.
	CodeRescanTimeout

	// CodeVerificationFailed means the transition ran but the device did
	// not reach the target state.
	CodeVerificationFailed

	// CodeSysUnavailable means a required sysfs attribute was missing or
	// unreadable.
	CodeSysUnavailable

	// CodeInternal covers everything else.
	CodeInternal
)

// String returns the wire name of the code.
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeCancelled:
		return "cancelled"
	case CodeDeviceBusy:
		return "device-busy"
	case CodeModuleBusy:
		return "module-busy"
	case CodeSlotPowerUnsupported:
		return "slot-power-unsupported"
	case CodeRescanTimeout:
		return "rescan-timeout"
	case CodeVerificationFailed:
		return "verification-failed"
	case CodeSysUnavailable:
		return "sys-unavailable"
	default:
		return "internal"
	}
}

// Classify maps a transition error to its outcome code. A degraded
// startup (device restored, a dependent service failed to start) is
// still ok; the failure travels in the result message.
func Classify(err error) Code {
	switch {
	case err == nil, errors.Is(err, engine.ErrServicesDegraded):
		return CodeOK
	case errors.Is(err, engine.ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, engine.ErrDeviceBusy):
		return CodeDeviceBusy
	case errors.Is(err, engine.ErrModuleBusy):
		return CodeModuleBusy
	case errors.Is(err, engine.ErrSlotPowerUnsupported):
		return CodeSlotPowerUnsupported
	case errors.Is(err, engine.ErrRescanTimeout):
		return CodeRescanTimeout
	case errors.Is(err, engine.ErrVerificationFailed):
		return CodeVerificationFailed
	case errors.Is(err, pci.ErrSysUnavailable):
		return CodeSysUnavailable
	default:
		return CodeInternal
	}
}

// Result is the reply to a mode request.
type Result struct {
	// RequestID identifies the request this result answers.
	RequestID string

	// Code classifies the outcome.
	Code Code

	// Message is the underlying error text, empty on success.
	Message string

	// Holders lists the processes that blocked the transition, set only
	// with CodeCancelled or CodeDeviceBusy.
	Holders []procs.ProcInfo
}

func newResult(id string, err error) Result {
	res := Result{RequestID: id, Code: Classify(err)}
	if err != nil {
		res.Message = err.Error()
		res.Holders = engine.BlockingHolders(err)
	}
	return res
}
