package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nvsleepify/nvsleepify/pkg/procs"
)

var (
	// ErrCancelled means the caller (or the non-interactive policy)
	// declined to evict the processes holding the device. Not a system
	// error: nothing was touched.
	ErrCancelled = errors.New("transition cancelled")

	// ErrDeviceBusy means holders survived even force-termination. The
	// teardown stopped before module unload; unloading with live
	// handles can hang the kernel.
	ErrDeviceBusy = errors.New("device still held by processes")

	// ErrModuleBusy means a kernel module kept its references through
	// every unload retry. The device is left in its partial state; the
	// caller may retry the same target.
	ErrModuleBusy = errors.New("kernel module busy")

	// ErrSlotPowerUnsupported means the platform exposes no ACPI slot
	// power control. A hardware limitation; retrying cannot help.
	ErrSlotPowerUnsupported = errors.New("slot power control unsupported")

	// ErrRescanTimeout means the device did not reappear on the bus
	// within the rescan window. Retryable.
	ErrRescanTimeout = errors.New("device did not reappear after rescan")

	// ErrVerificationFailed means the final state query did not observe
	// the target state. The transition is not assumed to have
	// succeeded.
	ErrVerificationFailed = errors.New("transition verification failed")

	// ErrServicesDegraded means the device restore itself succeeded but
	// one or more dependent services failed to start. The device is
	// usable; the caller decides whether the degradation matters.
	ErrServicesDegraded = errors.New("service start failed")
)

// HoldersError carries the processes that blocked a transition, wrapped
// around ErrCancelled or ErrDeviceBusy.
type HoldersError struct {
	Holders []procs.ProcInfo
	Reason  error
}

func (e *HoldersError) Error() string {
	names := make([]string, len(e.Holders))
	for i, h := range e.Holders {
		names[i] = h.String()
	}
	return fmt.Sprintf("%v: %s", e.Reason, strings.Join(names, ", "))
}

func (e *HoldersError) Unwrap() error { return e.Reason }

// BlockingHolders extracts the holder list from a transition error, if
// it carries one.
func BlockingHolders(err error) []procs.ProcInfo {
	var he *HoldersError
	if errors.As(err, &he) {
		return he.Holders
	}
	return nil
}
