// Package procs enumerates and terminates the processes holding the
// GPU's device nodes open. A device with live handles must never have
// its modules unloaded, so the engine consults this package before any
// teardown.
package procs

import (
	"context"
	"fmt"
	"strings"
)

// ProcInfo identifies one process holding the device.
type ProcInfo struct {
	PID  int32
	Name string
}

// String formats the process for logs and prompts.
func (p ProcInfo) String() string {
	return fmt.Sprintf("%s (pid %d)", p.Name, p.PID)
}

// Manager is the process-enumeration and signalling boundary.
type Manager interface {
	// Holders returns the processes with open handles on any of the
	// given device nodes or on the NVIDIA character devices.
	Holders(ctx context.Context, nodes []string) ([]ProcInfo, error)

	// Terminate sends a graceful termination signal.
	Terminate(ctx context.Context, pid int32) error

	// Kill force-terminates the process.
	Kill(ctx context.Context, pid int32) error
}

// nvidiaDevPrefix matches the driver's character devices
// (/dev/nvidia0, /dev/nvidiactl, /dev/nvidia-uvm, ...), which are
// relevant holders regardless of the DRM node list.
const nvidiaDevPrefix = "/dev/nvidia"

// holdsDevice reports whether an open file path refers to one of the
// managed device nodes.
func holdsDevice(path string, nodes map[string]struct{}) bool {
	if strings.HasPrefix(path, nvidiaDevPrefix) {
		return true
	}
	_, ok := nodes[path]
	return ok
}

func nodeSet(nodes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	return set
}
