package procs

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// System is the production Manager, backed by gopsutil's process
// enumeration (which reads /proc/<pid>/fd on Linux).
type System struct {
	// ignoreNames are process names never reported as holders. The
	// managed services show up with device handles but are stopped
	// through the service manager, not killed.
	ignoreNames map[string]struct{}
}

// NewSystem creates a System manager. Processes whose name appears in
// ignore are excluded from holder reports.
func NewSystem(ignore []string) *System {
	names := make(map[string]struct{}, len(ignore))
	for _, n := range ignore {
		names[n] = struct{}{}
	}
	return &System{ignoreNames: names}
}

// Holders scans every process's open files for handles on the device
// nodes. Processes that cannot be inspected (already gone, or not ours
// to read) are skipped; a holder report is best-effort by nature since
// the process table moves underneath the scan.
func (s *System) Holders(ctx context.Context, nodes []string) ([]ProcInfo, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	set := nodeSet(nodes)
	self := int32(os.Getpid())

	var holders []ProcInfo
	for _, p := range all {
		if p.Pid == self {
			continue
		}
		openFiles, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			continue
		}

		holds := false
		for _, f := range openFiles {
			if holdsDevice(f.Path, set) {
				holds = true
				break
			}
		}
		if !holds {
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil {
			name = "?"
		}
		if _, ignored := s.ignoreNames[name]; ignored {
			continue
		}
		holders = append(holders, ProcInfo{PID: p.Pid, Name: name})
	}

	sort.Slice(holders, func(i, j int) bool { return holders[i].PID < holders[j].PID })
	return holders, nil
}

// Terminate sends SIGTERM.
func (s *System) Terminate(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		// Already gone.
		return nil
	}
	return p.TerminateWithContext(ctx)
}

// Kill sends SIGKILL.
func (s *System) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil
	}
	return p.KillWithContext(ctx)
}
