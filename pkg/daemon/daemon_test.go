package daemon

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nvsleepify/nvsleepify/pkg/modestore"
	"github.com/nvsleepify/nvsleepify/pkg/pci"
	"github.com/nvsleepify/nvsleepify/pkg/procs"
	"github.com/nvsleepify/nvsleepify/pkg/supervisor"
)

func TestHolders_WireRoundTrip(t *testing.T) {
	in := []procs.ProcInfo{{PID: 42, Name: "ffmpeg"}, {PID: 77, Name: "python3"}}

	encoded, err := MarshalHolders(in)
	if err != nil {
		t.Fatalf("MarshalHolders() = %v", err)
	}
	out, err := UnmarshalHolders(encoded)
	if err != nil {
		t.Fatalf("UnmarshalHolders() = %v", err)
	}
	if len(out) != 2 || out[0].PID != 42 || out[1].Name != "python3" {
		t.Errorf("round trip = %v", out)
	}
}

func TestHolders_EmptyEncodesAsEmptyString(t *testing.T) {
	encoded, err := MarshalHolders(nil)
	if err != nil {
		t.Fatalf("MarshalHolders(nil) = %v", err)
	}
	if encoded != "" {
		t.Errorf("encoded = %q, want empty", encoded)
	}
	out, err := UnmarshalHolders("")
	if err != nil || out != nil {
		t.Errorf("UnmarshalHolders(\"\") = %v, %v", out, err)
	}
}

func TestStatusWire(t *testing.T) {
	st := supervisor.Status{
		Mode:         modestore.ModeOptimized,
		RestoreDelay: 30 * time.Second,
		Present:      true,
		Address:      "0000:01:00.0",
		State:        pci.StateActive,
		Holders:      []procs.ProcInfo{{PID: 9, Name: "glxgears"}},
	}

	data, err := json.Marshal(statusWire(st))
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}

	var decoded Status
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if decoded.Mode != "optimized" {
		t.Errorf("mode = %s", decoded.Mode)
	}
	if decoded.RestoreDelaySeconds != 30 {
		t.Errorf("restore delay = %d", decoded.RestoreDelaySeconds)
	}
	if decoded.PowerState != "active" {
		t.Errorf("power state = %s", decoded.PowerState)
	}
	if len(decoded.Holders) != 1 || decoded.Holders[0].Name != "glxgears" {
		t.Errorf("holders = %v", decoded.Holders)
	}
}

func TestIntrospectXML_DeclaresClientSurface(t *testing.T) {
	for _, want := range []string{
		`method name="GetStatus"`,
		`method name="SetMode"`,
		`method name="SetRestoreDelay"`,
		`signal name="StateChanged"`,
		`signal name="ModeChanged"`,
	} {
		if !strings.Contains(IntrospectXML, want) {
			t.Errorf("introspection XML missing %s", want)
		}
	}
}
