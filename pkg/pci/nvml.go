//go:build linux && cgo

package pci

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// IsNVMLAvailable reports whether NVML enrichment is compiled in.
func IsNVMLAvailable() bool { return true }

// Details holds driver-level device information used to enrich status
// output. Only available while the driver is bound.
type Details struct {
	Name        string
	MemoryTotal uint64
}

// QueryDetails looks the device up through NVML by PCI address. NVML is
// initialized and shut down per call: the driver may come and go across
// transitions, so holding a long-lived NVML session would pin it.
func QueryDetails(address string) (*Details, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, fmt.Errorf("initialize NVML: %v", nvml.ErrorString(ret))
	}
	defer nvml.Shutdown()

	device, ret := nvml.DeviceGetHandleByPciBusId(address)
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("get device %s: %v", address, nvml.ErrorString(ret))
	}

	name, ret := device.GetName()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("get device name: %v", nvml.ErrorString(ret))
	}

	memory, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("get memory info: %v", nvml.ErrorString(ret))
	}

	return &Details{Name: name, MemoryTotal: memory.Total}, nil
}
