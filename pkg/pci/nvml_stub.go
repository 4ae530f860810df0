//go:build !(linux && cgo)

package pci

import "errors"

// IsNVMLAvailable reports whether NVML enrichment is compiled in.
func IsNVMLAvailable() bool { return false }

// Details holds driver-level device information used to enrich status
// output.
type Details struct {
	Name        string
	MemoryTotal uint64
}

// QueryDetails is unavailable without NVML (non-Linux or CGO disabled).
func QueryDetails(address string) (*Details, error) {
	return nil, errors.New("NVML not available on this platform")
}
