// Package services stops and starts the systemd units that depend on
// the GPU driver (the persistence and power daemons). They hold device
// handles and must be stopped before module unload; stop failures are
// soft because the units restart on their own and do not block unload.
package services

import "context"

// Manager is the service-manager boundary.
type Manager interface {
	// Stop stops the named unit and waits for the job to finish.
	Stop(ctx context.Context, unit string) error

	// Start starts the named unit and waits for the job to finish.
	Start(ctx context.Context, unit string) error

	// Close releases the underlying connection.
	Close() error
}
