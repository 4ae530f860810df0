package services

import (
	"context"
	"fmt"

	sd "github.com/coreos/go-systemd/v22/dbus"
)

// Systemd is the production Manager, talking to systemd over the system
// D-Bus.
type Systemd struct {
	conn *sd.Conn
}

// NewSystemd connects to the system instance of systemd.
func NewSystemd(ctx context.Context) (*Systemd, error) {
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Systemd{conn: conn}, nil
}

// Stop stops the unit with the replace job mode and waits for the job
// result.
func (s *Systemd) Stop(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := s.conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	return waitJob(ctx, unit, ch)
}

// Start starts the unit with the replace job mode and waits for the job
// result.
func (s *Systemd) Start(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := s.conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	return waitJob(ctx, unit, ch)
}

// Close closes the D-Bus connection.
func (s *Systemd) Close() error {
	s.conn.Close()
	return nil
}

func waitJob(ctx context.Context, unit string, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("unit %s job finished with %q", unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
