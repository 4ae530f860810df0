// Package daemon exposes the supervisor on the system D-Bus. The object
// carries the full client surface: status queries, mode requests, the
// restore delay, and change signals.
//
// Mode requests block until the transition completes and answer with a
// result code rather than a D-Bus error: a cancelled transition is a
// protocol outcome the client reacts to (prompt, re-submit with kill
// consent), not a failure of the call itself.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/nvsleepify/nvsleepify/pkg/modestore"
	"github.com/nvsleepify/nvsleepify/pkg/procs"
	"github.com/nvsleepify/nvsleepify/pkg/supervisor"
)

const (
	// BusName is the well-known name claimed on the system bus.
	BusName = "org.nvsleepify.Service"

	// ObjectPath is where the manager object lives.
	ObjectPath = dbus.ObjectPath("/org/nvsleepify/Manager")

	// Interface is the manager interface name.
	Interface = "org.nvsleepify.Manager"
)

// IntrospectXML describes the exported interface.
const IntrospectXML = `
<node>
	<interface name="` + Interface + `">
		<method name="GetStatus">
			<arg name="status" type="s" direction="out"/>
		</method>
		<method name="GetMode">
			<arg name="mode" type="s" direction="out"/>
		</method>
		<method name="SetMode">
			<arg name="mode" type="s" direction="in"/>
			<arg name="killHolders" type="b" direction="in"/>
			<arg name="code" type="s" direction="out"/>
			<arg name="message" type="s" direction="out"/>
			<arg name="holders" type="s" direction="out"/>
		</method>
		<method name="SetRestoreDelay">
			<arg name="seconds" type="u" direction="in"/>
		</method>
		<signal name="ModeChanged">
			<arg name="mode" type="s"/>
		</signal>
		<signal name="StateChanged">
			<arg name="state" type="s"/>
			<arg name="mode" type="s"/>
		</signal>
	</interface>` + introspect.IntrospectDataString + `</node>`

// Holder is the wire form of a blocking process.
type Holder struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`
}

// Status is the wire form of a status snapshot.
type Status struct {
	Mode                string   `json:"mode"`
	RestoreDelaySeconds uint32   `json:"restore_delay_seconds"`
	Present             bool     `json:"present"`
	Address             string   `json:"address,omitempty"`
	PowerState          string   `json:"power_state"`
	Holders             []Holder `json:"holders,omitempty"`
	DeviceName          string   `json:"device_name,omitempty"`
	MemoryTotal         uint64   `json:"memory_total,omitempty"`
}

// Service is the exported D-Bus object.
type Service struct {
	sup    *supervisor.Supervisor
	conn   *dbus.Conn
	logger *slog.Logger
	ctx    context.Context
}

// New creates the service around an established bus connection.
func New(conn *dbus.Conn, sup *supervisor.Supervisor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{sup: sup, conn: conn, logger: logger, ctx: context.Background()}
}

// Serve exports the object, claims the bus name, and forwards supervisor
// events as signals until ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	s.ctx = ctx

	methods := map[string]any{
		"GetStatus":       s.GetStatus,
		"GetMode":         s.GetMode,
		"SetMode":         s.SetMode,
		"SetRestoreDelay": s.SetRestoreDelay,
	}
	if err := s.conn.ExportMethodTable(methods, ObjectPath, Interface); err != nil {
		return fmt.Errorf("export manager object: %w", err)
	}
	if err := s.conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken (is another instance running?)", BusName)
	}
	s.logger.InfoContext(ctx, "listening on system bus",
		slog.String("name", BusName), slog.String("path", string(ObjectPath)))

	events, cancel := s.sup.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			s.emit(ev)
		}
	}
}

func (s *Service) emit(ev supervisor.Event) {
	var err error
	switch ev.Kind {
	case supervisor.EventModeChanged:
		err = s.conn.Emit(ObjectPath, Interface+".ModeChanged", ev.Mode.String())
	case supervisor.EventStateChanged:
		err = s.conn.Emit(ObjectPath, Interface+".StateChanged", ev.State.String(), ev.Mode.String())
	}
	if err != nil {
		s.logger.Warn("failed to emit signal", slog.String("error", err.Error()))
	}
}

// GetStatus returns the status snapshot as JSON.
func (s *Service) GetStatus() (string, *dbus.Error) {
	st, err := s.sup.Status(s.ctx)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	data, err := json.Marshal(statusWire(st))
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return string(data), nil
}

// GetMode returns the persisted desired mode.
func (s *Service) GetMode() (string, *dbus.Error) {
	return s.sup.Mode().String(), nil
}

// SetMode persists a mode and performs its transition, returning the
// result code, a human-readable message, and the blocking holders as
// JSON (empty when none).
func (s *Service) SetMode(mode string, killHolders bool) (string, string, string, *dbus.Error) {
	m, err := modestore.ParseMode(mode)
	if err != nil {
		return "", "", "", dbus.MakeFailedError(err)
	}

	res, err := s.sup.SetMode(s.ctx, m, killHolders)
	if err != nil {
		return "", "", "", dbus.MakeFailedError(err)
	}

	holders, err := MarshalHolders(res.Holders)
	if err != nil {
		return "", "", "", dbus.MakeFailedError(err)
	}
	return res.Code.String(), res.Message, holders, nil
}

// SetRestoreDelay persists the boot restore delay in seconds.
func (s *Service) SetRestoreDelay(seconds uint32) *dbus.Error {
	if err := s.sup.SetRestoreDelay(time.Duration(seconds) * time.Second); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func statusWire(st supervisor.Status) Status {
	out := Status{
		Mode:                st.Mode.String(),
		RestoreDelaySeconds: uint32(st.RestoreDelay / time.Second),
		Present:             st.Present,
		Address:             st.Address,
		PowerState:          st.State.String(),
	}
	for _, h := range st.Holders {
		out.Holders = append(out.Holders, Holder{PID: h.PID, Name: h.Name})
	}
	if st.Details != nil {
		out.DeviceName = st.Details.Name
		out.MemoryTotal = st.Details.MemoryTotal
	}
	return out
}

// MarshalHolders encodes a holder list for the wire. An empty list
// encodes as the empty string.
func MarshalHolders(holders []procs.ProcInfo) (string, error) {
	if len(holders) == 0 {
		return "", nil
	}
	wire := make([]Holder, len(holders))
	for i, h := range holders {
		wire[i] = Holder{PID: h.PID, Name: h.Name}
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode holders: %w", err)
	}
	return string(data), nil
}

// UnmarshalHolders decodes a wire holder list.
func UnmarshalHolders(s string) ([]Holder, error) {
	if s == "" {
		return nil, nil
	}
	var holders []Holder
	if err := json.Unmarshal([]byte(s), &holders); err != nil {
		return nil, fmt.Errorf("decode holders: %w", err)
	}
	return holders, nil
}
