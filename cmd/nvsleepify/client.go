package main

import (
	"encoding/json"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/nvsleepify/nvsleepify/pkg/daemon"
)

// client wraps the daemon's D-Bus object.
type client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

func newClient() (*client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &client{
		conn: conn,
		obj:  conn.Object(daemon.BusName, daemon.ObjectPath),
	}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *client) Status() (daemon.Status, error) {
	var raw string
	if err := c.obj.Call(daemon.Interface+".GetStatus", 0).Store(&raw); err != nil {
		return daemon.Status{}, fmt.Errorf("is nvsleepifyd running? %w", err)
	}
	var st daemon.Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return daemon.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// SetMode submits a mode request and returns the result code, message,
// and any blocking holders.
func (c *client) SetMode(mode string, killHolders bool) (string, string, []daemon.Holder, error) {
	var code, message, holdersRaw string
	call := c.obj.Call(daemon.Interface+".SetMode", 0, mode, killHolders)
	if err := call.Store(&code, &message, &holdersRaw); err != nil {
		return "", "", nil, fmt.Errorf("is nvsleepifyd running? %w", err)
	}
	holders, err := daemon.UnmarshalHolders(holdersRaw)
	if err != nil {
		return "", "", nil, err
	}
	return code, message, holders, nil
}

func (c *client) SetRestoreDelay(seconds uint32) error {
	return c.obj.Call(daemon.Interface+".SetRestoreDelay", 0, seconds).Err
}
