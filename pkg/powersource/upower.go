package powersource

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	upowerBusName   = "org.freedesktop.UPower"
	upowerPath      = dbus.ObjectPath("/org/freedesktop/UPower")
	upowerInterface = "org.freedesktop.UPower"
	propsInterface  = "org.freedesktop.DBus.Properties"
)

// UPower watches the power source through the UPower daemon on the
// system bus.
type UPower struct {
	conn *dbus.Conn
}

// NewUPower connects to the system bus and verifies UPower is
// reachable.
func NewUPower() (*UPower, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	u := &UPower{conn: conn}
	if _, err := u.OnBattery(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return u, nil
}

// OnBattery reads UPower's OnBattery property.
func (u *UPower) OnBattery(ctx context.Context) (bool, error) {
	obj := u.conn.Object(upowerBusName, upowerPath)
	variant, err := obj.GetProperty(upowerInterface + ".OnBattery")
	if err != nil {
		return false, fmt.Errorf("query UPower OnBattery: %w", err)
	}
	onBattery, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("unexpected OnBattery type %T", variant.Value())
	}
	return onBattery, nil
}

// Changes subscribes to UPower's PropertiesChanged signal and forwards
// every OnBattery flip.
func (u *UPower) Changes(ctx context.Context) (<-chan bool, error) {
	err := u.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(upowerPath),
		dbus.WithMatchInterface(propsInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe to UPower signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	u.conn.Signal(signals)

	out := make(chan bool, 4)
	go func() {
		defer close(out)
		defer u.conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if onBattery, ok := parseOnBatteryChange(sig); ok {
					select {
					case out <- onBattery:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Close closes the bus connection.
func (u *UPower) Close() error {
	return u.conn.Close()
}

// parseOnBatteryChange extracts the OnBattery value from a
// PropertiesChanged signal, if present.
func parseOnBatteryChange(sig *dbus.Signal) (bool, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != upowerInterface {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	variant, ok := changed["OnBattery"]
	if !ok {
		return false, false
	}
	onBattery, ok := variant.Value().(bool)
	return onBattery, ok
}
