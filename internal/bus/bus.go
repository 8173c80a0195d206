// Package bus is the property transport the location indicator talks to:
// name watching, org.freedesktop.DBus.Properties Get/Set and
// PropertiesChanged subscriptions.
package bus

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	DBusName      = "org.freedesktop.DBus"
	DBusPath      = "/org/freedesktop/DBus"
	DBusInterface = "org.freedesktop.DBus"

	PropertiesInterface = "org.freedesktop.DBus.Properties"
	PropertiesGet       = PropertiesInterface + ".Get"
	PropertiesSet       = PropertiesInterface + ".Set"
	PropertiesChanged   = PropertiesInterface + ".PropertiesChanged"

	nameOwnerChanged  = DBusInterface + ".NameOwnerChanged"
	nameLost          = DBusInterface + ".NameLost"
	errNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"
)

// PropertiesChangedFunc receives the body of a PropertiesChanged signal.
type PropertiesChangedFunc func(iface string, changed map[string]dbus.Variant, invalidated []string)

// Conn is the capability the controllers need from a bus connection.
//
// Callbacks may be invoked from any goroutine. Completion callbacks of Get
// and Set are called exactly once; when ctx is cancelled they receive an
// error matching context.Canceled.
type Conn interface {
	// WatchName calls appeared when name gains an owner and vanished when it
	// loses one. One of the two is called as soon as the current owner is
	// known. The returned func stops the watch.
	WatchName(name string, appeared func(owner string), vanished func()) (func(), error)

	// SubscribePropertiesChanged delivers PropertiesChanged signals emitted
	// by sender for path. The returned func unsubscribes.
	SubscribePropertiesChanged(sender string, path dbus.ObjectPath, fn PropertiesChangedFunc) (func(), error)

	GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, done func(dbus.Variant, error))
	SetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, value dbus.Variant, done func(error))

	Close() error
}

// Dialer acquires a Conn.
type Dialer func(ctx context.Context) (Conn, error)

type getResult struct {
	value dbus.Variant
	err   error
}

// GetPropertySync performs a Get on c and waits for the reply.
func GetPropertySync(ctx context.Context, c Conn, dest string, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	ch := make(chan getResult, 1)
	c.GetProperty(ctx, dest, path, iface, name, func(v dbus.Variant, err error) {
		ch <- getResult{value: v, err: err}
	})

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return dbus.Variant{}, ctx.Err()
	}
}
