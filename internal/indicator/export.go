package indicator

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

const (
	ActionsInterface = "org.gtk.Actions"
	MenusInterface   = "org.gtk.Menus"

	introspectableInterface = "org.freedesktop.DBus.Introspectable"
	errInvalidArgs          = "org.freedesktop.DBus.Error.InvalidArgs"
)

// Conn is the part of *dbus.Conn the exporter uses.
type Conn interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

type actionsObject struct {
	phone *Phone
}

func (o actionsObject) List() ([]string, *dbus.Error) {
	return o.phone.ActionNames(), nil
}

func (o actionsObject) Describe(name string) (ActionDescription, *dbus.Error) {
	d, err := o.phone.Describe(name)
	if err != nil {
		return ActionDescription{}, toDBusError(err)
	}
	return d, nil
}

func (o actionsObject) DescribeAll() (map[string]ActionDescription, *dbus.Error) {
	return o.phone.DescribeAll(), nil
}

func (o actionsObject) Activate(name string, param []dbus.Variant, platformData map[string]dbus.Variant) *dbus.Error {
	return toDBusError(o.phone.Activate(name, param))
}

func (o actionsObject) SetState(name string, value dbus.Variant, platformData map[string]dbus.Variant) *dbus.Error {
	return toDBusError(o.phone.SetState(name, value))
}

type menusObject struct {
	phone *Phone
}

func (o menusObject) Start(groups []uint32) ([]MenuGroup, *dbus.Error) {
	return o.phone.Menu(groups), nil
}

func (o menusObject) End(groups []uint32) *dbus.Error {
	return nil
}

func toDBusError(err error) *dbus.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnknownAction), errors.Is(err, ErrDisabled), errors.Is(err, ErrBadParameter):
		return dbus.NewError(errInvalidArgs, []interface{}{err.Error()})
	default:
		return dbus.MakeFailedError(err)
	}
}

// Exporter publishes a Phone as org.gtk.Actions at its object path and
// org.gtk.Menus at <path>/phone.
type Exporter struct {
	conn     Conn
	path     dbus.ObjectPath
	menuPath dbus.ObjectPath
	logger   *slog.Logger

	stop []func()
}

// Export publishes phone on conn. Action and menu changes are emitted as
// Changed signals until Unexport.
func Export(conn Conn, path dbus.ObjectPath, phone *Phone, logger *slog.Logger) (*Exporter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Exporter{
		conn:     conn,
		path:     path,
		menuPath: path + "/" + Profile,
		logger:   logger,
	}

	actions := actionsObject{phone: phone}
	if err := e.export(actions, e.path, ActionsInterface, actionsSignals); err != nil {
		return nil, err
	}
	menus := menusObject{phone: phone}
	if err := e.export(menus, e.menuPath, MenusInterface, menusSignals); err != nil {
		e.Unexport()
		return nil, err
	}

	e.stop = append(e.stop,
		phone.OnActionsChanged(e.emitActions),
		phone.OnMenuChanged(e.emitMenu),
	)

	logger.Info("exported indicator", "path", e.path, "menu", e.menuPath)
	return e, nil
}

func (e *Exporter) export(v interface{}, path dbus.ObjectPath, iface string, signals []introspect.Signal) error {
	if err := e.conn.Export(v, path, iface); err != nil {
		return fmt.Errorf("export %s: %w", iface, err)
	}

	node := &introspect.Node{
		Name: string(path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    iface,
				Methods: introspect.Methods(v),
				Signals: signals,
			},
		},
	}
	if err := e.conn.Export(introspect.NewIntrospectable(node), path, introspectableInterface); err != nil {
		return fmt.Errorf("export introspectable at %s: %w", path, err)
	}

	e.stop = append(e.stop, func() {
		for _, name := range []string{iface, introspectableInterface} {
			if err := e.conn.Export(nil, path, name); err != nil {
				e.logger.Debug("Unable to unexport", "path", path, "interface", name, "error", err)
			}
		}
	})
	return nil
}

// Unexport stops emitting signals and removes both objects from the bus.
func (e *Exporter) Unexport() {
	for i := len(e.stop) - 1; i >= 0; i-- {
		e.stop[i]()
	}
	e.stop = nil
}

func (e *Exporter) emitActions(c ActionsChange) {
	err := e.conn.Emit(e.path, ActionsInterface+".Changed",
		[]string{},
		c.Enabled,
		c.State,
		map[string]ActionDescription{},
	)
	if err != nil {
		e.logger.Warn("Unable to emit action changes", "error", err)
	}
}

func (e *Exporter) emitMenu(c MenuChange) {
	if c.Items == nil {
		c.Items = []map[string]dbus.Variant{}
	}
	if err := e.conn.Emit(e.menuPath, MenusInterface+".Changed", []MenuChange{c}); err != nil {
		e.logger.Warn("Unable to emit menu changes", "error", err)
	}
}

var actionsSignals = []introspect.Signal{{
	Name: "Changed",
	Args: []introspect.Arg{
		{Name: "removals", Type: "as"},
		{Name: "enable_changes", Type: "a{sb}"},
		{Name: "state_changes", Type: "a{sv}"},
		{Name: "additions", Type: "a{s(bgav)}"},
	},
}}

var menusSignals = []introspect.Signal{{
	Name: "Changed",
	Args: []introspect.Arg{
		{Name: "changes", Type: "a(uuuuaa{sv})"},
	},
}}
