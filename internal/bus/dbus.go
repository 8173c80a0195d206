package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"indicator-location/internal/listener"
)

// Client is a Conn backed by a private godbus connection.
type Client struct {
	conn      *dbus.Conn
	logger    *slog.Logger
	autoStart bool

	signals  chan *dbus.Signal
	handlers *listener.Registry[func(*dbus.Signal)]
}

// Option configures a Client.
type Option func(*Client)

// WithAutoStart makes WatchName ask the bus to activate the watched name
// before looking up its owner.
func WithAutoStart(enabled bool) Option {
	return func(c *Client) { c.autoStart = enabled }
}

// DialSystem connects to the system bus.
func DialSystem(ctx context.Context, logger *slog.Logger, opts ...Option) (*Client, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to system bus")
	}
	return newClient(conn, logger, opts...), nil
}

// DialSession connects to the session bus.
func DialSession(ctx context.Context, logger *slog.Logger, opts ...Option) (*Client, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to session bus")
	}
	return newClient(conn, logger, opts...), nil
}

// SystemDialer returns a Dialer for the system bus.
func SystemDialer(logger *slog.Logger, opts ...Option) Dialer {
	return func(ctx context.Context) (Conn, error) {
		c, err := DialSystem(ctx, logger, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

func newClient(conn *dbus.Conn, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		conn:     conn,
		logger:   logger,
		signals:  make(chan *dbus.Signal, 16),
		handlers: listener.NewRegistry[func(*dbus.Signal)](),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn.Signal(c.signals)
	go c.dispatch()

	return c
}

// Raw returns the underlying connection.
func (c *Client) Raw() *dbus.Conn {
	return c.conn
}

// Close closes the D-Bus connection. The signal dispatcher exits once godbus
// closes the signal channel.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) dispatch() {
	for sig := range c.signals {
		c.handlers.Each(func(h func(*dbus.Signal)) { h(sig) })
	}
}

type nameWatch struct {
	mu       sync.Mutex
	known    bool
	owner    string
	appeared func(string)
	vanished func()
}

func (w *nameWatch) update(owner string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.set(owner)
}

// initial applies the GetNameOwner result. A NameOwnerChanged signal seen
// before the reply is newer, so the lookup is dropped.
func (w *nameWatch) initial(owner string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.known {
		return
	}
	w.set(owner)
}

func (w *nameWatch) set(owner string) {
	if w.known && owner == w.owner {
		return
	}

	hadOwner := w.owner != ""
	first := !w.known
	w.known = true
	w.owner = owner

	if hadOwner || (first && owner == "") {
		w.vanished()
	}
	if owner != "" {
		w.appeared(owner)
	}
}

// WatchName implements Conn.
func (c *Client) WatchName(name string, appeared func(owner string), vanished func()) (func(), error) {
	match := []dbus.MatchOption{
		dbus.WithMatchSender(DBusName),
		dbus.WithMatchObjectPath(DBusPath),
		dbus.WithMatchInterface(DBusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	}
	if err := c.conn.AddMatchSignal(match...); err != nil {
		return nil, errors.Wrapf(err, "failed to watch name %s", name)
	}

	w := &nameWatch{appeared: appeared, vanished: vanished}
	token := c.handlers.Add(func(sig *dbus.Signal) {
		if sig.Name != nameOwnerChanged || len(sig.Body) < 3 {
			return
		}
		if n, ok := sig.Body[0].(string); !ok || n != name {
			return
		}
		if newOwner, ok := sig.Body[2].(string); ok {
			c.logger.Debug("name owner changed", "name", name, "owner", newOwner)
			w.update(newOwner)
		}
	})

	stop := func() {
		c.handlers.Remove(token)
		if err := c.conn.RemoveMatchSignal(match...); err != nil {
			c.logger.Debug("failed to remove name match", "name", name, "error", err)
		}
	}

	if c.autoStart {
		var reply uint32
		err := c.conn.BusObject().Call(DBusInterface+".StartServiceByName", 0, name, uint32(0)).Store(&reply)
		if err != nil {
			c.logger.Debug("could not activate service", "name", name, "error", err)
		}
	}

	var owner string
	err := c.conn.BusObject().Call(DBusInterface+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		var dbusErr dbus.Error
		if !errors.As(err, &dbusErr) || dbusErr.Name != errNameHasNoOwner {
			stop()
			return nil, errors.Wrapf(err, "failed to look up owner of %s", name)
		}
		owner = ""
	}
	w.initial(owner)

	return stop, nil
}

// SubscribePropertiesChanged implements Conn.
func (c *Client) SubscribePropertiesChanged(sender string, path dbus.ObjectPath, fn PropertiesChangedFunc) (func(), error) {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(PropertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if sender != "" {
		match = append(match, dbus.WithMatchSender(sender))
	}
	if err := c.conn.AddMatchSignal(match...); err != nil {
		return nil, errors.Wrapf(err, "failed to subscribe to PropertiesChanged on %s", path)
	}

	token := c.handlers.Add(func(sig *dbus.Signal) {
		if sig.Name != PropertiesChanged || sig.Path != path {
			return
		}
		if sender != "" && sig.Sender != sender {
			return
		}
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		var invalidated []string
		if len(sig.Body) >= 3 {
			invalidated, _ = sig.Body[2].([]string)
		}
		fn(iface, changed, invalidated)
	})

	return func() {
		c.handlers.Remove(token)
		if err := c.conn.RemoveMatchSignal(match...); err != nil {
			c.logger.Debug("failed to remove PropertiesChanged match", "path", path, "error", err)
		}
	}, nil
}

// GetProperty implements Conn.
func (c *Client) GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, done func(dbus.Variant, error)) {
	obj := c.conn.Object(dest, path)

	go func() {
		var value dbus.Variant
		err := obj.CallWithContext(ctx, PropertiesGet, 0, iface, name).Store(&value)
		if err != nil {
			done(value, errors.Wrapf(err, "failed to get property %s.%s", iface, name))
			return
		}

		c.logger.Debug("Get", "property", iface+"."+name, "value", value.Value())
		done(value, nil)
	}()
}

// SetProperty implements Conn.
func (c *Client) SetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, value dbus.Variant, done func(error)) {
	obj := c.conn.Object(dest, path)

	go func() {
		call := obj.CallWithContext(ctx, PropertiesSet, 0, iface, name, value)
		if call.Err != nil {
			done(errors.Wrapf(call.Err, "failed to set property %s.%s", iface, name))
			return
		}

		c.logger.Debug("Set", "property", iface+"."+name, "value", value.Value())
		done(nil)
	}()
}

// Export implements indicator.Conn.
func (c *Client) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	return c.conn.Export(v, path, iface)
}

// Emit implements indicator.Conn.
func (c *Client) Emit(path dbus.ObjectPath, name string, values ...interface{}) error {
	return c.conn.Emit(path, name, values...)
}

// OwnName requests name without queueing and calls lost if the bus later
// takes it away. The returned func releases the name.
func (c *Client) OwnName(name string, lost func()) (func(), error) {
	token := c.handlers.Add(func(sig *dbus.Signal) {
		if sig.Name != nameLost || len(sig.Body) < 1 {
			return
		}
		if n, ok := sig.Body[0].(string); ok && n == name {
			c.logger.Warn("lost bus name", "name", name)
			lost()
		}
	})

	reply, err := c.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		c.handlers.Remove(token)
		return nil, errors.Wrapf(err, "failed to request name %s", name)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		c.handlers.Remove(token)
		return nil, errors.Errorf("name %s is already taken (reply=%d)", name, reply)
	}
	c.logger.Debug("acquired bus name", "name", name)

	return func() {
		c.handlers.Remove(token)
		if _, err := c.conn.ReleaseName(name); err != nil {
			c.logger.Debug("failed to release name", "name", name, "error", err)
		}
	}, nil
}
