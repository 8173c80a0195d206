// Package controller mirrors the enablement state of the platform location
// service and forwards enable/disable requests to it.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"indicator-location/internal/bus"
	"indicator-location/internal/listener"
)

const (
	BusName    = "com.ubuntu.location.Service"
	ObjectPath = dbus.ObjectPath("/com/ubuntu/location/Service")
	Interface  = "com.ubuntu.location.Service"

	PropLocationEnabled = "IsOnline"
	PropGPSEnabled      = "DoesSatelliteBasedPositioning"
	PropState           = "State"
)

// Bootstrap order of the tracked properties.
var trackedProps = []string{PropLocationEnabled, PropGPSEnabled, PropState}

// Key names a controller state cell.
type Key string

const (
	KeyValid           Key = "valid"
	KeyGPSEnabled      Key = "gps-enabled"
	KeyLocationEnabled Key = "location-enabled"
	KeyLocationActive  Key = "location-active"
)

// Event reports a state cell transition.
type Event struct {
	Key   Key
	Value bool
}

// Config locates the location service on the bus.
type Config struct {
	BusName    string
	ObjectPath dbus.ObjectPath
	Interface  string
}

// DefaultConfig returns the well-known location service coordinates.
func DefaultConfig() Config {
	return Config{
		BusName:    BusName,
		ObjectPath: ObjectPath,
		Interface:  Interface,
	}
}

// Controller keeps an eventually consistent copy of the location service's
// IsOnline, DoesSatelliteBasedPositioning and State properties.
//
// All state changes happen on a single loop goroutine. Cells only change
// when the service reports a value, either in a Get reply or in a
// PropertiesChanged signal; the setters never touch them.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  *queue
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once

	mu    sync.Mutex
	conn  bus.Conn
	phase Phase

	// owned by the loop goroutine
	stopWatch   func()
	unsubscribe func()
	generation  uint64

	valid           *listener.Value[bool]
	gpsEnabled      *listener.Value[bool]
	locationEnabled *listener.Value[bool]
	locationActive  *listener.Value[bool]

	listeners *listener.Registry[func(Event)]
}

// New creates a Controller and starts acquiring a bus connection with dial.
// Empty Config fields take their DefaultConfig values.
func New(cfg Config, dial bus.Dialer, logger *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.BusName == "" {
		cfg.BusName = def.BusName
	}
	if cfg.ObjectPath == "" {
		cfg.ObjectPath = def.ObjectPath
	}
	if cfg.Interface == "" {
		cfg.Interface = def.Interface
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:             cfg,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		queue:           newQueue(),
		done:            make(chan struct{}),
		phase:           PhaseConnecting,
		valid:           listener.NewValue(false),
		gpsEnabled:      listener.NewValue(false),
		locationEnabled: listener.NewValue(false),
		locationActive:  listener.NewValue(false),
		listeners:       listener.NewRegistry[func(Event)](),
	}

	c.forward(KeyValid, c.valid)
	c.forward(KeyGPSEnabled, c.gpsEnabled)
	c.forward(KeyLocationEnabled, c.locationEnabled)
	c.forward(KeyLocationActive, c.locationActive)

	go c.run()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := dial(ctx)
		if !c.post(func() { c.onBusReady(conn, err) }) && conn != nil {
			conn.Close()
		}
	}()

	return c
}

func (c *Controller) forward(key Key, cell *listener.Value[bool]) {
	cell.Subscribe(func(v bool) {
		c.listeners.Each(func(fn func(Event)) { fn(Event{Key: key, Value: v}) })
	})
}

// IsValid is true while the location service is on the bus.
func (c *Controller) IsValid() listener.Observable[bool] { return c.valid }

// GPSEnabled mirrors DoesSatelliteBasedPositioning.
func (c *Controller) GPSEnabled() listener.Observable[bool] { return c.gpsEnabled }

// LocationServiceEnabled mirrors IsOnline.
func (c *Controller) LocationServiceEnabled() listener.Observable[bool] { return c.locationEnabled }

// LocationServiceActive mirrors State.
func (c *Controller) LocationServiceActive() listener.Observable[bool] { return c.locationActive }

// Subscribe registers fn for every state cell transition. fn runs on the
// controller loop.
func (c *Controller) Subscribe(fn func(Event)) listener.Token {
	return c.listeners.Add(fn)
}

// Unsubscribe removes a Subscribe registration.
func (c *Controller) Unsubscribe(t listener.Token) {
	c.listeners.Remove(t)
}

// Phase returns the current connection phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SetGPSEnabled asks the location service to turn satellite positioning on
// or off. The result shows up in GPSEnabled once the service reports it.
func (c *Controller) SetGPSEnabled(enabled bool) {
	c.setBool(PropGPSEnabled, enabled)
}

// SetLocationServiceEnabled asks the location service to go on- or offline.
// The result shows up in LocationServiceEnabled once the service reports it.
func (c *Controller) SetLocationServiceEnabled(enabled bool) {
	c.setBool(PropLocationEnabled, enabled)
}

// Close cancels every outstanding call, releases the bus connection and
// waits for the loop to exit. Close is idempotent.
func (c *Controller) Close() error {
	c.once.Do(c.cancel)
	<-c.done
	c.wg.Wait()
	return nil
}

func (c *Controller) run() {
	defer close(c.done)

	for {
		select {
		case <-c.queue.wake:
			for _, fn := range c.queue.popAll() {
				fn()
			}
		case <-c.ctx.Done():
			for _, fn := range c.queue.close() {
				fn()
			}
			c.teardown()
			return
		}
	}
}

func (c *Controller) post(fn func()) bool {
	return c.queue.push(fn)
}

// flush waits until everything posted before it has run.
func (c *Controller) flush() {
	ch := make(chan struct{})
	if c.post(func() { close(ch) }) {
		<-ch
	}
}

func (c *Controller) teardown() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug("failed to close bus connection", "error", err)
		}
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != p {
		c.logger.Debug("phase changed", "from", c.phase, "to", p)
		c.phase = p
	}
}

func (c *Controller) cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || c.ctx.Err() != nil
}

func (c *Controller) onBusReady(conn bus.Conn, err error) {
	if err != nil {
		if c.cancelled(err) {
			c.logger.Debug("bus connection cancelled", "error", err)
		} else {
			c.logger.Warn("Couldn't get system bus", "error", err)
		}
		c.setPhase(PhaseDisconnected)
		return
	}
	if c.ctx.Err() != nil {
		conn.Close()
		return
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setPhase(PhaseWatching)

	stop, err := conn.WatchName(c.cfg.BusName,
		func(owner string) { c.post(func() { c.onNameAppeared(owner) }) },
		func() { c.post(c.onNameVanished) },
	)
	if err != nil {
		c.logger.Warn("Couldn't watch location service name", "name", c.cfg.BusName, "error", err)
		return
	}
	c.stopWatch = stop
}

func (c *Controller) onNameAppeared(owner string) {
	if c.ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	c.generation++
	gen := c.generation
	c.setPhase(PhaseRegistered)

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	unsubscribe, err := conn.SubscribePropertiesChanged(owner, c.cfg.ObjectPath,
		func(iface string, changed map[string]dbus.Variant, invalidated []string) {
			c.post(func() { c.onPropertiesChanged(gen, iface, changed, invalidated) })
		})
	if err != nil {
		c.logger.Warn("Couldn't subscribe to location service properties", "error", err)
	} else {
		c.unsubscribe = unsubscribe
	}

	// GetAll is not reliable on the location service, so fetch each
	// property on its own.
	for _, prop := range trackedProps {
		c.fetch(conn, gen, prop)
	}

	c.logger.Debug("setting valid to true: location service appeared", "owner", owner)
	c.valid.Set(true)
}

func (c *Controller) onNameVanished() {
	if c.ctx.Err() != nil {
		return
	}

	c.generation++
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.setPhase(PhaseNameAbsent)

	c.logger.Debug("setting valid to false: location service vanished")
	c.valid.Set(false)
}

func (c *Controller) fetch(conn bus.Conn, gen uint64, prop string) {
	conn.GetProperty(c.ctx, c.cfg.BusName, c.cfg.ObjectPath, c.cfg.Interface, prop,
		func(v dbus.Variant, err error) {
			c.post(func() { c.onGetReply(gen, prop, v, err) })
		})
}

func (c *Controller) onGetReply(gen uint64, prop string, v dbus.Variant, err error) {
	if err != nil {
		if c.cancelled(err) {
			c.logger.Debug("Get cancelled", "property", prop)
		} else {
			c.logger.Warn("Error calling dbus method", "property", prop, "error", err)
		}
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	if gen != c.generation {
		c.logger.Debug("dropping reply from an earlier registration", "property", prop)
		return
	}
	c.apply(prop, v)
}

func (c *Controller) onPropertiesChanged(gen uint64, iface string, changed map[string]dbus.Variant, invalidated []string) {
	if c.ctx.Err() != nil || gen != c.generation {
		return
	}
	if iface != c.cfg.Interface {
		c.logger.Debug("ignoring PropertiesChanged", "interface", iface)
		return
	}

	for _, prop := range trackedProps {
		if v, ok := changed[prop]; ok {
			c.apply(prop, v)
		}
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	for _, prop := range invalidated {
		if c.cell(prop) != nil {
			c.fetch(conn, gen, prop)
		}
	}
}

func (c *Controller) cell(prop string) *listener.Value[bool] {
	switch prop {
	case PropLocationEnabled:
		return c.locationEnabled
	case PropGPSEnabled:
		return c.gpsEnabled
	case PropState:
		return c.locationActive
	default:
		return nil
	}
}

func (c *Controller) apply(prop string, v dbus.Variant) {
	cell := c.cell(prop)
	if cell == nil {
		return
	}
	b, ok := v.Value().(bool)
	if !ok {
		c.logger.Debug("ignoring non-boolean property value", "property", prop, "signature", v.Signature().String())
		return
	}
	if cell.Set(b) {
		c.logger.Debug("property changed", "property", prop, "value", b)
	}
}

func (c *Controller) setBool(prop string, value bool) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || c.ctx.Err() != nil {
		c.logger.Warn("Cannot set property: no bus connection", "property", prop)
		return
	}

	conn.SetProperty(c.ctx, c.cfg.BusName, c.cfg.ObjectPath, c.cfg.Interface, prop, dbus.MakeVariant(value),
		func(err error) {
			switch {
			case err == nil:
				c.logger.Debug("Set returned", "property", prop, "value", value)
			case c.cancelled(err):
				c.logger.Debug("Set cancelled", "property", prop)
			default:
				c.logger.Warn("dbus method returned an error", "property", prop, "error", err)
			}
		})
}
