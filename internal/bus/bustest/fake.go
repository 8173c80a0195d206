// Package bustest provides an in-memory bus.Conn for tests.
package bustest

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"indicator-location/internal/bus"
)

// SetCall records one SetProperty request.
type SetCall struct {
	Dest  string
	Path  dbus.ObjectPath
	Iface string
	Name  string
	Value dbus.Variant
}

type pendingGet struct {
	ctx  context.Context
	name string
	done func(dbus.Variant, error)
}

type watch struct {
	name     string
	appeared func(string)
	vanished func()
}

type subscription struct {
	id     int
	sender string
	path   dbus.ObjectPath
	fn     bus.PropertiesChangedFunc
}

// Fake is a scriptable bus.Conn. Get calls stay pending until the test
// replies to them, unless AutoReply is enabled, in which case they are
// answered from the Properties map.
type Fake struct {
	mu sync.Mutex

	owners  map[string]string
	watches []*watch
	subs    []*subscription
	nextSub int
	pending []*pendingGet
	sets    []SetCall
	closed  bool

	autoReply  bool
	properties map[string]dbus.Variant
	setErr     error
	dialErr    error

	dialed  chan struct{}
	watched chan struct{}
}

// New creates a Fake with no names owned.
func New() *Fake {
	return &Fake{
		owners:     make(map[string]string),
		properties: make(map[string]dbus.Variant),
		dialed:     make(chan struct{}),
		watched:    make(chan struct{}),
	}
}

// Dialer returns a bus.Dialer handing out f, or the error set by FailDial.
func (f *Fake) Dialer() bus.Dialer {
	return func(ctx context.Context) (bus.Conn, error) {
		f.mu.Lock()
		err := f.dialErr
		f.mu.Unlock()
		defer closeOnce(&f.mu, f.dialed)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err != nil {
			return nil, err
		}
		return f, nil
	}
}

// FailDial makes the Dialer return err.
func (f *Fake) FailDial(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

// Dialed is closed once the Dialer has been called.
func (f *Fake) Dialed() <-chan struct{} {
	return f.dialed
}

// Watched is closed once WatchName has been called.
func (f *Fake) Watched() <-chan struct{} {
	return f.watched
}

// AutoReply answers Get calls immediately from the Properties map.
func (f *Fake) AutoReply(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoReply = enabled
}

// SetValue stores a property value used by AutoReply.
func (f *Fake) SetValue(name string, value interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.properties[name] = dbus.MakeVariant(value)
}

// FailSet makes every following SetProperty complete with err.
func (f *Fake) FailSet(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setErr = err
}

// WatchName implements bus.Conn.
func (f *Fake) WatchName(name string, appeared func(string), vanished func()) (func(), error) {
	w := &watch{name: name, appeared: appeared, vanished: vanished}

	f.mu.Lock()
	f.watches = append(f.watches, w)
	owner := f.owners[name]
	f.mu.Unlock()

	if owner != "" {
		appeared(owner)
	} else {
		vanished()
	}
	closeOnce(&f.mu, f.watched)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, x := range f.watches {
			if x == w {
				f.watches = append(f.watches[:i], f.watches[i+1:]...)
				return
			}
		}
	}, nil
}

// Appear gives name the owner and notifies watchers.
func (f *Fake) Appear(name, owner string) {
	f.mu.Lock()
	f.owners[name] = owner
	watches := f.watchesFor(name)
	f.mu.Unlock()

	for _, w := range watches {
		w.appeared(owner)
	}
}

// Vanish removes the owner of name and notifies watchers.
func (f *Fake) Vanish(name string) {
	f.mu.Lock()
	delete(f.owners, name)
	watches := f.watchesFor(name)
	f.mu.Unlock()

	for _, w := range watches {
		w.vanished()
	}
}

func (f *Fake) watchesFor(name string) []*watch {
	var out []*watch
	for _, w := range f.watches {
		if w.name == name {
			out = append(out, w)
		}
	}
	return out
}

// SubscribePropertiesChanged implements bus.Conn.
func (f *Fake) SubscribePropertiesChanged(sender string, path dbus.ObjectPath, fn bus.PropertiesChangedFunc) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSub++
	s := &subscription{id: f.nextSub, sender: sender, path: path, fn: fn}
	f.subs = append(f.subs, s)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, x := range f.subs {
			if x.id == s.id {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Subscriptions returns the number of active PropertiesChanged
// subscriptions.
func (f *Fake) Subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// EmitPropertiesChanged delivers a PropertiesChanged signal to every
// subscription on path.
func (f *Fake) EmitPropertiesChanged(path dbus.ObjectPath, iface string, changed map[string]interface{}, invalidated ...string) {
	body := make(map[string]dbus.Variant, len(changed))
	for k, v := range changed {
		body[k] = dbus.MakeVariant(v)
	}

	f.mu.Lock()
	var subs []*subscription
	for _, s := range f.subs {
		if s.path == path {
			subs = append(subs, s)
		}
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.fn(iface, body, invalidated)
	}
}

// GetProperty implements bus.Conn.
func (f *Fake) GetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, done func(dbus.Variant, error)) {
	f.mu.Lock()
	if f.autoReply {
		v, ok := f.properties[name]
		f.mu.Unlock()
		if !ok {
			done(dbus.Variant{}, errors.Errorf("no such property %s.%s", iface, name))
			return
		}
		done(v, nil)
		return
	}
	f.pending = append(f.pending, &pendingGet{ctx: ctx, name: name, done: done})
	f.mu.Unlock()
}

// PendingGets returns the property names of unanswered Get calls in the
// order they were issued.
func (f *Fake) PendingGets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.pending))
	for _, p := range f.pending {
		names = append(names, p.name)
	}
	return names
}

// ReplyGet answers the oldest pending Get for name with value. It reports
// whether such a call existed. A call whose context was cancelled receives
// the context error instead.
func (f *Fake) ReplyGet(name string, value interface{}) bool {
	p := f.takePending(name)
	if p == nil {
		return false
	}
	if err := p.ctx.Err(); err != nil {
		p.done(dbus.Variant{}, err)
		return true
	}
	p.done(dbus.MakeVariant(value), nil)
	return true
}

// FailGet completes the oldest pending Get for name with err.
func (f *Fake) FailGet(name string, err error) bool {
	p := f.takePending(name)
	if p == nil {
		return false
	}
	p.done(dbus.Variant{}, err)
	return true
}

// CancelPending completes every pending Get with its context error, or
// context.Canceled when the context is still live.
func (f *Fake) CancelPending() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()

	for _, p := range pending {
		err := p.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		p.done(dbus.Variant{}, err)
	}
}

func (f *Fake) takePending(name string) *pendingGet {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, p := range f.pending {
		if p.name == name {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return p
		}
	}
	return nil
}

// SetProperty implements bus.Conn. The request is recorded and completed
// immediately.
func (f *Fake) SetProperty(ctx context.Context, dest string, path dbus.ObjectPath, iface, name string, value dbus.Variant, done func(error)) {
	f.mu.Lock()
	f.sets = append(f.sets, SetCall{Dest: dest, Path: path, Iface: iface, Name: name, Value: value})
	err := f.setErr
	f.mu.Unlock()

	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	done(err)
}

// Sets returns the recorded SetProperty calls.
func (f *Fake) Sets() []SetCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SetCall, len(f.sets))
	copy(out, f.sets)
	return out
}

// Close implements bus.Conn.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func closeOnce(mu *sync.Mutex, ch chan struct{}) {
	mu.Lock()
	defer mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}
