// Package indicator presents the location state to the shell as a GIO action
// group and menu model.
package indicator

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"

	"indicator-location/internal/listener"
)

const (
	BusName    = "com.canonical.indicator.location"
	ObjectPath = dbus.ObjectPath("/com/canonical/indicator/location")
	Profile    = "phone"

	ActionHeader   = Profile + "-header"
	ActionLocation = "location-detection-enabled"
	ActionGPS      = "gps-detection-enabled"
	ActionSettings = "settings"
	ActionLicence  = "licence"

	rootType   = "com.canonical.indicator.root"
	switchType = "com.canonical.indicator.switch"

	settingsURIPrefix = "settings:///system/"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	ErrDisabled      = errors.New("action is disabled")
	ErrBadParameter  = errors.New("bad action parameter")
)

// Location is the location state the menu renders.
type Location interface {
	IsValid() listener.Observable[bool]
	GPSEnabled() listener.Observable[bool]
	LocationServiceEnabled() listener.Observable[bool]
	LocationServiceActive() listener.Observable[bool]
	SetGPSEnabled(enabled bool)
	SetLocationServiceEnabled(enabled bool)
}

// License is the terms-and-conditions state the menu renders.
type License interface {
	Accepted() listener.Observable[bool]
	URL() listener.Observable[string]
}

// Launcher opens a URI on behalf of the user.
type Launcher interface {
	Launch(uri string) error
}

// ActionDescription is the (bgav) description of one action.
type ActionDescription struct {
	Enabled   bool
	ParamType dbus.Signature
	State     []dbus.Variant
}

// ActionsChange lists action updates since the previous change.
type ActionsChange struct {
	Enabled map[string]bool
	State   map[string]dbus.Variant
}

// MenuChange is one (uuuuaa{sv}) menu update.
type MenuChange struct {
	Group    uint32
	Menu     uint32
	Position uint32
	Removed  uint32
	Items    []map[string]dbus.Variant
}

// MenuGroup is one (uuaa{sv}) entry of a Start reply.
type MenuGroup struct {
	Group uint32
	Menu  uint32
	Items []map[string]dbus.Variant
}

type serializedIcon struct {
	Kind  string
	Names dbus.Variant
}

// Phone is the phone profile of the location indicator.
type Phone struct {
	loc    Location
	lic    License
	launch Launcher
	logger *slog.Logger

	emitMu  sync.Mutex
	mu      sync.Mutex
	actions map[string]ActionDescription
	terms   bool

	actionListeners *listener.Registry[func(ActionsChange)]
	menuListeners   *listener.Registry[func(MenuChange)]

	unsubscribe []func()
}

// NewPhone builds the phone profile. lic may be nil when license lookup is
// off, in which case the terms entry is never shown.
func NewPhone(loc Location, lic License, launch Launcher, logger *slog.Logger) *Phone {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Phone{
		loc:             loc,
		lic:             lic,
		launch:          launch,
		logger:          logger,
		actionListeners: listener.NewRegistry[func(ActionsChange)](),
		menuListeners:   listener.NewRegistry[func(MenuChange)](),
	}
	p.actions, p.terms = p.snapshot()

	for _, o := range []listener.Observable[bool]{
		loc.IsValid(), loc.GPSEnabled(), loc.LocationServiceEnabled(), loc.LocationServiceActive(),
	} {
		p.watch(o)
	}
	if lic != nil {
		p.watch(lic.Accepted())
		url := lic.URL()
		t := url.Subscribe(func(string) { p.refresh() })
		p.unsubscribe = append(p.unsubscribe, func() { url.Unsubscribe(t) })
	}

	return p
}

func (p *Phone) watch(o listener.Observable[bool]) {
	t := o.Subscribe(func(bool) { p.refresh() })
	p.unsubscribe = append(p.unsubscribe, func() { o.Unsubscribe(t) })
}

// Close detaches the profile from its state sources.
func (p *Phone) Close() {
	for _, fn := range p.unsubscribe {
		fn()
	}
	p.unsubscribe = nil
}

// OnActionsChanged registers fn for action updates. The returned func
// removes it.
func (p *Phone) OnActionsChanged(fn func(ActionsChange)) func() {
	t := p.actionListeners.Add(fn)
	return func() { p.actionListeners.Remove(t) }
}

// OnMenuChanged registers fn for menu updates. The returned func removes it.
func (p *Phone) OnMenuChanged(fn func(MenuChange)) func() {
	t := p.menuListeners.Add(fn)
	return func() { p.menuListeners.Remove(t) }
}

// ActionNames returns the sorted action names.
func (p *Phone) ActionNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.actions))
	for name := range p.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the description of name.
func (p *Phone) Describe(name string) (ActionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, ok := p.actions[name]
	if !ok {
		return ActionDescription{}, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return d, nil
}

// DescribeAll returns every action description.
func (p *Phone) DescribeAll() map[string]ActionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]ActionDescription, len(p.actions))
	for name, d := range p.actions {
		out[name] = d
	}
	return out
}

// Activate runs name with an optional parameter.
func (p *Phone) Activate(name string, param []dbus.Variant) error {
	d, err := p.Describe(name)
	if err != nil {
		return err
	}
	if !d.Enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, name)
	}

	switch name {
	case ActionLocation:
		p.loc.SetLocationServiceEnabled(!p.loc.LocationServiceEnabled().Get())
	case ActionGPS:
		p.loc.SetGPSEnabled(!p.loc.GPSEnabled().Get())
	case ActionSettings:
		if len(param) != 1 {
			return fmt.Errorf("%w: %s expects a string", ErrBadParameter, name)
		}
		page, ok := param[0].Value().(string)
		if !ok {
			return fmt.Errorf("%w: %s expects a string", ErrBadParameter, name)
		}
		return p.open(settingsURIPrefix + page)
	case ActionLicence:
		return p.open(p.lic.URL().Get())
	}
	return nil
}

// SetState requests a new state for a stateful action.
func (p *Phone) SetState(name string, value dbus.Variant) error {
	d, err := p.Describe(name)
	if err != nil {
		return err
	}
	if !d.Enabled {
		return fmt.Errorf("%w: %s", ErrDisabled, name)
	}

	switch name {
	case ActionLocation, ActionGPS:
		b, ok := value.Value().(bool)
		if !ok {
			return fmt.Errorf("%w: %s expects a boolean", ErrBadParameter, name)
		}
		if name == ActionGPS {
			p.loc.SetGPSEnabled(b)
		} else {
			p.loc.SetLocationServiceEnabled(b)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s has no settable state", ErrBadParameter, name)
	}
}

// Menu returns the requested groups of the phone menu model.
func (p *Phone) Menu(groups []uint32) []MenuGroup {
	p.mu.Lock()
	terms := p.terms
	p.mu.Unlock()

	var out []MenuGroup
	for _, g := range groups {
		switch g {
		case 0:
			out = append(out, MenuGroup{Group: 0, Menu: 0, Items: []map[string]dbus.Variant{rootItem()}})
		case 1:
			out = append(out, MenuGroup{Group: 1, Menu: 0, Items: submenuItems(terms)})
		}
	}
	return out
}

func (p *Phone) open(uri string) error {
	if uri == "" {
		return fmt.Errorf("%w: nothing to open", ErrBadParameter)
	}
	p.logger.Debug("launching", "uri", uri)
	if err := p.launch.Launch(uri); err != nil {
		p.logger.Warn("Unable to launch", "uri", uri, "error", err)
		return err
	}
	return nil
}

func (p *Phone) refresh() {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()

	actions, terms := p.snapshot()

	p.mu.Lock()
	change := ActionsChange{
		Enabled: make(map[string]bool),
		State:   make(map[string]dbus.Variant),
	}
	for name, d := range actions {
		old := p.actions[name]
		if old.Enabled != d.Enabled {
			change.Enabled[name] = d.Enabled
		}
		if len(d.State) == 1 && (len(old.State) != 1 || !reflect.DeepEqual(old.State[0], d.State[0])) {
			change.State[name] = d.State[0]
		}
	}
	termsChanged := terms != p.terms
	p.actions = actions
	p.terms = terms
	p.mu.Unlock()

	if len(change.Enabled) > 0 || len(change.State) > 0 {
		p.actionListeners.Each(func(fn func(ActionsChange)) { fn(change) })
	}
	if termsChanged {
		mc := MenuChange{Group: 1, Menu: 0, Position: 3}
		if terms {
			mc.Items = []map[string]dbus.Variant{termsItem()}
		} else {
			mc.Removed = 1
		}
		p.menuListeners.Each(func(fn func(MenuChange)) { fn(mc) })
	}
}

func (p *Phone) snapshot() (map[string]ActionDescription, bool) {
	valid := p.loc.IsValid().Get()
	locEnabled := p.loc.LocationServiceEnabled().Get()
	gpsEnabled := p.loc.GPSEnabled().Get()
	active := p.loc.LocationServiceActive().Get()

	var accepted bool
	var url string
	if p.lic != nil {
		accepted = p.lic.Accepted().Get()
		url = p.lic.URL().Get()
	}

	actions := map[string]ActionDescription{
		ActionHeader: {
			Enabled: true,
			State:   []dbus.Variant{dbus.MakeVariant(headerState(valid && locEnabled, locEnabled, active))},
		},
		ActionLocation: {
			Enabled: valid,
			State:   []dbus.Variant{dbus.MakeVariant(locEnabled)},
		},
		ActionGPS: {
			Enabled: valid,
			State:   []dbus.Variant{dbus.MakeVariant(gpsEnabled)},
		},
		ActionSettings: {
			Enabled:   true,
			ParamType: dbus.SignatureOf(""),
		},
		ActionLicence: {
			Enabled: accepted && url != "",
		},
	}
	return actions, accepted
}

func headerState(visible, enabled, active bool) map[string]dbus.Variant {
	icon := "location-disabled"
	switch {
	case enabled && active:
		icon = "location-active"
	case enabled:
		icon = "location-idle"
	}

	return map[string]dbus.Variant{
		"title":           dbus.MakeVariant("Location"),
		"accessible-desc": dbus.MakeVariant("Location"),
		"visible":         dbus.MakeVariant(visible),
		"icon":            themedIcon(icon),
	}
}

func themedIcon(name string) dbus.Variant {
	return dbus.MakeVariant(serializedIcon{
		Kind:  "themed",
		Names: dbus.MakeVariant([]string{name, name + "-symbolic"}),
	})
}

func rootItem() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"action":           dbus.MakeVariant("indicator." + ActionHeader),
		"x-canonical-type": dbus.MakeVariant(rootType),
		":submenu":         dbus.MakeVariant(struct{ Group, Menu uint32 }{1, 0}),
	}
}

func submenuItems(terms bool) []map[string]dbus.Variant {
	items := []map[string]dbus.Variant{
		{
			"label":            dbus.MakeVariant("Location detection"),
			"action":           dbus.MakeVariant("indicator." + ActionLocation),
			"x-canonical-type": dbus.MakeVariant(switchType),
		},
		{
			"label":            dbus.MakeVariant("GPS"),
			"action":           dbus.MakeVariant("indicator." + ActionGPS),
			"x-canonical-type": dbus.MakeVariant(switchType),
		},
		{
			"label":  dbus.MakeVariant("Location settings…"),
			"action": dbus.MakeVariant("indicator." + ActionSettings),
			"target": dbus.MakeVariant("location"),
		},
	}
	if terms {
		items = append(items, termsItem())
	}
	return items
}

func termsItem() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"label":  dbus.MakeVariant("Terms and conditions"),
		"action": dbus.MakeVariant("indicator." + ActionLicence),
	}
}
