package indicator

import (
	"io"
	"log/slog"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indicator-location/internal/listener"
)

type fakeLocation struct {
	valid, gps, enabled, active *listener.Value[bool]
	gpsRequests                 []bool
	locationRequests            []bool
}

func newFakeLocation() *fakeLocation {
	return &fakeLocation{
		valid:   listener.NewValue(false),
		gps:     listener.NewValue(false),
		enabled: listener.NewValue(false),
		active:  listener.NewValue(false),
	}
}

func (f *fakeLocation) IsValid() listener.Observable[bool]    { return f.valid }
func (f *fakeLocation) GPSEnabled() listener.Observable[bool] { return f.gps }

func (f *fakeLocation) LocationServiceEnabled() listener.Observable[bool] { return f.enabled }
func (f *fakeLocation) LocationServiceActive() listener.Observable[bool]  { return f.active }

func (f *fakeLocation) SetGPSEnabled(v bool) {
	f.gpsRequests = append(f.gpsRequests, v)
}

func (f *fakeLocation) SetLocationServiceEnabled(v bool) {
	f.locationRequests = append(f.locationRequests, v)
}

type fakeLicense struct {
	accepted *listener.Value[bool]
	url      *listener.Value[string]
}

func newFakeLicense() *fakeLicense {
	return &fakeLicense{accepted: listener.NewValue(false), url: listener.NewValue("")}
}

func (f *fakeLicense) Accepted() listener.Observable[bool] { return f.accepted }
func (f *fakeLicense) URL() listener.Observable[string]    { return f.url }

type fakeLauncher struct {
	uris []string
	err  error
}

func (f *fakeLauncher) Launch(uri string) error {
	f.uris = append(f.uris, uri)
	return f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPhone(t *testing.T) (*Phone, *fakeLocation, *fakeLicense, *fakeLauncher) {
	t.Helper()
	loc := newFakeLocation()
	lic := newFakeLicense()
	launch := &fakeLauncher{}
	p := NewPhone(loc, lic, launch, testLogger())
	t.Cleanup(p.Close)
	return p, loc, lic, launch
}

func header(t *testing.T, p *Phone) map[string]dbus.Variant {
	t.Helper()
	d, err := p.Describe(ActionHeader)
	require.NoError(t, err)
	require.Len(t, d.State, 1)
	state, ok := d.State[0].Value().(map[string]dbus.Variant)
	require.True(t, ok)
	return state
}

func iconName(t *testing.T, state map[string]dbus.Variant) string {
	t.Helper()
	icon, ok := state["icon"].Value().(serializedIcon)
	require.True(t, ok)
	names, ok := icon.Names.Value().([]string)
	require.True(t, ok)
	return names[0]
}

func TestActionNames(t *testing.T) {
	p, _, _, _ := newTestPhone(t)

	assert.Equal(t, []string{
		ActionGPS, ActionLicence, ActionLocation, ActionHeader, ActionSettings,
	}, p.ActionNames())
	assert.Len(t, p.DescribeAll(), 5)

	_, err := p.Describe("nope")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestHeaderFollowsState(t *testing.T) {
	p, loc, _, _ := newTestPhone(t)

	state := header(t, p)
	assert.Equal(t, false, state["visible"].Value())
	assert.Equal(t, "location-disabled", iconName(t, state))
	assert.Equal(t, "Location", state["title"].Value())

	loc.valid.Set(true)
	loc.enabled.Set(true)
	state = header(t, p)
	assert.Equal(t, true, state["visible"].Value())
	assert.Equal(t, "location-idle", iconName(t, state))

	loc.active.Set(true)
	assert.Equal(t, "location-active", iconName(t, header(t, p)))

	loc.valid.Set(false)
	assert.Equal(t, false, header(t, p)["visible"].Value())
}

func TestSwitchesEnabledOnlyWhileValid(t *testing.T) {
	p, loc, _, _ := newTestPhone(t)

	var changes []ActionsChange
	p.OnActionsChanged(func(c ActionsChange) { changes = append(changes, c) })

	d, err := p.Describe(ActionGPS)
	require.NoError(t, err)
	assert.False(t, d.Enabled)
	assert.ErrorIs(t, p.Activate(ActionGPS, nil), ErrDisabled)
	assert.Empty(t, loc.gpsRequests)

	loc.valid.Set(true)
	require.Len(t, changes, 1)
	assert.Equal(t, map[string]bool{ActionGPS: true, ActionLocation: true}, changes[0].Enabled)
	assert.Empty(t, changes[0].State)
}

func TestActivateRequestsToggle(t *testing.T) {
	p, loc, _, _ := newTestPhone(t)
	loc.valid.Set(true)
	loc.gps.Set(true)

	require.NoError(t, p.Activate(ActionGPS, nil))
	require.NoError(t, p.Activate(ActionLocation, nil))

	assert.Equal(t, []bool{false}, loc.gpsRequests)
	assert.Equal(t, []bool{true}, loc.locationRequests)

	d, err := p.Describe(ActionGPS)
	require.NoError(t, err)
	assert.Equal(t, true, d.State[0].Value())
}

func TestSetStateRequestsValue(t *testing.T) {
	p, loc, _, _ := newTestPhone(t)
	loc.valid.Set(true)

	require.NoError(t, p.SetState(ActionLocation, dbus.MakeVariant(true)))
	assert.Equal(t, []bool{true}, loc.locationRequests)

	assert.ErrorIs(t, p.SetState(ActionGPS, dbus.MakeVariant("on")), ErrBadParameter)
	assert.ErrorIs(t, p.SetState(ActionSettings, dbus.MakeVariant(true)), ErrBadParameter)
	assert.Empty(t, loc.gpsRequests)
}

func TestStateChangesAreEmitted(t *testing.T) {
	p, loc, _, _ := newTestPhone(t)

	var changes []ActionsChange
	p.OnActionsChanged(func(c ActionsChange) { changes = append(changes, c) })

	loc.gps.Set(true)
	require.Len(t, changes, 1)
	assert.Equal(t, dbus.MakeVariant(true), changes[0].State[ActionGPS])
	assert.NotContains(t, changes[0].State, ActionHeader)

	loc.enabled.Set(true)
	require.Len(t, changes, 2)
	assert.Contains(t, changes[1].State, ActionLocation)
	assert.Contains(t, changes[1].State, ActionHeader)
}

func TestSettingsLaunchesDeepLink(t *testing.T) {
	p, _, _, launch := newTestPhone(t)

	require.NoError(t, p.Activate(ActionSettings, []dbus.Variant{dbus.MakeVariant("location")}))
	assert.Equal(t, []string{"settings:///system/location"}, launch.uris)

	assert.ErrorIs(t, p.Activate(ActionSettings, nil), ErrBadParameter)
	assert.ErrorIs(t, p.Activate(ActionSettings, []dbus.Variant{dbus.MakeVariant(1)}), ErrBadParameter)

	launch.err = errors.New("exec failed")
	assert.Error(t, p.Activate(ActionSettings, []dbus.Variant{dbus.MakeVariant("location")}))
}

func TestLicenceAndTermsItem(t *testing.T) {
	p, _, lic, launch := newTestPhone(t)

	var menu []MenuChange
	p.OnMenuChanged(func(c MenuChange) { menu = append(menu, c) })

	groups := p.Menu([]uint32{1})
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Items, 3)

	lic.accepted.Set(true)
	d, err := p.Describe(ActionLicence)
	require.NoError(t, err)
	assert.False(t, d.Enabled)

	require.Len(t, menu, 1)
	assert.Equal(t, uint32(3), menu[0].Position)
	assert.Zero(t, menu[0].Removed)
	require.Len(t, menu[0].Items, 1)
	assert.Equal(t, "Terms and conditions", menu[0].Items[0]["label"].Value())

	lic.url.Set("file:///usr/share/here/en_US.html")
	require.NoError(t, p.Activate(ActionLicence, nil))
	assert.Equal(t, []string{"file:///usr/share/here/en_US.html"}, launch.uris)
	assert.Len(t, p.Menu([]uint32{1})[0].Items, 4)

	lic.accepted.Set(false)
	require.Len(t, menu, 2)
	assert.Equal(t, uint32(1), menu[1].Removed)
	assert.Empty(t, menu[1].Items)
	assert.ErrorIs(t, p.Activate(ActionLicence, nil), ErrDisabled)
}

func TestMenuRoot(t *testing.T) {
	p, _, _, _ := newTestPhone(t)

	groups := p.Menu([]uint32{0, 1, 7})
	require.Len(t, groups, 2)

	root := groups[0].Items[0]
	assert.Equal(t, "indicator."+ActionHeader, root["action"].Value())
	assert.Equal(t, rootType, root["x-canonical-type"].Value())
	assert.Equal(t, struct{ Group, Menu uint32 }{1, 0}, root[":submenu"].Value())

	labels := make([]string, 0, len(groups[1].Items))
	for _, item := range groups[1].Items {
		labels = append(labels, item["label"].Value().(string))
	}
	assert.Equal(t, []string{"Location detection", "GPS", "Location settings…"}, labels)
}

func TestWithoutLicense(t *testing.T) {
	loc := newFakeLocation()
	p := NewPhone(loc, nil, &fakeLauncher{}, testLogger())
	defer p.Close()

	assert.ErrorIs(t, p.Activate(ActionLicence, nil), ErrDisabled)
	assert.Len(t, p.Menu([]uint32{1})[0].Items, 3)
}

func TestCloseDetaches(t *testing.T) {
	loc := newFakeLocation()
	p := NewPhone(loc, nil, &fakeLauncher{}, testLogger())

	var changes int
	p.OnActionsChanged(func(ActionsChange) { changes++ })
	p.Close()

	loc.valid.Set(true)
	assert.Zero(t, changes)
}
