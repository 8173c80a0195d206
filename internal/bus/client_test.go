package bus

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testName  = "org.example.Location"
	testPath  = dbus.ObjectPath("/org/example/Location")
	testIface = "org.example.Location"
)

// startDBusDaemon starts a private session-type dbus-daemon and returns its
// address.
func startDBusDaemon(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	sockPath := filepath.Join(t.TempDir(), "bus.sock")
	addr := "unix:path=" + sockPath

	cmd := exec.Command("dbus-daemon", "--session", "--nofork", "--address="+addr)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		cmd.Process.Kill() //nolint:errcheck
		cmd.Wait()         //nolint:errcheck
	})

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sockPath); err == nil {
			return addr
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("dbus-daemon socket not created in time")
	return ""
}

func connect(t *testing.T, addr string) *dbus.Conn {
	t.Helper()
	conn, err := dbus.Connect(addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	return newClient(connect(t, addr), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		var zero T
		return zero
	}
}

func nothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected bus event %v", v)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClientWatchName(t *testing.T) {
	addr := startDBusDaemon(t)
	c := newTestClient(t, addr)

	events := make(chan string, 8)
	stop, err := c.WatchName(testName,
		func(owner string) { events <- "appeared " + owner },
		func() { events <- "vanished" })
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, "vanished", next(t, events))

	owner, err := dbus.Connect(addr)
	require.NoError(t, err)
	reply, err := owner.RequestName(testName, dbus.NameFlagDoNotQueue)
	require.NoError(t, err)
	require.Equal(t, dbus.RequestNameReplyPrimaryOwner, reply)
	unique := owner.Names()[0]

	assert.Equal(t, "appeared "+unique, next(t, events))

	owner.Close()
	assert.Equal(t, "vanished", next(t, events))
	nothing(t, events)
}

func TestClientWatchNameAlreadyOwned(t *testing.T) {
	addr := startDBusDaemon(t)

	owner := connect(t, addr)
	_, err := owner.RequestName(testName, dbus.NameFlagDoNotQueue)
	require.NoError(t, err)

	c := newTestClient(t, addr)
	events := make(chan string, 8)
	stop, err := c.WatchName(testName,
		func(owner string) { events <- "appeared " + owner },
		func() { events <- "vanished" })
	require.NoError(t, err)
	defer stop()

	assert.Equal(t, "appeared "+owner.Names()[0], next(t, events))
	nothing(t, events)
}

type propertiesChange struct {
	iface       string
	changed     map[string]dbus.Variant
	invalidated []string
}

func TestClientProperties(t *testing.T) {
	addr := startDBusDaemon(t)

	svc := connect(t, addr)
	_, err := svc.RequestName(testName, dbus.NameFlagDoNotQueue)
	require.NoError(t, err)
	_, err = prop.Export(svc, testPath, prop.Map{
		testIface: {
			"IsOnline": {Value: false, Writable: true, Emit: prop.EmitTrue},
		},
	})
	require.NoError(t, err)

	c := newTestClient(t, addr)
	changes := make(chan propertiesChange, 8)
	unsubscribe, err := c.SubscribePropertiesChanged(svc.Names()[0], testPath,
		func(iface string, changed map[string]dbus.Variant, invalidated []string) {
			changes <- propertiesChange{iface, changed, invalidated}
		})
	require.NoError(t, err)
	defer unsubscribe()

	// neither a foreign sender nor another path reaches the subscriber
	foreign := connect(t, addr)
	require.NoError(t, foreign.Emit(testPath, PropertiesChanged, testIface,
		map[string]dbus.Variant{"IsOnline": dbus.MakeVariant(true)}, []string{}))
	require.NoError(t, svc.Emit("/org/example/Other", PropertiesChanged, testIface,
		map[string]dbus.Variant{"IsOnline": dbus.MakeVariant(true)}, []string{}))

	ctx := context.Background()
	got := make(chan dbus.Variant, 1)
	errs := make(chan error, 2)
	c.GetProperty(ctx, testName, testPath, testIface, "IsOnline", func(v dbus.Variant, err error) {
		errs <- err
		got <- v
	})
	require.NoError(t, next(t, errs))
	assert.Equal(t, false, next(t, got).Value())

	c.GetProperty(ctx, testName, testPath, testIface, "Missing", func(v dbus.Variant, err error) {
		errs <- err
	})
	assert.Error(t, next(t, errs))

	c.SetProperty(ctx, testName, testPath, testIface, "IsOnline", dbus.MakeVariant(true), func(err error) {
		errs <- err
	})
	require.NoError(t, next(t, errs))

	change := next(t, changes)
	assert.Equal(t, testIface, change.iface)
	require.Contains(t, change.changed, "IsOnline")
	assert.Equal(t, true, change.changed["IsOnline"].Value())
	nothing(t, changes)

	unsubscribe()
	require.NoError(t, svc.Emit(testPath, PropertiesChanged, testIface,
		map[string]dbus.Variant{"IsOnline": dbus.MakeVariant(false)}, []string{"State"}))
	nothing(t, changes)
}

func TestClientOwnName(t *testing.T) {
	addr := startDBusDaemon(t)
	first := newTestClient(t, addr)
	second := newTestClient(t, addr)

	lost := make(chan struct{}, 2)
	release, err := first.OwnName(testName, func() { lost <- struct{}{} })
	require.NoError(t, err)

	_, err = second.OwnName(testName, func() {})
	assert.Error(t, err, "name is owned by another connection")

	// releasing through the returned func is not a loss
	release()
	nothing(t, lost)

	releaseSecond, err := second.OwnName(testName, func() {})
	require.NoError(t, err)
	releaseSecond()

	_, err = first.OwnName(testName, func() { lost <- struct{}{} })
	require.NoError(t, err)
	_, err = first.Raw().ReleaseName(testName)
	require.NoError(t, err)
	next(t, lost)
}
