package redis

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// getTestRedisURL returns the Redis URL for testing
func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	return url
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupTestClient creates a test client on a scratch hash and removes it
// afterwards
func setupTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := New(Config{
		URL:            getTestRedisURL(),
		Hash:           "location:test",
		CommandChannel: "location:test:command",
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	t.Cleanup(func() {
		client.client.Del(context.Background(), client.hash)
		client.Close()
	})
	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		redisURL string
		wantErr  bool
	}{
		{
			name:     "valid URL with port",
			redisURL: "redis://localhost:6379",
		},
		{
			name:     "valid URL without port",
			redisURL: "redis://localhost",
		},
		{
			name:     "URL without scheme",
			redisURL: "localhost:6379",
			wantErr:  true,
		},
		{
			name:     "empty URL",
			redisURL: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := New(Config{URL: tt.redisURL}, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if client != nil {
				if client.hash != DefaultHash || client.commands != DefaultCommandChannel {
					t.Errorf("New() keys = %s/%s, want defaults", client.hash, client.commands)
				}
				client.Close()
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    Command
		wantErr bool
	}{
		{payload: "gps:on", want: Command{Target: TargetGPS, Enabled: true}},
		{payload: "gps:off", want: Command{Target: TargetGPS}},
		{payload: "location:on", want: Command{Target: TargetLocation, Enabled: true}},
		{payload: " location:off\n", want: Command{Target: TargetLocation}},
		{payload: "gps", wantErr: true},
		{payload: "wifi:on", wantErr: true},
		{payload: "gps:maybe", wantErr: true},
		{payload: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseCommand(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommand(%q) error = %v, wantErr %v", tt.payload, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseCommand(%q) = %+v, want %+v", tt.payload, got, tt.want)
			}
		})
	}
}

func TestMirrorCoalesces(t *testing.T) {
	m := NewMirror(nil)

	m.SetBool("valid", false)
	m.SetBool("gps-enabled", true)
	m.SetBool("valid", true)

	got := m.take()
	want := []fieldValue{{"valid", "true"}, {"gps-enabled", "true"}}
	if len(got) != len(want) {
		t.Fatalf("take() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("take()[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if rest := m.take(); len(rest) != 0 {
		t.Errorf("second take() = %v, want nothing", rest)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(s string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), s)
}

func TestMirrorKeepsRunningAfterWriteFailure(t *testing.T) {
	var logs syncBuffer
	// nothing listens on port 1
	client, err := New(Config{URL: "redis://127.0.0.1:1/0?max_retries=-1&dial_timeout=100ms"},
		slog.New(slog.NewTextHandler(&logs, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	m := NewMirror(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitForFailures := func(n int) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for logs.count("Unable to set field") < n {
			if time.Now().After(deadline) {
				t.Fatalf("expected %d logged write failures", n)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	m.SetBool("valid", true)
	waitForFailures(1)
	m.SetBool("gps-enabled", false)
	waitForFailures(2)

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestPublishState(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	fields := map[string]string{
		"valid":            "true",
		"gps-enabled":      "false",
		"location-enabled": "true",
	}
	for field, value := range fields {
		if err := client.PublishState(ctx, field, value); err != nil {
			t.Fatalf("PublishState(%s) error = %v", field, err)
		}
	}

	state, err := client.State(ctx)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	for field, value := range fields {
		if state[field] != value {
			t.Errorf("Field %s = %v, want %v", field, state[field], value)
		}
	}
}

func TestMirrorRun(t *testing.T) {
	client := setupTestClient(t)
	m := NewMirror(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.SetBool("location-active", true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := client.State(context.Background())
		if err == nil && state["location-active"] == "true" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("location-active never reached redis: %v %v", state, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestListenCommands(t *testing.T) {
	client := setupTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Command, 4)
	done := make(chan error, 1)
	go func() {
		done <- client.ListenCommands(ctx, func(c Command) {
			select {
			case got <- c:
			default:
			}
		})
	}()

	// the subscription is set up asynchronously; publish until it is seen
	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for received := false; !received; {
		select {
		case c := <-got:
			if c != (Command{Target: TargetGPS, Enabled: true}) {
				t.Fatalf("got %+v", c)
			}
			received = true
		case <-tick.C:
			client.client.Publish(ctx, client.commands, "bogus")
			client.client.Publish(ctx, client.commands, "gps:on")
		case <-deadline:
			t.Fatal("command never received")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("ListenCommands() error = %v", err)
	}
}
