package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultHash           = "location"
	DefaultCommandChannel = "location:command"
)

// Config selects the Redis server and the keys the mirror uses.
type Config struct {
	URL            string
	Hash           string
	CommandChannel string
}

// Client wraps the Redis client with the location state keys
type Client struct {
	client   *redis.Client
	logger   *slog.Logger
	hash     string
	commands string
}

// New creates a new Redis client
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Hash == "" {
		cfg.Hash = DefaultHash
	}
	if cfg.CommandChannel == "" {
		cfg.CommandChannel = DefaultCommandChannel
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		client:   redis.NewClient(opt),
		logger:   logger,
		hash:     cfg.Hash,
		commands: cfg.CommandChannel,
	}, nil
}

// Ping checks if the Redis server is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PublishState writes field to the state hash and announces it on the
// channel of the same name.
func (c *Client) PublishState(ctx context.Context, field, value string) error {
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, c.hash, field, value)
	pipe.Publish(ctx, c.hash, field)
	_, err := pipe.Exec(ctx)
	if err != nil {
		c.logger.Warn("Unable to set field in redis", "hash", c.hash, "field", field, "error", err)
		return fmt.Errorf("cannot write to redis: %w", err)
	}
	return nil
}

// State reads the whole state hash.
func (c *Client) State(ctx context.Context) (map[string]string, error) {
	return c.client.HGetAll(ctx, c.hash).Result()
}

// ListenCommands calls handle with every command published on the command
// channel until ctx is done.
func (c *Client) ListenCommands(ctx context.Context, handle func(Command)) error {
	pubsub := c.client.Subscribe(ctx, c.commands)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("cannot subscribe to %s: %w", c.commands, err)
	}
	c.logger.Info("listening for commands", "channel", c.commands)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			cmd, err := ParseCommand(msg.Payload)
			if err != nil {
				c.logger.Warn("ignoring command", "payload", msg.Payload, "error", err)
				continue
			}
			c.logger.Debug("received command", "command", msg.Payload)
			handle(cmd)
		}
	}
}

// Close closes the Redis client
func (c *Client) Close() error {
	return c.client.Close()
}

// Target is what a Command switches.
type Target string

const (
	TargetGPS      Target = "gps"
	TargetLocation Target = "location"
)

// Command is one "<target>:on|off" request.
type Command struct {
	Target  Target
	Enabled bool
}

// ParseCommand parses payloads like "gps:on" or "location:off".
func ParseCommand(payload string) (Command, error) {
	target, state, ok := strings.Cut(strings.TrimSpace(payload), ":")
	if !ok {
		return Command{}, fmt.Errorf("malformed command %q", payload)
	}

	var cmd Command
	switch Target(target) {
	case TargetGPS, TargetLocation:
		cmd.Target = Target(target)
	default:
		return Command{}, fmt.Errorf("unknown target %q", target)
	}

	switch state {
	case "on":
		cmd.Enabled = true
	case "off":
	default:
		return Command{}, fmt.Errorf("unknown state %q", state)
	}
	return cmd, nil
}
