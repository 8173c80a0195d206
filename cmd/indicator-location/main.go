package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"indicator-location/internal/config"
	"indicator-location/internal/service"
)

var version = "dev" // Default version, can be overridden during build

func main() {
	// Create config first to register all flags
	cfg := config.New(flag.CommandLine)
	if err := cfg.Parse(flag.CommandLine, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if cfg.Version {
		fmt.Printf("indicator-location %s\n", version)
		return
	}

	logger := newLogger(os.Stderr, cfg, os.Getenv("JOURNAL_STREAM") != "")
	slog.SetDefault(logger)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := service.New(cfg, logger, version)
	if err != nil {
		logger.Error("Failed to create service", "error", err)
		os.Exit(1)
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := svc.Run(ctx); err != nil {
		if errors.Is(err, service.ErrNameLost) {
			logger.Warn("Exiting: bus name lost")
			os.Exit(1)
		}
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Under journald the journal adds its
// own timestamps and colors would be noise.
func newLogger(w io.Writer, cfg *config.Config, journal bool) *slog.Logger {
	level := parseLogLevel(cfg.LogLevel)
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		opts := &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    journal,
		}
		if journal {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			}
		}
		handler = tint.NewHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
