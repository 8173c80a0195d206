package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"

	"indicator-location/internal/bus"
	"indicator-location/internal/config"
	"indicator-location/internal/controller"
	"indicator-location/internal/indicator"
	"indicator-location/internal/license"
	redisClient "indicator-location/internal/redis"
)

// ErrNameLost is returned by Run when another process takes the indicator's
// bus name.
var ErrNameLost = errors.New("indicator bus name lost")

const licenseLookupTimeout = 5 * time.Second

// SessionConn is the session bus connection the indicator is exported on.
type SessionConn interface {
	indicator.Conn
	OwnName(name string, lost func()) (func(), error)
	Close() error
}

type Service struct {
	Config *config.Config
	Logger *slog.Logger

	// DialSystem connects to the bus the location service and
	// AccountsService live on.
	DialSystem bus.Dialer
	// DialSession connects to the bus the indicator is exported on.
	DialSession func(ctx context.Context) (SessionConn, error)
	Launcher    indicator.Launcher
	Lang        string
}

func New(cfg *config.Config, logger *slog.Logger, version string) (*Service, error) {
	if cfg.RedisURL != "" {
		// fail early on a malformed URL rather than after the bus is set up
		c, err := redisClient.New(redisClient.Config{URL: cfg.RedisURL}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis client: %w", err)
		}
		c.Close()
	}

	busLogger := logger.With("component", "bus")
	s := &Service{
		Config:     cfg,
		Logger:     logger,
		DialSystem: bus.SystemDialer(busLogger, bus.WithAutoStart(cfg.AutoStart)),
		DialSession: func(ctx context.Context) (SessionConn, error) {
			c, err := bus.DialSession(ctx, busLogger)
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		Launcher: indicator.CommandLauncher{Command: cfg.Launcher, Logger: logger.With("component", "launcher")},
		Lang:     os.Getenv("LANG"),
	}

	logger.Info("indicator-location starting", "version", version)
	return s, nil
}

// Run exports the indicator and blocks until ctx is done or the bus name is
// lost. Everything Run started is shut down before it returns.
func (s *Service) Run(ctx context.Context) error {
	ctrl := controller.New(controller.Config{
		BusName:    s.Config.LocationBusName,
		ObjectPath: dbus.ObjectPath(s.Config.LocationObjectPath),
		Interface:  s.Config.LocationInterface,
	}, s.DialSystem, s.Logger.With("component", "controller"))
	defer ctrl.Close()

	var lic indicator.License
	if s.Config.License {
		l, closeLicense := s.startLicense(ctx)
		if l != nil {
			defer closeLicense()
			lic = l
		}
	}

	phone := indicator.NewPhone(ctrl, lic, s.Launcher, s.Logger.With("component", "indicator"))
	defer phone.Close()

	session, err := s.DialSession(ctx)
	if err != nil {
		return fmt.Errorf("cannot connect to session bus: %w", err)
	}
	defer session.Close()

	exporter, err := indicator.Export(session, dbus.ObjectPath(s.Config.IndicatorObjectPath), phone, s.Logger.With("component", "indicator"))
	if err != nil {
		return err
	}
	defer exporter.Unexport()

	lost := make(chan struct{})
	var lostOnce sync.Once
	release, err := session.OwnName(s.Config.IndicatorBusName, func() {
		lostOnce.Do(func() { close(lost) })
	})
	if err != nil {
		return fmt.Errorf("cannot own %s: %w", s.Config.IndicatorBusName, err)
	}
	defer release()

	g, gctx := errgroup.WithContext(ctx)

	if s.Config.RedisURL != "" {
		client, err := s.startRedis(gctx, g, ctrl)
		if err != nil {
			return err
		}
		defer client.Close()
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-lost:
			return ErrNameLost
		}
	})

	s.Logger.Info("indicator exported", "name", s.Config.IndicatorBusName, "path", s.Config.IndicatorObjectPath)
	err = g.Wait()
	s.Logger.Info("shutting down")
	return err
}

func (s *Service) startLicense(ctx context.Context) (*license.Controller, func()) {
	logger := s.Logger.With("component", "license")

	conn, err := s.DialSystem(ctx)
	if err != nil {
		logger.Warn("Could not connect to AccountsService", "error", err)
		return nil, nil
	}

	lctx, cancel := context.WithTimeout(ctx, licenseLookupTimeout)
	defer cancel()
	lic := license.New(lctx, conn, license.Config{Lang: s.Lang}, logger)

	return lic, func() {
		lic.Close()
		conn.Close()
	}
}

func (s *Service) startRedis(ctx context.Context, g *errgroup.Group, ctrl *controller.Controller) (*redisClient.Client, error) {
	logger := s.Logger.With("component", "redis")

	client, err := redisClient.New(redisClient.Config{
		URL:            s.Config.RedisURL,
		Hash:           s.Config.RedisHash,
		CommandChannel: s.Config.RedisCommandChannel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	mirror := redisClient.NewMirror(client)
	token := ctrl.Subscribe(func(e controller.Event) {
		mirror.SetBool(string(e.Key), e.Value)
	})
	mirror.SetBool(string(controller.KeyValid), ctrl.IsValid().Get())
	mirror.SetBool(string(controller.KeyGPSEnabled), ctrl.GPSEnabled().Get())
	mirror.SetBool(string(controller.KeyLocationEnabled), ctrl.LocationServiceEnabled().Get())
	mirror.SetBool(string(controller.KeyLocationActive), ctrl.LocationServiceActive().Get())

	g.Go(func() error {
		defer ctrl.Unsubscribe(token)
		return mirror.Run(ctx)
	})
	g.Go(func() error {
		return client.ListenCommands(ctx, func(cmd redisClient.Command) {
			handleCommand(ctrl, logger, cmd)
		})
	})
	return client, nil
}

type setter interface {
	SetGPSEnabled(bool)
	SetLocationServiceEnabled(bool)
}

func handleCommand(ctrl setter, logger *slog.Logger, cmd redisClient.Command) {
	logger.Info("Received command", "target", cmd.Target, "enabled", cmd.Enabled)
	switch cmd.Target {
	case redisClient.TargetGPS:
		ctrl.SetGPSEnabled(cmd.Enabled)
	case redisClient.TargetLocation:
		ctrl.SetLocationServiceEnabled(cmd.Enabled)
	}
}
