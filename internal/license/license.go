// Package license tracks whether the user accepted the location provider's
// terms and where the localized terms document lives.
package license

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"indicator-location/internal/bus"
	"indicator-location/internal/listener"
)

const (
	AccountsName      = "org.freedesktop.Accounts"
	AccountsInterface = "com.ubuntu.location.providers.here.AccountsService"

	PropAccepted = "LicenseAccepted"
	PropBasePath = "LicenseBasePath"

	fallbackLang = "en_US"
)

// UserPath returns the AccountsService object path of uid.
func UserPath(uid int) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/Accounts/User%d", uid))
}

// Config selects the account object and language.
type Config struct {
	Path dbus.ObjectPath
	// Lang is a locale such as "de_DE.UTF-8"; usually $LANG.
	Lang string
}

// Controller exposes the license state of one account.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	accepted *listener.Value[bool]
	url      *listener.Value[string]

	// signalled holds properties a PropertiesChanged signal has delivered;
	// their startup reads are stale and dropped.
	mu        sync.Mutex
	signalled map[string]bool

	unsubscribe func()
}

// New reads the license properties of cfg.Path and keeps them current.
// Read failures are logged; the cells then stay false and empty.
func New(ctx context.Context, conn bus.Conn, cfg Config, logger *slog.Logger) *Controller {
	if cfg.Path == "" {
		cfg.Path = UserPath(os.Getuid())
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		accepted:  listener.NewValue(false),
		url:       listener.NewValue(""),
		signalled: make(map[string]bool),
	}

	unsubscribe, err := conn.SubscribePropertiesChanged("", cfg.Path, c.onPropertiesChanged)
	if err != nil {
		logger.Warn("Could not watch AccountsService", "path", cfg.Path, "error", err)
	} else {
		c.unsubscribe = unsubscribe
	}

	if v, err := bus.GetPropertySync(ctx, conn, AccountsName, cfg.Path, AccountsInterface, PropAccepted); err != nil {
		logger.Warn("Could not read license state", "error", err)
	} else {
		c.applyInitial(PropAccepted, v)
	}
	if v, err := bus.GetPropertySync(ctx, conn, AccountsName, cfg.Path, AccountsInterface, PropBasePath); err != nil {
		logger.Warn("Could not read license path", "error", err)
	} else {
		c.applyInitial(PropBasePath, v)
	}

	return c
}

// Accepted is true once the user accepted the terms.
func (c *Controller) Accepted() listener.Observable[bool] { return c.accepted }

// URL is the file:// URL of the terms document, or empty.
func (c *Controller) URL() listener.Observable[string] { return c.url }

// Close stops watching the account object.
func (c *Controller) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	return nil
}

func (c *Controller) onPropertiesChanged(iface string, changed map[string]dbus.Variant, _ []string) {
	if iface != AccountsInterface {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, prop := range []string{PropAccepted, PropBasePath} {
		if v, ok := changed[prop]; ok {
			c.signalled[prop] = true
			c.apply(prop, v)
		}
	}
}

func (c *Controller) applyInitial(prop string, v dbus.Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signalled[prop] {
		c.logger.Debug("dropping stale startup read", "property", prop)
		return
	}
	c.apply(prop, v)
}

func (c *Controller) apply(prop string, v dbus.Variant) {
	switch prop {
	case PropAccepted:
		b, ok := v.Value().(bool)
		if !ok {
			c.logger.Debug("ignoring malformed property", "property", prop)
			return
		}
		c.accepted.Set(b)
	case PropBasePath:
		s, ok := v.Value().(string)
		if !ok {
			c.logger.Debug("ignoring malformed property", "property", prop)
			return
		}
		c.url.Set(BuildURL(s, c.cfg.Lang))
	}
}

// BuildURL returns file://<base>/<lang>.html with lang cut at the first
// '.', falling back to en_US when lang is empty or has no document.
func BuildURL(base, lang string) string {
	if base == "" {
		return ""
	}
	if i := strings.IndexByte(lang, '.'); i >= 0 {
		lang = lang[:i]
	}
	if lang == "" || !exists(filepath.Join(base, lang+".html")) {
		lang = fallbackLang
	}
	return "file://" + filepath.Join(base, lang+".html")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
