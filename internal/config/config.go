package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ConfigFile string

	LocationBusName    string
	LocationObjectPath string
	LocationInterface  string
	AutoStart          bool

	IndicatorBusName    string
	IndicatorObjectPath string
	Launcher            string
	License             bool

	RedisURL            string
	RedisHash           string
	RedisCommandChannel string

	LogLevel  string
	LogFormat string
	Debug     bool
	Version   bool
}

// File is the YAML config file layout. Unset keys leave the flag defaults
// alone.
type File struct {
	Location struct {
		BusName    *string `yaml:"bus_name"`
		ObjectPath *string `yaml:"object_path"`
		Interface  *string `yaml:"interface"`
		AutoStart  *bool   `yaml:"auto_start"`
	} `yaml:"location"`
	Indicator struct {
		BusName    *string `yaml:"bus_name"`
		ObjectPath *string `yaml:"object_path"`
		Launcher   *string `yaml:"launcher"`
		License    *bool   `yaml:"license"`
	} `yaml:"indicator"`
	Redis struct {
		URL            *string `yaml:"url"`
		Hash           *string `yaml:"hash"`
		CommandChannel *string `yaml:"command_channel"`
	} `yaml:"redis"`
	LogLevel  *string `yaml:"log_level"`
	LogFormat *string `yaml:"log_format"`
	Debug     *bool   `yaml:"debug"`
}

// New registers the command line flags on fs and returns the Config they
// fill in.
func New(fs *flag.FlagSet) *Config {
	cfg := &Config{}

	fs.StringVar(&cfg.ConfigFile, "config", DefaultPath(), "YAML config file (missing file is ignored)")
	fs.StringVar(&cfg.LocationBusName, "location-bus-name", "com.ubuntu.location.Service", "Location service bus name")
	fs.StringVar(&cfg.LocationObjectPath, "location-object-path", "/com/ubuntu/location/Service", "Location service object path")
	fs.StringVar(&cfg.LocationInterface, "location-interface", "com.ubuntu.location.Service", "Location service interface")
	fs.BoolVar(&cfg.AutoStart, "auto-start", false, "Ask the bus to activate the location service")
	fs.StringVar(&cfg.IndicatorBusName, "indicator-bus-name", "com.canonical.indicator.location", "Bus name to own on the session bus")
	fs.StringVar(&cfg.IndicatorObjectPath, "indicator-object-path", "/com/canonical/indicator/location", "Object path of the exported actions")
	fs.StringVar(&cfg.Launcher, "launcher", "url-dispatcher", "Command used to open settings pages and the terms document")
	fs.BoolVar(&cfg.License, "license", true, "Show the location provider's terms and conditions")
	fs.StringVar(&cfg.RedisURL, "redis-url", "", "Redis URL to mirror state to (empty disables)")
	fs.StringVar(&cfg.RedisHash, "redis-hash", "location", "Redis hash holding the mirrored state")
	fs.StringVar(&cfg.RedisCommandChannel, "redis-command-channel", "location:command", "Redis channel accepting gps:on|off and location:on|off")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", "text", "Log format (text, json)")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&cfg.Version, "version", false, "Print version info")

	return cfg
}

// Parse parses args and then applies the config file to every setting not
// given on the command line.
func (c *Config) Parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if c.ConfigFile != "" {
		file, err := Load(c.ConfigFile)
		if err != nil {
			return err
		}
		c.apply(file, set)
	}
	return c.Validate()
}

func (c *Config) apply(f *File, set map[string]bool) {
	str := func(flagName string, dst *string, v *string) {
		if v != nil && !set[flagName] {
			*dst = *v
		}
	}
	boolean := func(flagName string, dst *bool, v *bool) {
		if v != nil && !set[flagName] {
			*dst = *v
		}
	}

	str("location-bus-name", &c.LocationBusName, f.Location.BusName)
	str("location-object-path", &c.LocationObjectPath, f.Location.ObjectPath)
	str("location-interface", &c.LocationInterface, f.Location.Interface)
	boolean("auto-start", &c.AutoStart, f.Location.AutoStart)
	str("indicator-bus-name", &c.IndicatorBusName, f.Indicator.BusName)
	str("indicator-object-path", &c.IndicatorObjectPath, f.Indicator.ObjectPath)
	str("launcher", &c.Launcher, f.Indicator.Launcher)
	boolean("license", &c.License, f.Indicator.License)
	str("redis-url", &c.RedisURL, f.Redis.URL)
	str("redis-hash", &c.RedisHash, f.Redis.Hash)
	str("redis-command-channel", &c.RedisCommandChannel, f.Redis.CommandChannel)
	str("log-level", &c.LogLevel, f.LogLevel)
	str("log-format", &c.LogFormat, f.LogFormat)
	boolean("debug", &c.Debug, f.Debug)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.LocationBusName == "" || c.IndicatorBusName == "" {
		return fmt.Errorf("bus names must not be empty")
	}
	return nil
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "indicator-location", "config.yaml")
}

// Load reads and parses a YAML config file. A missing file yields an empty
// File.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &f, nil
}
