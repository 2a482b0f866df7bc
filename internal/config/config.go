// Package config loads client and service settings with viper: defaults,
// then an optional YAML file, then BAM_* environment variables, then
// command line flags bound by the caller.
package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rtloftin/discrete-bam/internal/connection"
	"github.com/rtloftin/discrete-bam/internal/devservice"
	"github.com/rtloftin/discrete-bam/internal/logger"
	"github.com/rtloftin/discrete-bam/internal/session"
	"github.com/rtloftin/discrete-bam/internal/tutorial"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. BAM_SERVER_URL for
// server.url.
const EnvPrefix = "BAM"

// Config is the full configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Session  SessionConfig  `mapstructure:"session"`
	Tutorial TutorialConfig `mapstructure:"tutorial"`
	Log      LogConfig      `mapstructure:"log"`
	Service  ServiceConfig  `mapstructure:"service"`
}

// ServerConfig locates the learning service.
type ServerConfig struct {
	// URL is the websocket endpoint.
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// TimeoutConfig bounds requests to the learning service.
type TimeoutConfig struct {
	Request time.Duration `mapstructure:"request"`
	// Session applies to start-session and end-session.
	Session time.Duration `mapstructure:"session"`
	// Learn applies to update.
	Learn time.Duration `mapstructure:"learn"`
}

// SessionConfig tunes teaching sessions.
type SessionConfig struct {
	// LearnFloor is the shortest time a learn step keeps the indicator up.
	LearnFloor time.Duration `mapstructure:"learn_floor"`
	StepDelay  time.Duration `mapstructure:"step_delay"`
	// StartFile is a YAML or JSON file sent as the start-session payload.
	StartFile string `mapstructure:"start_file"`
}

// TutorialConfig tunes tutorial playback.
type TutorialConfig struct {
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File adds a JSON log file next to stderr output.
	File string `mapstructure:"file"`
}

// ServiceConfig configures the development learning service.
type ServiceConfig struct {
	Addr           string   `mapstructure:"addr"`
	Database       string   `mapstructure:"database"`
	Debug          bool     `mapstructure:"debug"`
	MaxConnections int      `mapstructure:"max_connections"`
	Seed           uint64   `mapstructure:"seed"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:            "ws://localhost:8080/ws",
			ConnectTimeout: connection.DefaultConnectTimeout,
		},
		Timeouts: TimeoutConfig{
			Request: connection.DefaultRequestTimeout,
			Session: session.DefaultSessionTimeout,
			Learn:   session.DefaultUpdateTimeout,
		},
		Session: SessionConfig{
			LearnFloor: session.DefaultLearnFloor,
			StepDelay:  session.DefaultStepDelay,
		},
		Tutorial: TutorialConfig{
			StepDelay: tutorial.DefaultStepDelay,
		},
		Log: LogConfig{
			Level: "info",
		},
		Service: ServiceConfig{
			Addr:     ":8080",
			Database: "bam.db",
		},
	}
}

// SetDefaults registers every default with v, so that environment
// variables are seen for all keys.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("server.connect_timeout", d.Server.ConnectTimeout)

	v.SetDefault("timeouts.request", d.Timeouts.Request)
	v.SetDefault("timeouts.session", d.Timeouts.Session)
	v.SetDefault("timeouts.learn", d.Timeouts.Learn)

	v.SetDefault("session.learn_floor", d.Session.LearnFloor)
	v.SetDefault("session.step_delay", d.Session.StepDelay)
	v.SetDefault("session.start_file", d.Session.StartFile)

	v.SetDefault("tutorial.step_delay", d.Tutorial.StepDelay)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", d.Log.File)

	v.SetDefault("service.addr", d.Service.Addr)
	v.SetDefault("service.database", d.Service.Database)
	v.SetDefault("service.debug", d.Service.Debug)
	v.SetDefault("service.max_connections", d.Service.MaxConnections)
	v.SetDefault("service.seed", d.Service.Seed)
	v.SetDefault("service.allowed_origins", d.Service.AllowedOrigins)
}

// Dir returns the default configuration directory.
func Dir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bam")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "bam")
}

// NewViper returns a viper instance with defaults and the environment
// wired. An empty file searches for config.yaml in Dir() and the working
// directory.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	// BAM_SESSION_LEARN_FLOOR for session.learn_floor.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file, if any, and decodes v.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.Server.URL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("server.url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("server.url: scheme must be ws or wss, got %q", u.Scheme))
	}

	durations := map[string]time.Duration{
		"server.connect_timeout": c.Server.ConnectTimeout,
		"timeouts.request":       c.Timeouts.Request,
		"timeouts.session":       c.Timeouts.Session,
		"timeouts.learn":         c.Timeouts.Learn,
		"session.learn_floor":    c.Session.LearnFloor,
		"session.step_delay":     c.Session.StepDelay,
		"tutorial.step_delay":    c.Tutorial.StepDelay,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if durations[key] < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", key))
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Service.MaxConnections < 0 {
		errs = append(errs, errors.New("service.max_connections: must not be negative"))
	}
	return errors.Join(errs...)
}

// SessionRun returns the teaching session timings.
func (c *Config) SessionRun() session.Config {
	return session.Config{
		RequestTimeout: c.Timeouts.Request,
		UpdateTimeout:  c.Timeouts.Learn,
		SessionTimeout: c.Timeouts.Session,
		LearnFloor:     c.Session.LearnFloor,
		StepDelay:      c.Session.StepDelay,
	}
}

// TutorialRun returns the tutorial controller timings.
func (c *Config) TutorialRun() tutorial.Config {
	return tutorial.Config{
		RequestTimeout: c.Timeouts.Request,
		StepDelay:      c.Tutorial.StepDelay,
	}
}

// DevService returns the development service settings.
func (c *Config) DevService() devservice.Config {
	return devservice.Config{
		Addr:           c.Service.Addr,
		AllowedOrigins: c.Service.AllowedOrigins,
		MaxConnections: c.Service.MaxConnections,
		Seed:           c.Service.Seed,
	}
}

// StartPayload reads the start-session payload from StartFile. Without a
// file the payload is empty.
func (c *SessionConfig) StartPayload() (map[string]any, error) {
	if c.StartFile == "" {
		return map[string]any{}, nil
	}
	data, err := os.ReadFile(c.StartFile)
	if err != nil {
		return nil, fmt.Errorf("read start file: %w", err)
	}
	// YAML is a superset of JSON, so either format decodes here.
	payload := map[string]any{}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode start file: %w", err)
	}
	return payload, nil
}
