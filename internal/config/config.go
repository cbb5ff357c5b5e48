// Package config loads the gateway configuration: struct defaults, then an optional YAML file, then
// environment variables (optionally read from a .env file).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcuadros/go-defaults"
	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/scheduler"
	"github.com/srg/blesync/internal/session"
	"github.com/srg/blesync/internal/sink"
	"gopkg.in/yaml.v3"
)

const (
	SinkStdout = "stdout"
	SinkMQTT   = "mqtt"
	SinkAMQP   = "amqp"
	SinkInflux = "influx"
)

// Sinks lists every supported sink name.
var Sinks = []string{SinkStdout, SinkMQTT, SinkAMQP, SinkInflux}

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Log     LogConfig     `yaml:"log"`
	Scan    ScanConfig    `yaml:"scan"`
	Session SessionConfig `yaml:"session"`
	Resync  ResyncConfig  `yaml:"resync"`
	// DrainTimeout bounds how long shutdown waits for queued devices.
	DrainTimeout time.Duration `yaml:"drain_timeout" default:"2m"`
	HistorySize  uint32        `yaml:"history_size" default:"64"`

	Sinks  []string           `yaml:"sinks"`
	Dedup  DedupConfig        `yaml:"dedup"`
	MQTT   sink.MQTTOptions   `yaml:"mqtt"`
	AMQP   sink.AMQPOptions   `yaml:"amqp"`
	Influx sink.InfluxOptions `yaml:"influx"`
}

type LogConfig struct {
	Level string `yaml:"level" default:"info"`
	// File additionally writes logs to a size-rotated file.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" default:"10"`
	MaxBackups int    `yaml:"max_backups" default:"3"`
	MaxAgeDays int    `yaml:"max_age_days" default:"28"`
}

type ScanConfig struct {
	// Window is the duration of one scan pass.
	Window time.Duration `yaml:"window" default:"10s"`
	// Pause separates scan passes.
	Pause    time.Duration `yaml:"pause" default:"5s"`
	MatchURL string        `yaml:"match_url" default:"http://www.afarcloud.eu/"`
	// Services admits devices advertising any of these service UUIDs.
	Services []string `yaml:"services"`
}

type SessionConfig struct {
	ConnectAttempts   int           `yaml:"connect_attempts" default:"3"`
	RetryDelay        time.Duration `yaml:"retry_delay" default:"5s"`
	IndicationTimeout time.Duration `yaml:"indication_timeout" default:"30s"`
	FlushThreshold    int           `yaml:"flush_threshold" default:"4"`
}

type ResyncConfig struct {
	Interval            time.Duration `yaml:"interval" default:"15m"`
	CalibrationInterval time.Duration `yaml:"calibration_interval" default:"1h"`
}

type DedupConfig struct {
	Enabled           bool `yaml:"enabled"`
	sink.DedupOptions `yaml:",inline"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Sinks = []string{SinkStdout}
	return cfg
}

// Load builds the configuration. path may be empty. A .env file in the working directory is loaded when
// present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		name   string
		target *string
	}{
		{"BLESYNC_LOG_LEVEL", &cfg.Log.Level},
		{"BLESYNC_MQTT_BROKER", &cfg.MQTT.Broker},
		{"BLESYNC_MQTT_TOKEN", &cfg.MQTT.Token},
		{"BLESYNC_AMQP_URL", &cfg.AMQP.URL},
		{"INFLUXDB_URL", &cfg.Influx.URL},
		{"INFLUXDB_TOKEN", &cfg.Influx.Token},
		{"INFLUXDB_ORG", &cfg.Influx.Org},
		{"INFLUXDB_BUCKET", &cfg.Influx.Bucket},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.name); v != "" {
			*o.target = v
		}
	}
	if v := os.Getenv("BLESYNC_SINKS"); v != "" {
		cfg.Sinks = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks value ranges and that every enabled sink has its endpoint.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level),
		"log.level %q must be debug, info, warn, or error", c.Log.Level)
	check(c.Session.ConnectAttempts >= 1, "session.connect_attempts must be >= 1, got %d", c.Session.ConnectAttempts)
	check(c.Session.RetryDelay >= 0, "session.retry_delay must not be negative")
	check(c.Session.IndicationTimeout > 0, "session.indication_timeout must be positive")
	check(c.Session.FlushThreshold >= 1, "session.flush_threshold must be >= 1, got %d", c.Session.FlushThreshold)
	check(c.Resync.Interval >= 0 && c.Resync.CalibrationInterval >= 0, "resync intervals must not be negative")
	check(c.Scan.Window > 0, "scan.window must be positive")
	check(c.Scan.Pause >= 0, "scan.pause must not be negative")
	if len(c.Scan.Services) > 0 {
		_, err := device.ValidateUUID(c.Scan.Services...)
		check(err == nil, "scan.services: %v", err)
	}
	check(c.DrainTimeout > 0, "drain_timeout must be positive")
	check(c.HistorySize >= 1 && c.HistorySize <= scheduler.MaxHistorySize,
		"history_size must be within [1, %d]", scheduler.MaxHistorySize)
	check(len(c.Sinks) > 0, "at least one sink must be configured")

	for _, name := range c.Sinks {
		switch name {
		case SinkStdout:
		case SinkMQTT:
			check(c.MQTT.Broker != "", "mqtt sink requires mqtt.broker")
		case SinkAMQP:
			check(c.AMQP.URL != "", "amqp sink requires amqp.url")
		case SinkInflux:
			check(c.Influx.URL != "" && c.Influx.Bucket != "", "influx sink requires influx.url and influx.bucket")
		default:
			check(false, "unknown sink %q, must be one of: %s", name, strings.Join(Sinks, ", "))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// SessionOptions converts the session section.
func (c *Config) SessionOptions() session.Options {
	return session.Options{
		ConnectAttempts:   c.Session.ConnectAttempts,
		RetryDelay:        c.Session.RetryDelay,
		IndicationTimeout: c.Session.IndicationTimeout,
		FlushThreshold:    c.Session.FlushThreshold,
	}
}
