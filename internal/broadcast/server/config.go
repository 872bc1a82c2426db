package server

// Runtime configuration. Sources are layered: built-in defaults, then an
// optional YAML file, then environment variables, then command line flags
// (applied by the caller). The environment names match the reference
// deployment (PORT, HOSTNAME, SESSION_TTL_MS, RECORDINGS_DIR,
// MAX_LISTENERS_PER_SESSION).

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/conn"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/hooks"
)

// Config holds every server knob.
type Config struct {
	Port     int    `yaml:"port"`
	Hostname string `yaml:"hostname"`
	LogLevel string `yaml:"log_level"`

	SessionTTL    time.Duration `yaml:"session_ttl"`
	RecordingsDir string        `yaml:"recordings_dir"`
	MaxListeners  int           `yaml:"max_listeners"`

	// PublicDir, when set, is served for plain HTTP GETs (the broadcaster
	// and listener pages).
	PublicDir string `yaml:"public_dir"`

	// Per-listener delivery knobs.
	QueueDepth     int           `yaml:"queue_depth"`
	OverflowLimit  int           `yaml:"overflow_limit"`
	OverflowWindow time.Duration `yaml:"overflow_window"`

	// BroadcasterIdleTimeout tears the session down when no message arrives
	// within the window.
	BroadcasterIdleTimeout time.Duration `yaml:"broadcaster_idle_timeout"`

	// Session create rate limiting (token bucket).
	CreateRate  float64 `yaml:"create_rate"`
	CreateBurst int     `yaml:"create_burst"`

	Retention RetentionConfig `yaml:"retention"`
	Offload   OffloadConfig   `yaml:"offload"`
	Hooks     hooks.Config    `yaml:"hooks"`
}

// RetentionConfig controls the recording janitor.
type RetentionConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"`      // cron spec, e.g. "@hourly"
	ArchiveAfter time.Duration `yaml:"archive_after"` // gzip recordings older than this
	PurgeAfter   time.Duration `yaml:"purge_after"`   // delete recordings older than this
}

// OffloadConfig enables S3 upload of finished recordings when Bucket is set.
type OffloadConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// applyDefaults fills zero values with the reference defaults.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3000
	}
	if c.Hostname == "" {
		c.Hostname = "localhost"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.RecordingsDir == "" {
		c.RecordingsDir = "./recordings"
	}
	if c.MaxListeners <= 0 {
		c.MaxListeners = 200
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = conn.DefaultQueueDepth
	}
	if c.OverflowLimit <= 0 {
		c.OverflowLimit = conn.DefaultOverflowLimit
	}
	if c.OverflowWindow <= 0 {
		c.OverflowWindow = conn.DefaultOverflowWindow
	}
	if c.BroadcasterIdleTimeout <= 0 {
		c.BroadcasterIdleTimeout = 30 * time.Second
	}
	if c.CreateRate <= 0 {
		c.CreateRate = 5
	}
	if c.CreateBurst <= 0 {
		c.CreateBurst = 10
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = "@hourly"
	}
	if c.Retention.ArchiveAfter <= 0 {
		c.Retention.ArchiveAfter = 7 * 24 * time.Hour
	}
	if c.Retention.PurgeAfter <= 0 {
		c.Retention.PurgeAfter = 30 * 24 * time.Hour
	}
}

// validate rejects values defaults cannot repair.
func (c *Config) validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Retention.Enabled && c.Retention.PurgeAfter < c.Retention.ArchiveAfter {
		return fmt.Errorf("retention purge_after (%s) must not be shorter than archive_after (%s)",
			c.Retention.PurgeAfter, c.Retention.ArchiveAfter)
	}
	return nil
}

// Addr returns the TCP listen address, e.g. ":3000".
func (c Config) Addr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// LoadFile reads a YAML config file into cfg, overlaying only the fields the
// file sets.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// FromEnv overlays the reference environment variables. Unparsable values
// are ignored so a bad variable never takes the server down.
func (c *Config) FromEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			c.Port = p
		}
	}
	if v := os.Getenv("HOSTNAME"); v != "" {
		c.Hostname = v
	}
	if v := os.Getenv("SESSION_TTL_MS"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			c.SessionTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RECORDINGS_DIR"); v != "" {
		c.RecordingsDir = v
	}
	if v := os.Getenv("MAX_LISTENERS_PER_SESSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxListeners = n
		}
	}
}
