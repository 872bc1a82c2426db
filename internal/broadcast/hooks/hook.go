// Hook interface and configuration.
package hooks

import (
	"context"
	"time"
)

// Hook is a handler executed when a subscribed event occurs.
type Hook interface {
	// Execute runs the hook with the given event.
	Execute(ctx context.Context, event Event) error

	// Type returns the hook type identifier.
	Type() string

	// ID returns a unique identifier for this hook instance.
	ID() string
}

// WebhookSpec declares a webhook endpoint in the configuration file.
type WebhookSpec struct {
	URL     string            `yaml:"url"`
	Events  []string          `yaml:"events"` // empty subscribes to every event
	Headers map[string]string `yaml:"headers"`
}

// ScriptSpec declares a shell script hook in the configuration file.
type ScriptSpec struct {
	Path     string   `yaml:"path"`
	Events   []string `yaml:"events"`
	PassJSON bool     `yaml:"pass_json"` // also pipe the event JSON to stdin
}

// Config configures the hook system.
type Config struct {
	// Timeout bounds a single hook execution.
	Timeout time.Duration `yaml:"timeout"`

	// Concurrency caps simultaneous hook executions.
	Concurrency int `yaml:"concurrency"`

	// StdioFormat enables structured event output ("json", "env" or "").
	StdioFormat string `yaml:"stdio_format"`

	Webhooks []WebhookSpec `yaml:"webhooks"`
	Scripts  []ScriptSpec  `yaml:"scripts"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     30 * time.Second,
		Concurrency: 10,
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	return c
}

// parseEvents maps configured event names onto EventType values; an empty
// list means all events.
func parseEvents(names []string) []EventType {
	if len(names) == 0 {
		return AllEvents()
	}
	out := make([]EventType, 0, len(names))
	for _, n := range names {
		out = append(out, EventType(n))
	}
	return out
}
