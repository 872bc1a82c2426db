// Stdio hook: structured event output on stderr.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// StdioHook writes event data to a file descriptor in a parseable format.
type StdioHook struct {
	id     string
	format string // "json" or "env"
	output *os.File
}

// NewStdioHook creates a stdio hook. Output goes to stderr so it never mixes
// with the server log stream on stdout.
func NewStdioHook(id, format string) *StdioHook {
	return &StdioHook{
		id:     id,
		format: format,
		output: os.Stderr,
	}
}

// SetOutput redirects the hook output.
func (h *StdioHook) SetOutput(output *os.File) *StdioHook {
	h.output = output
	return h
}

// Execute writes the event in the configured format.
func (h *StdioHook) Execute(ctx context.Context, event Event) error {
	switch h.format {
	case "json":
		return h.outputJSON(event)
	case "env":
		return h.outputEnv(event)
	default:
		return fmt.Errorf("stdio hook %s: unsupported format: %s", h.id, h.format)
	}
}

// Type returns the hook type.
func (h *StdioHook) Type() string { return "stdio" }

// ID returns the hook id.
func (h *StdioHook) ID() string { return h.id }

func (h *StdioHook) outputJSON(event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("stdio hook %s: marshal: %w", h.id, err)
	}
	if _, err := fmt.Fprintf(h.output, "BROADCAST_EVENT: %s\n", jsonData); err != nil {
		return fmt.Errorf("stdio hook %s: write: %w", h.id, err)
	}
	return nil
}

func (h *StdioHook) outputEnv(event Event) error {
	lines := []string{
		"# broadcast event: " + string(event.Type),
		"BROADCAST_EVENT_TYPE=" + string(event.Type),
		fmt.Sprintf("BROADCAST_TIMESTAMP=%d", event.Timestamp),
	}

	if event.SessionID != "" {
		lines = append(lines, "BROADCAST_SESSION_ID="+event.SessionID)
	}
	if event.ConnID != "" {
		lines = append(lines, "BROADCAST_CONN_ID="+event.ConnID)
	}
	for key, value := range event.Data {
		envKey := "BROADCAST_" + strings.ToUpper(key)
		lines = append(lines, envKey+"="+fmt.Sprintf("%v", value))
	}
	lines = append(lines, "")

	for _, line := range lines {
		if _, err := fmt.Fprintln(h.output, line); err != nil {
			return fmt.Errorf("stdio hook %s: write: %w", h.id, err)
		}
	}
	return nil
}
