// Shell hook: runs a script with event data in the environment.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellHook executes a shell script when events occur.
type ShellHook struct {
	id       string
	command  string
	args     []string
	env      []string
	passJSON bool
	timeout  time.Duration
}

// NewShellHook creates a shell hook running scriptPath through /bin/bash.
func NewShellHook(id, scriptPath string, timeout time.Duration) *ShellHook {
	return &ShellHook{
		id:      id,
		command: "/bin/bash",
		args:    []string{scriptPath},
		env:     []string{},
		timeout: timeout,
	}
}

// NewShellHookWithCommand creates a shell hook with a custom command.
func NewShellHookWithCommand(id, command string, args []string, timeout time.Duration) *ShellHook {
	return &ShellHook{
		id:      id,
		command: command,
		args:    args,
		env:     []string{},
		timeout: timeout,
	}
}

// SetPassJSON also pipes the event JSON to the script's stdin.
func (h *ShellHook) SetPassJSON(passJSON bool) *ShellHook {
	h.passJSON = passJSON
	return h
}

// SetEnv sets additional environment variables for the script.
func (h *ShellHook) SetEnv(env []string) *ShellHook {
	h.env = env
	return h
}

// Execute runs the script with event data in BROADCAST_* environment
// variables.
func (h *ShellHook) Execute(ctx context.Context, event Event) error {
	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, h.command, h.args...)
	cmd.Env = append(cmd.Env, h.buildEnvironment(event)...)

	if h.passJSON {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("shell hook %s: stdin pipe: %w", h.id, err)
		}
		go func() {
			defer stdin.Close()
			_ = json.NewEncoder(stdin).Encode(event)
		}()
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell hook %s: execution failed: %w", h.id, err)
	}

	return nil
}

// Type returns the hook type.
func (h *ShellHook) Type() string { return "shell" }

// ID returns the hook id.
func (h *ShellHook) ID() string { return h.id }

func (h *ShellHook) buildEnvironment(event Event) []string {
	env := make([]string, 0, len(h.env)+4+len(event.Data))
	env = append(env, h.env...)

	env = append(env, "BROADCAST_EVENT_TYPE="+string(event.Type))
	env = append(env, fmt.Sprintf("BROADCAST_TIMESTAMP=%d", event.Timestamp))

	if event.SessionID != "" {
		env = append(env, "BROADCAST_SESSION_ID="+event.SessionID)
	}
	if event.ConnID != "" {
		env = append(env, "BROADCAST_CONN_ID="+event.ConnID)
	}

	for key, value := range event.Data {
		envKey := "BROADCAST_" + strings.ToUpper(key)
		env = append(env, envKey+"="+fmt.Sprintf("%v", value))
	}

	return env
}
