// Central manager for registering and executing hooks.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager owns hook registration and dispatch.
type Manager struct {
	hooks     map[EventType][]Hook
	stdioHook *StdioHook
	mu        sync.RWMutex
	pool      *executionPool
	logger    *slog.Logger
	config    Config
}

// NewManager creates a manager with no hooks registered.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	config = config.withDefaults()

	m := &Manager{
		hooks:  make(map[EventType][]Hook),
		logger: logger,
		config: config,
		pool:   newExecutionPool(config.Concurrency, config.Timeout, logger),
	}

	if config.StdioFormat != "" {
		if err := m.EnableStdioOutput(config.StdioFormat); err != nil {
			logger.Warn("stdio hook disabled", "error", err)
		}
	}

	return m
}

// Build creates a manager and registers every hook declared in the
// configuration. Webhooks and scripts with an empty event list subscribe to
// all events.
func Build(config Config, logger *slog.Logger) (*Manager, error) {
	m := NewManager(config, logger)
	for i, spec := range config.Webhooks {
		if spec.URL == "" {
			return nil, fmt.Errorf("hooks: webhook %d has no url", i)
		}
		h := NewWebhookHook(fmt.Sprintf("webhook-%d", i), spec.URL, m.config.Timeout)
		if len(spec.Headers) > 0 {
			h.SetHeaders(spec.Headers)
		}
		for _, ev := range parseEvents(spec.Events) {
			if err := m.RegisterHook(ev, h); err != nil {
				return nil, err
			}
		}
	}
	for i, spec := range config.Scripts {
		if spec.Path == "" {
			return nil, fmt.Errorf("hooks: script %d has no path", i)
		}
		h := NewShellHook(fmt.Sprintf("script-%d", i), spec.Path, m.config.Timeout)
		h.SetPassJSON(spec.PassJSON)
		for _, ev := range parseEvents(spec.Events) {
			if err := m.RegisterHook(ev, h); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// RegisterHook registers a hook for the specified event type.
func (m *Manager) RegisterHook(eventType EventType, hook Hook) error {
	if hook == nil {
		return fmt.Errorf("cannot register nil hook")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.hooks[eventType] = append(m.hooks[eventType], hook)
	m.logger.Debug("hook registered",
		"event_type", eventType,
		"hook_type", hook.Type(),
		"hook_id", hook.ID())

	return nil
}

// UnregisterHook removes a hook by id from the specified event type.
func (m *Manager) UnregisterHook(eventType EventType, hookID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	hooks := m.hooks[eventType]
	for i, hook := range hooks {
		if hook.ID() == hookID {
			m.hooks[eventType] = append(hooks[:i], hooks[i+1:]...)
			m.logger.Debug("hook unregistered",
				"event_type", eventType,
				"hook_id", hookID)
			return true
		}
	}

	return false
}

// TriggerEvent executes all registered hooks for the given event. Dispatch
// is asynchronous; a nil manager is a no-op so callers never need to guard.
func (m *Manager) TriggerEvent(ctx context.Context, event Event) {
	if m == nil {
		return
	}

	m.mu.RLock()
	hooks := make([]Hook, len(m.hooks[event.Type]))
	copy(hooks, m.hooks[event.Type])
	stdio := m.stdioHook
	m.mu.RUnlock()

	if stdio != nil {
		hooks = append(hooks, stdio)
	}
	if len(hooks) == 0 {
		return
	}

	m.logger.Debug("triggering event",
		"event_type", event.Type,
		"hook_count", len(hooks),
		"event", event.String())

	for _, hook := range hooks {
		m.pool.execute(ctx, hook, event)
	}
}

// EnableStdioOutput enables structured event output on stderr.
func (m *Manager) EnableStdioOutput(format string) error {
	if format != "json" && format != "env" {
		return fmt.Errorf("unsupported stdio format: %s", format)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stdioHook = NewStdioHook("stdio", format)
	m.logger.Debug("stdio output enabled", "format", format)

	return nil
}

// DisableStdioOutput disables structured event output.
func (m *Manager) DisableStdioOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stdioHook = nil
}

// Stats returns counters describing the registered hooks.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hooksByType := make(map[string]int)
	total := 0
	for eventType, hooks := range m.hooks {
		hooksByType[string(eventType)] = len(hooks)
		total += len(hooks)
	}

	return map[string]interface{}{
		"event_types":   len(m.hooks),
		"total_hooks":   total,
		"hooks_by_type": hooksByType,
		"stdio_enabled": m.stdioHook != nil,
		"pool_size":     m.pool.size,
	}
}

// Close waits for pending hook executions to finish.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	if m.pool != nil {
		m.pool.close()
	}
	m.logger.Debug("hook manager closed")
	return nil
}

// executionPool bounds concurrent hook execution.
type executionPool struct {
	workers chan struct{}
	size    int
	timeout time.Duration
	logger  *slog.Logger
}

func newExecutionPool(size int, timeout time.Duration, logger *slog.Logger) *executionPool {
	if size <= 0 {
		size = 10
	}
	return &executionPool{
		workers: make(chan struct{}, size),
		size:    size,
		timeout: timeout,
		logger:  logger,
	}
}

// execute runs a hook on a pooled worker slot, bounded by the configured
// timeout.
func (ep *executionPool) execute(ctx context.Context, hook Hook, event Event) {
	go func() {
		ep.workers <- struct{}{}
		defer func() { <-ep.workers }()

		execCtx := ctx
		if ep.timeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, ep.timeout)
			defer cancel()
		}

		start := time.Now()
		err := hook.Execute(execCtx, event)
		duration := time.Since(start)

		if err != nil {
			ep.logger.Error("hook execution failed",
				"hook_type", hook.Type(),
				"hook_id", hook.ID(),
				"event_type", event.Type,
				"duration_ms", duration.Milliseconds(),
				"error", err)
		} else {
			ep.logger.Debug("hook executed",
				"hook_type", hook.Type(),
				"hook_id", hook.ID(),
				"event_type", event.Type,
				"duration_ms", duration.Milliseconds())
		}
	}()
}

// close blocks until every in-flight hook returns.
func (ep *executionPool) close() {
	for i := 0; i < cap(ep.workers); i++ {
		ep.workers <- struct{}{}
	}
}
