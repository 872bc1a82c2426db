package server

// Broadcast relay server
// ----------------------
// Ties the pieces together: HTTP surface (session API, recording downloads,
// health, metrics), the WebSocket gate on the root path, the session
// registry, the recording catalog, lifecycle hooks, the retention janitor
// and the optional S3 offloader. One Server per process; Start binds the
// listener (port 0 supported for tests, read the bound address back via
// Addr) and Stop drains active sessions before returning.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/hooks"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/media"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/logger"
)

const offloadTimeout = 5 * time.Minute

// Server owns the listener, the registry and everything hanging off them.
type Server struct {
	cfg           Config
	log           *slog.Logger
	clock         clockwork.Clock
	registry      *Registry
	catalog       *media.Catalog
	hooks         *hooks.Manager
	janitor       *Janitor
	offload       *media.Offloader
	createLimiter *rate.Limiter
	public        http.Handler

	httpSrv *http.Server

	mu      sync.RWMutex
	ln      net.Listener
	closing bool
}

// New builds an unstarted Server from cfg. Hook, janitor and offloader
// construction can fail (bad cron spec, unresolvable AWS config); the
// listener is not touched until Start.
func New(cfg Config) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log := logger.Logger().With("component", "broadcast_server")
	clock := clockwork.NewRealClock()

	catalog, err := media.NewCatalog()
	if err != nil {
		return nil, err
	}
	hookMgr, err := hooks.Build(cfg.Hooks, log)
	if err != nil {
		return nil, fmt.Errorf("hooks: %w", err)
	}

	s := &Server{
		cfg:           cfg,
		log:           log,
		clock:         clock,
		catalog:       catalog,
		hooks:         hookMgr,
		createLimiter: rate.NewLimiter(rate.Limit(cfg.CreateRate), cfg.CreateBurst),
	}
	if cfg.PublicDir != "" {
		s.public = http.FileServer(http.Dir(cfg.PublicDir))
	}
	if cfg.Retention.Enabled {
		j, err := NewJanitor(cfg.Retention, catalog, clock, log)
		if err != nil {
			return nil, err
		}
		s.janitor = j
	}
	if cfg.Offload.Bucket != "" {
		off, err := media.NewOffloader(context.Background(), cfg.Offload.Bucket, cfg.Offload.Prefix, cfg.Offload.Region, log)
		if err != nil {
			return nil, fmt.Errorf("offloader: %w", err)
		}
		s.offload = off
	}

	s.registry = NewRegistry(cfg.RecordingsDir, cfg.SessionTTL, cfg.MaxListeners, clock, log)
	s.registry.SetEndCallback(s.handleTeardown)
	return s, nil
}

// Start prepares the recordings directory, rebuilds the catalog from disk,
// binds the listener and begins serving. Safe to call only once.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}

	if err := os.MkdirAll(s.cfg.RecordingsDir, 0o755); err != nil {
		return fmt.Errorf("recordings dir: %w", err)
	}
	loaded, err := s.catalog.Rehydrate(s.cfg.RecordingsDir, s.log)
	if err != nil {
		return err
	}
	if loaded > 0 {
		s.log.Info("recording catalog rebuilt", "dir", s.cfg.RecordingsDir, "recordings", loaded)
	}

	s.mu.Lock()
	if s.ln != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	s.mu.Unlock()

	if s.janitor != nil {
		s.janitor.Start()
	}
	s.log.Info("broadcast server listening",
		"addr", ln.Addr().String(),
		"hostname", s.cfg.Hostname,
		"session_ttl", s.cfg.SessionTTL.String(),
		"max_listeners", s.cfg.MaxListeners,
		"recordings_dir", s.cfg.RecordingsDir)
	go s.serve(ln)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	err := s.httpSrv.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.RLock()
		closing := s.closing
		s.mu.RUnlock()
		if !closing {
			s.log.Error("http serve failed", "error", err)
		}
	}
}

// Stop shuts the server down: no new connections, every active session torn
// down with reason "shutdown" and its sockets drained, janitor and hook pool
// stopped. Bounded by ctx for the HTTP and janitor portions.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.ln == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.ln = nil
	srv := s.httpSrv
	s.mu.Unlock()

	// Shutdown stops the accept loop and waits for plain HTTP requests.
	// Hijacked WebSocket connections are ours to drain below.
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("http shutdown", "error", err)
	}

	for _, sess := range s.registry.Snapshot() {
		outlets := sess.Outlets()
		sess.Teardown(control.ReasonShutdown)
		for _, o := range outlets {
			o.Wait()
		}
	}

	if s.janitor != nil {
		s.janitor.Stop(ctx)
	}
	if err := s.hooks.Close(); err != nil {
		s.log.Warn("hook manager close", "error", err)
	}
	s.log.Info("broadcast server stopped")
	return nil
}

// Addr returns the bound listener address (nil before Start).
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Registry exposes the session registry, mainly for tests and health output.
func (s *Server) Registry() *Registry { return s.registry }

// handleTeardown runs once per ended session, after the registry entry is
// gone: metrics, catalog entry for the recording file, lifecycle hooks and
// the optional S3 offload.
func (s *Server) handleTeardown(sess *Session, reason string) {
	metricSessionsActive.Dec()
	metricSessionsEnded.WithLabelValues(reason).Inc()

	rec := media.Recording{
		File:      filepath.Base(sess.RecordingPath()),
		SessionID: sess.ID(),
		Path:      sess.RecordingPath(),
		Size:      int64(sess.BytesRecorded()),
		CreatedAt: sess.CreatedAt().UnixMilli(),
		EndedAt:   sess.EndedAt().UnixMilli(),
		Reason:    reason,
	}
	if info, err := os.Stat(rec.Path); err == nil {
		rec.Size = info.Size()
	}
	if err := s.catalog.Insert(rec); err != nil {
		s.log.Warn("catalog insert failed", "file", rec.File, "error", err)
	}

	s.hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventSessionEnd).
		WithSession(sess.ID()).
		WithData("reason", reason).
		WithData("bytes_recorded", rec.Size))
	s.hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventRecordingComplete).
		WithSession(sess.ID()).
		WithData("file", rec.File).
		WithData("size", rec.Size))

	if s.offload != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), offloadTimeout)
			defer cancel()
			if err := s.offload.Upload(ctx, rec); err != nil {
				s.log.Warn("recording offload failed", "file", rec.File, "error", err)
			}
		}()
	}
}
