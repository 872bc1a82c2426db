package server

// Session registry
// ----------------
// Thread-safe store of live sessions keyed by their 8-hex-char id. The
// registry owns id/token generation, opens the recording sink and arms the
// expiry timer when a session is created, and removes the session again as
// the final step of teardown.
//
// Concurrency model: sync.RWMutex guards the map. Per-session mutable state
// is guarded by the session's own mutex so operations on different sessions
// do not serialize. Candidate ids are reserved under the lock before the
// sink open (the only I/O on this path) so two concurrent creates can never
// race to the same id.

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/media"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/logger"
)

const (
	sessionIDBytes = 4  // 8 hex chars
	tokenBytes     = 16 // 32 hex chars
)

// Registry tracks every live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	reserved map[string]struct{}
	onEnd    func(*Session, string)

	clock clockwork.Clock
	log   *slog.Logger

	dir          string
	ttl          time.Duration
	maxListeners int
}

// NewRegistry creates an empty registry. Recording files are written under
// dir; every session expires ttl after creation.
func NewRegistry(dir string, ttl time.Duration, maxListeners int, clock clockwork.Clock, log *slog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.Logger()
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		reserved:     make(map[string]struct{}),
		clock:        clock,
		log:          log,
		dir:          dir,
		ttl:          ttl,
		maxListeners: maxListeners,
	}
}

// SetEndCallback installs a function invoked after a session's teardown has
// completed and the session was removed from the registry. Must be set
// before the first Create.
func (r *Registry) SetEndCallback(fn func(*Session, string)) {
	r.mu.Lock()
	r.onEnd = fn
	r.mu.Unlock()
}

// Create builds a new session: fresh id and token, recording sink opened,
// expiry timer armed, session inserted. The session is live immediately.
func (r *Registry) Create() (*Session, error) {
	createdAt := r.clock.Now()

	r.mu.Lock()
	id, err := r.reserveIDLocked()
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.mu.Unlock()

	token, err := randomHex(tokenBytes)
	if err != nil {
		r.release(id)
		return nil, err
	}

	file := media.RecordingFileName(id, createdAt.UnixMilli())
	log := logger.WithSession(r.log, id)
	sink, err := media.NewRecordingSink(filepath.Join(r.dir, file), media.SinkOptions{}, log)
	if err != nil {
		r.release(id)
		return nil, err
	}

	s := newSession(sessionParams{
		id:           id,
		token:        token,
		createdAt:    createdAt,
		expireAt:     createdAt.Add(r.ttl),
		sink:         sink,
		maxListeners: r.maxListeners,
		clock:        r.clock,
		log:          log,
		onEnd:        r.sessionEnded,
	})

	r.mu.Lock()
	delete(r.reserved, id)
	r.sessions[id] = s
	r.mu.Unlock()

	s.setExpiry(r.clock.AfterFunc(r.ttl, func() {
		s.Teardown(control.ReasonExpired)
	}))

	r.log.Info("session created",
		"session_id", id,
		"recording", file,
		"expires_at", s.ExpireAt().UnixMilli())
	return s, nil
}

// Get returns the session for id or nil if absent.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove deletes the session from the map (if present) and reports whether
// it was there. Idempotent.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the current sessions.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CloseAll tears down every live session with the given reason.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.Snapshot() {
		s.Teardown(reason)
	}
}

// sessionEnded is every session's final teardown step: drop it from the map,
// then hand it to the installed end callback.
func (r *Registry) sessionEnded(s *Session, reason string) {
	r.Remove(s.ID())
	r.mu.RLock()
	fn := r.onEnd
	r.mu.RUnlock()
	if fn != nil {
		fn(s, reason)
	}
}

// reserveIDLocked rolls candidate ids until one collides with neither a live
// session nor a reservation held by a concurrent create. Caller holds r.mu.
func (r *Registry) reserveIDLocked() (string, error) {
	for {
		id, err := randomHex(sessionIDBytes)
		if err != nil {
			return "", err
		}
		if _, live := r.sessions[id]; live {
			continue
		}
		if _, held := r.reserved[id]; held {
			continue
		}
		r.reserved[id] = struct{}{}
		return id, nil
	}
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	delete(r.reserved, id)
	r.mu.Unlock()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
