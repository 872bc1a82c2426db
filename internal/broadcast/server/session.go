package server

// Session lifecycle
// -----------------
// A Session is one broadcast: at most one broadcaster, up to maxListeners
// listeners, a recording sink and a fixed expiry deadline. All mutable state
// sits behind one mutex; the media fan-out path (relay.go) snapshots under
// that mutex and performs socket sends outside it.
//
// Teardown is single-shot and idempotent. Whoever loses the race simply
// returns; the recorded end reason is the first caller's.

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/conn"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
)

// Outlet is the session's view of one attached socket. *conn.Peer implements
// it; tests substitute lightweight stubs.
type Outlet interface {
	ID() string
	Send(f conn.Frame) error
	TrySend(f conn.Frame) bool
	Shutdown(code int, text string)
	CloseReason() string
	Wait()
}

// recordingSink is the slice of media.RecordingSink the session uses.
type recordingSink interface {
	Write(p []byte) bool
	OnDrain(cb func())
	Close() error
	Path() string
	BytesWritten() uint64
	Disabled() bool
}

// Session is one live broadcast and its attached peers.
type Session struct {
	id        string
	token     string
	createdAt time.Time
	expireAt  time.Time

	log   *slog.Logger
	clock clockwork.Clock
	sink  recordingSink
	stats *streamStats

	mu           sync.RWMutex
	active       bool
	broadcaster  Outlet
	listeners    map[string]Outlet
	maxListeners int
	initSegment  []byte
	backpressure bool
	expiry       clockwork.Timer
	endReason    string
	endedAt      time.Time

	teardownOnce sync.Once
	onEnd        func(*Session, string)
}

type sessionParams struct {
	id           string
	token        string
	createdAt    time.Time
	expireAt     time.Time
	sink         recordingSink
	maxListeners int
	clock        clockwork.Clock
	log          *slog.Logger
	onEnd        func(*Session, string)
}

func newSession(p sessionParams) *Session {
	return &Session{
		id:           p.id,
		token:        p.token,
		createdAt:    p.createdAt,
		expireAt:     p.expireAt,
		log:          p.log,
		clock:        p.clock,
		sink:         p.sink,
		stats:        newStreamStats(p.id, p.log, p.clock, 0),
		active:       true,
		listeners:    make(map[string]Outlet),
		maxListeners: p.maxListeners,
		onEnd:        p.onEnd,
	}
}

// ID returns the public session id.
func (s *Session) ID() string { return s.id }

// Token returns the listener admission secret.
func (s *Session) Token() string { return s.token }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpireAt returns the fixed expiry deadline (createdAt + TTL).
func (s *Session) ExpireAt() time.Time { return s.expireAt }

// Active reports whether the session still admits peers and relays chunks.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// EndReason returns the teardown reason ("" while live).
func (s *Session) EndReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

// EndedAt returns when teardown ran (zero while live).
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// ListenerCount returns the number of attached listeners.
func (s *Session) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// HasBroadcaster reports whether a broadcaster is attached.
func (s *Session) HasBroadcaster() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broadcaster != nil
}

// RecordingPath returns the sink's file path.
func (s *Session) RecordingPath() string { return s.sink.Path() }

// BytesRecorded returns how many bytes reached the recording file.
func (s *Session) BytesRecorded() uint64 { return s.sink.BytesWritten() }

// RecordingDisabled reports whether the sink gave up after a disk failure.
func (s *Session) RecordingDisabled() bool { return s.sink.Disabled() }

// Outlets returns every attached peer (broadcaster first when present).
func (s *Session) Outlets() []Outlet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Outlet, 0, len(s.listeners)+1)
	if s.broadcaster != nil {
		out = append(out, s.broadcaster)
	}
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

// setExpiry records the armed expiry timer. If teardown already ran the
// timer is stopped instead.
func (s *Session) setExpiry(t clockwork.Timer) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		t.Stop()
		return
	}
	s.expiry = t
	s.mu.Unlock()
}

// Teardown ends the session: flip inactive, cancel the expiry timer, close
// the broadcaster, notify and close every listener, close the recording
// sink, then hand the session to the registry's end callback (which removes
// it from the store). Every step is best-effort; the whole sequence runs at
// most once.
func (s *Session) Teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.active = false
		s.endReason = reason
		s.endedAt = s.clock.Now()
		if s.expiry != nil {
			s.expiry.Stop()
		}
		b := s.broadcaster
		s.broadcaster = nil
		listeners := make([]Outlet, 0, len(s.listeners))
		for _, l := range s.listeners {
			listeners = append(listeners, l)
		}
		s.listeners = make(map[string]Outlet)
		s.mu.Unlock()

		s.log.Info("session teardown", "reason", reason, "listeners", len(listeners))
		if n := len(listeners); n > 0 {
			metricListenersActive.Sub(float64(n))
		}

		if b != nil {
			b.Shutdown(websocket.CloseNormalClosure, reason)
		}
		ended := conn.Text(control.SessionEnded(reason))
		for _, l := range listeners {
			_ = l.Send(ended)
			l.Shutdown(websocket.CloseNormalClosure, reason)
		}

		if err := s.sink.Close(); err != nil {
			s.log.Error("recording close failed", "error", err)
		}
		s.stats.stop(reason, s.sink.BytesWritten())

		if s.onEnd != nil {
			s.onEnd(s, reason)
		}
	})
}
