package server

// Per-session stream statistics
// -----------------------------
// Observability for the live chunk path:
//   * first-chunk log line when a broadcast actually starts producing audio
//   * periodic stats (chunks, bytes, bitrate, listener count)
//   * final summary at teardown

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const defaultStatsInterval = 30 * time.Second

// streamStats tracks chunk counters for one session.
type streamStats struct {
	sessionID string
	log       *slog.Logger
	clock     clockwork.Clock
	interval  time.Duration

	mu         sync.RWMutex
	chunks     uint64
	bytes      uint64
	listeners  int
	firstChunk time.Time
	lastChunk  time.Time

	ticker   clockwork.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
}

func newStreamStats(sessionID string, log *slog.Logger, clock clockwork.Clock, interval time.Duration) *streamStats {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	st := &streamStats{
		sessionID: sessionID,
		log:       log.With("component", "stream_stats"),
		clock:     clock,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
	st.ticker = clock.NewTicker(interval)
	go st.loop()
	return st
}

// addChunk records one relayed chunk.
func (st *streamStats) addChunk(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	now := st.clock.Now()
	if st.firstChunk.IsZero() {
		st.firstChunk = now
		st.log.Info("first audio chunk received", "size", n)
	}
	st.lastChunk = now
	st.chunks++
	st.bytes += uint64(n)
}

// setListeners records the listener count shown in the periodic line.
func (st *streamStats) setListeners(n int) {
	st.mu.Lock()
	st.listeners = n
	st.mu.Unlock()
}

// snapshot returns the current counters.
func (st *streamStats) snapshot() (chunks, bytes uint64, listeners int) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.chunks, st.bytes, st.listeners
}

func (st *streamStats) loop() {
	for {
		select {
		case <-st.stopChan:
			return
		case <-st.ticker.Chan():
			st.logStats()
		}
	}
}

// logStats logs the periodic line. Quiet until the first chunk arrives.
func (st *streamStats) logStats() {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if st.chunks == 0 {
		return
	}

	duration := st.clock.Since(st.firstChunk)
	kbps := 0
	if duration > 0 {
		kbps = int(float64(st.bytes*8) / duration.Seconds() / 1000.0)
	}

	st.log.Info("stream statistics",
		"chunks", st.chunks,
		"bytes", st.bytes,
		"bitrate_kbps", kbps,
		"listeners", st.listeners,
		"duration_sec", int(duration.Seconds()))
}

// stop halts the ticker and logs the final summary.
func (st *streamStats) stop(reason string, recordedBytes uint64) {
	st.stopOnce.Do(func() {
		close(st.stopChan)
		st.ticker.Stop()

		st.mu.RLock()
		defer st.mu.RUnlock()

		if st.chunks == 0 {
			st.log.Debug("session ended before any audio", "reason", reason)
			return
		}
		duration := st.lastChunk.Sub(st.firstChunk)
		kbps := 0
		if duration > 0 {
			kbps = int(float64(st.bytes*8) / duration.Seconds() / 1000.0)
		}
		st.log.Info("broadcast finished",
			"reason", reason,
			"chunks", st.chunks,
			"bytes", st.bytes,
			"recorded_bytes", recordedBytes,
			"bitrate_kbps", kbps,
			"duration_sec", int(duration.Seconds()))
	})
}
