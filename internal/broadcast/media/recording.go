package media

// Per-session append-only recording writer. Chunks are queued and persisted
// by a dedicated goroutine that coalesces them into a pooled buffer, so the
// relay hot path never waits on disk. Write reports whether the queue is
// still below the high-water mark; the hub turns the first false into a
// backpressure frame toward the broadcaster. OnDrain arms a one-shot
// callback fired once the queue falls below the low-water mark (or the sink
// dies), which becomes the matching drain frame. On any disk error the sink
// disables itself and live relay continues unaffected.

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/bufpool"
	bcerrors "github.com/nobledeveloper01/AudioBroadcaster/internal/errors"
)

const (
	// DefaultHighWater is the queued byte count at which Write starts
	// reporting backpressure.
	DefaultHighWater = 1 << 20
	// DefaultLowWater is the queued byte count under which an armed drain
	// callback fires.
	DefaultLowWater = 64 << 10
	// flushBufSize matches the largest bufpool size class.
	flushBufSize = 64 << 10
)

// SinkOptions tune a RecordingSink. Zero values use the defaults above.
type SinkOptions struct {
	HighWater int64
	LowWater  int64
	Log       *slog.Logger
}

// RecordingSink persists opaque audio chunks into a single file in arrival
// order. Safe for concurrent use; the hot path only takes a short mutex.
type RecordingSink struct {
	path string
	log  *slog.Logger

	highWater int64
	lowWater  int64

	mu       sync.Mutex
	w        io.WriteCloser // nil once disabled or closed
	queue    [][]byte
	buffered int64
	closed   bool
	onDrain  func()
	written  uint64
	closeErr error

	wake chan struct{}
	done chan struct{}
}

// NewRecordingSink opens (or creates) the file at path for appending and
// starts the writer goroutine.
func NewRecordingSink(path string, opts SinkOptions, log *slog.Logger) (*RecordingSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, bcerrors.NewRecordingError("sink.create", err)
	}
	s := newSinkWithWriter(f, path, opts, log)
	return s, nil
}

// newSinkWithWriter allows tests to inject a failing writer (disk full
// simulation). It starts the writer goroutine.
func newSinkWithWriter(w io.WriteCloser, path string, opts SinkOptions, log *slog.Logger) *RecordingSink {
	if log == nil {
		log = slog.Default()
	}
	if opts.HighWater <= 0 {
		opts.HighWater = DefaultHighWater
	}
	if opts.LowWater < 0 {
		opts.LowWater = DefaultLowWater
	}
	if opts.LowWater == 0 {
		opts.LowWater = DefaultLowWater
	}
	if opts.LowWater >= opts.HighWater {
		opts.LowWater = opts.HighWater / 2
	}
	s := &RecordingSink{
		path:      path,
		log:       log,
		highWater: opts.HighWater,
		lowWater:  opts.LowWater,
		w:         w,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// Path returns the recording file path.
func (s *RecordingSink) Path() string { return s.path }

// Disabled returns true once the sink hit a fatal write error.
func (s *RecordingSink) Disabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w == nil && !s.closed
}

// BytesWritten reports the bytes persisted so far.
func (s *RecordingSink) BytesWritten() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Buffered reports the bytes queued but not yet persisted.
func (s *RecordingSink) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// Write queues p for appending. The chunk is always accepted (a disabled or
// closed sink discards it); the return value is the backpressure signal:
// false once the queue holds at least the high-water mark.
func (s *RecordingSink) Write(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	s.mu.Lock()
	if s.closed || s.w == nil {
		s.mu.Unlock()
		return true
	}
	s.queue = append(s.queue, p)
	s.buffered += int64(len(p))
	accepted := s.buffered < s.highWater
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return accepted
}

// OnDrain arms a one-shot callback delivered (on a fresh goroutine) when the
// queue drains below the low-water mark. If the sink is already drained,
// disabled or closed the callback fires immediately. Re-arm by calling again
// after each delivery.
func (s *RecordingSink) OnDrain(cb func()) {
	if cb == nil {
		return
	}
	s.mu.Lock()
	if s.closed || s.w == nil || s.buffered <= s.lowWater {
		s.mu.Unlock()
		go cb()
		return
	}
	s.onDrain = cb
	s.mu.Unlock()
}

// Close flushes queued chunks, closes the file and releases the writer
// goroutine. Idempotent; concurrent callers all return after the flush.
func (s *RecordingSink) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	cb := s.onDrain
	s.onDrain = nil
	s.mu.Unlock()

	if cb != nil {
		go cb()
	}
	if !already {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// run is the writer goroutine: it drains the queue in batches, coalescing
// chunks into a pooled buffer before each file write.
func (s *RecordingSink) run() {
	defer close(s.done)
	buf := bufpool.Get(flushBufSize)
	defer bufpool.Put(buf)
	fill := 0

	// flush writes the coalesced bytes; a failure disables the sink.
	flush := func() bool {
		if fill == 0 {
			return true
		}
		s.mu.Lock()
		w := s.w
		s.mu.Unlock()
		if w == nil {
			fill = 0
			return false
		}
		n, err := w.Write(buf[:fill])
		s.mu.Lock()
		s.written += uint64(n)
		s.mu.Unlock()
		fill = 0
		if err != nil {
			s.disable(err)
			return false
		}
		return true
	}

	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				flush()
				s.finish()
				return
			}
			<-s.wake
			continue
		}

		var consumed int64
		ok := true
		for _, chunk := range batch {
			consumed += int64(len(chunk))
			if !ok {
				continue
			}
			for len(chunk) > 0 {
				n := copy(buf[fill:], chunk)
				fill += n
				chunk = chunk[n:]
				if fill == len(buf) {
					ok = flush()
					if !ok {
						break
					}
				}
			}
		}
		if ok {
			flush()
		}

		s.mu.Lock()
		s.buffered -= consumed
		if s.buffered < 0 {
			s.buffered = 0
		}
		var cb func()
		if s.onDrain != nil && (s.buffered <= s.lowWater || s.w == nil) {
			cb = s.onDrain
			s.onDrain = nil
		}
		s.mu.Unlock()
		if cb != nil {
			go cb()
		}
	}
}

// disable shuts the file after a write failure. Relay continues; an armed
// drain callback fires so a latched backpressure signal clears.
func (s *RecordingSink) disable(err error) {
	s.mu.Lock()
	if s.w == nil {
		s.mu.Unlock()
		return
	}
	_ = s.w.Close()
	s.w = nil
	s.queue = nil
	s.buffered = 0
	cb := s.onDrain
	s.onDrain = nil
	s.mu.Unlock()

	s.log.Error("recording disabled after write failure", "path", s.path, "error", err)
	if cb != nil {
		go cb()
	}
}

// finish closes the file at the end of a graceful shutdown.
func (s *RecordingSink) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return
	}
	if err := s.w.Close(); err != nil {
		s.closeErr = bcerrors.NewRecordingError("sink.close", err)
	}
	s.w = nil
	s.queue = nil
	s.buffered = 0
}
