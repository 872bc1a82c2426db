package media

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSinkWritesChunksInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast-a1b2c3d4-1700000000000.webm")
	s, err := NewRecordingSink(path, SinkOptions{}, nil)
	require.NoError(t, err)

	chunks := [][]byte{[]byte("init-segment"), []byte("chunk-two"), []byte("chunk-three")}
	for _, c := range chunks {
		require.True(t, s.Write(c))
	}
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, bytes.Join(chunks, nil), got)
	require.Equal(t, uint64(len(got)), s.BytesWritten())
}

func TestSinkAppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast-a1b2c3d4-1700000000000.webm")
	s, err := NewRecordingSink(path, SinkOptions{}, nil)
	require.NoError(t, err)
	require.True(t, s.Write([]byte("first")))
	require.NoError(t, s.Close())

	s2, err := NewRecordingSink(path, SinkOptions{}, nil)
	require.NoError(t, err)
	require.True(t, s2.Write([]byte("-second")))
	require.NoError(t, s2.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("first-second"), got)
}

func TestSinkCoalescesLargeChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast-a1b2c3d4-1700000000000.webm")
	s, err := NewRecordingSink(path, SinkOptions{}, nil)
	require.NoError(t, err)

	// Larger than the coalescing buffer so the copy loop wraps.
	big := make([]byte, 3*flushBufSize+123)
	for i := range big {
		big[i] = byte(i % 251)
	}
	require.True(t, s.Write(big))
	require.NoError(t, s.Close())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, big, got)
}

// gatedWriter blocks every write until the gate opens.
type gatedWriter struct {
	gate chan struct{}
	mu   sync.Mutex
	buf  bytes.Buffer
}

func newGatedWriter() *gatedWriter { return &gatedWriter{gate: make(chan struct{})} }

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) Close() error { return nil }

func (w *gatedWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf.Bytes()...)
}

func TestSinkBackpressureAndDrain(t *testing.T) {
	w := newGatedWriter()
	s := newSinkWithWriter(w, "gated.webm", SinkOptions{HighWater: 16, LowWater: 8}, nil)

	require.True(t, s.Write([]byte("0123456789")), "below high water")
	// Second chunk pushes the queue to 20 bytes, past the high-water mark.
	require.False(t, s.Write([]byte("abcdefghij")))

	drained := make(chan struct{})
	s.OnDrain(func() { close(drained) })
	select {
	case <-drained:
		t.Fatal("drain fired while the writer is stalled")
	case <-time.After(50 * time.Millisecond):
	}

	close(w.gate)
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain never fired after the writer caught up")
	}

	require.NoError(t, s.Close())
	require.Equal(t, []byte("0123456789abcdefghij"), w.bytes())
}

func TestSinkOnDrainImmediateWhenIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast-a1b2c3d4-1700000000000.webm")
	s, err := NewRecordingSink(path, SinkOptions{}, nil)
	require.NoError(t, err)
	defer s.Close()

	drained := make(chan struct{})
	s.OnDrain(func() { close(drained) })
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain should fire immediately on an idle sink")
	}
}

// failingWriter errors on the first write.
type failingWriter struct{ closed bool }

func (w *failingWriter) Write(p []byte) (int, error) { return 0, errors.New("disk full") }
func (w *failingWriter) Close() error                { w.closed = true; return nil }

func TestSinkDisablesOnWriteError(t *testing.T) {
	w := &failingWriter{}
	s := newSinkWithWriter(w, "failing.webm", SinkOptions{HighWater: 1 << 30}, nil)

	require.True(t, s.Write([]byte("doomed")))
	require.Eventually(t, s.Disabled, 2*time.Second, 10*time.Millisecond)
	require.True(t, w.closed, "underlying file should be closed on disable")

	// A dead sink keeps accepting silently and never signals backpressure.
	require.True(t, s.Write([]byte("ignored")))

	drained := make(chan struct{})
	s.OnDrain(func() { close(drained) })
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain must fire on a disabled sink so backpressure clears")
	}
	require.NoError(t, s.Close())
}

func TestSinkCloseIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broadcast-a1b2c3d4-1700000000000.webm")
	s, err := NewRecordingSink(path, SinkOptions{}, nil)
	require.NoError(t, err)

	require.True(t, s.Write([]byte("tail")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.True(t, s.Write([]byte("after close")), "writes after close are discarded")

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, []byte("tail"), got)
}

func TestSinkCreateFailure(t *testing.T) {
	_, err := NewRecordingSink(filepath.Join(t.TempDir(), "missing", "x.webm"), SinkOptions{}, nil)
	require.Error(t, err)
}
