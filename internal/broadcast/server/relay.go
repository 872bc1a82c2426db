package server

// Media relay path
// ----------------
// Attach, detach and chunk fan-out. The first chunk of a broadcast is cached
// as the init segment; every chunk is teed to the recording sink and relayed
// to each listener through its non-blocking outlet. Bootstrap frames for a
// joining listener are enqueued under the session mutex, which orders them
// ahead of any chunk relayed after the join: a late listener always sees
// ok, broadcast-started, the init segment announcement, the init segment
// bytes, then live chunks.

import (
	bcerrors "github.com/nobledeveloper01/AudioBroadcaster/internal/errors"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/conn"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
)

// AttachBroadcaster claims the broadcaster slot. Listeners already attached
// are told the broadcast started; the broadcaster gets the current listener
// count.
func (s *Session) AttachBroadcaster(o Outlet) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return bcerrors.NewAdmissionError("broadcaster.attach", bcerrors.ErrSessionNotLive)
	}
	if s.broadcaster != nil {
		s.mu.Unlock()
		return bcerrors.NewAdmissionError("broadcaster.attach", bcerrors.ErrBroadcasterPresent)
	}
	s.broadcaster = o
	started := conn.Text(control.BroadcastStarted())
	for _, l := range s.listeners {
		_ = l.Send(started)
	}
	n := len(s.listeners)
	s.mu.Unlock()

	_ = o.Send(conn.Text(control.ListenerCount(n)))
	s.log.Info("broadcaster attached", "conn_id", o.ID(), "listeners", n)
	return nil
}

// AttachListener admits a listener and enqueues its bootstrap frames: an ok
// confirmation, broadcast-started if a broadcaster is present, and the
// cached init segment if one exists.
func (s *Session) AttachListener(o Outlet) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return bcerrors.NewAdmissionError("listener.attach", bcerrors.ErrSessionNotLive)
	}
	if len(s.listeners) >= s.maxListeners {
		s.mu.Unlock()
		return bcerrors.NewAdmissionError("listener.attach", bcerrors.ErrCapacityExceeded)
	}
	s.listeners[o.ID()] = o
	_ = o.Send(conn.Text(control.OK(s.id)))
	if s.broadcaster != nil {
		_ = o.Send(conn.Text(control.BroadcastStarted()))
	}
	if s.initSegment != nil {
		_ = o.Send(conn.Text(control.InitSegment(len(s.initSegment))))
		_ = o.Send(conn.Binary(s.initSegment))
	}
	n := len(s.listeners)
	b := s.broadcaster
	s.mu.Unlock()

	s.stats.setListeners(n)
	metricListenersActive.Inc()
	metricListenersTotal.Inc()
	if b != nil {
		_ = b.Send(conn.Text(control.ListenerCount(n)))
	}
	s.log.Info("listener attached", "conn_id", o.ID(), "listeners", n)
	return nil
}

// DetachListener removes a listener and updates the broadcaster's count.
// Reports false when the listener was not attached (already detached, or the
// session tore down first).
func (s *Session) DetachListener(o Outlet) bool {
	s.mu.Lock()
	if _, ok := s.listeners[o.ID()]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.listeners, o.ID())
	n := len(s.listeners)
	b := s.broadcaster
	active := s.active
	s.mu.Unlock()

	s.stats.setListeners(n)
	metricListenersActive.Dec()
	if active && b != nil {
		_ = b.Send(conn.Text(control.ListenerCount(n)))
	}
	s.log.Info("listener detached", "conn_id", o.ID(), "listeners", n)
	return true
}

// Relay forwards one broadcaster chunk: cache the first as the init segment,
// tee to the recording sink, then fan out. A listener whose queue overflows
// loses its oldest pending chunk, never the newest; the fan-out itself never
// blocks.
func (s *Session) Relay(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.initSegment == nil {
		seg := make([]byte, len(data))
		copy(seg, data)
		s.initSegment = seg
		s.log.Info("init segment cached", "size", len(seg))
	}
	accepted := s.sink.Write(data)
	var pressure bool
	if !accepted && !s.backpressure {
		s.backpressure = true
		pressure = true
		s.sink.OnDrain(s.drained)
	}
	b := s.broadcaster
	listeners := make([]Outlet, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	if pressure {
		metricBackpressureEvents.Inc()
		s.log.Warn("recording sink not draining, signalling backpressure")
		if b != nil {
			_ = b.Send(conn.Text(control.Backpressure()))
		}
	}

	frame := conn.Binary(data)
	for _, l := range listeners {
		if !l.TrySend(frame) {
			metricChunksDropped.Inc()
		}
	}

	s.stats.addChunk(len(data))
	metricChunksRelayed.Inc()
	metricBytesRelayed.Add(float64(len(data)))
}

// InitSegmentSize returns the cached init segment length (0 before the first
// chunk).
func (s *Session) InitSegmentSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.initSegment)
}

// drained clears the backpressure latch once the sink recovers and tells the
// broadcaster to resume. Armed again on the next refused write.
func (s *Session) drained() {
	s.mu.Lock()
	if !s.active || !s.backpressure {
		s.mu.Unlock()
		return
	}
	s.backpressure = false
	b := s.broadcaster
	s.mu.Unlock()

	s.log.Info("recording sink drained")
	if b != nil {
		_ = b.Send(conn.Text(control.Drain()))
	}
}
