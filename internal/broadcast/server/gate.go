package server

// Upgrade gate
// ------------
// Admission control for ws(s)://host/?sid=<id>&role=<role>[&t=<token>].
// A request that fails admission is destroyed: the raw TCP connection is
// closed without writing any HTTP response, so a probe learns nothing about
// which check failed. The one in-band rejection is a duplicate broadcaster,
// which gets a JSON error frame on the upgraded socket and then a close.

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/conn"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/control"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/broadcast/hooks"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/logger"
)

// maxInboundChunk caps a single broadcaster frame.
const maxInboundChunk = 10 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleRoot multiplexes the root path: WebSocket upgrades go through the
// gate, plain requests fall through to the static pages (when configured).
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleSocket(w, r)
		return
	}
	if s.public != nil {
		s.public.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

// handleSocket applies the admission rules in order: query shape, session
// existence and liveness, listener token, capacity. Only a request passing
// all of them is upgraded.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sid := q.Get("sid")
	role, validRole := conn.ParseRole(q.Get("role"))
	if sid == "" || !validRole {
		s.destroySocket(w, r, "missing sid or role")
		return
	}

	sess := s.registry.Get(sid)
	if sess == nil || !sess.Active() {
		s.destroySocket(w, r, "unknown or ended session")
		return
	}
	if role == conn.RoleListener {
		if q.Get("t") != sess.Token() {
			s.destroySocket(w, r, "token mismatch")
			return
		}
		if sess.ListenerCount() >= s.cfg.MaxListeners {
			s.destroySocket(w, r, "session full")
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	switch role {
	case conn.RoleBroadcaster:
		s.admitBroadcaster(ws, sess)
	default:
		s.admitListener(ws, sess)
	}
}

// destroySocket closes the underlying TCP connection without an HTTP
// response. Falls back to a bare 400 when the connection cannot be hijacked.
func (s *Server) destroySocket(w http.ResponseWriter, r *http.Request, detail string) {
	metricUpgradesRejected.Inc()
	s.log.Debug("socket destroyed at gate", "remote", r.RemoteAddr, "detail", detail)

	h, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	c, _, err := h.Hijack()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_ = c.Close()
}

// admitBroadcaster claims the session's broadcaster slot and starts relaying
// its binary frames. A second broadcaster gets an error frame and a close.
func (s *Server) admitBroadcaster(ws *websocket.Conn, sess *Session) {
	p := conn.NewPeer(ws, conn.Options{
		Role:        conn.RoleBroadcaster,
		QueueDepth:  s.cfg.QueueDepth,
		IdleTimeout: s.cfg.BroadcasterIdleTimeout,
		ReadLimit:   maxInboundChunk,
		Clock:       s.clock,
		Log:         logger.WithSession(s.log, sess.ID()),
	})

	if err := sess.AttachBroadcaster(p); err != nil {
		s.log.Warn("broadcaster rejected", "session_id", sess.ID(), "error", err)
		_ = p.Send(conn.Text(control.Error("broadcaster already connected")))
		p.Shutdown(websocket.ClosePolicyViolation, "duplicate-broadcaster")
		return
	}

	s.hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventBroadcastStart).
		WithSession(sess.ID()).
		WithConnID(p.ID()))

	p.SetMessageHandler(func(messageType int, data []byte) {
		if messageType == websocket.BinaryMessage {
			sess.Relay(data)
			return
		}
		// Optional broadcaster control traffic; nothing is defined today,
		// so unknown types are ignored.
		if f, err := control.Decode(data); err == nil {
			s.log.Debug("broadcaster control ignored", "session_id", sess.ID(), "type", f.Type)
		}
	})
	p.SetCloseHandler(func(err error) {
		sess.Teardown(control.ReasonBroadcasterDisconnected)
	})
	p.Start()
}

// admitListener attaches a listener and leaves its socket draining the
// fan-out queue. Attach can still lose a race with teardown or a capacity
// refill, in which case the socket closes without any frames.
func (s *Server) admitListener(ws *websocket.Conn, sess *Session) {
	p := conn.NewPeer(ws, conn.Options{
		Role:           conn.RoleListener,
		QueueDepth:     s.cfg.QueueDepth,
		OverflowLimit:  s.cfg.OverflowLimit,
		OverflowWindow: s.cfg.OverflowWindow,
		Clock:          s.clock,
		Log:            logger.WithSession(s.log, sess.ID()),
	})

	if err := sess.AttachListener(p); err != nil {
		s.log.Debug("listener rejected", "session_id", sess.ID(), "error", err)
		p.Shutdown(websocket.ClosePolicyViolation, "")
		return
	}

	s.hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventListenerJoin).
		WithSession(sess.ID()).
		WithConnID(p.ID()).
		WithData("remote_addr", p.RemoteAddr()).
		WithData("listener_count", sess.ListenerCount()))

	p.SetCloseHandler(func(err error) {
		if !sess.DetachListener(p) {
			return
		}
		reason := p.CloseReason()
		if reason == "slow-consumer" {
			metricSlowConsumers.Inc()
		}
		s.hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventListenerLeave).
			WithSession(sess.ID()).
			WithConnID(p.ID()).
			WithData("reason", reason).
			WithData("listener_count", sess.ListenerCount()))
	})
	p.Start()
}
