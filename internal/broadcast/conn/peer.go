package conn

// WebSocket connection glue shared by both peer roles. A Peer owns the
// socket: a bounded outbound queue drained by a single write loop goroutine
// (control frames, binary chunks, pings and the close handshake all flow
// through it) and a read loop that dispatches inbound frames to an installed
// handler. Enqueueing never blocks the hot path: when the queue is full the
// oldest pending frame is dropped to make room for the newest, and a peer
// that keeps overflowing is cut off as a slow consumer.

import (
	stdErrors "errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	bcerrors "github.com/nobledeveloper01/AudioBroadcaster/internal/errors"
	"github.com/nobledeveloper01/AudioBroadcaster/internal/logger"
)

// Role distinguishes the two peer kinds admitted by the upgrade gate.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleListener    Role = "listener"
)

// ParseRole validates the role query parameter.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleBroadcaster:
		return RoleBroadcaster, true
	case RoleListener:
		return RoleListener, true
	}
	return "", false
}

// Frame is one outbound WebSocket message.
type Frame struct {
	Type int // websocket.TextMessage or websocket.BinaryMessage
	Data []byte
}

// Text wraps a JSON control payload.
func Text(data []byte) Frame { return Frame{Type: websocket.TextMessage, Data: data} }

// Binary wraps an opaque audio chunk.
func Binary(data []byte) Frame { return Frame{Type: websocket.BinaryMessage, Data: data} }

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second
	// pongWait is the listener read deadline, refreshed on every pong.
	pongWait = 30 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 20 * time.Second

	DefaultQueueDepth     = 32
	DefaultOverflowLimit  = 8
	DefaultOverflowWindow = 10 * time.Second
)

// ErrPeerClosed is returned by Send after the peer shut down.
var ErrPeerClosed = stdErrors.New("peer closed")

// Options configures a Peer. Zero values fall back to the defaults above.
type Options struct {
	Role           Role
	QueueDepth     int
	OverflowLimit  int           // consecutive overflows before cutoff
	OverflowWindow time.Duration // overflows older than this reset the count
	IdleTimeout    time.Duration // broadcaster: read deadline advanced per message
	ReadLimit      int64         // max inbound frame size in bytes
	Clock          clockwork.Clock
	Log            *slog.Logger
}

// Peer wraps one accepted WebSocket connection.
type Peer struct {
	id   string
	role Role
	ws   *websocket.Conn
	log  *slog.Logger

	clock       clockwork.Clock
	idleTimeout time.Duration
	readLimit   int64

	mu        sync.Mutex
	outbound  chan Frame
	closed    bool
	closeCode int
	closeText string

	overflowLimit  int
	overflowWindow time.Duration
	strikes        int
	windowStart    time.Time

	onMessage func(messageType int, data []byte)
	onClose   func(err error)

	wg sync.WaitGroup
}

// NewPeer wraps an upgraded socket and starts the write loop immediately so
// admission frames can be queued before the read loop runs.
func NewPeer(ws *websocket.Conn, opts Options) *Peer {
	p := newPeer(ws, opts)
	p.startWriteLoop()
	return p
}

// newPeer builds the Peer without starting any goroutine (tests exercise the
// queue semantics directly through this constructor).
func newPeer(ws *websocket.Conn, opts Options) *Peer {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.OverflowLimit <= 0 {
		opts.OverflowLimit = DefaultOverflowLimit
	}
	if opts.OverflowWindow <= 0 {
		opts.OverflowWindow = DefaultOverflowWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	id := uuid.NewString()
	lg := opts.Log
	if lg == nil {
		lg = logger.Logger()
	}
	addr := ""
	if ws != nil {
		addr = ws.RemoteAddr().String()
	}
	lg = logger.WithRole(logger.WithConn(lg, id, addr), string(opts.Role))
	return &Peer{
		id:             id,
		role:           opts.Role,
		ws:             ws,
		log:            lg,
		clock:          opts.Clock,
		idleTimeout:    opts.IdleTimeout,
		readLimit:      opts.ReadLimit,
		outbound:       make(chan Frame, opts.QueueDepth),
		closeCode:      websocket.CloseNormalClosure,
		overflowLimit:  opts.OverflowLimit,
		overflowWindow: opts.OverflowWindow,
	}
}

// ID returns the logical connection id.
func (p *Peer) ID() string { return p.id }

// Role returns the admitted role.
func (p *Peer) Role() Role { return p.role }

// RemoteAddr returns the peer address for logging.
func (p *Peer) RemoteAddr() string {
	if p.ws == nil {
		return ""
	}
	return p.ws.RemoteAddr().String()
}

// SetMessageHandler installs a callback invoked by the read loop for every
// inbound frame. MUST be called before Start().
func (p *Peer) SetMessageHandler(fn func(messageType int, data []byte)) { p.onMessage = fn }

// SetCloseHandler installs a callback invoked exactly once after the read
// loop exits. MUST be called before Start().
func (p *Peer) SetCloseHandler(fn func(err error)) { p.onClose = fn }

// Start begins the read loop. MUST be called after the handlers are set.
func (p *Peer) Start() {
	p.startReadLoop()
}

// Send enqueues a control or bootstrap frame. When the queue is full the
// oldest pending frame is dropped to make room; control traffic never counts
// toward the slow consumer policy.
func (p *Peer) Send(f Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	select {
	case p.outbound <- f:
		return nil
	default:
	}
	select {
	case <-p.outbound:
	default:
	}
	select {
	case p.outbound <- f:
	default:
	}
	return nil
}

// TrySend enqueues a live chunk without blocking. When the queue is full the
// oldest pending frame is dropped to make room for the newest and TrySend
// reports false. A peer that overflows overflowLimit consecutive times inside
// overflowWindow is shut down with a slow-consumer close.
func (p *Peer) TrySend(f Frame) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	select {
	case p.outbound <- f:
		p.strikes = 0
		p.mu.Unlock()
		return true
	default:
	}
	select {
	case <-p.outbound:
	default:
	}
	select {
	case p.outbound <- f:
	default:
	}
	now := p.clock.Now()
	if p.strikes == 0 || now.Sub(p.windowStart) > p.overflowWindow {
		p.windowStart = now
		p.strikes = 0
	}
	p.strikes++
	if p.strikes >= p.overflowLimit {
		p.log.Warn("slow consumer cut off", "strikes", p.strikes, "window", p.overflowWindow.String())
		p.closeLocked(websocket.ClosePolicyViolation, "slow-consumer")
	}
	p.mu.Unlock()
	return false
}

// Shutdown closes the peer gracefully: frames already queued are flushed,
// then a close frame carrying code and text is written and the socket closed.
// Safe to call multiple times; the first call wins.
func (p *Peer) Shutdown(code int, text string) {
	p.mu.Lock()
	p.closeLocked(code, text)
	p.mu.Unlock()
}

// closeLocked flips the peer into the closed state. Caller holds p.mu.
// Closing the outbound channel makes the write loop drain what is left and
// finish the close handshake.
func (p *Peer) closeLocked(code int, text string) {
	if p.closed {
		return
	}
	p.closed = true
	p.closeCode = code
	p.closeText = text
	close(p.outbound)
}

// Closed reports whether the peer has been shut down.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseReason returns the close text recorded at shutdown ("" while open).
func (p *Peer) CloseReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return ""
	}
	return p.closeText
}

// Wait blocks until the peer's goroutines exit.
func (p *Peer) Wait() { p.wg.Wait() }

// startWriteLoop drains the outbound queue onto the socket and keeps the
// connection alive with periodic pings.
func (p *Peer) startWriteLoop() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		p.log.Debug("writeLoop started")
		for {
			select {
			case f, ok := <-p.outbound:
				if !ok {
					p.mu.Lock()
					code, text := p.closeCode, p.closeText
					p.mu.Unlock()
					_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = p.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
					_ = p.ws.Close()
					p.log.Debug("writeLoop finished close handshake", "code", code, "text", text)
					return
				}
				_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.ws.WriteMessage(f.Type, f.Data); err != nil {
					p.log.Debug("writeLoop write failed", "error", err)
					_ = p.ws.Close()
					p.markClosed()
					return
				}
			case <-ticker.C:
				_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					p.log.Debug("writeLoop ping failed", "error", err)
					_ = p.ws.Close()
					p.markClosed()
					return
				}
			}
		}
	}()
}

// markClosed records an abnormal close after the write loop already exited.
func (p *Peer) markClosed() {
	p.mu.Lock()
	p.closeLocked(websocket.CloseAbnormalClosure, "write-error")
	p.mu.Unlock()
}

// startReadLoop consumes inbound frames and dispatches them. The deadline
// policy differs per role: a broadcaster's deadline advances only on real
// traffic so an idle broadcaster times out even while its pongs keep coming;
// a listener's deadline advances on pongs.
func (p *Peer) startReadLoop() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.readLimit > 0 {
			p.ws.SetReadLimit(p.readLimit)
		}
		if p.idleTimeout > 0 {
			_ = p.ws.SetReadDeadline(time.Now().Add(p.idleTimeout))
		} else {
			_ = p.ws.SetReadDeadline(time.Now().Add(pongWait))
			p.ws.SetPongHandler(func(string) error {
				return p.ws.SetReadDeadline(time.Now().Add(pongWait))
			})
		}
		p.log.Debug("readLoop started")
		for {
			msgType, data, err := p.ws.ReadMessage()
			if err != nil {
				cause := err
				var ne net.Error
				switch {
				case stdErrors.As(err, &ne) && ne.Timeout():
					d := p.idleTimeout
					if d == 0 {
						d = pongWait
					}
					cause = bcerrors.NewTimeoutError("peer.read", d, err)
					p.log.Info("readLoop idle timeout", "timeout", d.String())
				case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
					p.log.Debug("readLoop closed by peer", "error", err)
				case stdErrors.Is(err, net.ErrClosed):
					p.log.Debug("readLoop socket closed")
				default:
					p.log.Debug("readLoop error", "error", err)
				}
				p.mu.Lock()
				p.closeLocked(websocket.CloseNormalClosure, "")
				p.mu.Unlock()
				if p.onClose != nil {
					p.onClose(cause)
				}
				return
			}
			if p.idleTimeout > 0 {
				_ = p.ws.SetReadDeadline(time.Now().Add(p.idleTimeout))
			}
			if p.onMessage != nil {
				p.onMessage(msgType, data)
			}
		}
	}()
}
