package control

// JSON control frames exchanged on the WebSocket alongside binary audio
// chunks. Every frame is a single JSON text message with a "type"
// discriminator. Binary chunks never pass through this package.

import (
	"encoding/json"
	"fmt"
)

// Frame type discriminators.
const (
	TypeOK               = "ok"
	TypeBroadcastStarted = "broadcast-started"
	TypeInitSegment      = "init-segment"
	TypeSessionEnded     = "session-ended"
	TypeBackpressure     = "backpressure"
	TypeDrain            = "drain"
	TypeListenerCount    = "listener-count"
	TypeError            = "error"
)

// Session end reasons carried by session-ended frames and close messages.
const (
	ReasonBroadcasterDisconnected = "broadcaster-disconnected"
	ReasonStoppedByBroadcaster    = "stopped-by-broadcaster"
	ReasonExpired                 = "expired"
	ReasonShutdown                = "shutdown"
	ReasonSlowConsumer            = "slow-consumer"
)

// Frame is the decoded superset of all control frame fields. Type
// discriminates; fields not used by a given type are zero.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Size      int    `json:"size,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Count     int    `json:"count,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Decode parses a text frame. A frame without a type is returned as-is;
// callers treat unknown or empty types as a no-op.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode control frame: %w", err)
	}
	return f, nil
}
