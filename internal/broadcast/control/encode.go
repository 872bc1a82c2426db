package control

// Constructors for the wire form of each server-sent control frame. Fields
// that must always be present on the wire (count=0, size=0) get dedicated
// structs instead of the omitempty superset.

import "encoding/json"

type okFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

type bareFrame struct {
	Type string `json:"type"`
}

type initSegmentFrame struct {
	Type string `json:"type"`
	Size int    `json:"size"`
}

type sessionEndedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type listenerCountFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// marshal never fails for the flat frame structs above.
func marshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

// OK confirms listener admission.
func OK(sessionID string) []byte {
	return marshal(okFrame{Type: TypeOK, SessionID: sessionID})
}

// BroadcastStarted announces that a broadcaster is attached.
func BroadcastStarted() []byte {
	return marshal(bareFrame{Type: TypeBroadcastStarted})
}

// InitSegment announces the binary init segment that follows it.
func InitSegment(size int) []byte {
	return marshal(initSegmentFrame{Type: TypeInitSegment, Size: size})
}

// SessionEnded is the final frame a listener receives before close.
func SessionEnded(reason string) []byte {
	return marshal(sessionEndedFrame{Type: TypeSessionEnded, Reason: reason})
}

// Backpressure asks the broadcaster to pause chunk transmission.
func Backpressure() []byte {
	return marshal(bareFrame{Type: TypeBackpressure})
}

// Drain tells the broadcaster the recording sink caught up.
func Drain() []byte {
	return marshal(bareFrame{Type: TypeDrain})
}

// ListenerCount reports the listener set size after an attach or detach.
func ListenerCount(n int) []byte {
	return marshal(listenerCountFrame{Type: TypeListenerCount, Count: n})
}

// Error reports a fatal admission error; the socket closes after it.
func Error(message string) []byte {
	return marshal(errorFrame{Type: TypeError, Message: message})
}
