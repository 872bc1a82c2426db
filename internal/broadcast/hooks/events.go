// Event definitions for the broadcast lifecycle hook system.
package hooks

import (
	"time"
)

// EventType identifies a broadcast lifecycle event.
type EventType string

const (
	// Session events
	EventSessionCreate EventType = "session_create"
	EventSessionEnd    EventType = "session_end"

	// Broadcast events
	EventBroadcastStart EventType = "broadcast_start"

	// Listener events
	EventListenerJoin  EventType = "listener_join"
	EventListenerLeave EventType = "listener_leave"

	// Recording events
	EventRecordingComplete EventType = "recording_complete"
)

// AllEvents lists every event type a hook can subscribe to.
func AllEvents() []EventType {
	return []EventType{
		EventSessionCreate,
		EventSessionEnd,
		EventBroadcastStart,
		EventListenerJoin,
		EventListenerLeave,
		EventRecordingComplete,
	}
}

// Event is a single lifecycle occurrence that can trigger hooks.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"` // unix milliseconds
	SessionID string                 `json:"session_id,omitempty"`
	ConnID    string                 `json:"conn_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      make(map[string]interface{}),
	}
}

// WithSession sets the session id for the event.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithConnID sets the connection id for the event.
func (e *Event) WithConnID(connID string) *Event {
	e.ConnID = connID
	return e
}

// WithData adds a data field to the event.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// String returns a compact human-readable representation.
func (e *Event) String() string {
	if e.SessionID != "" {
		return string(e.Type) + ":" + e.SessionID
	}
	if e.ConnID != "" {
		return string(e.Type) + ":" + e.ConnID
	}
	return string(e.Type)
}
