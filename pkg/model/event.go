package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the lifecycle events an agent emits.
type EventType string

const (
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentDisconnected EventType = "agent_disconnected"
	EventHeartbeat         EventType = "heartbeat"
	EventZTPStarted        EventType = "ztp_started"
	EventZTPStopped        EventType = "ztp_stopped"
	EventDeviceDiscovered  EventType = "device_discovered"
	EventDeviceUpdated     EventType = "device_updated"
	EventDeviceConfigured  EventType = "device_configured"
	EventError             EventType = "error"
)

// Event is one entry in the event stream. Within one agent the
// (Tick, Seq) pair is monotonically increasing; there is no ordering
// across agents.
type Event struct {
	ID        string                 `json:"event_id"`
	AgentID   string                 `json:"agent_id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"type"`
	Tick      uint64                 `json:"tick"`
	Seq       uint64                 `json:"seq"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id and current timestamp.
// AgentID, Tick and Seq are stamped by the emitter.
func NewEvent(typ EventType, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   payload,
	}
}

// ErrorPayload builds the payload for an error event.
func ErrorPayload(ip, phase, kind, message string) map[string]interface{} {
	return map[string]interface{}{
		"ip":      ip,
		"phase":   phase,
		"kind":    kind,
		"message": message,
	}
}
