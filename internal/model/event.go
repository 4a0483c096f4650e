package model

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of state changes the bus records.
type EventType int

const (
	EventUnknown EventType = iota
	EventMemoryCreated
	EventMemoryUpdated
	EventMemoryDeleted
	EventMemoryRecalled
	EventGraphUpdated
	EventPatternLearned
	EventAgentConnected
	EventAgentDisconnected
)

// EventTypes lists every valid event type in declaration order.
var EventTypes = []EventType{
	EventMemoryCreated,
	EventMemoryUpdated,
	EventMemoryDeleted,
	EventMemoryRecalled,
	EventGraphUpdated,
	EventPatternLearned,
	EventAgentConnected,
	EventAgentDisconnected,
}

// String returns the wire name of the event type.
func (t EventType) String() string {
	switch t {
	case EventMemoryCreated:
		return "memory_created"
	case EventMemoryUpdated:
		return "memory_updated"
	case EventMemoryDeleted:
		return "memory_deleted"
	case EventMemoryRecalled:
		return "memory_recalled"
	case EventGraphUpdated:
		return "graph_updated"
	case EventPatternLearned:
		return "pattern_learned"
	case EventAgentConnected:
		return "agent_connected"
	case EventAgentDisconnected:
		return "agent_disconnected"
	}
	return "unknown"
}

// ParseEventType maps a wire name to an EventType. Short forms ("created")
// and the legacy "memory_stored" are accepted.
func ParseEventType(s string) (EventType, bool) {
	switch s {
	case "memory_created", "memory_stored", "created":
		return EventMemoryCreated, true
	case "memory_updated", "updated":
		return EventMemoryUpdated, true
	case "memory_deleted", "deleted":
		return EventMemoryDeleted, true
	case "memory_recalled", "recalled":
		return EventMemoryRecalled, true
	case "graph_updated":
		return EventGraphUpdated, true
	case "pattern_learned":
		return EventPatternLearned, true
	case "agent_connected":
		return EventAgentConnected, true
	case "agent_disconnected":
		return EventAgentDisconnected, true
	}
	return EventUnknown, false
}

// IsWrite reports whether the event type counts as a write by its agent.
func (t EventType) IsWrite() bool {
	return t == EventMemoryCreated || t == EventMemoryUpdated || t == EventMemoryDeleted
}

// IsSystem reports whether the event is produced by the hub itself
// rather than by a client mutation.
func (t EventType) IsSystem() bool {
	return t == EventAgentConnected || t == EventAgentDisconnected
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, _ := ParseEventType(s)
	*t = v
	return nil
}

// Tier is an event retention tier.
type Tier string

const (
	TierHot     Tier = "hot"
	TierWarm    Tier = "warm"
	TierCold    Tier = "cold"
	TierArchive Tier = "archive"
)

// Event is an immutable fact recorded by the bus. Only Tier may change
// after creation, and only during compaction.
type Event struct {
	ID             int64           `json:"id"`
	Type           EventType       `json:"type"`
	SubjectID      string          `json:"subject_id,omitempty"`
	Profile        string          `json:"profile,omitempty"`
	SourceAgent    string          `json:"source_agent"`
	SourceProtocol Protocol        `json:"source_protocol"`
	Payload        json.RawMessage `json:"data,omitempty"`
	Importance     int             `json:"importance"`
	Tier           Tier            `json:"retention_tier,omitempty"`
	CreatedAt      time.Time       `json:"timestamp"`
}

// WireEvent is the JSON shape shared by SSE, WebSocket, REST and webhooks.
type WireEvent struct {
	Type           string          `json:"type"`
	ID             int64           `json:"id"`
	Timestamp      string          `json:"timestamp"`
	Profile        string          `json:"profile,omitempty"`
	SourceAgent    string          `json:"source_agent"`
	SourceProtocol Protocol        `json:"source_protocol"`
	SubjectID      string          `json:"subject_id,omitempty"`
	Importance     int             `json:"importance"`
	Data           json.RawMessage `json:"data"`
}

// Wire converts the event to its transport shape.
func (e Event) Wire() WireEvent {
	data := e.Payload
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	return WireEvent{
		Type:           e.Type.String(),
		ID:             e.ID,
		Timestamp:      e.CreatedAt.UTC().Format(time.RFC3339),
		Profile:        e.Profile,
		SourceAgent:    e.SourceAgent,
		SourceProtocol: e.SourceProtocol,
		SubjectID:      e.SubjectID,
		Importance:     e.Importance,
		Data:           data,
	}
}
