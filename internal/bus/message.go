// Package bus implements L4: TinyBus, a type-routed in-process broker
// with pluggable transports.
package bus

import "time"

// Message is the bus's wire format (§3 Bus Message).
type Message struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"` // dotted namespace, e.g. "agora.message"
	SchemaVersion int            `json:"schemaVersion"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source,omitempty"`
	Destination   string         `json:"destination,omitempty"`
	Payload       any            `json:"payload,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Well-known message types emitted by the bus itself and by the loop.
const (
	TypeMessageError = "message.error"

	TypeStateChanged         = "state_changed"
	TypeCycleComplete        = "cycle_complete"
	TypeTickComplete         = "tick_complete"
	TypeIdle                 = "idle"
	TypeProcessOutput        = "process_output"
	TypeConversationResponse = "conversation_response"
	TypeAgoraMessage         = "agora_message"
)
