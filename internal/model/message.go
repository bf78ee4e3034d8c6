package model

import "time"

// Envelope is one admitted inbound message waiting for the executor.
type Envelope struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Sequence       int64     `json:"sequence_number"`
	Payload        string    `json:"payload"`
	ReceivedAt     time.Time `json:"received_at"`
}

// EventType is the kind of output produced for an envelope.
type EventType string

const (
	EventPartial  EventType = "partial"
	EventFinal    EventType = "final"
	EventFallback EventType = "fallback"
	EventError    EventType = "error"
)

// Terminal reports whether the event closes its sequence number.
func (t EventType) Terminal() bool {
	return t == EventFinal || t == EventFallback || t == EventError
}

// Event travels over the fanout bus. Every envelope produces exactly one
// terminal event, optionally preceded by partial chunks.
type Event struct {
	ConversationID string    `json:"conversation_id"`
	Sequence       int64     `json:"sequence_number"`
	Type           EventType `json:"type"`
	Chunk          int       `json:"chunk,omitempty"`
	Payload        string    `json:"payload"`
	Code           string    `json:"code,omitempty"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// FrameType enumerates outbound wire frames.
type FrameType string

const (
	FramePartial  FrameType = "partial"
	FrameFinal    FrameType = "final"
	FrameFallback FrameType = "fallback"
	FrameError    FrameType = "error"
	FrameReady    FrameType = "ready"
	FrameAck      FrameType = "ack"
	FrameRejected FrameType = "rejected"
)

// Frame is what the gateway writes to a client socket.
type Frame struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Sequence       int64     `json:"sequence_number,omitempty"`
	Chunk          int       `json:"chunk,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	Code           string    `json:"code,omitempty"`
	// RetryAfter is expressed in whole seconds.
	RetryAfter int `json:"retry_after,omitempty"`
}

// FrameFromEvent converts a bus event into its wire frame.
func FrameFromEvent(ev Event) Frame {
	return Frame{
		Type:           FrameType(ev.Type),
		ConversationID: ev.ConversationID,
		Sequence:       ev.Sequence,
		Chunk:          ev.Chunk,
		Payload:        ev.Payload,
		Code:           ev.Code,
	}
}
