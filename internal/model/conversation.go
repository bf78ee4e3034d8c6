package model

import (
	"time"
)

// Session is the ownership and liveness record of one conversation.
type Session struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	// LastDelivered is the highest terminal sequence flushed to any client.
	LastDelivered int64 `json:"last_delivered"`
}

// Turn is one completed request/response exchange.
type Turn struct {
	Sequence    int64     `json:"sequence"`
	Request     string    `json:"request"`
	Response    string    `json:"response"`
	Mode        string    `json:"mode,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Checkpoint is the minimal durable state needed to resume a conversation.
// Only the executor mutates it, and only after a successful engine call.
type Checkpoint struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Turns          []Turn `json:"turns"`
	// Continuation is opaque to the gateway; the engine owns its format.
	Continuation string    `json:"continuation,omitempty"`
	LastSequence int64     `json:"last_sequence"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewCheckpoint returns the empty checkpoint of a conversation that has never
// completed a turn.
func NewCheckpoint(conversationID, userID string) *Checkpoint {
	return &Checkpoint{
		ConversationID: conversationID,
		UserID:         userID,
		Turns:          []Turn{},
	}
}

// Clone returns a deep copy so engines can build the next checkpoint without
// touching the one the store handed out.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.Turns = make([]Turn, len(c.Turns))
	copy(out.Turns, c.Turns)
	return &out
}

// TurnsAfter returns the turns whose sequence is greater than seq, in order.
func (c *Checkpoint) TurnsAfter(seq int64) []Turn {
	if c == nil {
		return nil
	}
	var out []Turn
	for _, t := range c.Turns {
		if t.Sequence > seq {
			out = append(out, t)
		}
	}
	return out
}

// ConversationState is the coarse state reported by the status API.
type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateProcessing ConversationState = "processing"
	StateExpired    ConversationState = "expired"
)

// Status is the read-only view served to dashboards.
type Status struct {
	ConversationID string            `json:"conversation_id"`
	UserID         string            `json:"user_id"`
	State          ConversationState `json:"state"`
	CreatedAt      time.Time         `json:"created_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
	LastAssigned   int64             `json:"last_assigned"`
	LastCompleted  int64             `json:"last_completed"`
	LastDelivered  int64             `json:"last_delivered"`
	Turns          int               `json:"turns"`
	LastResponse   string            `json:"last_response,omitempty"`
}
