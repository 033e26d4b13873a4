package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message.
type MessageType string

const (
	TypeTaskRequest  MessageType = "task_request"
	TypeTaskResponse MessageType = "task_response"
	TypeStatusUpdate MessageType = "status_update"
	TypeErrorReport  MessageType = "error_report"
	TypeCoordination MessageType = "coordination"
)

// Message is the envelope exchanged between agents and the orchestration
// components. Messages are immutable after creation; ownership transfers to
// the bus on Publish.
type Message struct {
	ID            string         `json:"id"`
	SenderID      string         `json:"sender_id"`
	RecipientID   string         `json:"recipient_id,omitempty"`
	Type          MessageType    `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewBroadcast creates a message addressed to all subscribers of its type.
func NewBroadcast(senderID string, t MessageType, payload map[string]any) Message {
	return Message{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// NewDirect creates a message addressed to a single recipient. The
// correlation ID links responses back to the request that caused them.
func NewDirect(senderID, recipientID string, t MessageType, payload map[string]any, correlationID string) Message {
	return Message{
		ID:            uuid.New().String(),
		SenderID:      senderID,
		RecipientID:   recipientID,
		Type:          t,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// Capability declares a named unit of work an agent claims to support.
// Capabilities are matched by Name only; input and output types are
// descriptive and not validated.
type Capability struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	InputTypes   []string `json:"input_types,omitempty" yaml:"input_types,omitempty"`
	OutputTypes  []string `json:"output_types,omitempty" yaml:"output_types,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}
