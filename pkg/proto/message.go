// Package proto defines the shared entity types of the orchestration core:
// agents, tasks, messages, plugins, and the execution contract every agent
// implements. Types here carry validation but no behavior of their own.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MsgType classifies a bus message.
type MsgType string

// General message classes from the data model.
const (
	MsgTypeTaskAssignment MsgType = "task:assignment"
	MsgTypeTaskResult     MsgType = "task:result"
	MsgTypeAgentStatus    MsgType = "agent:status"
	MsgTypeSystemEvent    MsgType = "system:event"
	MsgTypePluginEvent    MsgType = "plugin:event"
	MsgTypeError          MsgType = "error"
)

// Lifecycle event types observable by external collaborators.
const (
	MsgTypeInitializing      MsgType = "initializing"
	MsgTypeReady             MsgType = "ready"
	MsgTypeAgentRegistered   MsgType = "agent:registered"
	MsgTypeAgentUnregistered MsgType = "agent:unregistered"
	MsgTypeEngineRegistered  MsgType = "engine:registered"
	MsgTypeExecutionStart    MsgType = "execution:start"
	MsgTypeExecutionComplete MsgType = "execution:complete"
	MsgTypeExecutionError    MsgType = "execution:error"
)

// ValidateMsgType reports whether a string is a recognized message type.
func ValidateMsgType(s string) (MsgType, bool) {
	switch MsgType(s) {
	case MsgTypeTaskAssignment, MsgTypeTaskResult, MsgTypeAgentStatus,
		MsgTypeSystemEvent, MsgTypePluginEvent, MsgTypeError,
		MsgTypeInitializing, MsgTypeReady,
		MsgTypeAgentRegistered, MsgTypeAgentUnregistered, MsgTypeEngineRegistered,
		MsgTypeExecutionStart, MsgTypeExecutionComplete, MsgTypeExecutionError:
		return MsgType(s), true
	default:
		return "", false
	}
}

// String returns the string representation of MsgType.
func (mt MsgType) String() string {
	return string(mt)
}

// Message is a single bus delivery. Messages are ephemeral: they exist only
// for the duration of a publish call and are never persisted or replayed by
// the bus itself.
type Message struct {
	ID   string  `json:"id"`
	Type MsgType `json:"type"`
	From string  `json:"from"`
	// To is the recipient identity. Empty means broadcast.
	To        string         `json:"to,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	// CorrelationID links the message to a task or request, if any.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewMessage creates a message with a fresh id and UTC timestamp.
func NewMessage(msgType MsgType, from, to string) *Message {
	return &Message{
		ID:        NewID(),
		Type:      msgType,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
	}
}

// SetPayload stores a payload value, allocating the map if needed.
func (m *Message) SetPayload(key string, value any) {
	if m.Payload == nil {
		m.Payload = make(map[string]any)
	}
	m.Payload[key] = value
}

// GetPayload returns a payload value and whether it was present.
func (m *Message) GetPayload(key string) (any, bool) {
	if m.Payload == nil {
		return nil, false
	}
	v, ok := m.Payload[key]
	return v, ok
}

// Clone returns a deep copy so subscribers cannot mutate each other's view.
func (m *Message) Clone() *Message {
	clone := &Message{
		ID:            m.ID,
		Type:          m.Type,
		From:          m.From,
		To:            m.To,
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
	}
	if m.Payload != nil {
		clone.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			clone.Payload[k] = v
		}
	}
	return clone
}

// Validate checks the structural invariants of a message.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if m.From == "" {
		return fmt.Errorf("message sender is required")
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("message timestamp is required")
	}
	if _, ok := ValidateMsgType(string(m.Type)); !ok {
		return fmt.Errorf("invalid message type: %s", m.Type)
	}
	return nil
}

// ToJSON serializes the message for event logging.
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON parses a serialized message.
func MessageFromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

// NewID returns a fresh unique identifier.
func NewID() string {
	return uuid.NewString()
}
