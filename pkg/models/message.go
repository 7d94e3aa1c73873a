package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType defines the category of message exchanged between the control
// plane and fleet agents
type MessageType string

const (
	MsgAgentRegister  MessageType = "agent.register"
	MsgRegisterAck    MessageType = "agent.register.ack"
	MsgAgentHeartbeat MessageType = "agent.heartbeat"
	MsgCommand        MessageType = "command.dispatch"
	MsgCommandAck     MessageType = "command.ack"
	MsgCommandResult  MessageType = "command.result"
	MsgTaskAssignment MessageType = "task.assignment"
	MsgTaskStatus     MessageType = "task.status"
	MsgTaskResult     MessageType = "task.result"
	MsgSystemEvent    MessageType = "system.event"
)

// Message is the standard envelope for control-plane/agent communication
type Message struct {
	ID            string                 `json:"id"`
	Type          MessageType            `json:"type"`
	Source        string                 `json:"source"`
	Target        string                 `json:"target,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// NewMessage creates a message envelope with a fresh id and timestamp
func NewMessage(msgType MessageType, source, target string, payload map[string]interface{}) Message {
	return Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Target:    target,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// NewCommandMessage wraps a command for delivery to its agent
func NewCommandMessage(source string, cmd AgentCommand) Message {
	return Message{
		ID:            uuid.New().String(),
		Type:          MsgCommand,
		Source:        source,
		Target:        cmd.AgentID,
		CorrelationID: cmd.ID,
		Payload: map[string]interface{}{
			"command_id": cmd.ID,
			"type":       cmd.Type,
			"parameters": cmd.Parameters,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewTaskAssignmentMessage notifies an agent of a newly assigned task
func NewTaskAssignmentMessage(source string, task CentralTask) Message {
	return Message{
		ID:            uuid.New().String(),
		Type:          MsgTaskAssignment,
		Source:        source,
		Target:        task.AssignedAgent,
		CorrelationID: task.ID,
		Payload: map[string]interface{}{
			"task_id":      task.ID,
			"task_type":    task.Type,
			"priority":     task.Priority,
			"config":       task.Config,
			"requirements": task.Requirements,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewRegisterAckMessage answers an agent registration
func NewRegisterAckMessage(source, agentID, nodeID string, features []string) Message {
	return Message{
		ID:     uuid.New().String(),
		Type:   MsgRegisterAck,
		Source: source,
		Target: agentID,
		Payload: map[string]interface{}{
			"success":            true,
			"node_id":            nodeID,
			"supported_features": features,
		},
		Timestamp: time.Now().UTC(),
	}
}

// NewHeartbeatAckMessage answers a heartbeat with the next interval
func NewHeartbeatAckMessage(source, agentID string, nextSeconds int) Message {
	return Message{
		ID:     uuid.New().String(),
		Type:   MsgSystemEvent,
		Source: source,
		Target: agentID,
		Payload: map[string]interface{}{
			"success":                true,
			"next_heartbeat_seconds": nextSeconds,
		},
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the message
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// MessageFromJSON deserializes a message
func MessageFromJSON(data []byte) (Message, error) {
	var msg Message
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Validate checks required envelope fields
func (m Message) Validate() error {
	if m.ID == "" {
		return &ValidationError{Field: "id", Message: "message id is required"}
	}
	if m.Type == "" {
		return &ValidationError{Field: "type", Message: "message type is required"}
	}
	if m.Source == "" {
		return &ValidationError{Field: "source", Message: "message source is required"}
	}
	if m.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "message timestamp is required"}
	}
	return nil
}

// ValidationError represents a message validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// PayloadString extracts a string field from a message payload
func (m Message) PayloadString(key string) string {
	if v, ok := m.Payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadBool extracts a bool field from a message payload
func (m Message) PayloadBool(key string) bool {
	v, _ := m.Payload[key].(bool)
	return v
}

// PayloadMap extracts a nested map field from a message payload
func (m Message) PayloadMap(key string) map[string]interface{} {
	if v, ok := m.Payload[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
