package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandTypeExecuteScript is the reserved command type used by script
// deployments; agents sandbox the execution themselves
const CommandTypeExecuteScript = "execute_script"

// AgentCommand is a single administrative instruction sent to one agent.
// Once terminal it is never edited; corrections are appended as new commands.
type AgentCommand struct {
	ID          string                 `json:"id"`
	AgentID     string                 `json:"agent_id"`
	Type        string                 `json:"type"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Status      CommandStatus          `json:"status"`
	OperationID string                 `json:"operation_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	SentAt      *time.Time             `json:"sent_at,omitempty"`
	AckedAt     *time.Time             `json:"acked_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// NewCommand creates a queued command for one agent
func NewCommand(agentID, commandType string, parameters map[string]interface{}) (*AgentCommand, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id is required: %w", ErrInvalidRequest)
	}
	if commandType == "" {
		return nil, fmt.Errorf("command type is required: %w", ErrInvalidRequest)
	}
	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	return &AgentCommand{
		ID:         "cmd-" + uuid.New().String(),
		AgentID:    agentID,
		Type:       commandType,
		Parameters: parameters,
		Status:     CommandQueued,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

// ScheduledCommand wraps a command template whose dispatch is deferred to a
// future time, optionally repeating. Once cancelled or exhausted it never
// fires again.
type ScheduledCommand struct {
	ID             string                 `json:"id"`
	AgentID        string                 `json:"agent_id,omitempty"`
	TargetAgents   []string               `json:"target_agents,omitempty"`
	CommandType    string                 `json:"command_type"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	ScheduledTime  time.Time              `json:"scheduled_time"`
	RepeatInterval time.Duration          `json:"repeat_interval,omitempty"`
	MaxRepeats     int                    `json:"max_repeats"`
	RepeatsDone    int                    `json:"repeats_done"`
	Cancelled      bool                   `json:"cancelled"`
	CreatedAt      time.Time              `json:"created_at"`
	LastFiredAt    *time.Time             `json:"last_fired_at,omitempty"`
}

// NewScheduledCommand creates a schedule entry for a single agent or, when
// targets is non-empty, a bulk target set. MaxRepeats defaults to 1.
func NewScheduledCommand(agentID string, targets []string, commandType string, parameters map[string]interface{}, at time.Time, repeatInterval time.Duration, maxRepeats int) (*ScheduledCommand, error) {
	if commandType == "" {
		return nil, fmt.Errorf("command type is required: %w", ErrInvalidRequest)
	}
	if agentID == "" && len(targets) == 0 {
		return nil, fmt.Errorf("either an agent id or a target set is required: %w", ErrInvalidRequest)
	}
	if agentID != "" && len(targets) > 0 {
		return nil, fmt.Errorf("agent id and target set are mutually exclusive: %w", ErrInvalidRequest)
	}
	if maxRepeats <= 0 {
		maxRepeats = 1
	}
	if repeatInterval < 0 {
		return nil, fmt.Errorf("repeat interval must not be negative: %w", ErrInvalidRequest)
	}
	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	return &ScheduledCommand{
		ID:             "sched-" + uuid.New().String(),
		AgentID:        agentID,
		TargetAgents:   targets,
		CommandType:    commandType,
		Parameters:     parameters,
		ScheduledTime:  at.UTC(),
		RepeatInterval: repeatInterval,
		MaxRepeats:     maxRepeats,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// Due reports whether the entry should fire at the given instant
func (s *ScheduledCommand) Due(now time.Time) bool {
	return !s.Cancelled && s.RepeatsDone < s.MaxRepeats && !s.ScheduledTime.After(now)
}

// Exhausted reports whether the entry has fired max_repeats times
func (s *ScheduledCommand) Exhausted() bool {
	return s.RepeatsDone >= s.MaxRepeats
}

// IsBulk reports whether the entry fans out through the bulk coordinator
func (s *ScheduledCommand) IsBulk() bool {
	return len(s.TargetAgents) > 0
}

// RecordFire advances the entry after a dispatch: increments repeats_done
// and, when repeating and not exhausted, moves scheduled_time forward by the
// repeat interval.
func (s *ScheduledCommand) RecordFire(now time.Time) {
	s.RepeatsDone++
	s.LastFiredAt = &now
	if s.RepeatInterval > 0 && s.RepeatsDone < s.MaxRepeats {
		s.ScheduledTime = s.ScheduledTime.Add(s.RepeatInterval)
	}
}

// BulkOperation fans one command out to a non-empty set of agents. Sub
// results live as command rows carrying this operation id; the aggregate
// status is folded from them on read.
type BulkOperation struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	TargetAgents []string               `json:"target_agents"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// NewBulkOperation validates the target set and creates the operation
func NewBulkOperation(operationType string, targets []string, parameters map[string]interface{}) (*BulkOperation, error) {
	if operationType == "" {
		return nil, fmt.Errorf("operation type is required: %w", ErrInvalidRequest)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("target set is empty: %w", ErrInvalidRequest)
	}
	seen := make(map[string]bool, len(targets))
	deduped := make([]string, 0, len(targets))
	for _, id := range targets {
		if id == "" {
			return nil, fmt.Errorf("target set contains an empty agent id: %w", ErrInvalidRequest)
		}
		if !seen[id] {
			seen[id] = true
			deduped = append(deduped, id)
		}
	}
	if parameters == nil {
		parameters = map[string]interface{}{}
	}
	return &BulkOperation{
		ID:           "bulk-" + uuid.New().String(),
		Type:         operationType,
		TargetAgents: deduped,
		Parameters:   parameters,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// FoldBulkStatus computes the aggregate status from per-agent sub-command
// statuses: pending while any sub-result is non-terminal, completed when all
// succeeded, partial_failure otherwise.
func FoldBulkStatus(sub map[string]CommandStatus) BulkStatus {
	if len(sub) == 0 {
		return BulkPending
	}
	allCompleted := true
	for _, st := range sub {
		if !st.Terminal() {
			return BulkPending
		}
		if st != CommandCompleted {
			allCompleted = false
		}
	}
	if allCompleted {
		return BulkCompleted
	}
	return BulkPartialFailure
}

// ScriptDeployment is a bulk operation whose payload is executable script
// content rather than a structured command
type ScriptDeployment struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Content      string    `json:"content"`
	ScriptType   string    `json:"script_type"`
	Checksum     string    `json:"checksum"`
	TargetAgents []string  `json:"target_agents"`
	OperationID  string    `json:"operation_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewScriptDeployment validates inputs and fingerprints the content
func NewScriptDeployment(name, content, scriptType string, targets []string) (*ScriptDeployment, error) {
	if name == "" {
		return nil, fmt.Errorf("script name is required: %w", ErrInvalidRequest)
	}
	if content == "" {
		return nil, fmt.Errorf("script content is empty: %w", ErrInvalidRequest)
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("target set is empty: %w", ErrInvalidRequest)
	}
	sum := sha256.Sum256([]byte(content))
	return &ScriptDeployment{
		ID:           "script-" + uuid.New().String(),
		Name:         name,
		Content:      content,
		ScriptType:   scriptType,
		Checksum:     hex.EncodeToString(sum[:]),
		TargetAgents: targets,
		CreatedAt:    time.Now().UTC(),
	}, nil
}
