package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CentralTask is a centrally-defined unit of work assigned to exactly one
// agent at a time
type CentralTask struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Priority      int                    `json:"priority"`
	Config        map[string]interface{} `json:"config,omitempty"`
	Requirements  []string               `json:"requirements,omitempty"`
	Status        TaskStatus             `json:"status"`
	AssignedAgent string                 `json:"assigned_agent,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	AssignedAt    *time.Time             `json:"assigned_at,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         string                 `json:"error,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	MaxRetries    int                    `json:"max_retries"`
}

// NewTask creates a pending task. Priority must be within [MinPriority,
// MaxPriority].
func NewTask(taskType string, priority int, config map[string]interface{}, requirements []string) (*CentralTask, error) {
	if taskType == "" {
		return nil, fmt.Errorf("task type is required: %w", ErrInvalidRequest)
	}
	if priority < MinPriority || priority > MaxPriority {
		return nil, fmt.Errorf("priority %d out of range [%d,%d]: %w", priority, MinPriority, MaxPriority, ErrInvalidRequest)
	}
	if config == nil {
		config = map[string]interface{}{}
	}
	return &CentralTask{
		ID:           "task-" + uuid.New().String(),
		Type:         taskType,
		Priority:     priority,
		Config:       config,
		Requirements: requirements,
		Status:       TaskPending,
		CreatedAt:    time.Now().UTC(),
		MaxRetries:   3,
	}, nil
}

// Assign transitions the task to assigned. Only a pending task may be
// assigned; anything else is a Conflict.
func (t *CentralTask) Assign(agentID string, now time.Time) error {
	if t.Status != TaskPending {
		return fmt.Errorf("task %s is %s, not pending: %w", t.ID, t.Status, ErrConflict)
	}
	t.Status = TaskAssigned
	t.AssignedAgent = agentID
	t.AssignedAt = &now
	return nil
}

// Requeue returns an assigned task to pending, clearing the agent reference
// before the task becomes selectable again.
func (t *CentralTask) Requeue() error {
	if t.Status != TaskAssigned && t.Status != TaskRunning {
		return fmt.Errorf("task %s is %s: %w", t.ID, t.Status, ErrConflict)
	}
	t.Status = TaskPending
	t.AssignedAgent = ""
	t.AssignedAt = nil
	t.StartedAt = nil
	t.RetryCount++
	return nil
}

// Unassign returns an assigned task to pending without charging the retry
// budget, for assignments the control plane failed to deliver
func (t *CentralTask) Unassign() error {
	if t.Status != TaskAssigned {
		return fmt.Errorf("task %s is %s, not assigned: %w", t.ID, t.Status, ErrConflict)
	}
	t.Status = TaskPending
	t.AssignedAgent = ""
	t.AssignedAt = nil
	return nil
}

// MarkRunning records that the assigned agent started executing the task
func (t *CentralTask) MarkRunning(now time.Time) error {
	if t.Status != TaskAssigned {
		return fmt.Errorf("task %s is %s, not assigned: %w", t.ID, t.Status, ErrConflict)
	}
	t.Status = TaskRunning
	t.StartedAt = &now
	return nil
}

// Complete finishes the task with a terminal status
func (t *CentralTask) Complete(success bool, result map[string]interface{}, errMsg string, now time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already terminal (%s): %w", t.ID, t.Status, ErrConflict)
	}
	if success {
		t.Status = TaskCompleted
		t.Result = result
	} else {
		t.Status = TaskFailed
		t.Error = errMsg
	}
	t.CompletedAt = &now
	return nil
}

// Cancel marks a non-terminal task cancelled
func (t *CentralTask) Cancel(now time.Time) error {
	if t.Status.Terminal() {
		return fmt.Errorf("task %s already terminal (%s): %w", t.ID, t.Status, ErrConflict)
	}
	t.Status = TaskCancelled
	t.CompletedAt = &now
	return nil
}

// TaskStatistics summarizes task counts by state plus the overall success
// rate (completed / (completed + failed))
type TaskStatistics struct {
	Pending     int64   `json:"pending"`
	Assigned    int64   `json:"assigned"`
	Running     int64   `json:"running"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Cancelled   int64   `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}
