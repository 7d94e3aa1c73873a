package models

import (
	"time"
)

// AgentStatus represents the operational status of a fleet agent
type AgentStatus string

const (
	AgentOnline      AgentStatus = "online"
	AgentOffline     AgentStatus = "offline"
	AgentBusy        AgentStatus = "busy"
	AgentMaintenance AgentStatus = "maintenance"
	AgentUnknown     AgentStatus = "unknown"
)

// TaskStatus represents the lifecycle state of a central task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the task state can no longer change
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// CommandStatus represents the delivery state of an agent command
type CommandStatus string

const (
	CommandQueued       CommandStatus = "queued"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandCompleted    CommandStatus = "completed"
	CommandFailed       CommandStatus = "failed"
	CommandTimedOut     CommandStatus = "timed_out"
)

// Terminal reports whether the command record is immutable
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandTimedOut
}

// BulkStatus is the aggregate state of a bulk operation, folded from its
// per-agent sub-commands on read
type BulkStatus string

const (
	BulkPending        BulkStatus = "pending"
	BulkCompleted      BulkStatus = "completed"
	BulkPartialFailure BulkStatus = "partial_failure"
)

// HealthLevel classifies a composite agent health score
type HealthLevel string

const (
	HealthLevelHealthy  HealthLevel = "healthy"
	HealthLevelWarning  HealthLevel = "warning"
	HealthLevelCritical HealthLevel = "critical"
)

// HealthStatus represents the health state of an infrastructure component
// (bus, registry, store), not of a fleet agent
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnknown   HealthStatus = "unknown"
)

// CircuitState represents circuit breaker state
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// Priority bounds for central tasks
const (
	MinPriority = 1
	MaxPriority = 10
)

// DefaultMaxConcurrentTasks applies when an agent registers without a
// concurrency limit
const DefaultMaxConcurrentTasks = 3

// AgentMetrics is the rolling resource/task snapshot an agent reports with
// every heartbeat
type AgentMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	GPUPercent     float64 `json:"gpu_percent"`
	NetworkIO      float64 `json:"network_io"`
	TasksRunning   int     `json:"tasks_running"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
}

// SuccessRate returns the completed/(completed+failed) ratio, 1.0 when the
// agent has not finished any task yet
func (m AgentMetrics) SuccessRate() float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(m.TasksCompleted) / float64(total)
}

// HealthSnapshot is a point-in-time health assessment of one agent
type HealthSnapshot struct {
	AgentID      string      `json:"agent_id"`
	Timestamp    time.Time   `json:"timestamp"`
	CPUScore     float64     `json:"cpu_score"`
	MemoryScore  float64     `json:"memory_score"`
	NetworkScore float64     `json:"network_score"`
	TaskScore    float64     `json:"task_score"`
	Score        float64     `json:"score"`
	Level        HealthLevel `json:"level"`
}
