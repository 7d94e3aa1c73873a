package store

import (
	"time"

	"github.com/fleetor/fleetor/pkg/models"
)

// TaskRecord is the persisted form of a central task
type TaskRecord struct {
	ID            string                 `gorm:"primaryKey"`
	Type          string                 `gorm:"index"`
	Priority      int                    `gorm:"index"`
	Config        map[string]interface{} `gorm:"serializer:json"`
	Requirements  []string               `gorm:"serializer:json"`
	Status        string                 `gorm:"index"`
	AssignedAgent string                 `gorm:"index"`
	CreatedAt     time.Time              `gorm:"index"`
	AssignedAt    *time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Result        map[string]interface{} `gorm:"serializer:json"`
	Error         string
	RetryCount    int
	MaxRetries    int
}

func (TaskRecord) TableName() string { return "central_tasks" }

func taskToRecord(t *models.CentralTask) TaskRecord {
	return TaskRecord{
		ID:            t.ID,
		Type:          t.Type,
		Priority:      t.Priority,
		Config:        t.Config,
		Requirements:  t.Requirements,
		Status:        string(t.Status),
		AssignedAgent: t.AssignedAgent,
		CreatedAt:     t.CreatedAt,
		AssignedAt:    t.AssignedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		Result:        t.Result,
		Error:         t.Error,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
	}
}

func (r TaskRecord) toModel() models.CentralTask {
	return models.CentralTask{
		ID:            r.ID,
		Type:          r.Type,
		Priority:      r.Priority,
		Config:        r.Config,
		Requirements:  r.Requirements,
		Status:        models.TaskStatus(r.Status),
		AssignedAgent: r.AssignedAgent,
		CreatedAt:     r.CreatedAt,
		AssignedAt:    r.AssignedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		Result:        r.Result,
		Error:         r.Error,
		RetryCount:    r.RetryCount,
		MaxRetries:    r.MaxRetries,
	}
}

// CommandRecord is the persisted form of an agent command. Bulk sub-commands
// carry the bulk operation id so the aggregate can be folded on read.
type CommandRecord struct {
	ID          string                 `gorm:"primaryKey"`
	AgentID     string                 `gorm:"index"`
	Type        string                 `gorm:"index"`
	Parameters  map[string]interface{} `gorm:"serializer:json"`
	Status      string                 `gorm:"index"`
	OperationID string                 `gorm:"index"`
	CreatedAt   time.Time              `gorm:"index"`
	SentAt      *time.Time
	AckedAt     *time.Time
	CompletedAt *time.Time
	Result      map[string]interface{} `gorm:"serializer:json"`
	Error       string
}

func (CommandRecord) TableName() string { return "agent_commands" }

func commandToRecord(c *models.AgentCommand) CommandRecord {
	return CommandRecord{
		ID:          c.ID,
		AgentID:     c.AgentID,
		Type:        c.Type,
		Parameters:  c.Parameters,
		Status:      string(c.Status),
		OperationID: c.OperationID,
		CreatedAt:   c.CreatedAt,
		SentAt:      c.SentAt,
		AckedAt:     c.AckedAt,
		CompletedAt: c.CompletedAt,
		Result:      c.Result,
		Error:       c.Error,
	}
}

func (r CommandRecord) toModel() models.AgentCommand {
	return models.AgentCommand{
		ID:          r.ID,
		AgentID:     r.AgentID,
		Type:        r.Type,
		Parameters:  r.Parameters,
		Status:      models.CommandStatus(r.Status),
		OperationID: r.OperationID,
		CreatedAt:   r.CreatedAt,
		SentAt:      r.SentAt,
		AckedAt:     r.AckedAt,
		CompletedAt: r.CompletedAt,
		Result:      r.Result,
		Error:       r.Error,
	}
}

// ScheduleRecord is the persisted form of a scheduled command. Schedules
// survive restarts; non-exhausted entries are reloaded on startup.
type ScheduleRecord struct {
	ID             string                 `gorm:"primaryKey"`
	AgentID        string                 `gorm:"index"`
	TargetAgents   []string               `gorm:"serializer:json"`
	CommandType    string
	Parameters     map[string]interface{} `gorm:"serializer:json"`
	ScheduledTime  time.Time              `gorm:"index"`
	RepeatInterval time.Duration
	MaxRepeats     int
	RepeatsDone    int
	Cancelled      bool `gorm:"index"`
	CreatedAt      time.Time
	LastFiredAt    *time.Time
}

func (ScheduleRecord) TableName() string { return "scheduled_commands" }

func scheduleToRecord(s *models.ScheduledCommand) ScheduleRecord {
	return ScheduleRecord{
		ID:             s.ID,
		AgentID:        s.AgentID,
		TargetAgents:   s.TargetAgents,
		CommandType:    s.CommandType,
		Parameters:     s.Parameters,
		ScheduledTime:  s.ScheduledTime,
		RepeatInterval: s.RepeatInterval,
		MaxRepeats:     s.MaxRepeats,
		RepeatsDone:    s.RepeatsDone,
		Cancelled:      s.Cancelled,
		CreatedAt:      s.CreatedAt,
		LastFiredAt:    s.LastFiredAt,
	}
}

func (r ScheduleRecord) toModel() models.ScheduledCommand {
	return models.ScheduledCommand{
		ID:             r.ID,
		AgentID:        r.AgentID,
		TargetAgents:   r.TargetAgents,
		CommandType:    r.CommandType,
		Parameters:     r.Parameters,
		ScheduledTime:  r.ScheduledTime,
		RepeatInterval: r.RepeatInterval,
		MaxRepeats:     r.MaxRepeats,
		RepeatsDone:    r.RepeatsDone,
		Cancelled:      r.Cancelled,
		CreatedAt:      r.CreatedAt,
		LastFiredAt:    r.LastFiredAt,
	}
}

// BulkOperationRecord is the persisted form of a bulk fan-out
type BulkOperationRecord struct {
	ID           string                 `gorm:"primaryKey"`
	Type         string
	TargetAgents []string               `gorm:"serializer:json"`
	Parameters   map[string]interface{} `gorm:"serializer:json"`
	CreatedAt    time.Time              `gorm:"index"`
}

func (BulkOperationRecord) TableName() string { return "bulk_operations" }

func bulkToRecord(op *models.BulkOperation) BulkOperationRecord {
	return BulkOperationRecord{
		ID:           op.ID,
		Type:         op.Type,
		TargetAgents: op.TargetAgents,
		Parameters:   op.Parameters,
		CreatedAt:    op.CreatedAt,
	}
}

func (r BulkOperationRecord) toModel() models.BulkOperation {
	return models.BulkOperation{
		ID:           r.ID,
		Type:         r.Type,
		TargetAgents: r.TargetAgents,
		Parameters:   r.Parameters,
		CreatedAt:    r.CreatedAt,
	}
}

// ScriptRecord is the persisted form of a script deployment
type ScriptRecord struct {
	ID           string   `gorm:"primaryKey"`
	Name         string
	Content      string
	ScriptType   string
	Checksum     string
	TargetAgents []string `gorm:"serializer:json"`
	OperationID  string   `gorm:"index"`
	CreatedAt    time.Time
}

func (ScriptRecord) TableName() string { return "script_deployments" }

func scriptToRecord(sd *models.ScriptDeployment) ScriptRecord {
	return ScriptRecord{
		ID:           sd.ID,
		Name:         sd.Name,
		Content:      sd.Content,
		ScriptType:   sd.ScriptType,
		Checksum:     sd.Checksum,
		TargetAgents: sd.TargetAgents,
		OperationID:  sd.OperationID,
		CreatedAt:    sd.CreatedAt,
	}
}

func (r ScriptRecord) toModel() models.ScriptDeployment {
	return models.ScriptDeployment{
		ID:           r.ID,
		Name:         r.Name,
		Content:      r.Content,
		ScriptType:   r.ScriptType,
		Checksum:     r.Checksum,
		TargetAgents: r.TargetAgents,
		OperationID:  r.OperationID,
		CreatedAt:    r.CreatedAt,
	}
}

// HealthRecord is one scored health sample for one agent
type HealthRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	AgentID      string `gorm:"index"`
	Timestamp    time.Time `gorm:"index"`
	CPUScore     float64
	MemoryScore  float64
	NetworkScore float64
	TaskScore    float64
	Score        float64
	Level        string
}

func (HealthRecord) TableName() string { return "health_snapshots" }

func healthToRecord(h models.HealthSnapshot) HealthRecord {
	return HealthRecord{
		AgentID:      h.AgentID,
		Timestamp:    h.Timestamp,
		CPUScore:     h.CPUScore,
		MemoryScore:  h.MemoryScore,
		NetworkScore: h.NetworkScore,
		TaskScore:    h.TaskScore,
		Score:        h.Score,
		Level:        string(h.Level),
	}
}

func (r HealthRecord) toModel() models.HealthSnapshot {
	return models.HealthSnapshot{
		AgentID:      r.AgentID,
		Timestamp:    r.Timestamp,
		CPUScore:     r.CPUScore,
		MemoryScore:  r.MemoryScore,
		NetworkScore: r.NetworkScore,
		TaskScore:    r.TaskScore,
		Score:        r.Score,
		Level:        models.HealthLevel(r.Level),
	}
}
