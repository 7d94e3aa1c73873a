package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetor/fleetor/pkg/models"
)

// CreateTask persists a new task
func (s *Store) CreateTask(ctx context.Context, task *models.CentralTask) error {
	rec := taskToRecord(task)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask fetches a task by id
func (s *Store) GetTask(ctx context.Context, id string) (*models.CentralTask, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	task := rec.toModel()
	return &task, nil
}

// SaveTask writes back a mutated task
func (s *Store) SaveTask(ctx context.Context, task *models.CentralTask) error {
	rec := taskToRecord(task)
	res := s.db.WithContext(ctx).Model(&TaskRecord{}).Where("id = ?", task.ID).
		Select("*").Omit("id", "created_at").Updates(rec)
	if res.Error != nil {
		return fmt.Errorf("failed to save task %s: %w", task.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// PendingTasks returns unassigned tasks ordered by priority then age, so the
// assignment loop always sees the highest-priority oldest work first
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]models.CentralTask, error) {
	var recs []TaskRecord
	q := s.db.WithContext(ctx).
		Where("status = ?", string(models.TaskPending)).
		Order("priority DESC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	return taskModels(recs), nil
}

// TasksForAgent returns non-terminal tasks currently held by an agent
func (s *Store) TasksForAgent(ctx context.Context, agentID string) ([]models.CentralTask, error) {
	var recs []TaskRecord
	err := s.db.WithContext(ctx).
		Where("assigned_agent = ? AND status IN ?", agentID,
			[]string{string(models.TaskAssigned), string(models.TaskRunning)}).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks for agent %s: %w", agentID, err)
	}
	return taskModels(recs), nil
}

// StaleAssignedTasks returns tasks assigned before the cutoff that the agent
// never started, candidates for requeueing
func (s *Store) StaleAssignedTasks(ctx context.Context, cutoff time.Time) ([]models.CentralTask, error) {
	var recs []TaskRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND assigned_at < ?", string(models.TaskAssigned), cutoff).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale assigned tasks: %w", err)
	}
	return taskModels(recs), nil
}

// ListTasks returns tasks filtered by status, or all when status is empty
func (s *Store) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.CentralTask, error) {
	var recs []TaskRecord
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return taskModels(recs), nil
}

// TaskStatistics folds per-state counts and the overall success rate
func (s *Store) TaskStatistics(ctx context.Context) (models.TaskStatistics, error) {
	var stats models.TaskStatistics

	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&TaskRecord{}).
		Select("status, count(*) as n").Group("status").Scan(&rows).Error
	if err != nil {
		return stats, fmt.Errorf("failed to compute task statistics: %w", err)
	}

	for _, r := range rows {
		switch models.TaskStatus(r.Status) {
		case models.TaskPending:
			stats.Pending = r.N
		case models.TaskAssigned:
			stats.Assigned = r.N
		case models.TaskRunning:
			stats.Running = r.N
		case models.TaskCompleted:
			stats.Completed = r.N
		case models.TaskFailed:
			stats.Failed = r.N
		case models.TaskCancelled:
			stats.Cancelled = r.N
		}
	}

	finished := stats.Completed + stats.Failed
	if finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	return stats, nil
}

func taskModels(recs []TaskRecord) []models.CentralTask {
	tasks := make([]models.CentralTask, len(recs))
	for i, rec := range recs {
		tasks[i] = rec.toModel()
	}
	return tasks
}
