package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetor/fleetor/pkg/models"
)

var commandTerminalStatuses = []string{
	string(models.CommandCompleted),
	string(models.CommandFailed),
	string(models.CommandTimedOut),
}

// CreateCommand persists a new command row
func (s *Store) CreateCommand(ctx context.Context, cmd *models.AgentCommand) error {
	rec := commandToRecord(cmd)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create command %s: %w", cmd.ID, err)
	}
	return nil
}

// GetCommand fetches a command by id
func (s *Store) GetCommand(ctx context.Context, id string) (*models.AgentCommand, error) {
	var rec CommandRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command %s: %w", id, err)
	}
	cmd := rec.toModel()
	return &cmd, nil
}

// MarkCommandSent flips a queued command to sent. Terminal commands are
// never edited; a late transition is a conflict.
func (s *Store) MarkCommandSent(ctx context.Context, id string, at time.Time) error {
	return s.transitionCommand(ctx, id,
		[]string{"status", "sent_at"},
		CommandRecord{Status: string(models.CommandSent), SentAt: &at})
}

// MarkCommandAcked records the agent's acknowledgment
func (s *Store) MarkCommandAcked(ctx context.Context, id string, at time.Time) error {
	return s.transitionCommand(ctx, id,
		[]string{"status", "acked_at"},
		CommandRecord{Status: string(models.CommandAcknowledged), AckedAt: &at})
}

// MarkCommandCompleted finishes a command with its result or error
func (s *Store) MarkCommandCompleted(ctx context.Context, id string, success bool, result map[string]interface{}, errMsg string, at time.Time) error {
	status := models.CommandCompleted
	if !success {
		status = models.CommandFailed
	}
	return s.transitionCommand(ctx, id,
		[]string{"status", "result", "error", "completed_at"},
		CommandRecord{
			Status:      string(status),
			Result:      result,
			Error:       errMsg,
			CompletedAt: &at,
		})
}

// transitionCommand applies selected fields only while the command is
// non-terminal
func (s *Store) transitionCommand(ctx context.Context, id string, fields []string, updates CommandRecord) error {
	res := s.db.WithContext(ctx).Model(&CommandRecord{}).
		Where("id = ? AND status NOT IN ?", id, commandTerminalStatuses).
		Select(fields).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update command %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		s.db.WithContext(ctx).Model(&CommandRecord{}).Where("id = ?", id).Count(&count)
		if count == 0 {
			return models.ErrNotFound
		}
		return fmt.Errorf("command %s already terminal: %w", id, models.ErrConflict)
	}
	return nil
}

// TimeOutStaleCommands flips commands stuck in delivery to timed_out and
// returns their ids: sent rows unacknowledged past ackCutoff, and
// acknowledged rows still without a result past execCutoff. A command left
// non-terminal would block HasOpenRecoveryCommand forever.
func (s *Store) TimeOutStaleCommands(ctx context.Context, ackCutoff, execCutoff time.Time) ([]string, error) {
	var recs []CommandRecord
	err := s.db.WithContext(ctx).
		Where("(status = ? AND sent_at < ?) OR (status = ? AND acked_at < ?)",
			string(models.CommandSent), ackCutoff,
			string(models.CommandAcknowledged), execCutoff).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stale commands: %w", err)
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		reason := "acknowledgment timeout"
		if rec.Status == string(models.CommandAcknowledged) {
			reason = "execution timeout"
		}
		err := s.transitionCommand(ctx, rec.ID,
			[]string{"status", "error", "completed_at"},
			CommandRecord{
				Status:      string(models.CommandTimedOut),
				Error:       reason,
				CompletedAt: &now,
			})
		if err != nil {
			continue
		}
		ids = append(ids, rec.ID)
	}
	return ids, nil
}

// CommandHistory returns an agent's commands newest-first
func (s *Store) CommandHistory(ctx context.Context, agentID string, limit int) ([]models.AgentCommand, error) {
	var recs []CommandRecord
	q := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to load command history for %s: %w", agentID, err)
	}
	return commandModels(recs), nil
}

// SubResults returns the per-agent sub-commands of a bulk operation
func (s *Store) SubResults(ctx context.Context, operationID string) ([]models.AgentCommand, error) {
	var recs []CommandRecord
	err := s.db.WithContext(ctx).
		Where("operation_id = ?", operationID).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sub-results for %s: %w", operationID, err)
	}
	return commandModels(recs), nil
}

// HasOpenRecoveryCommand reports whether a non-terminal recovery command is
// already in flight for an agent, so auto-recovery never stacks restarts
func (s *Store) HasOpenRecoveryCommand(ctx context.Context, agentID, commandType string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&CommandRecord{}).
		Where("agent_id = ? AND type = ? AND status NOT IN ?", agentID, commandType, commandTerminalStatuses).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check recovery command for %s: %w", agentID, err)
	}
	return count > 0, nil
}

func commandModels(recs []CommandRecord) []models.AgentCommand {
	cmds := make([]models.AgentCommand, len(recs))
	for i, rec := range recs {
		cmds[i] = rec.toModel()
	}
	return cmds
}
