package dispatch

import (
	"context"
	"fmt"

	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/models"
)

// History returns an agent's commands newest-first, capped at limit (or the
// configured default when limit is zero)
func (d *Dispatcher) History(ctx context.Context, agentID string, limit int) ([]models.AgentCommand, error) {
	if limit <= 0 {
		limit = d.config.HistoryLimit
	}
	return d.store.CommandHistory(ctx, agentID, limit)
}

// GetCommand returns one command by id
func (d *Dispatcher) GetCommand(ctx context.Context, commandID string) (*models.AgentCommand, error) {
	return d.store.GetCommand(ctx, commandID)
}

// Replay re-dispatches a historical command as a brand new command with the
// same type and parameters. The original row is never touched.
func (d *Dispatcher) Replay(ctx context.Context, commandID string) (*models.AgentCommand, error) {
	original, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, fmt.Errorf("replay source %s: %w", commandID, err)
	}

	replayed, err := d.Send(ctx, original.AgentID, original.Type, original.Parameters)
	if err != nil {
		return replayed, err
	}

	d.logger.Info("command replayed",
		logging.String("original_id", original.ID),
		logging.String("command_id", replayed.ID),
		logging.String("agent_id", original.AgentID))

	return replayed, nil
}
