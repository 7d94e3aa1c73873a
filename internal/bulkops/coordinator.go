package bulkops

import (
	"context"
	"sync"
	"time"

	"github.com/fleetor/fleetor/internal/dispatch"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/store"
)

// Coordinator fans one command out to a set of agents. Each target gets its
// own command row tagged with the operation id; the aggregate status is
// folded from those rows on read, never stored.
type Coordinator struct {
	dispatcher *dispatch.Dispatcher
	store      *store.Store
	collector  metrics.Collector
	logger     logging.Logger
}

// OperationView is the folded read model of one bulk operation
type OperationView struct {
	Operation  models.BulkOperation   `json:"operation"`
	Status     models.BulkStatus      `json:"status"`
	SubResults []models.AgentCommand  `json:"sub_results"`
	Succeeded  int                    `json:"succeeded"`
	Failed     int                    `json:"failed"`
	Pending    int                    `json:"pending"`
}

// NewCoordinator creates a bulk operation coordinator
func NewCoordinator(dispatcher *dispatch.Dispatcher, st *store.Store, collector metrics.Collector, logger logging.Logger) *Coordinator {
	return &Coordinator{
		dispatcher: dispatcher,
		store:      st,
		collector:  collector,
		logger:     logger,
	}
}

// Create validates the target set, persists the operation and dispatches to
// every target concurrently. Individual dispatch failures do not fail the
// operation; they surface as failed sub-results.
func (c *Coordinator) Create(ctx context.Context, operationType string, targets []string, parameters map[string]interface{}) (*models.BulkOperation, error) {
	op, err := models.NewBulkOperation(operationType, targets, parameters)
	if err != nil {
		return nil, err
	}

	if err := c.store.CreateBulkOperation(ctx, op); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, agentID := range op.TargetAgents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			c.dispatchOne(ctx, op, agentID)
		}(agentID)
	}
	wg.Wait()

	c.collector.IncrementCounter(metrics.BulkOperations.Name,
		metrics.Labels("operation_type", operationType))
	c.logger.Info("bulk operation created",
		logging.String("operation_id", op.ID),
		logging.String("operation_type", operationType),
		logging.Int("targets", len(op.TargetAgents)))

	return op, nil
}

// dispatchOne sends the operation's command to one target. When dispatch is
// rejected before a command row exists, a pre-failed row is written so the
// aggregate never waits on a sub-result that will not arrive.
func (c *Coordinator) dispatchOne(ctx context.Context, op *models.BulkOperation, agentID string) {
	cmd, err := c.dispatcher.SendForOperation(ctx, agentID, op.Type, op.Parameters, op.ID)
	if err == nil {
		return
	}

	c.logger.Warn("bulk sub-dispatch failed",
		logging.String("operation_id", op.ID),
		logging.String("agent_id", agentID),
		logging.Err(err))

	if cmd != nil {
		// Row exists and is already marked failed
		return
	}

	now := time.Now().UTC()
	failed := &models.AgentCommand{
		ID:          "cmd-" + op.ID + "-" + agentID,
		AgentID:     agentID,
		Type:        op.Type,
		Parameters:  op.Parameters,
		Status:      models.CommandFailed,
		OperationID: op.ID,
		CreatedAt:   now,
		CompletedAt: &now,
		Error:       err.Error(),
	}
	if err := c.store.CreateCommand(ctx, failed); err != nil {
		c.logger.Error("failed to record bulk sub-failure",
			logging.String("operation_id", op.ID),
			logging.String("agent_id", agentID),
			logging.Err(err))
	}
}

// Get folds the operation's current aggregate from its sub-command rows
func (c *Coordinator) Get(ctx context.Context, operationID string) (*OperationView, error) {
	op, err := c.store.GetBulkOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}

	subs, err := c.store.SubResults(ctx, operationID)
	if err != nil {
		return nil, err
	}

	view := &OperationView{
		Operation:  *op,
		SubResults: subs,
	}

	byAgent := make(map[string]models.CommandStatus, len(subs))
	for _, sub := range subs {
		byAgent[sub.AgentID] = sub.Status
		switch {
		case sub.Status == models.CommandCompleted:
			view.Succeeded++
		case sub.Status.Terminal():
			view.Failed++
		default:
			view.Pending++
		}
	}
	view.Status = models.FoldBulkStatus(byAgent)

	return view, nil
}

// List returns recent bulk operations with their folded statuses
func (c *Coordinator) List(ctx context.Context, limit int) ([]OperationView, error) {
	ops, err := c.store.ListBulkOperations(ctx, limit)
	if err != nil {
		return nil, err
	}

	views := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		view, err := c.Get(ctx, op.ID)
		if err != nil {
			continue
		}
		views = append(views, *view)
	}
	return views, nil
}
