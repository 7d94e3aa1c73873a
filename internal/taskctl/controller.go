package taskctl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
	"github.com/fleetor/fleetor/pkg/store"
)

// assignBatchSize caps how many pending tasks one tick tries to place
const assignBatchSize = 50

// Config tunes the assignment loop
type Config struct {
	TickInterval      time.Duration
	AssignmentTimeout time.Duration
}

// DefaultConfig returns task controller defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:      5 * time.Second,
		AssignmentTimeout: 5 * time.Minute,
	}
}

// Controller owns the central task queue: it accepts tasks, places each one
// on the best eligible agent, and requeues work that stalls. A task is held
// by at most one agent at a time.
type Controller struct {
	nodeID    string
	config    Config
	registry  registry.Registry
	selector  *registry.Selector
	store     *store.Store
	bus       bus.MessageBus
	collector metrics.Collector
	logger    logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a task controller
func NewController(nodeID string, config Config, reg registry.Registry, st *store.Store, mb bus.MessageBus, collector metrics.Collector, logger logging.Logger) *Controller {
	return &Controller{
		nodeID:    nodeID,
		config:    config,
		registry:  reg,
		selector:  registry.NewSelector(),
		store:     st,
		bus:       mb,
		collector: collector,
		logger:    logger,
	}
}

// Start launches the assignment loop
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop halts the assignment loop and waits for it to exit
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// CreateTask validates and enqueues a new central task
func (c *Controller) CreateTask(ctx context.Context, taskType string, priority int, config map[string]interface{}, requirements []string) (*models.CentralTask, error) {
	task, err := models.NewTask(taskType, priority, config, requirements)
	if err != nil {
		return nil, err
	}

	if err := c.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	c.logger.Info("task created",
		logging.String("task_id", task.ID),
		logging.String("task_type", taskType),
		logging.Int("priority", priority))

	return task, nil
}

// GetTask fetches one task
func (c *Controller) GetTask(ctx context.Context, taskID string) (*models.CentralTask, error) {
	return c.store.GetTask(ctx, taskID)
}

// ListTasks returns tasks filtered by status, or all when status is empty
func (c *Controller) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.CentralTask, error) {
	return c.store.ListTasks(ctx, status)
}

// Statistics folds fleet-wide task counts and success rate
func (c *Controller) Statistics(ctx context.Context) (models.TaskStatistics, error) {
	return c.store.TaskStatistics(ctx)
}

// CancelTask cancels a non-terminal task and releases its agent slot
func (c *Controller) CancelTask(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	hadAgent := task.AssignedAgent != "" && !task.Status.Terminal() && task.Status != models.TaskPending

	if err := task.Cancel(time.Now().UTC()); err != nil {
		return err
	}
	if err := c.store.SaveTask(ctx, task); err != nil {
		return err
	}

	if hadAgent {
		c.releaseSlot(ctx, task.AssignedAgent)
	}

	c.logger.Info("task cancelled", logging.String("task_id", taskID))
	return nil
}

// HandleTaskRunning records that the assigned agent started the task
func (c *Controller) HandleTaskRunning(ctx context.Context, taskID string, at time.Time) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := task.MarkRunning(at); err != nil {
		if errors.Is(err, models.ErrConflict) {
			c.logger.Debug("ignoring stale running report", logging.String("task_id", taskID))
			return nil
		}
		return err
	}
	return c.store.SaveTask(ctx, task)
}

// HandleTaskResult finishes a task with the agent's outcome. Failed tasks
// with retry budget left go back to pending instead of terminating.
func (c *Controller) HandleTaskResult(ctx context.Context, taskID string, success bool, result map[string]interface{}, errMsg string, at time.Time) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		c.logger.Debug("ignoring result for terminal task", logging.String("task_id", taskID))
		return nil
	}

	agentID := task.AssignedAgent

	if !success && task.RetryCount < task.MaxRetries {
		if err := task.Requeue(); err != nil {
			return err
		}
		if err := c.store.SaveTask(ctx, task); err != nil {
			return err
		}
		c.releaseSlot(ctx, agentID)
		c.logger.Warn("task failed, requeued for retry",
			logging.String("task_id", taskID),
			logging.Int("retry_count", task.RetryCount),
			logging.String("error", errMsg))
		return nil
	}

	if err := task.Complete(success, result, errMsg, at); err != nil {
		return err
	}
	if err := c.store.SaveTask(ctx, task); err != nil {
		return err
	}
	c.releaseSlot(ctx, agentID)

	status := string(task.Status)
	c.collector.IncrementCounter(metrics.TasksCompleted.Name,
		metrics.Labels("task_type", task.Type, "status", status))
	c.logger.Info("task finished",
		logging.String("task_id", taskID),
		logging.String("status", status))

	return nil
}

func (c *Controller) releaseSlot(ctx context.Context, agentID string) {
	if agentID == "" {
		return
	}
	if err := c.registry.AdjustActiveTasks(ctx, agentID, -1); err != nil {
		c.logger.Warn("failed to release agent slot",
			logging.String("agent_id", agentID),
			logging.Err(err))
	}
}

func (c *Controller) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick requeues stalled work, then places pending tasks
func (c *Controller) tick(ctx context.Context) {
	c.requeueStale(ctx)
	c.requeueFromOfflineAgents(ctx)
	c.assignPending(ctx)
}

// requeueStale returns tasks to pending when the assigned agent never
// started them within the assignment timeout
func (c *Controller) requeueStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.config.AssignmentTimeout)
	stale, err := c.store.StaleAssignedTasks(ctx, cutoff)
	if err != nil {
		c.logger.Error("stale assignment scan failed", logging.Err(err))
		return
	}

	for i := range stale {
		task := &stale[i]
		agentID := task.AssignedAgent
		if err := task.Requeue(); err != nil {
			continue
		}
		if err := c.store.SaveTask(ctx, task); err != nil {
			c.logger.Error("failed to requeue stale task",
				logging.String("task_id", task.ID),
				logging.Err(err))
			continue
		}
		c.releaseSlot(ctx, agentID)
		c.logger.Warn("assignment timed out, task requeued",
			logging.String("task_id", task.ID),
			logging.String("agent_id", agentID))
	}
}

// requeueFromOfflineAgents reclaims work held by agents the sweep marked
// offline
func (c *Controller) requeueFromOfflineAgents(ctx context.Context) {
	agents, err := c.registry.List(ctx)
	if err != nil {
		c.logger.Error("fleet scan failed", logging.Err(err))
		return
	}

	for _, agent := range agents {
		if agent.Status != models.AgentOffline {
			continue
		}
		tasks, err := c.store.TasksForAgent(ctx, agent.ID)
		if err != nil {
			continue
		}
		for i := range tasks {
			task := &tasks[i]
			if err := task.Requeue(); err != nil {
				continue
			}
			if err := c.store.SaveTask(ctx, task); err != nil {
				continue
			}
			c.releaseSlot(ctx, agent.ID)
			c.logger.Warn("agent offline, task requeued",
				logging.String("task_id", task.ID),
				logging.String("agent_id", agent.ID))
		}
	}
}

// assignPending places the highest-priority oldest pending tasks on the
// best eligible agents
func (c *Controller) assignPending(ctx context.Context) {
	pending, err := c.store.PendingTasks(ctx, assignBatchSize)
	if err != nil {
		c.logger.Error("pending task scan failed", logging.Err(err))
		return
	}
	c.collector.SetGauge(metrics.TasksPending.Name, float64(len(pending)), metrics.Labels())
	if len(pending) == 0 {
		return
	}

	agents, err := c.registry.List(ctx)
	if err != nil {
		c.logger.Error("fleet scan failed", logging.Err(err))
		return
	}

	now := time.Now().UTC()
	for i := range pending {
		task := &pending[i]

		selected, err := c.selector.Select(agents, task.Requirements)
		if err != nil {
			continue // no eligible agent right now, task stays pending
		}

		if err := c.assignOne(ctx, task, selected.ID, now); err != nil {
			c.logger.Warn("assignment failed",
				logging.String("task_id", task.ID),
				logging.String("agent_id", selected.ID),
				logging.Err(err))
			continue
		}

		// Keep the local fleet view honest within this tick so one agent
		// is not overfilled past its concurrency limit
		for j := range agents {
			if agents[j].ID == selected.ID {
				agents[j].ActiveTasks++
				agents[j].LastAssigned = now
			}
		}
	}
}

// assignOne transitions the task, persists it and notifies the agent
func (c *Controller) assignOne(ctx context.Context, task *models.CentralTask, agentID string, now time.Time) error {
	if err := task.Assign(agentID, now); err != nil {
		return err
	}
	if err := c.store.SaveTask(ctx, task); err != nil {
		return err
	}

	msg := models.NewTaskAssignmentMessage(c.nodeID, *task)
	if err := c.bus.PublishWithKey(ctx, bus.TopicTaskAssignment, agentID, msg); err != nil {
		// Undo the assignment so the task is selectable next tick. The
		// agent never failed anything, so its retry budget is untouched.
		if reqErr := task.Unassign(); reqErr == nil {
			if saveErr := c.store.SaveTask(ctx, task); saveErr != nil {
				c.logger.Error("failed to undo assignment",
					logging.String("task_id", task.ID),
					logging.Err(saveErr))
			}
		}
		return err
	}

	if err := c.registry.TouchAssigned(ctx, agentID); err != nil {
		c.logger.Warn("failed to touch last-assigned",
			logging.String("agent_id", agentID),
			logging.Err(err))
	}
	if err := c.registry.AdjustActiveTasks(ctx, agentID, 1); err != nil {
		c.logger.Warn("failed to bump active tasks",
			logging.String("agent_id", agentID),
			logging.Err(err))
	}

	c.collector.IncrementCounter(metrics.TasksAssigned.Name,
		metrics.Labels("task_type", task.Type))
	c.logger.Info("task assigned",
		logging.String("task_id", task.ID),
		logging.String("agent_id", agentID),
		logging.Int("priority", task.Priority))

	return nil
}
