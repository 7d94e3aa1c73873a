package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
	"github.com/fleetor/fleetor/pkg/resilience"
	"github.com/fleetor/fleetor/pkg/store"
)

// maintenanceCommands are the only command types an agent in maintenance
// accepts; everything else is rejected at validation time
var maintenanceCommands = map[string]bool{
	"restart_agent":   true,
	"reload_config":   true,
	"run_diagnostics": true,
	"check_health":    true,
}

// Config tunes command dispatch
type Config struct {
	AckTimeout       time.Duration
	ExecutionTimeout time.Duration
	SweepInterval    time.Duration
	HistoryLimit     int
}

// DefaultConfig returns dispatch defaults
func DefaultConfig() Config {
	return Config{
		AckTimeout:       60 * time.Second,
		ExecutionTimeout: 10 * time.Minute,
		SweepInterval:    10 * time.Second,
		HistoryLimit:     100,
	}
}

// Dispatcher validates, persists and delivers commands to individual agents.
// Delivery goes through a per-agent circuit breaker so one unreachable agent
// fails fast without slowing the rest of the fleet.
type Dispatcher struct {
	nodeID    string
	config    Config
	registry  registry.Registry
	store     *store.Store
	bus       bus.MessageBus
	breakers  *resilience.BreakerSet
	retryer   *resilience.Retryer
	collector metrics.Collector
	logger    logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a command dispatcher
func NewDispatcher(nodeID string, config Config, reg registry.Registry, st *store.Store, mb bus.MessageBus, collector metrics.Collector, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		nodeID:    nodeID,
		config:    config,
		registry:  reg,
		store:     st,
		bus:       mb,
		breakers:  resilience.NewBreakerSet(resilience.DefaultCircuitBreakerConfig("dispatch")),
		retryer:   resilience.NewRetryer(resilience.DefaultRetryConfig()),
		collector: collector,
		logger:    logger,
	}
}

// Start launches the ack-timeout sweep loop
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.runTimeoutSweep(ctx)
}

// Stop halts the sweep loop and waits for it to exit
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Send validates, persists and publishes a single command. The returned
// command is in sent state on success.
func (d *Dispatcher) Send(ctx context.Context, agentID, commandType string, parameters map[string]interface{}) (*models.AgentCommand, error) {
	return d.SendForOperation(ctx, agentID, commandType, parameters, "")
}

// SendForOperation is Send with a bulk operation id attached to the command
// row, so the operation's aggregate can be folded from its sub-commands
func (d *Dispatcher) SendForOperation(ctx context.Context, agentID, commandType string, parameters map[string]interface{}, operationID string) (*models.AgentCommand, error) {
	if err := d.validateTarget(ctx, agentID, commandType); err != nil {
		return nil, err
	}

	cmd, err := models.NewCommand(agentID, commandType, parameters)
	if err != nil {
		return nil, err
	}
	cmd.OperationID = operationID

	if err := d.store.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}

	if err := d.publish(ctx, cmd); err != nil {
		now := time.Now().UTC()
		if markErr := d.store.MarkCommandCompleted(ctx, cmd.ID, false, nil, err.Error(), now); markErr != nil {
			d.logger.Error("failed to record publish failure",
				logging.String("command_id", cmd.ID),
				logging.Err(markErr))
		}
		cmd.Status = models.CommandFailed
		cmd.Error = err.Error()
		cmd.CompletedAt = &now
		d.collector.IncrementCounter(metrics.CommandsDispatched.Name,
			metrics.Labels("command_type", commandType, "status", "publish_failed"))
		return cmd, err
	}

	now := time.Now().UTC()
	if err := d.store.MarkCommandSent(ctx, cmd.ID, now); err != nil {
		return nil, err
	}
	cmd.Status = models.CommandSent
	cmd.SentAt = &now

	d.collector.IncrementCounter(metrics.CommandsDispatched.Name,
		metrics.Labels("command_type", commandType, "status", "sent"))
	d.logger.Info("command dispatched",
		logging.String("command_id", cmd.ID),
		logging.String("agent_id", agentID),
		logging.String("command_type", commandType))

	return cmd, nil
}

// validateTarget checks the agent exists and is able to receive the command
func (d *Dispatcher) validateTarget(ctx context.Context, agentID, commandType string) error {
	agent, err := d.registry.Get(ctx, agentID)
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrUnknownAgent)
	}
	if err != nil {
		return err
	}

	switch agent.Status {
	case models.AgentOffline, models.AgentUnknown:
		return fmt.Errorf("agent %s is %s: %w", agentID, agent.Status, models.ErrAgentOffline)
	case models.AgentMaintenance:
		if !maintenanceCommands[commandType] {
			return fmt.Errorf("agent %s is in maintenance, command %s rejected: %w", agentID, commandType, models.ErrConflict)
		}
	}
	return nil
}

// publish delivers the command message, keyed by agent id so commands for
// one agent keep their dispatch order
func (d *Dispatcher) publish(ctx context.Context, cmd *models.AgentCommand) error {
	msg := models.NewCommandMessage(d.nodeID, *cmd)

	err := d.breakers.Execute(ctx, cmd.AgentID, func(ctx context.Context) error {
		return d.retryer.Execute(ctx, func(ctx context.Context) error {
			return d.bus.PublishWithKey(ctx, bus.TopicCommands, cmd.AgentID, msg)
		})
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return fmt.Errorf("agent %s: %w", cmd.AgentID, models.ErrAgentUnreachable)
	}
	return err
}

// HandleAck records an agent's acknowledgment of a delivered command
func (d *Dispatcher) HandleAck(ctx context.Context, commandID string, at time.Time) error {
	if err := d.store.MarkCommandAcked(ctx, commandID, at); err != nil {
		// Late acks for timed-out commands are expected noise
		if errors.Is(err, models.ErrConflict) {
			d.logger.Debug("ignoring ack for terminal command",
				logging.String("command_id", commandID))
			return nil
		}
		return err
	}
	return nil
}

// HandleResult finishes a command with its execution outcome
func (d *Dispatcher) HandleResult(ctx context.Context, commandID string, success bool, result map[string]interface{}, errMsg string, at time.Time) error {
	cmd, err := d.store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}

	if err := d.store.MarkCommandCompleted(ctx, commandID, success, result, errMsg, at); err != nil {
		if errors.Is(err, models.ErrConflict) {
			d.logger.Debug("ignoring result for terminal command",
				logging.String("command_id", commandID))
			return nil
		}
		return err
	}

	status := "completed"
	if !success {
		status = "failed"
	}
	d.collector.IncrementCounter(metrics.CommandsDispatched.Name,
		metrics.Labels("command_type", cmd.Type, "status", status))
	if cmd.SentAt != nil {
		d.collector.ObserveHistogram(metrics.CommandRoundTrip.Name,
			at.Sub(*cmd.SentAt).Seconds(),
			metrics.Labels("command_type", cmd.Type))
	}
	return nil
}

// runTimeoutSweep flips commands stuck in delivery or execution to timed_out
func (d *Dispatcher) runTimeoutSweep(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			ids, err := d.store.TimeOutStaleCommands(ctx,
				now.Add(-d.config.AckTimeout),
				now.Add(-d.config.ExecutionTimeout))
			if err != nil {
				d.logger.Error("command timeout sweep failed", logging.Err(err))
				continue
			}
			for _, id := range ids {
				d.logger.Warn("command timed out",
					logging.String("command_id", id),
					logging.Duration("ack_timeout", d.config.AckTimeout),
					logging.Duration("execution_timeout", d.config.ExecutionTimeout))
			}
		}
	}
}
