package control

import (
	"context"
	"errors"
	"time"

	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
)

// heartbeatIntervalSeconds is echoed to agents in heartbeat acks
const heartbeatIntervalSeconds = 30

// subscribe wires every inbound topic to its handler
func (p *Plane) subscribe(ctx context.Context) error {
	subscriptions := map[string]bus.MessageHandler{
		bus.TopicAgentRegistration: p.handleRegistration,
		bus.TopicAgentHeartbeat:    p.handleHeartbeat,
		bus.TopicCommandResults:    p.handleCommandFeedback,
		bus.TopicTaskResults:       p.handleTaskFeedback,
	}

	for topic, handler := range subscriptions {
		if err := p.bus.Subscribe(ctx, topic, p.counted(topic, handler)); err != nil {
			return err
		}
	}
	return nil
}

// counted wraps a handler with a received-message counter
func (p *Plane) counted(topic string, handler bus.MessageHandler) bus.MessageHandler {
	return func(ctx context.Context, msg models.Message) error {
		p.collector.IncrementCounter(metrics.MessagesReceived.Name,
			metrics.Labels("topic", topic, "message_type", string(msg.Type)))
		err := handler(ctx, msg)
		if err != nil {
			p.collector.IncrementCounter(metrics.SystemErrors.Name,
				metrics.Labels("component", "control", "error_type", "handler"))
		}
		return err
	}
}

// handleRegistration upserts the agent and acknowledges with the node's
// supported features
func (p *Plane) handleRegistration(ctx context.Context, msg models.Message) error {
	if msg.Type != models.MsgAgentRegister {
		return nil
	}

	agent := registry.AgentInfo{
		ID:                 msg.PayloadString("agent_id"),
		Name:               msg.PayloadString("name"),
		Host:               msg.PayloadString("host"),
		Version:            msg.PayloadString("version"),
		Capabilities:       payloadStrings(msg, "capabilities"),
		MaxConcurrentTasks: payloadInt(msg, "max_concurrent_tasks"),
	}
	if agent.ID == "" {
		agent.ID = msg.Source
	}

	if err := p.registry.Register(ctx, agent); err != nil {
		p.logger.Error("agent registration failed",
			logging.String("agent_id", agent.ID),
			logging.Err(err))
		return err
	}

	p.logger.Info("agent registered",
		logging.String("agent_id", agent.ID),
		logging.String("host", agent.Host),
		logging.Any("capabilities", agent.Capabilities))

	ack := models.NewRegisterAckMessage(p.nodeID, agent.ID, p.nodeID, []string{
		"commands", "bulk_operations", "scheduling", "scripts", "central_tasks", "health_monitoring",
	})
	return p.publishEvent(ctx, agent.ID, ack)
}

// handleHeartbeat refreshes liveness and metrics; unknown agents are told
// nothing and must re-register
func (p *Plane) handleHeartbeat(ctx context.Context, msg models.Message) error {
	if msg.Type != models.MsgAgentHeartbeat {
		return nil
	}

	agentID := msg.PayloadString("agent_id")
	if agentID == "" {
		agentID = msg.Source
	}

	m := msg.PayloadMap("metrics")
	agentMetrics := models.AgentMetrics{
		CPUPercent:     mapFloat(m, "cpu_percent"),
		MemoryPercent:  mapFloat(m, "memory_percent"),
		GPUPercent:     mapFloat(m, "gpu_percent"),
		NetworkIO:      mapFloat(m, "network_io"),
		TasksRunning:   int(mapFloat(m, "tasks_running")),
		TasksCompleted: int64(mapFloat(m, "tasks_completed")),
		TasksFailed:    int64(mapFloat(m, "tasks_failed")),
	}

	err := p.registry.Heartbeat(ctx, agentID, agentMetrics)
	if errors.Is(err, models.ErrUnknownAgent) {
		p.logger.Warn("heartbeat from unregistered agent",
			logging.String("agent_id", agentID))
		return nil
	}
	if err != nil {
		return err
	}

	ack := models.NewHeartbeatAckMessage(p.nodeID, agentID, heartbeatIntervalSeconds)
	return p.publishEvent(ctx, agentID, ack)
}

// handleCommandFeedback routes acks and results to the dispatcher
func (p *Plane) handleCommandFeedback(ctx context.Context, msg models.Message) error {
	commandID := msg.PayloadString("command_id")
	if commandID == "" {
		commandID = msg.CorrelationID
	}
	if commandID == "" {
		p.logger.Warn("command feedback without command id",
			logging.String("message_id", msg.ID))
		return nil
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch msg.Type {
	case models.MsgCommandAck:
		return p.dispatcher.HandleAck(ctx, commandID, at)
	case models.MsgCommandResult:
		return p.dispatcher.HandleResult(ctx, commandID,
			msg.PayloadBool("success"),
			msg.PayloadMap("result"),
			msg.PayloadString("error"),
			at)
	default:
		return nil
	}
}

// handleTaskFeedback routes task progress and outcomes to the controller
func (p *Plane) handleTaskFeedback(ctx context.Context, msg models.Message) error {
	taskID := msg.PayloadString("task_id")
	if taskID == "" {
		taskID = msg.CorrelationID
	}
	if taskID == "" {
		p.logger.Warn("task feedback without task id",
			logging.String("message_id", msg.ID))
		return nil
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch msg.Type {
	case models.MsgTaskStatus:
		if msg.PayloadString("status") == string(models.TaskRunning) {
			return p.tasks.HandleTaskRunning(ctx, taskID, at)
		}
		return nil
	case models.MsgTaskResult:
		return p.tasks.HandleTaskResult(ctx, taskID,
			msg.PayloadBool("success"),
			msg.PayloadMap("result"),
			msg.PayloadString("error"),
			at)
	default:
		return nil
	}
}

// publishEvent sends an ack or notification on the system events topic
func (p *Plane) publishEvent(ctx context.Context, agentID string, msg models.Message) error {
	if err := p.bus.PublishWithKey(ctx, bus.TopicSystemEvents, agentID, msg); err != nil {
		p.logger.Warn("failed to publish event",
			logging.String("agent_id", agentID),
			logging.Err(err))
		return nil // acks are best effort
	}
	p.collector.IncrementCounter(metrics.MessagesSent.Name,
		metrics.Labels("topic", bus.TopicSystemEvents, "message_type", string(msg.Type)))
	return nil
}

// payloadStrings extracts a string slice from a message payload
func payloadStrings(msg models.Message, key string) []string {
	raw, ok := msg.Payload[key].([]interface{})
	if !ok {
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	return values
}

// payloadInt extracts an integer from a message payload; JSON numbers
// arrive as float64
func payloadInt(msg models.Message, key string) int {
	if f, ok := msg.Payload[key].(float64); ok {
		return int(f)
	}
	return 0
}

func mapFloat(m map[string]interface{}, key string) float64 {
	if m == nil {
		return 0
	}
	if f, ok := m[key].(float64); ok {
		return f
	}
	return 0
}
