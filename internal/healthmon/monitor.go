package healthmon

import (
	"context"
	"sync"
	"time"

	"github.com/fleetor/fleetor/internal/dispatch"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
	"github.com/fleetor/fleetor/pkg/store"
)

// Score weights and level thresholds
const (
	cpuWeight     = 0.25
	memoryWeight  = 0.25
	networkWeight = 0.20
	taskWeight    = 0.30

	healthyThreshold = 80.0
	warningThreshold = 50.0
)

// Config tunes the health monitor
type Config struct {
	TickInterval    time.Duration
	CriticalSamples int
	RecoveryCommand string
}

// DefaultConfig returns health monitor defaults
func DefaultConfig() Config {
	return Config{
		TickInterval:    30 * time.Second,
		CriticalSamples: 3,
		RecoveryCommand: "restart_agent",
	}
}

// Monitor scores every agent's health each tick and issues a single recovery
// command after sustained critical readings. A new recovery command is never
// stacked on top of one still in flight.
type Monitor struct {
	config     Config
	registry   registry.Registry
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	collector  metrics.Collector
	logger     logging.Logger

	streaks map[string]int
	mu      sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a health monitor
func NewMonitor(config Config, reg registry.Registry, st *store.Store, dispatcher *dispatch.Dispatcher, collector metrics.Collector, logger logging.Logger) *Monitor {
	return &Monitor{
		config:     config,
		registry:   reg,
		store:      st,
		dispatcher: dispatcher,
		collector:  collector,
		logger:     logger,
		streaks:    make(map[string]int),
	}
}

// Start launches the scoring loop
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop halts the scoring loop and waits for it to exit
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Snapshot returns an agent's latest stored health sample
func (m *Monitor) Snapshot(ctx context.Context, agentID string) (*models.HealthSnapshot, error) {
	return m.store.LatestHealthSnapshot(ctx, agentID)
}

// History returns an agent's recent health samples newest-first
func (m *Monitor) History(ctx context.Context, agentID string, limit int) ([]models.HealthSnapshot, error) {
	return m.store.RecentHealthSnapshots(ctx, agentID, limit)
}

// Score derives a weighted health snapshot from the registry's view of an
// agent at the given instant
func Score(agent registry.AgentInfo, now time.Time) models.HealthSnapshot {
	snap := models.HealthSnapshot{
		AgentID:      agent.ID,
		Timestamp:    now,
		CPUScore:     clampScore(100 - agent.Metrics.CPUPercent),
		MemoryScore:  clampScore(100 - agent.Metrics.MemoryPercent),
		NetworkScore: networkScore(agent, now),
		TaskScore:    taskScore(agent.Metrics),
	}

	snap.Score = snap.CPUScore*cpuWeight +
		snap.MemoryScore*memoryWeight +
		snap.NetworkScore*networkWeight +
		snap.TaskScore*taskWeight

	switch {
	case snap.Score >= healthyThreshold:
		snap.Level = models.HealthLevelHealthy
	case snap.Score >= warningThreshold:
		snap.Level = models.HealthLevelWarning
	default:
		snap.Level = models.HealthLevelCritical
	}

	return snap
}

// taskScore rates execution history. An agent with no finished tasks
// scores zero until results arrive.
func taskScore(m models.AgentMetrics) float64 {
	if m.TasksCompleted+m.TasksFailed == 0 {
		return 0
	}
	return clampScore(m.SuccessRate() * 100)
}

// networkScore rates heartbeat freshness; a silent agent scores zero
func networkScore(agent registry.AgentInfo, now time.Time) float64 {
	if agent.Status == models.AgentOffline {
		return 0
	}
	age := now.Sub(agent.LastSeen)
	switch {
	case age < time.Minute:
		return 100
	case age < 2*time.Minute:
		return 60
	default:
		return 20
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick scores the whole fleet once
func (m *Monitor) tick(ctx context.Context) {
	agents, err := m.registry.List(ctx)
	if err != nil {
		m.logger.Error("health tick failed", logging.Err(err))
		return
	}

	now := time.Now().UTC()
	for _, agent := range agents {
		snap := Score(agent, now)

		if err := m.store.SaveHealthSnapshot(ctx, snap); err != nil {
			m.logger.Error("failed to save health snapshot",
				logging.String("agent_id", agent.ID),
				logging.Err(err))
		}

		m.observe(ctx, agent, snap)
	}
}

// observe advances the agent's critical streak and triggers recovery when it
// reaches the configured sample count
func (m *Monitor) observe(ctx context.Context, agent registry.AgentInfo, snap models.HealthSnapshot) {
	m.mu.Lock()
	if snap.Level == models.HealthLevelCritical {
		m.streaks[agent.ID]++
	} else {
		delete(m.streaks, agent.ID)
	}
	streak := m.streaks[agent.ID]
	m.mu.Unlock()

	if streak < m.config.CriticalSamples {
		return
	}

	// Recovery needs a reachable agent; offline and maintenance agents are
	// only recorded
	if agent.Status == models.AgentOffline || agent.Status == models.AgentMaintenance {
		return
	}

	open, err := m.store.HasOpenRecoveryCommand(ctx, agent.ID, m.config.RecoveryCommand)
	if err != nil {
		m.logger.Error("failed to check open recovery command",
			logging.String("agent_id", agent.ID),
			logging.Err(err))
		return
	}
	if open {
		return
	}

	m.logger.Warn("agent critical, issuing recovery command",
		logging.String("agent_id", agent.ID),
		logging.Float64("score", snap.Score),
		logging.Int("critical_samples", streak))

	_, err = m.dispatcher.Send(ctx, agent.ID, m.config.RecoveryCommand, map[string]interface{}{
		"reason":       "health_critical",
		"health_score": snap.Score,
	})
	if err != nil {
		m.logger.Error("recovery dispatch failed",
			logging.String("agent_id", agent.ID),
			logging.Err(err))
		return
	}

	m.collector.IncrementCounter(metrics.RecoveryCommands.Name,
		metrics.Labels("command_type", m.config.RecoveryCommand))

	m.mu.Lock()
	delete(m.streaks, agent.ID)
	m.mu.Unlock()
}
