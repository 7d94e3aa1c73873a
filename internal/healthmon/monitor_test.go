package healthmon

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetor/fleetor/internal/dispatch"
	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
	"github.com/fleetor/fleetor/pkg/store"
)

type monitorHarness struct {
	monitor  *Monitor
	registry *registry.RedisRegistry
	store    *store.Store
	bus      *bus.MemoryBus
}

func newMonitorHarness(t *testing.T) *monitorHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	logger := logging.NewNopLogger()
	reg := registry.NewRedisRegistry(registry.DefaultRegistryConfig(), logger)
	require.NoError(t, reg.ConnectWithClient(context.Background(), client))
	t.Cleanup(func() { reg.Close() })

	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mb := bus.NewMemoryBus()
	require.NoError(t, mb.Connect(context.Background()))

	collector := metrics.NewPrometheusCollector()
	d := dispatch.NewDispatcher("test-node", dispatch.DefaultConfig(), reg, st, mb, collector, logger)
	m := NewMonitor(DefaultConfig(), reg, st, d, collector, logger)

	return &monitorHarness{monitor: m, registry: reg, store: st, bus: mb}
}

func TestScoreHealthyAgent(t *testing.T) {
	now := time.Now().UTC()
	agent := registry.AgentInfo{
		ID:       "agent-1",
		Status:   models.AgentOnline,
		LastSeen: now.Add(-10 * time.Second),
		Metrics: models.AgentMetrics{
			CPUPercent:     10,
			MemoryPercent:  20,
			TasksCompleted: 9,
			TasksFailed:    1,
		},
	}

	snap := Score(agent, now)
	assert.Equal(t, 90.0, snap.CPUScore)
	assert.Equal(t, 80.0, snap.MemoryScore)
	assert.Equal(t, 100.0, snap.NetworkScore)
	assert.Equal(t, 90.0, snap.TaskScore)
	assert.InDelta(t, 89.5, snap.Score, 0.001)
	assert.Equal(t, models.HealthLevelHealthy, snap.Level)
}

func TestScoreStaleHeartbeatDegradesNetwork(t *testing.T) {
	now := time.Now().UTC()
	agent := registry.AgentInfo{
		ID:       "agent-1",
		Status:   models.AgentOnline,
		LastSeen: now.Add(-90 * time.Second),
	}

	snap := Score(agent, now)
	assert.Equal(t, 60.0, snap.NetworkScore)

	agent.LastSeen = now.Add(-5 * time.Minute)
	assert.Equal(t, 20.0, Score(agent, now).NetworkScore)

	agent.Status = models.AgentOffline
	assert.Equal(t, 0.0, Score(agent, now).NetworkScore)
}

func TestScoreNoHistoryAgentUnderLoadIsCritical(t *testing.T) {
	now := time.Now().UTC()
	agent := registry.AgentInfo{
		ID:       "agent-1",
		Status:   models.AgentOnline,
		LastSeen: now,
		Metrics: models.AgentMetrics{
			CPUPercent:    95,
			MemoryPercent: 92,
		},
	}

	snap := Score(agent, now)
	assert.Equal(t, 0.0, snap.TaskScore, "no finished tasks is no proven capacity")
	assert.InDelta(t, 23.25, snap.Score, 0.001)
	assert.Equal(t, models.HealthLevelCritical, snap.Level)
}

func TestScoreOverloadedAgentIsCritical(t *testing.T) {
	now := time.Now().UTC()
	agent := registry.AgentInfo{
		ID:       "agent-1",
		Status:   models.AgentOnline,
		LastSeen: now,
		Metrics: models.AgentMetrics{
			CPUPercent:    98,
			MemoryPercent: 95,
			TasksFailed:   5,
		},
	}

	snap := Score(agent, now)
	assert.Less(t, snap.Score, warningThreshold)
	assert.Equal(t, models.HealthLevelCritical, snap.Level)
}

func TestSustainedCriticalIssuesOneRecoveryCommand(t *testing.T) {
	h := newMonitorHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Register(ctx, registry.AgentInfo{ID: "agent-1"}))
	require.NoError(t, h.registry.Heartbeat(ctx, "agent-1", models.AgentMetrics{
		CPUPercent:    98,
		MemoryPercent: 95,
		TasksFailed:   5,
	}))

	for i := 0; i < 6; i++ {
		h.monitor.tick(ctx)
	}

	history, err := h.store.CommandHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1, "recovery is never stacked while one is in flight")
	assert.Equal(t, "restart_agent", history[0].Type)
	assert.Equal(t, "health_critical", history[0].Parameters["reason"])

	snaps, err := h.monitor.History(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 6, "every tick is recorded")
}

func TestSustainedLoadWithoutTaskHistoryTriggersRecovery(t *testing.T) {
	h := newMonitorHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Register(ctx, registry.AgentInfo{ID: "agent-1"}))
	require.NoError(t, h.registry.Heartbeat(ctx, "agent-1", models.AgentMetrics{
		CPUPercent:    95,
		MemoryPercent: 92,
	}))

	for i := 0; i < 3; i++ {
		h.monitor.tick(ctx)
	}

	history, err := h.store.CommandHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 1, "a freshly deployed agent pinned at high load is recovered")
	assert.Equal(t, "restart_agent", history[0].Type)
}

func TestRecoveryNeedsConsecutiveCriticalSamples(t *testing.T) {
	h := newMonitorHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Register(ctx, registry.AgentInfo{ID: "agent-1"}))
	critical := models.AgentMetrics{CPUPercent: 98, MemoryPercent: 95, TasksFailed: 5}
	healthy := models.AgentMetrics{CPUPercent: 5, MemoryPercent: 10, TasksCompleted: 10}

	require.NoError(t, h.registry.Heartbeat(ctx, "agent-1", critical))
	h.monitor.tick(ctx)
	h.monitor.tick(ctx)

	// A healthy sample resets the streak
	require.NoError(t, h.registry.Heartbeat(ctx, "agent-1", healthy))
	h.monitor.tick(ctx)

	require.NoError(t, h.registry.Heartbeat(ctx, "agent-1", critical))
	h.monitor.tick(ctx)
	h.monitor.tick(ctx)

	history, err := h.store.CommandHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history, "two samples after the reset are not enough")
}

func TestNoRecoveryForMaintenanceAgent(t *testing.T) {
	h := newMonitorHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Register(ctx, registry.AgentInfo{ID: "agent-1"}))
	require.NoError(t, h.registry.Heartbeat(ctx, "agent-1", models.AgentMetrics{
		CPUPercent:    98,
		MemoryPercent: 95,
		TasksFailed:   5,
	}))
	require.NoError(t, h.registry.SetStatus(ctx, "agent-1", models.AgentMaintenance))

	for i := 0; i < 6; i++ {
		h.monitor.tick(ctx)
	}

	history, err := h.store.CommandHistory(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	// Snapshots are still recorded for the operator
	snaps, err := h.monitor.History(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, snaps, 6)
}

func TestSnapshotReturnsLatestSample(t *testing.T) {
	h := newMonitorHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Register(ctx, registry.AgentInfo{ID: "agent-1"}))
	h.monitor.tick(ctx)

	snap, err := h.monitor.Snapshot(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", snap.AgentID)

	_, err = h.monitor.Snapshot(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
