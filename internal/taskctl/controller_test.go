package taskctl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
	"github.com/fleetor/fleetor/pkg/store"
)

type controllerHarness struct {
	controller *Controller
	registry   *registry.RedisRegistry
	store      *store.Store
	bus        *bus.MemoryBus
}

func newControllerHarness(t *testing.T) *controllerHarness {
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

	c := NewController("test-node", DefaultConfig(), reg, st, mb, metrics.NewPrometheusCollector(), logger)

	return &controllerHarness{controller: c, registry: reg, store: st, bus: mb}
}

func (h *controllerHarness) registerAgent(t *testing.T, id string, caps []string, maxTasks int) {
	t.Helper()
	require.NoError(t, h.registry.Register(context.Background(), registry.AgentInfo{
		ID:                 id,
		Capabilities:       caps,
		MaxConcurrentTasks: maxTasks,
	}))
}

func TestAssignPendingRoutesByCapability(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "gpu-box", []string{"gpu"}, 3)
	h.registerAgent(t, "cpu-box", []string{"cpu"}, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, []string{"gpu"})
	require.NoError(t, err)

	h.controller.tick(ctx)

	assigned, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, assigned.Status)
	assert.Equal(t, "gpu-box", assigned.AssignedAgent)

	published := h.bus.Published(bus.TopicTaskAssignment)
	require.Len(t, published, 1)
	assert.Equal(t, "gpu-box", published[0].Target)
	assert.Equal(t, task.ID, published[0].CorrelationID)

	agent, err := h.registry.Get(ctx, "gpu-box")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.ActiveTasks)
}

func TestAssignPendingRespectsConcurrencyWithinOneTick(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 2)

	for i := 0; i < 4; i++ {
		_, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
		require.NoError(t, err)
	}

	h.controller.tick(ctx)

	assigned, err := h.controller.ListTasks(ctx, models.TaskAssigned)
	require.NoError(t, err)
	assert.Len(t, assigned, 2, "agent takes at most its concurrency limit")

	pending, err := h.controller.ListTasks(ctx, models.TaskPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestHighPriorityAssignedFirst(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 1)

	low, err := h.controller.CreateTask(ctx, "render", 2, nil, nil)
	require.NoError(t, err)
	high, err := h.controller.CreateTask(ctx, "render", 9, nil, nil)
	require.NoError(t, err)

	h.controller.tick(ctx)

	gotHigh, err := h.controller.GetTask(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, gotHigh.Status)

	gotLow, err := h.controller.GetTask(ctx, low.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, gotLow.Status)
}

func TestNoEligibleAgentLeavesTaskPending(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "cpu-box", []string{"cpu"}, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, []string{"gpu"})
	require.NoError(t, err)

	h.controller.tick(ctx)

	got, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Empty(t, h.bus.Published(bus.TopicTaskAssignment))
}

func TestTaskLifecycleRunningToCompleted(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
	require.NoError(t, err)
	h.controller.tick(ctx)

	now := time.Now().UTC()
	require.NoError(t, h.controller.HandleTaskRunning(ctx, task.ID, now))
	require.NoError(t, h.controller.HandleTaskResult(ctx, task.ID, true,
		map[string]interface{}{"frames": 24.0}, "", now.Add(time.Second)))

	done, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, done.Status)
	assert.Equal(t, 24.0, done.Result["frames"])

	agent, err := h.registry.Get(ctx, "only")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.ActiveTasks, "slot released on completion")

	// Late duplicate result is swallowed
	assert.NoError(t, h.controller.HandleTaskResult(ctx, task.ID, false, nil, "late", now))

	stats, err := h.controller.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestFailedTaskWithBudgetIsRequeued(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
	require.NoError(t, err)
	h.controller.tick(ctx)

	require.NoError(t, h.controller.HandleTaskResult(ctx, task.ID, false, nil, "oom", time.Now().UTC()))

	retried, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Empty(t, retried.AssignedAgent)

	agent, err := h.registry.Get(ctx, "only")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.ActiveTasks)
}

func TestFailedTaskWithoutBudgetTerminates(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
	require.NoError(t, err)

	// Burn the whole retry budget
	exhausted, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	exhausted.RetryCount = exhausted.MaxRetries
	require.NoError(t, h.store.SaveTask(ctx, exhausted))

	h.controller.tick(ctx)
	require.NoError(t, h.controller.HandleTaskResult(ctx, task.ID, false, nil, "oom", time.Now().UTC()))

	final, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, final.Status)
	assert.Equal(t, "oom", final.Error)
}

func TestPublishFailureKeepsRetryBudget(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
	require.NoError(t, err)

	require.NoError(t, h.bus.Close())
	h.controller.tick(ctx)

	undone, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, undone.Status)
	assert.Empty(t, undone.AssignedAgent)
	assert.Equal(t, 0, undone.RetryCount, "a transport blip is not an agent failure")

	// Once the bus is back the task assigns normally
	require.NoError(t, h.bus.Connect(ctx))
	h.controller.tick(ctx)

	assigned, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, assigned.Status)
	assert.Equal(t, 0, assigned.RetryCount)
}

func TestStaleAssignmentRequeued(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
	require.NoError(t, err)
	h.controller.tick(ctx)

	// Age the assignment past the timeout
	assigned, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-10 * time.Minute)
	assigned.AssignedAt = &past
	require.NoError(t, h.store.SaveTask(ctx, assigned))

	h.controller.requeueStale(ctx)

	requeued, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, requeued.Status)
	assert.Equal(t, 1, requeued.RetryCount)
}

func TestOfflineAgentTasksReclaimed(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
	require.NoError(t, err)
	h.controller.tick(ctx)

	require.NoError(t, h.registry.SetStatus(ctx, "only", models.AgentOffline))

	h.controller.requeueFromOfflineAgents(ctx)

	requeued, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, requeued.Status)
	assert.Empty(t, requeued.AssignedAgent)
}

func TestCancelTaskReleasesSlot(t *testing.T) {
	h := newControllerHarness(t)
	ctx := context.Background()

	h.registerAgent(t, "only", nil, 3)

	task, err := h.controller.CreateTask(ctx, "render", 5, nil, nil)
	require.NoError(t, err)
	h.controller.tick(ctx)

	require.NoError(t, h.controller.CancelTask(ctx, task.ID))

	cancelled, err := h.controller.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, cancelled.Status)

	agent, err := h.registry.Get(ctx, "only")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.ActiveTasks)

	assert.ErrorIs(t, h.controller.CancelTask(ctx, task.ID), models.ErrConflict)
}
