package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetor/fleetor/internal/bulkops"
	"github.com/fleetor/fleetor/internal/dispatch"
	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
	"github.com/fleetor/fleetor/pkg/store"
)

type schedulerHarness struct {
	scheduler *Scheduler
	registry  *registry.RedisRegistry
	store     *store.Store
	bus       *bus.MemoryBus
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
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
	c := bulkops.NewCoordinator(d, st, collector, logger)
	s := NewScheduler(DefaultConfig(), st, d, c, collector, logger)

	return &schedulerHarness{scheduler: s, registry: reg, store: st, bus: mb}
}

func (h *schedulerHarness) registerAgents(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.registry.Register(context.Background(), registry.AgentInfo{ID: id}))
	}
}

func TestTickFiresDueSchedule(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	h.registerAgents(t, "agent-1")

	sched, err := h.scheduler.Schedule(ctx, "agent-1", nil, "reboot", nil,
		time.Now().UTC().Add(-time.Second), 0, 1)
	require.NoError(t, err)

	h.scheduler.tick(ctx)

	published := h.bus.Published(bus.TopicCommands)
	require.Len(t, published, 1)
	assert.Equal(t, "agent-1", published[0].Target)

	fired, err := h.scheduler.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fired.RepeatsDone)
	assert.True(t, fired.Exhausted())

	// Exhausted entries never fire again
	h.scheduler.tick(ctx)
	assert.Len(t, h.bus.Published(bus.TopicCommands), 1)
}

func TestTickSkipsFutureSchedule(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	h.registerAgents(t, "agent-1")

	_, err := h.scheduler.Schedule(ctx, "agent-1", nil, "reboot", nil,
		time.Now().UTC().Add(time.Hour), 0, 1)
	require.NoError(t, err)

	h.scheduler.tick(ctx)
	assert.Empty(t, h.bus.Published(bus.TopicCommands))
}

func TestRepeatingScheduleFiresExactlyMaxRepeats(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	h.registerAgents(t, "agent-1")

	sched, err := h.scheduler.Schedule(ctx, "agent-1", nil, "check_health", nil,
		time.Now().UTC().Add(-time.Second), time.Millisecond, 3)
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		h.scheduler.tick(ctx)
	}

	assert.Len(t, h.bus.Published(bus.TopicCommands), 3)

	final, err := h.scheduler.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, final.RepeatsDone)
	assert.True(t, final.Exhausted())
}

func TestCancelStopsFutureFires(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	h.registerAgents(t, "agent-1")

	sched, err := h.scheduler.Schedule(ctx, "agent-1", nil, "reboot", nil,
		time.Now().UTC().Add(-time.Second), 0, 1)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Cancel(ctx, sched.ID))
	assert.ErrorIs(t, h.scheduler.Cancel(ctx, sched.ID), models.ErrConflict)

	h.scheduler.tick(ctx)
	assert.Empty(t, h.bus.Published(bus.TopicCommands))

	active, err := h.scheduler.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestBulkScheduleFansOut(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	h.registerAgents(t, "a", "b")

	_, err := h.scheduler.Schedule(ctx, "", []string{"a", "b"}, "reboot", nil,
		time.Now().UTC().Add(-time.Second), 0, 1)
	require.NoError(t, err)

	h.scheduler.tick(ctx)
	assert.Len(t, h.bus.Published(bus.TopicCommands), 2)

	ops, err := h.store.ListBulkOperations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []string{"a", "b"}, ops[0].TargetAgents)
}

func TestFireRecordedEvenWhenDispatchFails(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()

	// Target never registered, so dispatch is rejected
	sched, err := h.scheduler.Schedule(ctx, "ghost", nil, "reboot", nil,
		time.Now().UTC().Add(-time.Second), 0, 1)
	require.NoError(t, err)

	h.scheduler.tick(ctx)

	fired, err := h.scheduler.Get(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fired.RepeatsDone, "failed dispatch still consumes the fire")
	assert.Empty(t, h.bus.Published(bus.TopicCommands))
}
