package dispatch

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

type dispatchHarness struct {
	dispatcher *Dispatcher
	registry   *registry.RedisRegistry
	store      *store.Store
	bus        *bus.MemoryBus
}

func newDispatchHarness(t *testing.T, connectBus bool) *dispatchHarness {
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
	if connectBus {
		require.NoError(t, mb.Connect(context.Background()))
	}

	d := NewDispatcher("test-node", DefaultConfig(), reg, st, mb, metrics.NewPrometheusCollector(), logger)

	return &dispatchHarness{dispatcher: d, registry: reg, store: st, bus: mb}
}

func (h *dispatchHarness) registerAgent(t *testing.T, id string, status models.AgentStatus) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, h.registry.Register(ctx, registry.AgentInfo{ID: id}))
	if status != models.AgentOnline {
		require.NoError(t, h.registry.SetStatus(ctx, id, status))
	}
}

func TestSendPersistsAndPublishes(t *testing.T) {
	h := newDispatchHarness(t, true)
	ctx := context.Background()
	h.registerAgent(t, "agent-1", models.AgentOnline)

	cmd, err := h.dispatcher.Send(ctx, "agent-1", "collect_logs", map[string]interface{}{"lines": 100.0})
	require.NoError(t, err)
	assert.Equal(t, models.CommandSent, cmd.Status)
	require.NotNil(t, cmd.SentAt)

	stored, err := h.store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandSent, stored.Status)

	published := h.bus.Published(bus.TopicCommands)
	require.Len(t, published, 1)
	assert.Equal(t, models.MsgCommand, published[0].Type)
	assert.Equal(t, "agent-1", published[0].Target)
}

func TestSendUnknownAgent(t *testing.T) {
	h := newDispatchHarness(t, true)

	_, err := h.dispatcher.Send(context.Background(), "ghost", "reboot", nil)
	assert.ErrorIs(t, err, models.ErrUnknownAgent)
	assert.Empty(t, h.bus.Published(bus.TopicCommands))
}

func TestSendOfflineAgent(t *testing.T) {
	h := newDispatchHarness(t, true)
	h.registerAgent(t, "agent-1", models.AgentOffline)

	_, err := h.dispatcher.Send(context.Background(), "agent-1", "reboot", nil)
	assert.ErrorIs(t, err, models.ErrAgentOffline)
}

func TestSendMaintenanceWhitelist(t *testing.T) {
	h := newDispatchHarness(t, true)
	ctx := context.Background()
	h.registerAgent(t, "agent-1", models.AgentMaintenance)

	_, err := h.dispatcher.Send(ctx, "agent-1", "collect_logs", nil)
	assert.ErrorIs(t, err, models.ErrConflict)

	cmd, err := h.dispatcher.Send(ctx, "agent-1", "run_diagnostics", nil)
	require.NoError(t, err)
	assert.Equal(t, models.CommandSent, cmd.Status)
}

func TestSendPublishFailureRecordsFailedCommand(t *testing.T) {
	h := newDispatchHarness(t, false) // bus never connected
	ctx := context.Background()
	h.registerAgent(t, "agent-1", models.AgentOnline)

	cmd, err := h.dispatcher.Send(ctx, "agent-1", "reboot", nil)
	require.Error(t, err)
	require.NotNil(t, cmd, "failed command row is still returned")

	stored, err := h.store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandFailed, stored.Status)
	assert.NotEmpty(t, stored.Error)
}

func TestAckAndResultLifecycle(t *testing.T) {
	h := newDispatchHarness(t, true)
	ctx := context.Background()
	h.registerAgent(t, "agent-1", models.AgentOnline)

	cmd, err := h.dispatcher.Send(ctx, "agent-1", "reboot", nil)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, h.dispatcher.HandleAck(ctx, cmd.ID, now))
	require.NoError(t, h.dispatcher.HandleResult(ctx, cmd.ID, true,
		map[string]interface{}{"exit_code": 0.0}, "", now.Add(time.Second)))

	final, err := h.store.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, final.Status)
	assert.Equal(t, 0.0, final.Result["exit_code"])

	// Duplicate feedback after completion is swallowed, not an error
	assert.NoError(t, h.dispatcher.HandleAck(ctx, cmd.ID, now))
	assert.NoError(t, h.dispatcher.HandleResult(ctx, cmd.ID, false, nil, "late", now))

	assert.ErrorIs(t, h.dispatcher.HandleResult(ctx, "missing", true, nil, "", now), models.ErrNotFound)
}

func TestHistoryUsesDefaultLimit(t *testing.T) {
	h := newDispatchHarness(t, true)
	ctx := context.Background()
	h.registerAgent(t, "agent-1", models.AgentOnline)

	first, err := h.dispatcher.Send(ctx, "agent-1", "reboot", nil)
	require.NoError(t, err)
	_, err = h.dispatcher.Send(ctx, "agent-1", "collect_logs", nil)
	require.NoError(t, err)

	history, err := h.dispatcher.History(ctx, "agent-1", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	got, err := h.dispatcher.GetCommand(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "reboot", got.Type)
}

func TestReplayCreatesFreshCommand(t *testing.T) {
	h := newDispatchHarness(t, true)
	ctx := context.Background()
	h.registerAgent(t, "agent-1", models.AgentOnline)

	original, err := h.dispatcher.Send(ctx, "agent-1", "collect_logs", map[string]interface{}{"lines": 50.0})
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.HandleResult(ctx, original.ID, true, nil, "", time.Now().UTC()))

	replayed, err := h.dispatcher.Replay(ctx, original.ID)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, replayed.ID)
	assert.Equal(t, original.Type, replayed.Type)
	assert.Equal(t, original.Parameters, replayed.Parameters)
	assert.Equal(t, models.CommandSent, replayed.Status)

	// The original row is untouched
	kept, err := h.store.GetCommand(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandCompleted, kept.Status)

	_, err = h.dispatcher.Replay(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
