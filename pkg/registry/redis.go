package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/models"
)

// RedisRegistry implements the Registry interface using Redis
type RedisRegistry struct {
	client    *redis.Client
	config    RegistryConfig
	logger    logging.Logger
	mu        sync.RWMutex
	connected bool
	health    models.HealthStatus

	// Background sweep
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Key prefixes for Redis. Active-task counts live under their own key so
// slot bookkeeping is a plain INCRBY, isolated from profile rewrites.
const (
	keyPrefixAgent      = "agent:"
	keyPrefixLiveness   = "agent:alive:"
	keyPrefixActive     = "agent:active:"
	keyPrefixCapability = "capability:"
	keyAgentSet         = "agents:all"
)

// maxUpdateRetries bounds optimistic-lock retries on agent profile updates
const maxUpdateRetries = 100

// errNoChange aborts an updateAgent transaction without writing
var errNoChange = errors.New("no change")

// NewRedisRegistry creates a new Redis-based registry
func NewRedisRegistry(config RegistryConfig, logger logging.Logger) *RedisRegistry {
	return &RedisRegistry{
		config: config,
		logger: logger,
		health: models.HealthUnknown,
	}
}

// Connect establishes connection to Redis and starts the liveness sweep
func (r *RedisRegistry) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     r.config.Redis.Address,
		Password: r.config.Redis.Password,
		DB:       r.config.Redis.DB,
	})

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.connected = true
	r.health = models.HealthHealthy

	r.wg.Add(1)
	go r.runSweep()

	return nil
}

// ConnectWithClient attaches an existing Redis client, for tests
func (r *RedisRegistry) ConnectWithClient(ctx context.Context, client *redis.Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	r.client = client
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.connected = true
	r.health = models.HealthHealthy

	r.wg.Add(1)
	go r.runSweep()

	return nil
}

// Close shuts down the registry
func (r *RedisRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.client != nil {
		if err := r.client.Close(); err != nil {
			return fmt.Errorf("failed to close redis connection: %w", err)
		}
	}

	r.connected = false
	r.health = models.HealthUnknown

	return nil
}

// Health returns the current health status
func (r *RedisRegistry) Health() models.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// Register upserts an agent. Re-registering an existing id refreshes its
// profile and flips it back online while preserving the original
// registration time and task counters.
func (r *RedisRegistry) Register(ctx context.Context, agent AgentInfo) error {
	if err := r.checkConnected(); err != nil {
		return err
	}
	if agent.ID == "" {
		return fmt.Errorf("%w: agent id is required", models.ErrInvalidRequest)
	}
	if agent.MaxConcurrentTasks <= 0 {
		agent.MaxConcurrentTasks = models.DefaultMaxConcurrentTasks
	}

	now := time.Now().UTC()
	agent.Status = models.AgentOnline
	agent.LastSeen = now
	agent.RegisteredAt = now

	existing, err := r.Get(ctx, agent.ID)
	if err != nil && err != models.ErrNotFound {
		return err
	}
	var staleCaps []string
	if existing != nil {
		agent.RegisteredAt = existing.RegisteredAt
		agent.LastAssigned = existing.LastAssigned
		staleCaps = existing.Capabilities
	}

	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to serialize agent info: %w", err)
	}

	prefix := r.config.Redis.KeyPrefix
	pipe := r.client.Pipeline()

	pipe.Set(ctx, prefix+keyPrefixAgent+agent.ID, data, 0)
	pipe.SAdd(ctx, prefix+keyAgentSet, agent.ID)

	// Re-index capabilities, dropping ones the agent no longer reports
	for _, cap := range staleCaps {
		pipe.SRem(ctx, prefix+keyPrefixCapability+cap, agent.ID)
	}
	for _, cap := range agent.Capabilities {
		pipe.SAdd(ctx, prefix+keyPrefixCapability+cap, agent.ID)
	}

	pipe.Set(ctx, prefix+keyPrefixLiveness+agent.ID, string(models.AgentOnline), r.config.HeartbeatTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}

	return nil
}

// Heartbeat records liveness and fresh metrics for a known agent. Unknown
// agents are rejected so they go through registration first.
func (r *RedisRegistry) Heartbeat(ctx context.Context, agentID string, metrics models.AgentMetrics) error {
	if err := r.checkConnected(); err != nil {
		return err
	}

	err := r.updateAgent(ctx, agentID, true, func(agent *AgentInfo) error {
		agent.Metrics = metrics
		agent.EfficiencyScore = EfficiencyScore(metrics)
		agent.LastSeen = time.Now().UTC()
		// Heartbeats revive offline agents but never override maintenance
		if agent.Status == models.AgentOffline || agent.Status == models.AgentUnknown {
			agent.Status = models.AgentOnline
		}
		return nil
	})
	if errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("heartbeat from %s: %w", agentID, models.ErrUnknownAgent)
	}
	return err
}

// SetStatus sets an agent's status explicitly (busy, maintenance, ...)
func (r *RedisRegistry) SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	if err := r.checkConnected(); err != nil {
		return err
	}

	return r.updateAgent(ctx, agentID, false, func(agent *AgentInfo) error {
		agent.Status = status
		return nil
	})
}

// Get retrieves an agent by id
func (r *RedisRegistry) Get(ctx context.Context, agentID string) (*AgentInfo, error) {
	if err := r.checkConnected(); err != nil {
		return nil, err
	}

	prefix := r.config.Redis.KeyPrefix

	data, err := r.client.Get(ctx, prefix+keyPrefixAgent+agentID).Bytes()
	if err == redis.Nil {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}

	var agent AgentInfo
	if err := json.Unmarshal(data, &agent); err != nil {
		return nil, fmt.Errorf("failed to deserialize agent info: %w", err)
	}

	// The counter key is authoritative; the serialized field is ignored
	count, err := r.client.Get(ctx, prefix+keyPrefixActive+agentID).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get active task count: %w", err)
	}
	if count < 0 {
		count = 0
	}
	agent.ActiveTasks = count

	return &agent, nil
}

// List returns all registered agents, online or not
func (r *RedisRegistry) List(ctx context.Context) ([]AgentInfo, error) {
	if err := r.checkConnected(); err != nil {
		return nil, err
	}

	prefix := r.config.Redis.KeyPrefix

	agentIDs, err := r.client.SMembers(ctx, prefix+keyAgentSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	agents := make([]AgentInfo, 0, len(agentIDs))
	for _, id := range agentIDs {
		agent, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		agents = append(agents, *agent)
	}

	return agents, nil
}

// FindByCapabilities returns agents advertising every listed capability
func (r *RedisRegistry) FindByCapabilities(ctx context.Context, capabilities []string) ([]AgentInfo, error) {
	if len(capabilities) == 0 {
		return r.List(ctx)
	}

	if err := r.checkConnected(); err != nil {
		return nil, err
	}

	prefix := r.config.Redis.KeyPrefix

	keys := make([]string, len(capabilities))
	for i, cap := range capabilities {
		keys[i] = prefix + keyPrefixCapability + cap
	}

	agentIDs, err := r.client.SInter(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find agents by capabilities: %w", err)
	}

	agents := make([]AgentInfo, 0, len(agentIDs))
	for _, id := range agentIDs {
		agent, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		agents = append(agents, *agent)
	}

	return agents, nil
}

// TouchAssigned records that an agent just received a task assignment
func (r *RedisRegistry) TouchAssigned(ctx context.Context, agentID string) error {
	if err := r.checkConnected(); err != nil {
		return err
	}

	return r.updateAgent(ctx, agentID, false, func(agent *AgentInfo) error {
		agent.LastAssigned = time.Now().UTC()
		return nil
	})
}

// AdjustActiveTasks moves an agent's running-task counter by delta. The
// counter is a dedicated key, so concurrent profile writes (heartbeats,
// status changes) can never roll it back.
func (r *RedisRegistry) AdjustActiveTasks(ctx context.Context, agentID string, delta int) error {
	if err := r.checkConnected(); err != nil {
		return err
	}

	prefix := r.config.Redis.KeyPrefix

	exists, err := r.client.Exists(ctx, prefix+keyPrefixAgent+agentID).Result()
	if err != nil {
		return fmt.Errorf("failed to adjust active tasks: %w", err)
	}
	if exists == 0 {
		return models.ErrNotFound
	}

	key := prefix + keyPrefixActive + agentID
	count, err := r.client.IncrBy(ctx, key, int64(delta)).Result()
	if err != nil {
		return fmt.Errorf("failed to adjust active tasks: %w", err)
	}
	if count < 0 {
		r.client.Set(ctx, key, 0, 0)
	}
	return nil
}

// updateAgent applies mutate to an agent's profile under WATCH, retrying
// when a concurrent writer commits first. Returning errNoChange from mutate
// aborts without writing.
func (r *RedisRegistry) updateAgent(ctx context.Context, agentID string, refreshTTL bool, mutate func(*AgentInfo) error) error {
	prefix := r.config.Redis.KeyPrefix
	key := prefix + keyPrefixAgent + agentID

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return models.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get agent: %w", err)
		}

		var agent AgentInfo
		if err := json.Unmarshal(data, &agent); err != nil {
			return fmt.Errorf("failed to deserialize agent info: %w", err)
		}

		if err := mutate(&agent); err != nil {
			return err
		}

		updated, err := json.Marshal(&agent)
		if err != nil {
			return fmt.Errorf("failed to serialize agent info: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if refreshTTL {
				pipe.Set(ctx, prefix+keyPrefixLiveness+agentID, string(agent.Status), r.config.HeartbeatTTL)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("agent %s update contended: %w", agentID, models.ErrConflict)
}

// MarkStaleOffline flips agents whose last heartbeat is older than threshold
// to offline. Agent rows are never deleted; operators keep the full fleet
// view including dead agents.
func (r *RedisRegistry) MarkStaleOffline(ctx context.Context, threshold time.Duration) ([]string, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	flipped := make([]string, 0)

	for i := range agents {
		// Staleness is re-checked inside the transaction; a heartbeat that
		// lands mid-sweep wins
		err := r.updateAgent(ctx, agents[i].ID, false, func(agent *AgentInfo) error {
			if agent.Status == models.AgentOffline || agent.Status == models.AgentMaintenance {
				return errNoChange
			}
			if now.Sub(agent.LastSeen) <= threshold {
				return errNoChange
			}
			agent.Status = models.AgentOffline
			return nil
		})
		if errors.Is(err, errNoChange) {
			continue
		}
		if err != nil {
			r.logger.Warn("failed to mark agent offline",
				logging.String("agent_id", agents[i].ID),
				logging.Err(err))
			continue
		}
		flipped = append(flipped, agents[i].ID)
	}

	return flipped, nil
}

// runSweep periodically marks missed-heartbeat agents offline
func (r *RedisRegistry) runSweep() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			flipped, err := r.MarkStaleOffline(r.ctx, r.config.OfflineThreshold)
			if err != nil {
				r.logger.Error("registry sweep failed", logging.Err(err))
				continue
			}
			for _, id := range flipped {
				r.logger.Warn("agent missed heartbeats, marked offline",
					logging.String("agent_id", id),
					logging.Duration("threshold", r.config.OfflineThreshold))
			}
		}
	}
}

func (r *RedisRegistry) checkConnected() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.connected {
		return fmt.Errorf("registry not connected")
	}
	return nil
}
