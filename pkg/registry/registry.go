package registry

import (
	"context"
	"time"

	"github.com/fleetor/fleetor/pkg/models"
)

// Registry manages fleet agent registration, liveness and discovery
type Registry interface {
	// Registration and liveness
	Register(ctx context.Context, agent AgentInfo) error
	Heartbeat(ctx context.Context, agentID string, metrics models.AgentMetrics) error
	SetStatus(ctx context.Context, agentID string, status models.AgentStatus) error

	// Discovery
	Get(ctx context.Context, agentID string) (*AgentInfo, error)
	List(ctx context.Context) ([]AgentInfo, error)
	FindByCapabilities(ctx context.Context, capabilities []string) ([]AgentInfo, error)

	// Assignment bookkeeping
	TouchAssigned(ctx context.Context, agentID string) error
	AdjustActiveTasks(ctx context.Context, agentID string, delta int) error

	// Lifecycle
	Connect(ctx context.Context) error
	Close() error
	Health() models.HealthStatus
}

// AgentInfo contains the registry's view of one fleet agent
type AgentInfo struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Host               string              `json:"host"`
	Version            string              `json:"version"`
	Capabilities       []string            `json:"capabilities"`
	Status             models.AgentStatus  `json:"status"`
	MaxConcurrentTasks int                 `json:"max_concurrent_tasks"`
	ActiveTasks        int                 `json:"active_tasks"`
	Metrics            models.AgentMetrics `json:"metrics"`
	EfficiencyScore    float64             `json:"efficiency_score"`
	RegisteredAt       time.Time           `json:"registered_at"`
	LastSeen           time.Time           `json:"last_seen"`
	LastAssigned       time.Time           `json:"last_assigned,omitempty"`
}

// RegistryConfig holds configuration for the registry
type RegistryConfig struct {
	Redis            RedisConfig   `json:"redis"`
	HeartbeatTTL     time.Duration `json:"heartbeat_ttl"`
	SweepInterval    time.Duration `json:"sweep_interval"`
	OfflineThreshold time.Duration `json:"offline_threshold"`
}

// RedisConfig holds Redis connection configuration for the registry
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password,omitempty"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// DefaultRegistryConfig returns default registry configuration
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Redis: RedisConfig{
			Address:   "localhost:6379",
			DB:        0,
			KeyPrefix: "fleetor:registry:",
		},
		HeartbeatTTL:     150 * time.Second,
		SweepInterval:    30 * time.Second,
		OfflineThreshold: 120 * time.Second,
	}
}

// EfficiencyScore derives a 0-100 score for an agent from its task success
// rate and current resource pressure. Recomputed on every heartbeat.
func EfficiencyScore(metrics models.AgentMetrics) float64 {
	score := metrics.SuccessRate()*70 + (100-metrics.CPUPercent)*0.2 + (100-metrics.MemoryPercent)*0.1
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
