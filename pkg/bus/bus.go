package bus

import (
	"context"

	"github.com/fleetor/fleetor/pkg/models"
)

// MessageHandler is a function type for handling incoming messages
type MessageHandler func(ctx context.Context, msg models.Message) error

// MessageBus interface for Kafka abstraction
type MessageBus interface {
	// Publishing
	Publish(ctx context.Context, topic string, msg models.Message) error
	PublishWithKey(ctx context.Context, topic string, key string, msg models.Message) error

	// Subscribing
	Subscribe(ctx context.Context, topic string, handler MessageHandler) error
	SubscribeToMultiple(ctx context.Context, topics []string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error

	// Lifecycle
	Connect(ctx context.Context) error
	Close() error
	Health() models.HealthStatus
}

// ProducerConfig holds configuration for Kafka producer
type ProducerConfig struct {
	Acks            string `json:"acks"` // "0", "1", "all"
	Retries         int    `json:"retries"`
	BatchSize       int    `json:"batch_size"`
	LingerMs        int    `json:"linger_ms"`
	CompressionType string `json:"compression_type"` // none, gzip, snappy, lz4, zstd
}

// ConsumerConfig holds configuration for Kafka consumer
type ConsumerConfig struct {
	GroupID          string `json:"group_id"`
	AutoOffsetReset  string `json:"auto_offset_reset"` // earliest, latest
	EnableAutoCommit bool   `json:"enable_auto_commit"`
	MaxPollRecords   int    `json:"max_poll_records"`
	SessionTimeoutMs int    `json:"session_timeout_ms"`
}

// BusConfig holds complete Kafka configuration
type BusConfig struct {
	Brokers  []string       `json:"brokers"`
	Producer ProducerConfig `json:"producer"`
	Consumer ConsumerConfig `json:"consumer"`
}

// Standard topic names for the fleet control plane.
//
// Commands are published keyed by agent id so every command for one agent
// lands on the same partition and arrives in dispatch order.
const (
	TopicCommands          = "fleetor.commands"
	TopicCommandResults    = "fleetor.commands.result"
	TopicTaskAssignment    = "fleetor.tasks.assignment"
	TopicTaskResults       = "fleetor.tasks.result"
	TopicAgentRegistration = "fleetor.agents.registration"
	TopicAgentHeartbeat    = "fleetor.agents.heartbeat"
	TopicSystemEvents      = "fleetor.system.events"
)

// DefaultProducerConfig returns default producer configuration
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Acks:            "all",
		Retries:         3,
		BatchSize:       16384,
		LingerMs:        1,
		CompressionType: "snappy",
	}
}

// DefaultConsumerConfig returns default consumer configuration
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		GroupID:          "fleetor-control",
		AutoOffsetReset:  "earliest",
		EnableAutoCommit: false,
		MaxPollRecords:   500,
		SessionTimeoutMs: 10000,
	}
}

// ConnectionError represents a bus connection error
type ConnectionError struct {
	Message string
}

func (e *ConnectionError) Error() string {
	return "kafka connection error: " + e.Message
}
