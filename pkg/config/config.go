package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/registry"
)

// SystemConfig holds the complete control-plane configuration
type SystemConfig struct {
	System     SystemSettings          `yaml:"system"`
	Kafka      bus.BusConfig           `yaml:"kafka"`
	Registry   registry.RegistryConfig `yaml:"registry"`
	Store      StoreConfig             `yaml:"store"`
	Tasks      TaskSettings            `yaml:"tasks"`
	Commands   CommandSettings         `yaml:"commands"`
	Scheduler  ScheduleSettings        `yaml:"scheduler"`
	Health     HealthSettings          `yaml:"health"`
	Monitoring MonitoringConfig        `yaml:"monitoring"`
	Logging    LoggingConfig           `yaml:"logging"`
}

// SystemSettings holds general system settings
type SystemSettings struct {
	NodeID          string        `yaml:"node_id"`
	Environment     string        `yaml:"environment"` // local, staging, production
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds the durable store configuration
type StoreConfig struct {
	Path string `yaml:"path"`
}

// TaskSettings tunes the central task assignment loop
type TaskSettings struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	AssignmentTimeout time.Duration `yaml:"assignment_timeout"`
}

// CommandSettings tunes command dispatch and timeout sweeping
type CommandSettings struct {
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	HistoryLimit     int           `yaml:"history_limit"`
}

// ScheduleSettings tunes the scheduled-command loop
type ScheduleSettings struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// HealthSettings tunes the health monitor and auto-recovery
type HealthSettings struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	CriticalSamples int           `yaml:"critical_samples"`
	RecoveryCommand string        `yaml:"recovery_command"`
}

// MonitoringConfig holds metrics configuration
type MonitoringConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads configuration from a YAML file over the defaults, then applies
// FLEETOR_* environment overrides
func Load(path string) (*SystemConfig, error) {
	config := DefaultSystemConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&config)
	return &config, nil
}

// DefaultSystemConfig returns defaults suitable for local development
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		System: SystemSettings{
			NodeID:          "fleetor-control-1",
			Environment:     "local",
			ShutdownTimeout: 30 * time.Second,
		},
		Kafka: bus.BusConfig{
			Brokers:  []string{"localhost:9092"},
			Producer: bus.DefaultProducerConfig(),
			Consumer: bus.DefaultConsumerConfig(),
		},
		Registry: registry.DefaultRegistryConfig(),
		Store: StoreConfig{
			Path: "fleetor.db",
		},
		Tasks: TaskSettings{
			TickInterval:      5 * time.Second,
			AssignmentTimeout: 5 * time.Minute,
		},
		Commands: CommandSettings{
			AckTimeout:       60 * time.Second,
			ExecutionTimeout: 10 * time.Minute,
			SweepInterval:    10 * time.Second,
			HistoryLimit:     100,
		},
		Scheduler: ScheduleSettings{
			TickInterval: 10 * time.Second,
		},
		Health: HealthSettings{
			TickInterval:    30 * time.Second,
			CriticalSamples: 3,
			RecoveryCommand: "restart_agent",
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			MetricsPort:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func applyEnvOverrides(config *SystemConfig) {
	config.System.NodeID = GetEnv("FLEETOR_NODE_ID", config.System.NodeID)
	config.System.Environment = GetEnv("FLEETOR_ENV", config.System.Environment)
	config.Store.Path = GetEnv("FLEETOR_STORE_PATH", config.Store.Path)
	config.Registry.Redis.Address = GetEnv("FLEETOR_REDIS_ADDR", config.Registry.Redis.Address)
	config.Registry.Redis.Password = GetEnv("FLEETOR_REDIS_PASSWORD", config.Registry.Redis.Password)
	config.Logging.Level = GetEnv("FLEETOR_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = GetEnv("FLEETOR_LOG_FORMAT", config.Logging.Format)
	config.Monitoring.MetricsPort = GetEnvInt("FLEETOR_METRICS_PORT", config.Monitoring.MetricsPort)

	if brokers := os.Getenv("FLEETOR_KAFKA_BROKERS"); brokers != "" {
		config.Kafka.Brokers = strings.Split(brokers, ",")
	}
}

// GetEnv retrieves an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves an environment variable as int with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// GetEnvBool retrieves an environment variable as bool with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
