package metrics

import (
	"time"
)

// Collector interface for metrics collection
type Collector interface {
	// Counters
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)

	// Gauges
	SetGauge(name string, value float64, labels map[string]string)
	IncrementGauge(name string, labels map[string]string)
	DecrementGauge(name string, labels map[string]string)

	// Histograms
	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)

	// Registry
	Register(metric Metric) error
	Unregister(name string) error
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // For histograms
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Standard control-plane metrics
var (
	// Command dispatch metrics
	CommandsDispatched = Metric{
		Name:   "fleetor_commands_dispatched_total",
		Type:   CounterType,
		Help:   "Total number of commands dispatched to agents",
		Labels: []string{"command_type", "status"},
	}

	CommandRoundTrip = Metric{
		Name:    "fleetor_command_roundtrip_seconds",
		Type:    HistogramType,
		Help:    "Time from dispatch to terminal command status",
		Labels:  []string{"command_type"},
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}

	// Task metrics
	TasksAssigned = Metric{
		Name:   "fleetor_tasks_assigned_total",
		Type:   CounterType,
		Help:   "Total number of central task assignments",
		Labels: []string{"task_type"},
	}

	TasksCompleted = Metric{
		Name:   "fleetor_tasks_completed_total",
		Type:   CounterType,
		Help:   "Total number of finished central tasks",
		Labels: []string{"task_type", "status"},
	}

	TasksPending = Metric{
		Name:   "fleetor_tasks_pending",
		Type:   GaugeType,
		Help:   "Number of tasks waiting for assignment",
		Labels: []string{},
	}

	// Fleet metrics
	AgentsByStatus = Metric{
		Name:   "fleetor_agents",
		Type:   GaugeType,
		Help:   "Number of registered agents by status",
		Labels: []string{"status"},
	}

	// Bulk and schedule metrics
	BulkOperations = Metric{
		Name:   "fleetor_bulk_operations_total",
		Type:   CounterType,
		Help:   "Total number of bulk operations created",
		Labels: []string{"operation_type"},
	}

	ScheduleFires = Metric{
		Name:   "fleetor_schedule_fires_total",
		Type:   CounterType,
		Help:   "Total number of scheduled command dispatches",
		Labels: []string{"command_type"},
	}

	// Recovery metrics
	RecoveryCommands = Metric{
		Name:   "fleetor_recovery_commands_total",
		Type:   CounterType,
		Help:   "Total number of auto-recovery commands issued",
		Labels: []string{"command_type"},
	}

	// Message bus metrics
	MessagesSent = Metric{
		Name:   "fleetor_messages_sent_total",
		Type:   CounterType,
		Help:   "Total number of messages published to the bus",
		Labels: []string{"topic", "message_type"},
	}

	MessagesReceived = Metric{
		Name:   "fleetor_messages_received_total",
		Type:   CounterType,
		Help:   "Total number of messages consumed from the bus",
		Labels: []string{"topic", "message_type"},
	}

	// System metrics
	SystemErrors = Metric{
		Name:   "fleetor_system_errors_total",
		Type:   CounterType,
		Help:   "Total number of control-plane errors",
		Labels: []string{"component", "error_type"},
	}
)

// Labels creates a labels map from key-value pairs
func Labels(kvs ...string) map[string]string {
	labels := make(map[string]string)
	for i := 0; i < len(kvs)-1; i += 2 {
		labels[kvs[i]] = kvs[i+1]
	}
	return labels
}
