package control

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetor/fleetor/internal/bulkops"
	"github.com/fleetor/fleetor/internal/dispatch"
	"github.com/fleetor/fleetor/internal/healthmon"
	"github.com/fleetor/fleetor/internal/schedule"
	"github.com/fleetor/fleetor/internal/taskctl"
	"github.com/fleetor/fleetor/pkg/bus"
	"github.com/fleetor/fleetor/pkg/config"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/registry"
	"github.com/fleetor/fleetor/pkg/store"
)

// Plane is the assembled control plane: registry, task controller, command
// dispatch, bulk operations, scheduling and health monitoring behind one
// lifecycle.
type Plane struct {
	nodeID    string
	config    *config.SystemConfig
	logger    logging.Logger
	collector metrics.Collector

	registry    registry.Registry
	store       *store.Store
	bus         bus.MessageBus
	dispatcher  *dispatch.Dispatcher
	coordinator *bulkops.Coordinator
	scheduler   *schedule.Scheduler
	monitor     *healthmon.Monitor
	tasks       *taskctl.Controller

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a control plane from configuration
func New(cfg *config.SystemConfig, logger logging.Logger) (*Plane, error) {
	collector := metrics.NewPrometheusCollector()
	if err := collector.RegisterStandardMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	reg := registry.NewRedisRegistry(cfg.Registry, logger)
	mb := bus.NewClient(cfg.Kafka, logger)

	dispatcher := dispatch.NewDispatcher(cfg.System.NodeID, dispatch.Config{
		AckTimeout:       cfg.Commands.AckTimeout,
		ExecutionTimeout: cfg.Commands.ExecutionTimeout,
		SweepInterval:    cfg.Commands.SweepInterval,
		HistoryLimit:     cfg.Commands.HistoryLimit,
	}, reg, st, mb, collector, logger)

	coordinator := bulkops.NewCoordinator(dispatcher, st, collector, logger)

	scheduler := schedule.NewScheduler(schedule.Config{
		TickInterval: cfg.Scheduler.TickInterval,
	}, st, dispatcher, coordinator, collector, logger)

	monitor := healthmon.NewMonitor(healthmon.Config{
		TickInterval:    cfg.Health.TickInterval,
		CriticalSamples: cfg.Health.CriticalSamples,
		RecoveryCommand: cfg.Health.RecoveryCommand,
	}, reg, st, dispatcher, collector, logger)

	tasks := taskctl.NewController(cfg.System.NodeID, taskctl.Config{
		TickInterval:      cfg.Tasks.TickInterval,
		AssignmentTimeout: cfg.Tasks.AssignmentTimeout,
	}, reg, st, mb, collector, logger)

	return &Plane{
		nodeID:      cfg.System.NodeID,
		config:      cfg,
		logger:      logger,
		collector:   collector,
		registry:    reg,
		store:       st,
		bus:         mb,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		scheduler:   scheduler,
		monitor:     monitor,
		tasks:       tasks,
	}, nil
}

// Start connects the infrastructure, wires the bus subscriptions and
// launches every background loop
func (p *Plane) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if err := p.registry.Connect(ctx); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	if err := p.bus.Connect(ctx); err != nil {
		return fmt.Errorf("message bus: %w", err)
	}

	if err := p.subscribe(ctx); err != nil {
		return err
	}

	p.dispatcher.Start(ctx)
	p.tasks.Start(ctx)
	p.monitor.Start(ctx)
	if err := p.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	p.wg.Add(1)
	go p.runFleetGauges(ctx)

	p.logger.Info("control plane started",
		logging.String("node_id", p.nodeID),
		logging.String("environment", p.config.System.Environment))

	return nil
}

// Stop shuts the loops down in dispatch-last order and closes connections
func (p *Plane) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}

	p.scheduler.Stop()
	p.monitor.Stop()
	p.tasks.Stop()
	p.dispatcher.Stop()
	p.wg.Wait()

	var firstErr error
	if err := p.bus.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.registry.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	p.logger.Info("control plane stopped", logging.String("node_id", p.nodeID))
	return firstErr
}

// Collector exposes the metrics collector for the scrape endpoint
func (p *Plane) Collector() *metrics.PrometheusCollector {
	return p.collector.(*metrics.PrometheusCollector)
}

// Fleet exposes the agent registry
func (p *Plane) Fleet() registry.Registry { return p.registry }

// Tasks exposes the central task controller
func (p *Plane) Tasks() *taskctl.Controller { return p.tasks }

// Commands exposes the command dispatcher
func (p *Plane) Commands() *dispatch.Dispatcher { return p.dispatcher }

// Bulk exposes the bulk operation coordinator
func (p *Plane) Bulk() *bulkops.Coordinator { return p.coordinator }

// Schedules exposes the command scheduler
func (p *Plane) Schedules() *schedule.Scheduler { return p.scheduler }

// HealthMonitor exposes the agent health monitor
func (p *Plane) HealthMonitor() *healthmon.Monitor { return p.monitor }

// runFleetGauges periodically publishes per-status agent counts
func (p *Plane) runFleetGauges(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			agents, err := p.registry.List(ctx)
			if err != nil {
				continue
			}
			counts := make(map[models.AgentStatus]int)
			for _, agent := range agents {
				counts[agent.Status]++
			}
			for _, status := range []models.AgentStatus{
				models.AgentOnline, models.AgentOffline, models.AgentBusy,
				models.AgentMaintenance, models.AgentUnknown,
			} {
				p.collector.SetGauge(metrics.AgentsByStatus.Name,
					float64(counts[status]),
					metrics.Labels("status", string(status)))
			}
		}
	}
}
