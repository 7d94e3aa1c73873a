package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/fleetor/fleetor/internal/bulkops"
	"github.com/fleetor/fleetor/internal/dispatch"
	"github.com/fleetor/fleetor/pkg/logging"
	"github.com/fleetor/fleetor/pkg/metrics"
	"github.com/fleetor/fleetor/pkg/models"
	"github.com/fleetor/fleetor/pkg/store"
)

// Config tunes the scheduler loop
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig returns scheduler defaults
func DefaultConfig() Config {
	return Config{TickInterval: 10 * time.Second}
}

// Scheduler fires deferred and repeating commands. The durable store is the
// only source of truth, so pending schedules survive control-plane restarts
// without any replay bookkeeping.
type Scheduler struct {
	config      Config
	store       *store.Store
	dispatcher  *dispatch.Dispatcher
	coordinator *bulkops.Coordinator
	collector   metrics.Collector
	logger      logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a command scheduler
func NewScheduler(config Config, st *store.Store, dispatcher *dispatch.Dispatcher, coordinator *bulkops.Coordinator, collector metrics.Collector, logger logging.Logger) *Scheduler {
	return &Scheduler{
		config:      config,
		store:       st,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		collector:   collector,
		logger:      logger,
	}
}

// Start reports surviving schedules and launches the tick loop
func (s *Scheduler) Start(ctx context.Context) error {
	active, err := s.store.ActiveSchedules(ctx)
	if err != nil {
		return err
	}
	if len(active) > 0 {
		s.logger.Info("reloaded pending schedules", logging.Int("count", len(active)))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop halts the tick loop and waits for it to exit
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Schedule registers a deferred command for one agent or a bulk target set
func (s *Scheduler) Schedule(ctx context.Context, agentID string, targets []string, commandType string, parameters map[string]interface{}, at time.Time, repeatInterval time.Duration, maxRepeats int) (*models.ScheduledCommand, error) {
	sched, err := models.NewScheduledCommand(agentID, targets, commandType, parameters, at, repeatInterval, maxRepeats)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	s.logger.Info("command scheduled",
		logging.String("schedule_id", sched.ID),
		logging.String("command_type", commandType),
		logging.Time("scheduled_time", sched.ScheduledTime),
		logging.Int("max_repeats", sched.MaxRepeats))

	return sched, nil
}

// Cancel deactivates a schedule; it never fires again
func (s *Scheduler) Cancel(ctx context.Context, scheduleID string) error {
	if err := s.store.CancelSchedule(ctx, scheduleID); err != nil {
		return err
	}
	s.logger.Info("schedule cancelled", logging.String("schedule_id", scheduleID))
	return nil
}

// Get fetches one schedule
func (s *Scheduler) Get(ctx context.Context, scheduleID string) (*models.ScheduledCommand, error) {
	return s.store.GetSchedule(ctx, scheduleID)
}

// ListActive returns every schedule that can still fire
func (s *Scheduler) ListActive(ctx context.Context) ([]models.ScheduledCommand, error) {
	return s.store.ActiveSchedules(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due schedule once
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler tick failed", logging.Err(err))
		return
	}

	for i := range due {
		sched := &due[i]
		s.fire(ctx, sched, now)
	}
}

// fire dispatches one due schedule. The fire is recorded even when dispatch
// fails, so a permanently broken target cannot wedge the schedule into
// firing every tick.
func (s *Scheduler) fire(ctx context.Context, sched *models.ScheduledCommand, now time.Time) {
	var err error
	if sched.IsBulk() {
		_, err = s.coordinator.Create(ctx, sched.CommandType, sched.TargetAgents, sched.Parameters)
	} else {
		_, err = s.dispatcher.Send(ctx, sched.AgentID, sched.CommandType, sched.Parameters)
	}
	if err != nil {
		s.logger.Warn("scheduled dispatch failed",
			logging.String("schedule_id", sched.ID),
			logging.String("command_type", sched.CommandType),
			logging.Err(err))
	}

	sched.RecordFire(now)
	if err := s.store.SaveSchedule(ctx, sched); err != nil {
		s.logger.Error("failed to record schedule fire",
			logging.String("schedule_id", sched.ID),
			logging.Err(err))
		return
	}

	s.collector.IncrementCounter(metrics.ScheduleFires.Name,
		metrics.Labels("command_type", sched.CommandType))
	s.logger.Info("schedule fired",
		logging.String("schedule_id", sched.ID),
		logging.Int("repeats_done", sched.RepeatsDone),
		logging.Int("max_repeats", sched.MaxRepeats))
}
