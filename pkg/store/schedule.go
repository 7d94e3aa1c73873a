package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/fleetor/fleetor/pkg/models"
)

// CreateSchedule persists a new scheduled command
func (s *Store) CreateSchedule(ctx context.Context, sched *models.ScheduledCommand) error {
	rec := scheduleToRecord(sched)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create schedule %s: %w", sched.ID, err)
	}
	return nil
}

// GetSchedule fetches a scheduled command by id
func (s *Store) GetSchedule(ctx context.Context, id string) (*models.ScheduledCommand, error) {
	var rec ScheduleRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule %s: %w", id, err)
	}
	sched := rec.toModel()
	return &sched, nil
}

// SaveSchedule writes back fire bookkeeping after a dispatch
func (s *Store) SaveSchedule(ctx context.Context, sched *models.ScheduledCommand) error {
	rec := scheduleToRecord(sched)
	res := s.db.WithContext(ctx).Model(&ScheduleRecord{}).Where("id = ?", sched.ID).
		Select("scheduled_time", "repeats_done", "cancelled", "last_fired_at").
		Updates(rec)
	if res.Error != nil {
		return fmt.Errorf("failed to save schedule %s: %w", sched.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CancelSchedule marks an entry cancelled. Already cancelled entries are a
// conflict; entries that have fired max_repeats times are exhausted.
func (s *Store) CancelSchedule(ctx context.Context, id string) error {
	sched, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched.Cancelled {
		return fmt.Errorf("schedule %s already cancelled: %w", id, models.ErrConflict)
	}
	if sched.Exhausted() {
		return fmt.Errorf("schedule %s already fired %d times: %w", id, sched.RepeatsDone, models.ErrExhausted)
	}

	res := s.db.WithContext(ctx).Model(&ScheduleRecord{}).
		Where("id = ? AND cancelled = ?", id, false).
		Update("cancelled", true)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel schedule %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("schedule %s is no longer active: %w", id, models.ErrConflict)
	}
	return nil
}

// DueSchedules returns active entries whose scheduled time has passed
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]models.ScheduledCommand, error) {
	var recs []ScheduleRecord
	err := s.db.WithContext(ctx).
		Where("cancelled = ? AND repeats_done < max_repeats AND scheduled_time <= ?", false, now).
		Order("scheduled_time ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return scheduleModels(recs), nil
}

// ActiveSchedules returns every non-cancelled, non-exhausted entry. Called
// once at startup so pending schedules survive control-plane restarts.
func (s *Store) ActiveSchedules(ctx context.Context) ([]models.ScheduledCommand, error) {
	var recs []ScheduleRecord
	err := s.db.WithContext(ctx).
		Where("cancelled = ? AND repeats_done < max_repeats", false).
		Order("scheduled_time ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active schedules: %w", err)
	}
	return scheduleModels(recs), nil
}

func scheduleModels(recs []ScheduleRecord) []models.ScheduledCommand {
	scheds := make([]models.ScheduledCommand, len(recs))
	for i, rec := range recs {
		scheds[i] = rec.toModel()
	}
	return scheds
}
