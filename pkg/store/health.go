package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fleetor/fleetor/pkg/models"
)

// SaveHealthSnapshot appends one scored health sample
func (s *Store) SaveHealthSnapshot(ctx context.Context, snap models.HealthSnapshot) error {
	rec := healthToRecord(snap)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to save health snapshot for %s: %w", snap.AgentID, err)
	}
	return nil
}

// LatestHealthSnapshot returns an agent's most recent sample
func (s *Store) LatestHealthSnapshot(ctx context.Context, agentID string) (*models.HealthSnapshot, error) {
	var rec HealthRecord
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("timestamp DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health snapshot for %s: %w", agentID, err)
	}
	snap := rec.toModel()
	return &snap, nil
}

// RecentHealthSnapshots returns an agent's latest samples newest-first
func (s *Store) RecentHealthSnapshots(ctx context.Context, agentID string, limit int) ([]models.HealthSnapshot, error) {
	var recs []HealthRecord
	q := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list health snapshots for %s: %w", agentID, err)
	}
	snaps := make([]models.HealthSnapshot, len(recs))
	for i, rec := range recs {
		snaps[i] = rec.toModel()
	}
	return snaps, nil
}
