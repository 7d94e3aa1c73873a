package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/fleetor/fleetor/pkg/models"
)

// CreateBulkOperation persists a new bulk fan-out
func (s *Store) CreateBulkOperation(ctx context.Context, op *models.BulkOperation) error {
	rec := bulkToRecord(op)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create bulk operation %s: %w", op.ID, err)
	}
	return nil
}

// GetBulkOperation fetches a bulk operation by id
func (s *Store) GetBulkOperation(ctx context.Context, id string) (*models.BulkOperation, error) {
	var rec BulkOperationRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk operation %s: %w", id, err)
	}
	op := rec.toModel()
	return &op, nil
}

// ListBulkOperations returns bulk operations newest-first
func (s *Store) ListBulkOperations(ctx context.Context, limit int) ([]models.BulkOperation, error) {
	var recs []BulkOperationRecord
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list bulk operations: %w", err)
	}
	ops := make([]models.BulkOperation, len(recs))
	for i, rec := range recs {
		ops[i] = rec.toModel()
	}
	return ops, nil
}

// CreateScript persists a script deployment
func (s *Store) CreateScript(ctx context.Context, script *models.ScriptDeployment) error {
	rec := scriptToRecord(script)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("failed to create script %s: %w", script.ID, err)
	}
	return nil
}

// GetScript fetches a script deployment by id
func (s *Store) GetScript(ctx context.Context, id string) (*models.ScriptDeployment, error) {
	var rec ScriptRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get script %s: %w", id, err)
	}
	script := rec.toModel()
	return &script, nil
}
