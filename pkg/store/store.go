package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the durable control-plane state: tasks, command history, bulk
// operations, schedules, scripts and health snapshots. The agent registry is
// deliberately not here; liveness lives in Redis.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) a sqlite-backed store at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return NewStore(db)
}

// NewStore wraps an existing gorm handle and runs migrations
func NewStore(db *gorm.DB) (*Store, error) {
	err := db.AutoMigrate(
		&TaskRecord{},
		&CommandRecord{},
		&ScheduleRecord{},
		&BulkOperationRecord{},
		&ScriptRecord{},
		&HealthRecord{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
