// Package journal persists every issued stop/continue transition to a local
// sqlite database for later inspection.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultDBName = "journal.db"
	defaultDBDir  = ".local/share/ffsuspend"
)

// Transition records one issued state change for a monitored program.
type Transition struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Program string `gorm:"not null;index" json:"program"`
	From    string `gorm:"not null" json:"from"`
	To      string `gorm:"not null" json:"to"`
	// Reason is what prompted the transition: reconcile, shutdown, control,
	// or reload.
	Reason string `gorm:"not null" json:"reason"`
	// Forced marks transitions issued regardless of tracked state, such as
	// the shutdown force-continue.
	Forced bool `gorm:"not null;default:false" json:"forced"`
	// SignalError holds the swallowed signal failure, if any. The tracked
	// state advanced regardless.
	SignalError string    `json:"signalError,omitempty"`
	Timestamp   time.Time `gorm:"not null;index" json:"timestamp"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"-"`
}

// Store wraps the sqlite-backed transition journal.
type Store struct {
	db *gorm.DB
}

// DefaultPath returns the default database location, creating its directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, defaultDBDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create journal directory: %w", err)
	}
	return filepath.Join(dir, defaultDBName), nil
}

// Open opens (or creates) the journal database and migrates its schema.
func Open(path string) (*Store, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if err := db.AutoMigrate(&Transition{}); err != nil {
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one transition.
func (s *Store) Record(t *Transition) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	if result := s.db.Create(t); result.Error != nil {
		return errors.Wrap(result.Error, "failed to insert transition")
	}
	return nil
}

// Recent returns the newest transitions, most recent first. An empty program
// selects all programs.
func (s *Store) Recent(program string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 20
	}
	q := s.db.Order("timestamp DESC").Limit(limit)
	if program != "" {
		q = q.Where("program = ?", program)
	}
	var transitions []Transition
	if result := q.Find(&transitions); result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to query transitions")
	}
	return transitions, nil
}

// PruneOlderThan deletes transitions older than the cutoff and reports how
// many rows were removed.
func (s *Store) PruneOlderThan(cutoff time.Time) (int64, error) {
	result := s.db.Where("timestamp < ?", cutoff).Delete(&Transition{})
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to prune transitions")
	}
	return result.RowsAffected, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("unwrap sql.DB: %w", err)
	}
	return sqlDB.Close()
}
