// Package migrations applies journal changes that AutoMigrate cannot express.
package migrations

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DataMigration records one applied migration.
type DataMigration struct {
	ID        string    `gorm:"primaryKey;size:200;column:id"`
	AppliedAt time.Time `gorm:"not null;column:applied_at"`
}

func (DataMigration) TableName() string { return "data_migrations" }

// Migration is an idempotent change identified by a stable, sortable id.
type Migration struct {
	ID string
	Up func(tx *gorm.DB) error
}

// Journal lists the journal migrations in apply order. Append only.
var Journal = []Migration{
	{
		ID: "00001_order_logs_run_order_index",
		Up: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_order_logs_run_order ON order_logs (run_id, order_id)`).Error
		},
	},
	{
		ID: "00002_exceptions_run_level_index",
		Up: func(tx *gorm.DB) error {
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_exceptions_run_level ON exceptions (run_id, level)`).Error
		},
	},
}

// Run applies the journal migrations.
func Run(db *gorm.DB) error {
	_, err := Apply(db, Journal)
	return err
}

// Apply runs every migration whose id is not yet recorded, each in its own
// transaction, and returns the ids it ran.
func Apply(db *gorm.DB, ms []Migration) ([]string, error) {
	if db == nil {
		return nil, nil
	}
	if err := db.AutoMigrate(&DataMigration{}); err != nil {
		return nil, fmt.Errorf("data migrations table: %w", err)
	}

	var done []string
	if err := db.Model(&DataMigration{}).Pluck("id", &done).Error; err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(done))
	for _, id := range done {
		applied[id] = true
	}

	var ran []string
	seen := make(map[string]bool, len(ms))
	for _, m := range ms {
		if m.ID == "" || m.Up == nil {
			return ran, fmt.Errorf("migration %q is incomplete", m.ID)
		}
		if seen[m.ID] {
			return ran, fmt.Errorf("migration %q listed twice", m.ID)
		}
		seen[m.ID] = true
		if applied[m.ID] {
			continue
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.Up(tx); err != nil {
				return err
			}
			return tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&DataMigration{ID: m.ID, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return ran, fmt.Errorf("migration %q: %w", m.ID, err)
		}
		ran = append(ran, m.ID)
	}
	return ran, nil
}
