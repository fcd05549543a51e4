package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tradeharness/src/database/migrations"
	"tradeharness/src/model"
)

const sqlitePrefix = "sqlite://"

// MainDB is the journal database shared by the repositories.
var MainDB *gorm.DB

// InitMainDB opens DATABASE_URL_MAIN and migrates the journal schema. It is
// called once at startup when ENABLE_DB is set.
func InitMainDB() error {
	config := GetConfig()
	db, err := Open(config.DatabaseURLMain, config)
	if err != nil {
		return err
	}
	if err := Migrate(db); err != nil {
		return err
	}

	// Assign to the global variable only after a successful migration.
	MainDB = db
	logrus.Info("[database] MainDB ready")
	return nil
}

// Open connects to postgres, or to sqlite when the URL starts with sqlite://.
func Open(url string, config Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.LogLevel(config.GormLogLevel)),
	}

	var dialector gorm.Dialector
	if strings.HasPrefix(url, sqlitePrefix) {
		path := strings.TrimPrefix(url, sqlitePrefix)
		if dir := filepath.Dir(path); path != "" && !strings.HasPrefix(path, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	} else {
		dialector = postgres.Open(url)
	}

	db, err := gorm.Open(dialector, gcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB from GORM: %w", err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(1 * time.Hour)

	logrus.WithField("driver", db.Dialector.Name()).Info("[database] connection established")
	return db, nil
}

// Migrate creates the journal tables and runs the data migrations.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.OrderLog{},
		&model.DealLog{},
		&model.Exception{},
		&migrations.DataMigration{},
	); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("failed to run data migrations: %w", err)
	}
	logrus.Info("[database] migrations completed")
	return nil
}
