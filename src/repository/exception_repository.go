package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeharness/src/database"
	"tradeharness/src/model"
)

// ExceptionRepository handles persistence of system exceptions.
type ExceptionRepository struct {
	db *gorm.DB
}

// NewExceptionRepository creates a new repository instance.
func NewExceptionRepository() *ExceptionRepository {
	return &ExceptionRepository{
		db: database.MainDB,
	}
}

func (r *ExceptionRepository) WithDB(db *gorm.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// Create persists a new exception in the database.
func (r *ExceptionRepository) Create(
	ctx context.Context,
	exc *model.Exception,
) error {

	logger.WithFields(map[string]interface{}{
		"service": exc.Service,
		"module":  exc.Module,
		"method":  exc.Method,
		"level":   exc.Level,
		"run_id":  exc.RunID,
	}).Error("Persisting system exception")

	return r.db.WithContext(ctx).Create(exc).Error
}

// FindByRun lists the exceptions of a run, newest first.
func (r *ExceptionRepository) FindByRun(
	ctx context.Context,
	runID string,
) ([]model.Exception, error) {

	var out []model.Exception
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC, id DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
