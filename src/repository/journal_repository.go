package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradeharness/src/database"
	"tradeharness/src/model"
)

// JournalRepository persists order snapshots and fills of a run.
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository creates a new repository instance using the main database.
func NewJournalRepository() *JournalRepository {
	logger.WithField("component", "JournalRepository").
		Info("Creating new JournalRepository with MainDB")

	return &JournalRepository{
		db: database.MainDB,
	}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or when using a specific session/transaction.
func (r *JournalRepository) WithDB(db *gorm.DB) *JournalRepository {
	logger.WithField("component", "JournalRepository").
		Debug("Creating JournalRepository with custom DB instance")

	return &JournalRepository{db: db}
}

// JournalSearchOptions filters journal reads. RunID is required.
type JournalSearchOptions struct {
	RunID   string
	Gateway *string
	OrderID *string
	Limit   int
	Offset  int
}

func (o JournalSearchOptions) apply(q *gorm.DB) *gorm.DB {
	q = q.Where("run_id = ?", o.RunID)
	if o.Gateway != nil {
		q = q.Where("gateway = ?", *o.Gateway)
	}
	if o.OrderID != nil {
		q = q.Where("order_id = ?", *o.OrderID)
	}
	q = q.Order("id ASC")
	if o.Limit > 0 {
		q = q.Limit(o.Limit)
	}
	if o.Offset > 0 {
		q = q.Offset(o.Offset)
	}
	return q
}

// ---------------------------------------------------
// OrderLog methods
// ---------------------------------------------------

// CreateOrderLog appends one order snapshot.
func (r *JournalRepository) CreateOrderLog(
	ctx context.Context,
	entry *model.OrderLog,
) error {

	logger.WithFields(map[string]interface{}{
		"repo":    "JournalRepository",
		"op":      "CreateOrderLog",
		"gateway": entry.Gateway,
		"orderid": entry.OrderID,
		"status":  entry.Status,
	}).Debug("Creating order log")

	err := r.db.WithContext(ctx).Create(entry).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":    "JournalRepository",
			"op":      "CreateOrderLog",
			"orderid": entry.OrderID,
		}).WithError(err).Error("Failed to create order log")

		return err
	}

	return nil
}

// SearchOrderLogs returns snapshots in insertion order.
func (r *JournalRepository) SearchOrderLogs(
	ctx context.Context,
	opts JournalSearchOptions,
) ([]model.OrderLog, error) {

	var logs []model.OrderLog

	err := opts.apply(r.db.WithContext(ctx)).Find(&logs).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "JournalRepository",
			"op":     "SearchOrderLogs",
			"run_id": opts.RunID,
		}).WithError(err).Error("Failed to fetch order logs")

		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":        "JournalRepository",
		"op":          "SearchOrderLogs",
		"run_id":      opts.RunID,
		"rows_return": len(logs),
	}).Debug("Order logs fetched")

	return logs, nil
}

// ---------------------------------------------------
// DealLog methods
// ---------------------------------------------------

// CreateDealLog stores a fill once. It reports false when the dealid was
// already journaled for that gateway.
func (r *JournalRepository) CreateDealLog(
	ctx context.Context,
	entry *model.DealLog,
) (bool, error) {

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry)
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "JournalRepository",
			"op":     "CreateDealLog",
			"dealid": entry.DealID,
		}).WithError(res.Error).Error("Failed to create deal log")

		return false, res.Error
	}

	inserted := res.RowsAffected > 0
	logger.WithFields(map[string]interface{}{
		"repo":     "JournalRepository",
		"op":       "CreateDealLog",
		"gateway":  entry.Gateway,
		"dealid":   entry.DealID,
		"inserted": inserted,
	}).Debug("Deal log written")

	return inserted, nil
}

// SearchDealLogs returns fills in insertion order.
func (r *JournalRepository) SearchDealLogs(
	ctx context.Context,
	opts JournalSearchOptions,
) ([]model.DealLog, error) {

	var logs []model.DealLog

	err := opts.apply(r.db.WithContext(ctx)).Find(&logs).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":   "JournalRepository",
			"op":     "SearchDealLogs",
			"run_id": opts.RunID,
		}).WithError(err).Error("Failed to fetch deal logs")

		return nil, err
	}

	return logs, nil
}
