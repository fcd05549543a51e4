package plugins

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/fees"
	"tradeharness/src/model"
	"tradeharness/src/repository"
)

func init() {
	Register("journal", NewJournalFromDeps)
}

// Journal writes every order update and every fill of the run to the
// journal tables.
type Journal struct {
	runID   string
	repo    *repository.JournalRepository
	fees    map[string]fees.FeeFunc
	timeout time.Duration
	log     *logger.Entry
}

func NewJournalFromDeps(deps Deps) (Plugin, error) {
	if deps.DB == nil {
		return nil, model.NewConfigError("ENABLE_DB", "journal plugin needs the database")
	}
	return NewJournal(deps.RunID, (&repository.JournalRepository{}).WithDB(deps.DB), deps.Fees, deps.Config.WriteTimeout), nil
}

func NewJournal(runID string, repo *repository.JournalRepository, feeFuncs map[string]fees.FeeFunc, timeout time.Duration) *Journal {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Journal{
		runID:   runID,
		repo:    repo,
		fees:    feeFuncs,
		timeout: timeout,
		log:     logger.WithFields(map[string]interface{}{"component": "plugin", "plugin": "journal"}),
	}
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) OnOrder(gw string, o model.Order) {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	if err := j.repo.CreateOrderLog(ctx, model.NewOrderLog(j.runID, gw, o)); err != nil {
		j.log.WithError(err).WithFields(map[string]interface{}{"gateway": gw, "orderid": o.OrderID}).Warn("Order not journaled")
	}
}

func (j *Journal) OnDeal(gw string, d model.Deal) {
	fee := 0.0
	if f, ok := j.fees[gw]; ok && f != nil {
		fee, _ = f([]model.Deal{d}).Total.Round(8).Float64()
	}
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	inserted, err := j.repo.CreateDealLog(ctx, model.NewDealLog(j.runID, gw, d, fee))
	if err != nil {
		j.log.WithError(err).WithFields(map[string]interface{}{"gateway": gw, "dealid": d.DealID}).Warn("Deal not journaled")
		return
	}
	if !inserted {
		j.log.WithFields(map[string]interface{}{"gateway": gw, "dealid": d.DealID}).Debug("Deal already journaled")
	}
}

func (j *Journal) OnTick(context.Context, Tick) {}

func (j *Journal) Close() error { return nil }
