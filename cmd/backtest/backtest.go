package backtest

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"tradeharness/src/bootstrap"
)

// Backtest replays the configured history once and writes the results.
type Backtest struct{}

func (Backtest) Start() error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	h, err := bootstrap.FromEnv()
	if err != nil {
		logrus.WithError(err).Error("Failed to build harness")
		return err
	}
	if h.Config.Mode().IsLive() {
		logrus.WithField("mode", h.Config.TradingMode).Warn("backtest command started with a live TRADING_MODE")
	}

	logrus.WithFields(logrus.Fields{
		"run_id":   h.Config.RunID,
		"gateways": h.Config.GatewayNames(),
	}).Info("Starting backtest")

	if err := h.Loop.Run(ctx); err != nil {
		logrus.WithError(err).Error("Backtest failed")
		return err
	}

	logrus.WithFields(logrus.Fields{
		"run_id":  h.Config.RunID,
		"results": h.Config.ResultsPath,
	}).Info("Backtest finished")
	return nil
}
