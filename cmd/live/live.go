package live

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"tradeharness/src/bootstrap"
	"tradeharness/src/server"
)

// Live runs the loop against the configured venues and serves the control
// routes until a signal, a /stop request or a fatal loop error.
type Live struct{}

func (Live) Start() error {
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

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	config := server.GetConfig()
	serverErr := make(chan error, 1)
	go func() {
		err := server.StartServer(serverCtx, config, server.NewRouter(h.Engine, h.Loop, config,
			server.WithExceptions(h.Exceptions, h.Config.RunID)))
		if err != nil {
			h.Loop.Stop()
		}
		serverErr <- err
	}()

	logrus.WithFields(logrus.Fields{
		"run_id":   h.Config.RunID,
		"mode":     h.Config.TradingMode,
		"gateways": h.Config.GatewayNames(),
		"port":     config.Port,
	}).Info("Starting live loop")

	loopErr := h.Loop.Run(ctx)
	stopServer()
	if err := <-serverErr; err != nil {
		logrus.WithError(err).Error("Control server failed")
		loopErr = errors.Join(loopErr, err)
	}
	if loopErr != nil {
		logrus.WithError(loopErr).Error("Live loop failed")
		return loopErr
	}

	logrus.WithField("run_id", h.Config.RunID).Info("Live loop finished")
	return nil
}
