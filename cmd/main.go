package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"gopkg.in/natefinch/lumberjack.v2"

	"tradeharness/cmd/backtest"
	"tradeharness/cmd/fetchbars"
	"tradeharness/cmd/live"
)

var Version string

func main() {
	SetupLogger()
	defer handlePanic()

	app := cli.NewApp()
	app.Name = "tradeharness"
	app.Usage = "Event-driven multi-venue trading harness"
	app.Version = Version

	app.Commands = []cli.Command{
		backtestCMD,
		liveCMD,
		fetchBarsCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	backtestCMD = cli.Command{
		Name:        "backtest",
		Usage:       "run a backtest",
		Action:      backtestAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Replay the configured history through the strategy and write the results`,
	}
	liveCMD = cli.Command{
		Name:        "live",
		Usage:       "run against live venues",
		Action:      liveAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the strategy in simulate or live mode and serve the control routes`,
	}
	fetchBarsCMD = cli.Command{
		Name:        "fetch_bars",
		Usage:       "download binance klines",
		Action:      fetchBarsAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Download klines into the daily CSV files replayed by backtests`,
	}
)

type logConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" default:"text"`
	File       string `envconfig:"LOG_FILE"`
	MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"10"`
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	MaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"28"`
}

// SetupLogger reads LOG_LEVEL and LOG_FORMAT and, when LOG_FILE is set, also
// writes to a rotated file.
func SetupLogger() {
	var config logConfig
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}

	level, err := logrus.ParseLevel(strings.ToLower(config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(config.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	if config.File == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(config.File), 0o755); err != nil {
		logrus.WithError(err).Warn("Log directory unavailable, logging to stderr only")
		return
	}
	fileLogger := &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSizeMB,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAgeDays,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, fileLogger))
}

func backtestAction(_ *cli.Context) error {
	logrus.Info("Starting backtest CMD")

	bt := &backtest.Backtest{}
	if err := bt.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func liveAction(_ *cli.Context) error {
	logrus.Info("Starting live CMD")

	lv := &live.Live{}
	if err := lv.Start(); err != nil {
		logrus.WithError(err).Error("Starting cmd")
		return err
	}
	return nil
}

func fetchBarsAction(_ *cli.Context) error {
	logrus.Info("Starting fetch bars CMD")

	fb := &fetchbars.FetchBars{
		Log: logrus.WithField("cmd", "fetch_bars"),
	}
	if err := fb.Start(); err != nil {
		logrus.WithError(err).Error("Starting fetch bars cmd")
		return err
	}
	return nil
}

func handlePanic() {
	if r := recover(); r != nil {
		logrus.WithError(fmt.Errorf("%+v", r)).Error("tradeharness panic")
		//nolint
		time.Sleep(time.Second * 5)
		os.Exit(2)
	}
}
