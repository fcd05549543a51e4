// Package bootstrap assembles a run from configuration: gateways, portfolios,
// plug-ins, the strategy, the recorder and the event loop.
package bootstrap

import (
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradeharness/src/calendar"
	"tradeharness/src/config"
	"tradeharness/src/controller"
	"tradeharness/src/database"
	"tradeharness/src/engine"
	"tradeharness/src/eventloop"
	"tradeharness/src/fees"
	"tradeharness/src/gateway"
	"tradeharness/src/gateway/backtest"
	"tradeharness/src/gateway/rest"
	"tradeharness/src/plugins"
	"tradeharness/src/recorder"
	"tradeharness/src/repository"
	"tradeharness/src/strategy"
)

// Harness is a fully wired run, ready for Loop.Run.
type Harness struct {
	Config   config.Config
	Engine   *engine.Engine
	Strategy strategy.Strategy
	Recorder *recorder.Recorder
	Plugins  []plugins.Plugin
	Loop     *eventloop.EventLoop

	// Exceptions is nil when persistence is disabled.
	Exceptions *repository.ExceptionRepository
}

// Deps carries what the caller resolved outside the harness configuration.
// DB may be nil when persistence is disabled.
type Deps struct {
	DB       *gorm.DB
	Strategy strategy.Config
	Plugins  plugins.Config
	// LoopOptions are appended after the defaults, e.g. a test clock.
	LoopOptions []eventloop.Option
}

// Build wires a harness. Any gateway already built is closed on error.
func Build(cfg config.Config, deps Deps) (*Harness, error) {
	log := logger.WithFields(map[string]interface{}{
		"component": "bootstrap",
		"run_id":    cfg.RunID,
	})

	gateways := make(map[string]gateway.Gateway, len(cfg.Gateways))
	feeFuncs := make(map[string]fees.FeeFunc, len(cfg.Gateways))
	closeAll := func() {
		for name, g := range gateways {
			if err := g.Close(); err != nil {
				log.WithError(err).WithField("gateway", name).Warn("Gateway close failed")
			}
		}
	}

	for _, name := range cfg.GatewayNames() {
		rec, ok := cfg.Records[name]
		if !ok {
			closeAll()
			return nil, fmt.Errorf("gateway %s: no record", name)
		}
		g, err := buildGateway(cfg, name, rec)
		if err != nil {
			closeAll()
			return nil, err
		}
		gateways[name] = g
		opts, err := rec.PortfolioOptions()
		if err != nil {
			closeAll()
			return nil, err
		}
		feeFuncs[name] = opts.Fees
	}

	ps, err := plugins.Activate(cfg.ActivatedPlugins, plugins.Deps{
		RunID:  cfg.RunID,
		DB:     deps.DB,
		Fees:   feeFuncs,
		Config: deps.Plugins,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	e := engine.New(gateways, engine.WithPlugins(ps...))
	for _, name := range e.GatewayNames() {
		rec := cfg.Records[name]
		opts, _ := rec.PortfolioOptions()
		if err := e.InitPortfolio(name, rec.Cash, opts); err != nil {
			plugins.CloseAll(ps)
			closeAll()
			return nil, err
		}
	}

	s, err := strategy.New(e, deps.Strategy)
	if err != nil {
		plugins.CloseAll(ps)
		closeAll()
		return nil, err
	}

	rec, err := recorder.New(cfg.ResultsPath, cfg.RunID, RecordedFields(deps.Strategy.Name), e.GatewayNames())
	if err != nil {
		plugins.CloseAll(ps)
		closeAll()
		return nil, err
	}

	loopCfg, err := loopConfig(cfg)
	if err != nil {
		plugins.CloseAll(ps)
		closeAll()
		return nil, err
	}
	opts := []eventloop.Option{
		eventloop.WithRecorder(rec),
		eventloop.WithPlugins(ps...),
	}
	var repo *repository.ExceptionRepository
	if deps.DB != nil {
		repo = repository.NewExceptionRepository().WithDB(deps.DB)
		opts = append(opts, eventloop.WithExceptionHandler(controller.ExceptionHandler(repo, "eventloop")))
	}
	opts = append(opts, deps.LoopOptions...)

	loop, err := eventloop.New(loopCfg, e, s, opts...)
	if err != nil {
		plugins.CloseAll(ps)
		closeAll()
		return nil, err
	}

	log.WithFields(map[string]interface{}{
		"gateways": e.GatewayNames(),
		"plugins":  cfg.ActivatedPlugins,
		"mode":     cfg.TradingMode,
		"strategy": deps.Strategy.Name,
	}).Info("Harness ready")

	return &Harness{
		Config:     cfg,
		Engine:     e,
		Strategy:   s,
		Recorder:   rec,
		Plugins:    ps,
		Loop:       loop,
		Exceptions: repo,
	}, nil
}

// RecordedFields lists the recorder columns a strategy declares on top of
// datetime and portfolio_value.
func RecordedFields(strategyName string) []recorder.Field {
	switch strategyName {
	case strategy.NameSMACross:
		return []recorder.Field{
			{Name: "fast_sma", Mode: recorder.Append},
			{Name: "slow_sma", Mode: recorder.Append},
			{Name: strategy.FieldAction, Mode: recorder.Override},
		}
	}
	return []recorder.Field{{Name: strategy.FieldAction, Mode: recorder.Override}}
}

func buildGateway(cfg config.Config, name string, rec config.GatewayRecord) (gateway.Gateway, error) {
	secs, err := rec.SecurityList()
	if err != nil {
		return nil, err
	}
	loc, err := rec.Location()
	if err != nil {
		return nil, err
	}
	start, end, err := rec.Window()
	if err != nil {
		return nil, err
	}
	sessions, err := rec.SessionList()
	if err != nil {
		return nil, err
	}
	days, err := rec.DayFilter()
	if err != nil {
		return nil, err
	}

	switch cfg.Gateways[name] {
	case config.KindBacktest:
		g, err := backtest.New(backtest.Config{
			Name:             name,
			Securities:       secs,
			Location:         loc,
			Start:            start,
			End:              end,
			Step:             cfg.Step(),
			Sessions:         sessions,
			SecuritySessions: rec.SecuritySessions(),
			DayFilter:        days,
			DataPath:         cfg.DataPath,
			DataModel:        cfg.DataModel,
			FFill:            cfg.DataFFill,
			BarConvention:    cfg.BarConvention,
			OrderTimeout:     cfg.OrderTimeout,
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	case config.KindREST:
		opts := []calendar.Option{
			calendar.WithLocation(loc),
			calendar.WithWindow(start, end),
			calendar.WithStep(cfg.Step()),
			calendar.WithSessions(sessions),
		}
		byCode := rec.SecuritySessions()
		for _, sec := range secs {
			if s, ok := byCode[sec.Code]; ok {
				opts = append(opts, calendar.WithSecuritySessions(sec, s))
			}
		}
		if days != nil {
			opts = append(opts, calendar.WithDayFilter(days))
		}
		g, err := rest.New(rest.Config{
			Name:         name,
			Securities:   secs,
			Calendar:     calendar.New(opts...),
			BaseURL:      rec.BaseURL,
			StreamURL:    rec.StreamURL,
			APIKey:       rec.APIKey,
			APISecret:    rec.APISecret,
			OrderTimeout: cfg.OrderTimeout,
			Retries:      rec.RetryCount(),
		})
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return nil, fmt.Errorf("gateway %s: unknown kind %q", name, cfg.Gateways[name])
}

// loopConfig spans the union of the gateway windows. Live runs start now
// and only stop at an explicit end.
func loopConfig(cfg config.Config) (eventloop.Config, error) {
	lc := eventloop.Config{
		Mode:           cfg.Mode(),
		Step:           cfg.Step(),
		IgnoreOverflow: cfg.IgnoreTimestepOverflow,
		RunID:          cfg.RunID,
	}
	var start, end time.Time
	for _, name := range cfg.GatewayNames() {
		s, e, err := cfg.Records[name].Window()
		if err != nil {
			return lc, err
		}
		if !s.IsZero() && (start.IsZero() || s.Before(start)) {
			start = s
		}
		if !e.IsZero() && (end.IsZero() || e.After(end)) {
			end = e
		}
	}
	if !lc.Mode.IsLive() {
		lc.Start = start
	}
	lc.End = end
	return lc, nil
}

// FromEnv resolves the harness, strategy and plug-in configuration from the
// environment and opens the journal database when ENABLE_DB is set.
func FromEnv() (*Harness, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	deps := Deps{
		Strategy: strategy.GetConfig(),
		Plugins:  plugins.GetConfig(),
	}
	if database.GetConfig().EnableDB {
		if err := database.InitMainDB(); err != nil {
			return nil, fmt.Errorf("journal database: %w", err)
		}
		deps.DB = database.MainDB
	}
	return Build(cfg, deps)
}
