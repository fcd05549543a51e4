// Package eventloop drives the strategy over time: it admits gateways whose
// sessions are open, hands the strategy one snapshot per tick, records the
// result and advances the clock, simulated in backtest and wall time live.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/engine"
	"tradeharness/src/model"
	"tradeharness/src/plugins"
	"tradeharness/src/recorder"
	"tradeharness/src/strategy"
)

type Mode string

const (
	ModeBacktest  Mode = "backtest"
	ModeSimulate  Mode = "simulate"
	ModeLivetrade Mode = "livetrade"
)

func ParseMode(v string) (Mode, error) {
	switch Mode(v) {
	case ModeBacktest, ModeSimulate, ModeLivetrade:
		return Mode(v), nil
	}
	return "", model.NewConfigError("TRADING_MODE", "unknown trading mode %q", v)
}

// IsLive reports whether the loop follows the wall clock.
func (m Mode) IsLive() bool {
	return m == ModeSimulate || m == ModeLivetrade
}

type State string

const (
	StateIdle       State = "Idle"
	StateRunning    State = "Running"
	StateTerminated State = "Terminated"
)

type Config struct {
	Mode  Mode
	Step  time.Duration
	Start time.Time
	// End is required in backtest; zero runs a live loop until stopped.
	End            time.Time
	IgnoreOverflow bool
	RunID          string
}

// ExceptionFunc persists a fatal loop error.
type ExceptionFunc func(ctx context.Context, method string, err error, data map[string]interface{})

type Option func(*EventLoop)

// WithClock replaces the wall clock and the sleep used in live mode.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *EventLoop) {
		if now != nil {
			l.now = now
		}
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

func WithRecorder(r *recorder.Recorder) Option {
	return func(l *EventLoop) {
		l.recorder = r
	}
}

// WithPlugins makes the loop send per-tick snapshots to ps and close them on
// exit.
func WithPlugins(ps ...plugins.Plugin) Option {
	return func(l *EventLoop) {
		l.plugins = append(l.plugins, ps...)
	}
}

func WithExceptionHandler(f ExceptionFunc) Option {
	return func(l *EventLoop) {
		l.onException = f
	}
}

type EventLoop struct {
	cfg      Config
	engine   *engine.Engine
	strategy strategy.Strategy
	recorder *recorder.Recorder
	plugins  []plugins.Plugin

	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	onException ExceptionFunc

	mu        sync.Mutex
	state     State
	curTime   time.Time
	overflows int
	stop      chan struct{}
	stopOnce  sync.Once

	log *logger.Entry
}

func New(cfg Config, e *engine.Engine, s strategy.Strategy, opts ...Option) (*EventLoop, error) {
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Step <= 0 {
		return nil, model.NewConfigError("TIME_STEP", "time step must be positive, got %s", cfg.Step)
	}
	if cfg.Mode == ModeBacktest && (cfg.Start.IsZero() || cfg.End.IsZero()) {
		return nil, model.NewConfigError("GATEWAYS", "backtest needs a start and an end")
	}
	if !cfg.End.IsZero() && cfg.End.Before(cfg.Start) {
		return nil, model.NewConfigError("GATEWAYS", "end %s before start %s", cfg.End, cfg.Start)
	}
	if e == nil || s == nil {
		return nil, errors.New("event loop needs an engine and a strategy")
	}

	l := &EventLoop{
		cfg:      cfg,
		engine:   e,
		strategy: s,
		now:      time.Now,
		sleep:    sleepCtx,
		state:    StateIdle,
		stop:     make(chan struct{}),
		log: logger.WithFields(map[string]interface{}{
			"component": "eventloop",
			"mode":      cfg.Mode,
			"run_id":    cfg.RunID,
		}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Stop asks the loop to exit after the current iteration.
func (l *EventLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *EventLoop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CurrentTime is the loop clock of the running or last iteration.
func (l *EventLoop) CurrentTime() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curTime
}

// Overflows counts live iterations that took longer than one step.
func (l *EventLoop) Overflows() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.overflows
}

func (l *EventLoop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *EventLoop) setTime(t time.Time) {
	l.mu.Lock()
	l.curTime = t
	l.mu.Unlock()
}

func (l *EventLoop) stopped(ctx context.Context) bool {
	select {
	case <-l.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run blocks until the end of the window, Stop, ctx cancellation or a fatal
// error. Gateways are closed and results flushed on every exit path.
func (l *EventLoop) Run(ctx context.Context) error {
	l.setState(StateRunning)

	if err := l.init(); err != nil {
		return l.fail(ctx, "Init", err)
	}

	cur := l.cfg.Start
	if cur.IsZero() {
		cur = l.now()
	}
	names := l.engine.GatewayNames()

	// Live sleeps end early on Stop.
	wait, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		select {
		case <-l.stop:
			cancelWait()
		case <-wait.Done():
		}
	}()

	for {
		if !l.cfg.End.IsZero() && cur.After(l.cfg.End) {
			break
		}
		if l.stopped(ctx) {
			l.log.WithField("op", "Run").Info("Stop requested")
			break
		}
		l.setTime(cur)

		admitted, jump, ok := l.admit(names, cur)
		if len(admitted) == 0 {
			if !l.cfg.Mode.IsLive() {
				if !ok {
					break
				}
				cur = jump
				continue
			}
			if err := l.sleep(wait, jump.Sub(cur)); err != nil {
				break
			}
			cur = l.now()
			continue
		}

		began := l.now()
		if err := l.tick(ctx, admitted, cur); err != nil {
			return l.fail(ctx, "Run", err)
		}

		if l.cfg.Mode.IsLive() {
			elapsed := l.now().Sub(began)
			if elapsed > l.cfg.Step {
				if err := l.overflow(ctx, admitted, cur, elapsed); err != nil {
					return l.fail(ctx, "Run", err)
				}
			}
			if l.stopped(ctx) {
				continue
			}
			if err := l.sleep(wait, l.cfg.Step-elapsed); err != nil {
				continue
			}
			cur = l.now()
			continue
		}
		cur = cur.Add(l.cfg.Step)
	}

	return l.finish(ctx)
}

// init subscribes every gateway, runs the strategy hook and copies venue
// accounts into the portfolios.
func (l *EventLoop) init() error {
	for _, name := range l.engine.GatewayNames() {
		g, err := l.engine.Gateway(name)
		if err != nil {
			return err
		}
		if err := g.Subscribe(); err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
	}
	if err := l.strategy.InitStrategy(); err != nil {
		return fmt.Errorf("init strategy: %w", err)
	}
	for _, name := range l.engine.GatewayNames() {
		if err := l.engine.SyncBrokerBalance(name); err != nil {
			return fmt.Errorf("sync balance of %s: %w", name, err)
		}
		if err := l.engine.SyncBrokerPosition(name); err != nil {
			return fmt.Errorf("sync positions of %s: %w", name, err)
		}
		bal, err := l.engine.GetBalance(name)
		if err != nil {
			return err
		}
		rows, err := l.engine.GetAllPositions(name)
		if err != nil {
			return err
		}
		l.log.WithFields(map[string]interface{}{
			"op":        "Init",
			"gateway":   name,
			"cash":      bal.Cash,
			"positions": len(rows),
		}).Info("Portfolio loaded")
	}
	return nil
}

// admit stamps every gateway with cur and returns those with at least one
// security in session, plus the earliest time worth waking up at when none
// is. ok is false when no gateway will trade again.
func (l *EventLoop) admit(names []string, cur time.Time) (admitted []string, jump time.Time, ok bool) {
	for _, name := range names {
		g, _ := l.engine.Gateway(name)
		g.SetMarketDatetime(cur)
		open := false
		for _, sec := range g.Securities() {
			if g.IsTradingTime(cur, sec) {
				open = true
				break
			}
		}
		if open {
			admitted = append(admitted, name)
		}
	}
	if len(admitted) > 0 {
		return admitted, time.Time{}, true
	}

	if l.cfg.Mode.IsLive() {
		return nil, cur.Add(l.cfg.Step), true
	}
	for _, name := range names {
		g, _ := l.engine.Gateway(name)
		for _, sec := range g.Securities() {
			next, found := g.NextTradingDatetime(cur, sec)
			if !found || !next.After(cur) {
				continue
			}
			if !ok || next.Before(jump) {
				jump, ok = next, true
			}
		}
	}
	if ok {
		l.log.WithFields(map[string]interface{}{"op": "admit", "from": cur, "to": jump}).Debug("No session open, jumping")
	}
	return nil, jump, ok
}

func (l *EventLoop) tick(ctx context.Context, admitted []string, cur time.Time) error {
	data := make(model.MarketData, len(admitted))
	for _, name := range admitted {
		if err := l.engine.ReconcileDeals(name); err != nil {
			return err
		}
		g, _ := l.engine.Gateway(name)
		per := make(map[model.Security]*model.CompositeData, len(g.Securities()))
		for _, sec := range g.Securities() {
			cd, err := l.engine.GetRecentData(name, sec)
			if err != nil {
				return fmt.Errorf("recent data %s %s: %w", name, sec.Code, err)
			}
			per[sec] = cd
		}
		data[name] = per
	}

	if err := l.strategy.OnBar(data); err != nil {
		return fmt.Errorf("on_bar at %s: %w", cur.Format(time.DateTime), err)
	}

	for _, name := range admitted {
		if err := l.engine.ReconcileDeals(name); err != nil {
			return err
		}
		if l.recorder != nil {
			if err := l.recorder.Record(name, l.strategy); err != nil {
				return err
			}
		}
		l.publish(ctx, name, cur, false)
	}
	return nil
}

func (l *EventLoop) publish(ctx context.Context, name string, cur time.Time, overflow bool) {
	if len(l.plugins) == 0 {
		return
	}
	value, err := l.engine.PortfolioValue(name)
	if err != nil {
		l.log.WithError(err).WithField("gateway", name).Warn("No snapshot for plugins")
		return
	}
	bal, _ := l.engine.GetBalance(name)
	rows, _ := l.engine.GetAllPositions(name)
	t := plugins.Tick{
		RunID:          l.cfg.RunID,
		Time:           cur,
		Gateway:        name,
		PortfolioValue: value,
		Balance:        bal,
		Positions:      rows,
		Overflow:       overflow,
	}
	for _, p := range l.plugins {
		p.OnTick(ctx, t)
	}
}

func (l *EventLoop) overflow(ctx context.Context, admitted []string, cur time.Time, elapsed time.Duration) error {
	l.mu.Lock()
	l.overflows++
	l.mu.Unlock()

	log := l.log.WithFields(map[string]interface{}{
		"op":      "Run",
		"at":      cur,
		"elapsed": elapsed.String(),
		"step":    l.cfg.Step.String(),
	})
	for _, name := range admitted {
		l.publish(ctx, name, cur, true)
	}
	if l.cfg.IgnoreOverflow {
		log.Warn("Iteration overran the time step")
		return nil
	}
	return fmt.Errorf("%w: iteration at %s took %s, step is %s",
		model.ErrTimestepOverflow, cur.Format(time.DateTime), elapsed, l.cfg.Step)
}

func (l *EventLoop) finish(ctx context.Context) error {
	var errs []error
	if err := l.engine.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	if l.recorder != nil {
		if err := l.recorder.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	plugins.CloseAll(l.plugins)
	l.setState(StateTerminated)

	l.log.WithFields(map[string]interface{}{"op": "Run", "at": l.CurrentTime()}).Info("Loop terminated")
	return errors.Join(errs...)
}

// fail closes everything and reports err, which is always returned.
func (l *EventLoop) fail(ctx context.Context, method string, err error) error {
	l.log.WithError(err).WithFields(map[string]interface{}{"op": method, "at": l.CurrentTime()}).Error("Loop stopped on fatal error")
	if cerr := l.finish(ctx); cerr != nil {
		l.log.WithError(cerr).Warn("Shutdown after fatal error was not clean")
	}
	if l.onException != nil {
		l.onException(ctx, method, err, map[string]interface{}{
			"run_id": l.cfg.RunID,
			"at":     l.CurrentTime(),
		})
	}
	return err
}
