package eventloop

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeharness/src/calendar"
	"tradeharness/src/engine"
	"tradeharness/src/gateway"
	"tradeharness/src/model"
	"tradeharness/src/plugins"
	"tradeharness/src/portfolio"
	"tradeharness/src/recorder"
	"tradeharness/src/strategy"
)

var (
	secX = model.NewStock("X", "x", "SEHK", 100)
	day  = time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)
)

func at(h, m int) time.Time {
	return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type simGateway struct {
	*gateway.Base

	mu        sync.Mutex
	seq       int
	closed    int
	brokerErr error
}

func newSim(t *testing.T, cal *calendar.Calendar) *simGateway {
	t.Helper()
	return &simGateway{Base: gateway.NewBase("sim", []model.Security{secX}, cal, time.Second)}
}

func (g *simGateway) Subscribe() error { return nil }

func (g *simGateway) Close() error {
	g.mu.Lock()
	g.closed++
	g.mu.Unlock()
	return nil
}

func (g *simGateway) PlaceOrder(o model.Order) string {
	g.mu.Lock()
	g.seq++
	o.OrderID = fmt.Sprintf("o%d", g.seq)
	g.mu.Unlock()
	o.Status = model.OrderStatusSubmitted
	g.RegisterOrder(o)
	_ = g.ProcessDeal(model.DealFields{
		DealID:         o.OrderID + "-d",
		OrderID:        o.OrderID,
		UpdateTime:     g.MarketDatetime(),
		FilledAvgPrice: o.Price,
		FilledQuantity: o.Quantity,
	})
	return o.OrderID
}

func (g *simGateway) CancelOrder(id string) { g.MarkCancelled(id) }

func (g *simGateway) GetRecentBar(sec model.Security) (*model.Bar, error) {
	return &model.Bar{Time: g.MarketDatetime(), Security: sec, Open: 10, High: 10, Low: 10, Close: 10}, nil
}

func (g *simGateway) GetRecentBars(model.Security, int) ([]model.Bar, error) { return nil, nil }

func (g *simGateway) GetBrokerBalance() (*model.AccountBalance, error) { return nil, g.brokerErr }

func (g *simGateway) GetAllBrokerPositions() ([]model.PositionData, error) { return nil, nil }

// barSpy records every on_bar time and runs an optional hook.
type barSpy struct {
	*strategy.Base
	times []time.Time
	hook  func(data model.MarketData) error
}

func (p *barSpy) OnBar(data model.MarketData) error {
	t, err := p.GetDatetime("sim")
	if err != nil {
		return err
	}
	p.times = append(p.times, t)
	if p.hook != nil {
		return p.hook(data)
	}
	return nil
}

func sessionCalendar(t *testing.T, start, end time.Time) *calendar.Calendar {
	t.Helper()
	sessions, err := calendar.ParseSessions([]string{"09:30-12:00", "13:00-16:00"})
	require.NoError(t, err)
	return calendar.New(calendar.WithWindow(start, end), calendar.WithStep(time.Minute), calendar.WithSessions(sessions))
}

func setup(t *testing.T, cal *calendar.Calendar) (*simGateway, *engine.Engine, *barSpy) {
	t.Helper()
	g := newSim(t, cal)
	e := engine.New(map[string]gateway.Gateway{"sim": g})
	require.NoError(t, e.InitPortfolio("sim", 10000, portfolio.Options{}))
	return g, e, &barSpy{Base: strategy.NewBase(e)}
}

func TestSessionSkip(t *testing.T) {
	start, end := at(12, 10), at(13, 2)
	g, e, p := setup(t, sessionCalendar(t, start, end))
	rec, err := recorder.New(t.TempDir(), "skip", nil, e.GatewayNames())
	require.NoError(t, err)

	l, err := New(Config{Mode: ModeBacktest, Step: time.Minute, Start: start, End: end, RunID: "skip"}, e, p, WithRecorder(rec))
	require.NoError(t, err)
	require.Equal(t, StateIdle, l.State())
	require.NoError(t, l.Run(context.Background()))

	require.Equal(t, []time.Time{at(13, 0), at(13, 1), at(13, 2)}, p.times)
	assert.Equal(t, StateTerminated, l.State())
	assert.Equal(t, 1, g.closed)

	f, err := os.Open(rec.Path())
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"2021-03-15 13:00:00", "10000"}, rows[1])
}

func TestBacktestEndsWhenNoSessionRemains(t *testing.T) {
	start := at(15, 58)
	_, e, p := setup(t, sessionCalendar(t, start, at(16, 30)))

	l, err := New(Config{Mode: ModeBacktest, Step: time.Minute, Start: start, End: at(23, 0)}, e, p)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []time.Time{at(15, 58), at(15, 59), at(16, 0)}, p.times)
}

func TestAccountingErrorClosesGateways(t *testing.T) {
	start, end := at(13, 0), at(13, 5)
	g, e, p := setup(t, sessionCalendar(t, start, end))
	p.hook = func(model.MarketData) error {
		e.SendOrder("sim", model.Order{Security: secX, Price: 10, Quantity: 100, Direction: model.DirectionLong, Offset: model.OffsetOpen, OrderType: model.OrderTypeLimit})
		e.SendOrder("sim", model.Order{Security: secX, Price: 10, Quantity: 150, Direction: model.DirectionShort, Offset: model.OffsetClose, OrderType: model.OrderTypeLimit})
		return nil
	}

	var captured []string
	l, err := New(Config{Mode: ModeBacktest, Step: time.Minute, Start: start, End: end}, e, p,
		WithExceptionHandler(func(_ context.Context, method string, err error, _ map[string]interface{}) {
			captured = append(captured, method+": "+err.Error())
		}))
	require.NoError(t, err)

	err = l.Run(context.Background())
	var accErr *model.AccountingError
	require.ErrorAs(t, err, &accErr)
	assert.InDelta(t, 100.0, accErr.Held, 1e-9)
	assert.Equal(t, 1, g.closed)
	assert.Len(t, p.times, 1)
	assert.Len(t, captured, 1)
	assert.Equal(t, StateTerminated, l.State())
}

func TestStopEndsAfterIteration(t *testing.T) {
	start, end := at(13, 0), at(14, 0)
	g, e, p := setup(t, sessionCalendar(t, start, end))
	l, err := New(Config{Mode: ModeBacktest, Step: time.Minute, Start: start, End: end}, e, p)
	require.NoError(t, err)
	p.hook = func(model.MarketData) error {
		l.Stop()
		l.Stop()
		return nil
	}

	require.NoError(t, l.Run(context.Background()))
	assert.Len(t, p.times, 1)
	assert.Equal(t, 1, g.closed)
}

func TestBrokerSyncFailureIsFatal(t *testing.T) {
	start, end := at(13, 0), at(13, 5)
	g, e, p := setup(t, sessionCalendar(t, start, end))
	g.brokerErr = errors.New("auth")

	l, err := New(Config{Mode: ModeBacktest, Step: time.Minute, Start: start, End: end}, e, p)
	require.NoError(t, err)
	require.Error(t, l.Run(context.Background()))
	assert.Empty(t, p.times)
	assert.Equal(t, 1, g.closed)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	if d > 0 {
		c.Advance(d)
	}
	return nil
}

func TestTimestepOverflow(t *testing.T) {
	tests := []struct {
		name      string
		ignore    bool
		wantErr   bool
		wantTicks int
	}{
		{"fatal", false, true, 1},
		{"tolerated", true, false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start := at(10, 0)
			clk := &fakeClock{t: start}
			_, e, p := setup(t, nil)
			p.hook = func(model.MarketData) error {
				clk.Advance(2 * time.Minute)
				return nil
			}

			l, err := New(Config{Mode: ModeSimulate, Step: time.Minute, End: start.Add(5 * time.Minute), IgnoreOverflow: tt.ignore}, e, p,
				WithClock(clk.Now, clk.Sleep))
			require.NoError(t, err)

			err = l.Run(context.Background())
			if tt.wantErr {
				require.ErrorIs(t, err, model.ErrTimestepOverflow)
			} else {
				require.NoError(t, err)
			}
			assert.Len(t, p.times, tt.wantTicks)
			assert.Equal(t, tt.wantTicks, l.Overflows())
		})
	}
}

func TestLiveLoopSleepsOneStep(t *testing.T) {
	start := at(10, 0)
	clk := &fakeClock{t: start}
	_, e, p := setup(t, nil)

	l, err := New(Config{Mode: ModeLivetrade, Step: time.Minute, End: start.Add(2 * time.Minute)}, e, p, WithClock(clk.Now, clk.Sleep))
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []time.Time{start, start.Add(time.Minute), start.Add(2 * time.Minute)}, p.times)
	assert.Zero(t, l.Overflows())
}

type tickPlugin struct {
	mu     sync.Mutex
	ticks  []plugins.Tick
	closed bool
}

func (p *tickPlugin) Name() string { return "ticks" }

func (p *tickPlugin) OnOrder(string, model.Order) {}

func (p *tickPlugin) OnDeal(string, model.Deal) {}

func (p *tickPlugin) Close() error {
	p.closed = true
	return nil
}

func (p *tickPlugin) OnTick(_ context.Context, t plugins.Tick) {
	p.mu.Lock()
	p.ticks = append(p.ticks, t)
	p.mu.Unlock()
}

func TestPluginsReceiveTicks(t *testing.T) {
	start, end := at(13, 0), at(13, 1)
	_, e, p := setup(t, sessionCalendar(t, start, end))
	tp := &tickPlugin{}

	l, err := New(Config{Mode: ModeBacktest, Step: time.Minute, Start: start, End: end, RunID: "r1"}, e, p, WithPlugins(tp))
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background()))

	require.Len(t, tp.ticks, 2)
	assert.Equal(t, "r1", tp.ticks[0].RunID)
	assert.Equal(t, "sim", tp.ticks[0].Gateway)
	assert.InDelta(t, 10000.0, tp.ticks[1].PortfolioValue, 1e-9)
	assert.True(t, tp.closed)
}

func TestNewValidation(t *testing.T) {
	_, e, p := setup(t, nil)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"mode", Config{Mode: "paper", Step: time.Minute}},
		{"step", Config{Mode: ModeSimulate}},
		{"backtest window", Config{Mode: ModeBacktest, Step: time.Minute}},
		{"reversed", Config{Mode: ModeBacktest, Step: time.Minute, Start: at(12, 0), End: at(11, 0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, e, p)
			require.ErrorIs(t, err, model.ErrConfig)
		})
	}
}
