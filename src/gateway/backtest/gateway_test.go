package backtest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeharness/src/calendar"
	"tradeharness/src/model"
)

var (
	secX = model.NewStock("X", "x", "SEHK", 100)
	secY = model.NewStock("Y", "y", "SEHK", 100)
)

func at(v string) time.Time {
	t, err := time.ParseInLocation(time.DateTime, v, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func writeDay(t *testing.T, root, code, day string, rows ...string) {
	t.Helper()
	dir := filepath.Join(root, "kline", code)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := "time,open,high,low,close,volume\n" + strings.Join(rows, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, day+".csv"), []byte(body), 0o644))
}

func newGateway(t *testing.T, root string, mutate func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		Name:       "sim",
		Securities: []model.Security{secX, secY},
		Start:      at("2021-01-04 00:00:00"),
		End:        at("2021-01-05 23:59:00"),
		Step:       time.Minute,
		DataPath:   map[string]string{"kline": filepath.Join(root, "kline")},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func fixture(t *testing.T) string {
	root := t.TempDir()
	writeDay(t, root, "X", "2021-01-04",
		"2021-01-04 09:31:00,10,11,9.5,10.5,100",
		"2021-01-04 09:30:00,10,10.5,9.8,10,50",
	)
	writeDay(t, root, "Y", "2021-01-04", "2021-01-04 09:30:00,20,21,19,20,10")
	writeDay(t, root, "Y", "2021-01-05", "2021-01-05 09:30:00,21,22,20,21,10")
	return root
}

func TestForwardFill(t *testing.T) {
	tests := []struct {
		name  string
		ffill bool
		want  *float64
	}{
		{name: "ffill returns last bar", ffill: true, want: model.Ptr(10.5)},
		{name: "no ffill returns none", ffill: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := newGateway(t, fixture(t), func(c *Config) { c.FFill = tc.ffill })

			g.SetMarketDatetime(at("2021-01-04 09:31:00"))
			bar, err := g.GetRecentBar(secX)
			require.NoError(t, err)
			require.NotNil(t, bar)
			require.InDelta(t, 10.5, bar.Close, 1e-9)

			g.SetMarketDatetime(at("2021-01-05 09:30:00"))
			bar, err = g.GetRecentBar(secX)
			require.NoError(t, err)
			if tc.want == nil {
				require.Nil(t, bar)
				return
			}
			require.NotNil(t, bar)
			assert.InDelta(t, *tc.want, bar.Close, 1e-9)
			assert.Equal(t, at("2021-01-04 09:31:00"), bar.Time)
		})
	}
}

func TestCursorIsMonotonic(t *testing.T) {
	g := newGateway(t, fixture(t), nil)

	times := []string{
		"2021-01-04 09:29:00",
		"2021-01-04 09:30:00",
		"2021-01-04 09:30:30",
		"2021-01-04 09:31:00",
		"2021-01-04 09:31:00",
		"2021-01-04 10:00:00",
	}
	var last time.Time
	for _, v := range times {
		g.SetMarketDatetime(at(v))
		bar, err := g.GetRecentBar(secX)
		require.NoError(t, err)
		if bar == nil {
			continue
		}
		require.False(t, bar.Time.Before(last), "bar went back at %s", v)
		require.False(t, bar.Time.After(at(v)))
		last = bar.Time
	}

	g.SetMarketDatetime(at("2021-01-04 09:30:00"))
	_, err := g.GetRecentBar(secX)
	require.ErrorIs(t, err, model.ErrHistoryRewind)
}

func TestStartConventionDelaysBar(t *testing.T) {
	g := newGateway(t, fixture(t), func(c *Config) {
		c.BarConvention = map[string]string{"X": ConventionStart}
	})

	g.SetMarketDatetime(at("2021-01-04 09:30:00"))
	bar, err := g.GetRecentBar(secX)
	require.NoError(t, err)
	require.Nil(t, bar)

	g.SetMarketDatetime(at("2021-01-04 09:31:00"))
	bar, err = g.GetRecentBar(secX)
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.Equal(t, at("2021-01-04 09:30:00"), bar.Time)
}

func TestMissingDataIsFatal(t *testing.T) {
	root := fixture(t)
	_, err := New(Config{
		Name:       "sim",
		Securities: []model.Security{secX, model.NewStock("Z", "z", "SEHK", 1)},
		Start:      at("2021-01-04 00:00:00"),
		End:        at("2021-01-05 00:00:00"),
		DataPath:   map[string]string{"kline": filepath.Join(root, "kline")},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, model.ErrConfig)
	require.ErrorIs(t, err, model.ErrDataGap)
}

func TestConfigValidation(t *testing.T) {
	root := fixture(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no securities", mutate: func(c *Config) { c.Securities = nil }},
		{name: "no bar entity", mutate: func(c *Config) { c.DataModel = map[string]string{"tick": "Quote"} }},
		{name: "no data path", mutate: func(c *Config) { c.DataPath = nil }},
		{name: "bad convention", mutate: func(c *Config) { c.BarConvention = map[string]string{"X": "middle"} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{
				Name:       "sim",
				Securities: []model.Security{secX},
				DataPath:   map[string]string{"kline": filepath.Join(root, "kline")},
			}
			tc.mutate(&cfg)
			_, err := New(cfg)
			require.ErrorIs(t, err, model.ErrConfig)
		})
	}
}

func TestRecentBars(t *testing.T) {
	g := newGateway(t, fixture(t), nil)
	g.SetMarketDatetime(at("2021-01-04 12:00:00"))

	bars, err := g.GetRecentBars(secX, 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, at("2021-01-04 09:30:00"), bars[0].Time)
	assert.Equal(t, at("2021-01-04 09:31:00"), bars[1].Time)

	_, err = g.GetRecentBars(secX, 3)
	require.ErrorIs(t, err, model.ErrDataGap)
}

func TestPlaceOrderFillsInstantly(t *testing.T) {
	g := newGateway(t, fixture(t), nil)
	g.SetMarketDatetime(at("2021-01-04 09:31:00"))

	id := g.PlaceOrder(model.Order{
		Security:  secX,
		Price:     10,
		Quantity:  100,
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		OrderType: model.OrderTypeLimit,
	})
	require.NotEmpty(t, id)

	o, ok := g.GetOrder(id, 0)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.InDelta(t, 10.0, o.FilledAvgPrice, 1e-9)
	assert.InDelta(t, 100.0, o.FilledQuantity, 1e-9)
	assert.Equal(t, at("2021-01-04 09:31:00"), o.CreateTime)

	deals := g.FindDealsWithOrderID(id)
	require.Len(t, deals, 1)
	assert.NotEqual(t, id, deals[0].DealID)

	// cancelling a filled order changes nothing
	g.CancelOrder(id)
	o, _ = g.GetOrder(id, 0)
	assert.Equal(t, model.OrderStatusFilled, o.Status)

	require.Empty(t, g.PlaceOrder(model.Order{Security: secX, Quantity: 0}))
}

func TestMarketOrderUsesLastClose(t *testing.T) {
	g := newGateway(t, fixture(t), nil)
	g.SetMarketDatetime(at("2021-01-04 09:31:00"))

	market := model.Order{Security: secX, Quantity: 1, Direction: model.DirectionLong, Offset: model.OffsetOpen, OrderType: model.OrderTypeMarket}
	require.Empty(t, g.PlaceOrder(market))

	_, err := g.GetRecentBar(secX)
	require.NoError(t, err)
	id := g.PlaceOrder(market)
	require.NotEmpty(t, id)
	o, _ := g.GetOrder(id, 0)
	assert.InDelta(t, 10.5, o.FilledAvgPrice, 1e-9)
}

func TestFillKeepsBarCloseAsMark(t *testing.T) {
	g := newGateway(t, fixture(t), nil)
	g.SetMarketDatetime(at("2021-01-04 09:31:00"))
	_, err := g.GetRecentBar(secX)
	require.NoError(t, err)

	id := g.PlaceOrder(model.Order{
		Security:  secX,
		Price:     9,
		Quantity:  100,
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		OrderType: model.OrderTypeLimit,
	})
	require.NotEmpty(t, id)

	px, ok := g.LastPrice(secX)
	require.True(t, ok)
	assert.InDelta(t, 10.5, px, 1e-9)
}

func TestCalendarFromDataDates(t *testing.T) {
	sessions, err := calendar.ParseSessions([]string{"09:30-12:00", "13:00-16:00"})
	require.NoError(t, err)
	g := newGateway(t, fixture(t), func(c *Config) { c.Sessions = sessions })

	assert.True(t, g.IsTradingTime(at("2021-01-04 09:30:00"), secX))
	assert.False(t, g.IsTradingTime(at("2021-01-04 12:10:00"), secX))

	next, ok := g.NextTradingDatetime(at("2021-01-04 12:10:00"), secX)
	require.True(t, ok)
	assert.Equal(t, at("2021-01-04 13:00:00"), next)

	next, ok = g.NextTradingDatetime(at("2021-01-04 10:00:00"), secX)
	require.True(t, ok)
	assert.Equal(t, at("2021-01-04 10:01:00"), next)

	next, ok = g.NextTradingDatetime(at("2021-01-04 16:30:00"), secX)
	require.True(t, ok)
	assert.Equal(t, at("2021-01-05 09:30:00"), next)

	_, ok = g.NextTradingDatetime(at("2021-01-05 16:30:00"), secX)
	require.False(t, ok)
}

func TestCloseIsIdempotent(t *testing.T) {
	g := newGateway(t, fixture(t), nil)
	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
}

func TestReadBarFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "2021-03-15.csv")
	body := strings.Join([]string{
		"Datetime,Open,High,Low,Close,Volume,extra",
		"2021-03-15 09:32:00.500000,1,2,0.5,1.5,10,x",
		"2021-03-15 09:31:00,1,2,0.5,1.5,10,x",
		"2021-03-15 09:33:00,5,2,0.5,1.5,10,x",
		"not a time,1,2,0.5,1.5,10,x",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	bars, err := readBarFile(path, secX, time.UTC, newGateway(t, fixture(t), nil).Log())
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, at("2021-03-15 09:31:00"), bars[0].Time)
	assert.Equal(t, at("2021-03-15 09:32:00").Add(500*time.Millisecond), bars[1].Time)
}

func TestMapColumnsNeedsTime(t *testing.T) {
	_, err := mapColumns([]string{"date", "open", "high", "low", "close"})
	require.Error(t, err)

	_, err = mapColumns([]string{"time", "open", "high", "close"})
	require.Error(t, err)
}
