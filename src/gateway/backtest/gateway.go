// Package backtest replays daily CSV bar files and fills every order
// instantly at its own price.
package backtest

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"

	"tradeharness/src/calendar"
	"tradeharness/src/gateway"
	"tradeharness/src/model"
)

const (
	ConventionStart = "start"
	ConventionEnd   = "end"

	EntityBar = "Bar"
)

// Config describes one backtest account.
type Config struct {
	Name       string
	Securities []model.Security
	Location   *time.Location
	Start      time.Time
	End        time.Time
	Step       time.Duration
	Sessions   []calendar.Session
	// SecuritySessions overrides Sessions by security code.
	SecuritySessions map[string][]calendar.Session
	DayFilter        calendar.DayFilter

	// DataPath maps a data field (e.g. "kline") to the directory holding
	// <code>/YYYY-MM-DD.csv files.
	DataPath map[string]string
	// DataModel maps a data field to the entity it carries. Only Bar is
	// replayed. Empty means {"kline": "Bar"}.
	DataModel map[string]string
	FFill     bool
	// BarConvention says whether a bar is stamped at the start or at the
	// end of its interval, by security code. Default end.
	BarConvention map[string]string
	OrderTimeout  time.Duration
}

type cursor struct {
	stream  *barStream
	at      time.Time
	started bool
	prev    *model.Bar
	next    *model.Bar
	done    bool
	history []model.Bar
	gapDay  time.Time
}

// Gateway is the simulated venue.
type Gateway struct {
	*gateway.Base

	cfg      Config
	barField string

	mu      sync.Mutex
	cursors map[string]*cursor
	closed  bool
}

var _ gateway.Gateway = (*Gateway)(nil)

// New indexes the data files of every security. Any security without a file
// inside [Start, End] fails construction.
func New(cfg Config) (*Gateway, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Minute
	}
	if len(cfg.Securities) == 0 {
		return nil, model.NewConfigError("GATEWAYS", "backtest gateway %s has no securities", cfg.Name)
	}

	barField, err := resolveBarField(cfg.DataModel)
	if err != nil {
		return nil, err
	}
	root, ok := cfg.DataPath[barField]
	if !ok || root == "" {
		return nil, model.NewConfigError("DATA_PATH", "no path for data field %q", barField)
	}
	for code, conv := range cfg.BarConvention {
		if conv != ConventionStart && conv != ConventionEnd {
			return nil, model.NewConfigError("BAR_CONVENTION", "%s: unknown convention %q", code, conv)
		}
	}

	log := logger.WithFields(map[string]interface{}{
		"component": "backtest",
		"gateway":   cfg.Name,
	})

	cursors := make(map[string]*cursor, len(cfg.Securities))
	daySet := make(map[time.Time]struct{})
	for _, sec := range cfg.Securities {
		dir := filepath.Join(root, sec.Code)
		files, err := listDayFiles(dir, cfg.Location, cfg.Start, cfg.End)
		if err != nil || len(files) == 0 {
			if err == nil {
				err = errors.New("no files in window")
			}
			return nil, model.NewConfigError("DATA_PATH", "%s: %w for %s in [%s, %s]: %v",
				dir, model.ErrDataGap, sec.Code, cfg.Start.Format(fileDateLayout), cfg.End.Format(fileDateLayout), err)
		}
		for _, f := range files {
			daySet[f.day] = struct{}{}
		}
		cursors[sec.Key()] = &cursor{stream: newBarStream(sec, files, cfg.Location, log)}
	}

	days := make([]time.Time, 0, len(daySet))
	for d := range daySet {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	opts := []calendar.Option{
		calendar.WithLocation(cfg.Location),
		calendar.WithWindow(cfg.Start, cfg.End),
		calendar.WithStep(cfg.Step),
		calendar.WithSessions(cfg.Sessions),
		calendar.WithTradingDays(days),
	}
	for _, sec := range cfg.Securities {
		if s, ok := cfg.SecuritySessions[sec.Code]; ok {
			opts = append(opts, calendar.WithSecuritySessions(sec, s))
		}
	}
	if cfg.DayFilter != nil {
		opts = append(opts, calendar.WithDayFilter(cfg.DayFilter))
	}

	g := &Gateway{
		Base:     gateway.NewBase(cfg.Name, cfg.Securities, calendar.New(opts...), cfg.OrderTimeout),
		cfg:      cfg,
		barField: barField,
		cursors:  cursors,
	}
	log.WithFields(map[string]interface{}{
		"securities": len(cfg.Securities),
		"days":       len(days),
		"field":      barField,
	}).Info("Backtest data indexed")
	return g, nil
}

func resolveBarField(dataModel map[string]string) (string, error) {
	if len(dataModel) == 0 {
		return "kline", nil
	}
	fields := make([]string, 0, len(dataModel))
	for f := range dataModel {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		if dataModel[f] == EntityBar {
			return f, nil
		}
	}
	return "", model.NewConfigError("DATA_MODEL", "no data field carries %s", EntityBar)
}

func (g *Gateway) Subscribe() error {
	return nil
}

// Close is idempotent.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	g.Log().WithField("op", "Close").Info("Backtest gateway closed")
	return nil
}

func (g *Gateway) availableAt(b model.Bar) time.Time {
	if g.cfg.BarConvention[b.Security.Code] == ConventionStart {
		return b.Time.Add(g.cfg.Step)
	}
	return b.Time
}

func (c *cursor) pull() error {
	b, ok, err := c.stream.next()
	if err != nil {
		return err
	}
	if !ok {
		c.next, c.done = nil, true
		return nil
	}
	c.next = &b
	return nil
}

// advance moves the cursor to t. prev ends on the newest bar available at t
// and next on the first one that is not.
func (g *Gateway) advance(sec model.Security, t time.Time) (*cursor, error) {
	c, ok := g.cursors[sec.Key()]
	if !ok {
		return nil, fmt.Errorf("security %s not served by %s", sec.Code, g.Name())
	}
	if c.started && t.Before(c.at) {
		return nil, fmt.Errorf("%w: %s cursor at %s, requested %s",
			model.ErrHistoryRewind, sec.Code, c.at.Format(time.DateTime), t.Format(time.DateTime))
	}
	c.at = t
	if !c.started {
		c.started = true
		if err := c.pull(); err != nil {
			return nil, err
		}
	}
	for c.next != nil && !g.availableAt(*c.next).After(t) {
		b := *c.next
		c.prev = &b
		c.history = append(c.history, b)
		if err := c.pull(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// GetRecentBar returns the newest bar available at the market datetime.
// When that bar belongs to an earlier day the security has a data gap: the
// old bar is returned with forward fill enabled, nil otherwise.
func (g *Gateway) GetRecentBar(sec model.Security) (*model.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.MarketDatetime()
	c, err := g.advance(sec, t)
	if err != nil {
		return nil, err
	}
	if c.prev == nil {
		return nil, nil
	}
	bar := *c.prev
	g.SetLastPrice(sec, bar.Close)

	local := t.In(g.cfg.Location)
	if !sameDate(bar.Time.In(g.cfg.Location), local) {
		if day := dateOf(local); !c.gapDay.Equal(day) {
			c.gapDay = day
			g.Log().WithFields(map[string]interface{}{
				"op":       "GetRecentBar",
				"security": sec.Code,
				"last_bar": bar.Time.Format(time.DateTime),
				"at":       t.Format(time.DateTime),
				"ffill":    g.cfg.FFill,
			}).WithError(model.ErrDataGap).Warn("No bar for the current day")
		}
		if !g.cfg.FFill {
			return nil, nil
		}
	}
	return &bar, nil
}

// GetRecentBars returns the last n bars available at the market datetime.
// Asking for more history than exists is an error.
func (g *Gateway) GetRecentBars(sec model.Security, n int) ([]model.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c, err := g.advance(sec, g.MarketDatetime())
	if err != nil {
		return nil, err
	}
	if n > len(c.history) {
		return nil, fmt.Errorf("%w: %s has %d bars, %d requested", model.ErrDataGap, sec.Code, len(c.history), n)
	}
	out := make([]model.Bar, n)
	copy(out, c.history[len(c.history)-n:])
	return out, nil
}

// PlaceOrder fills the whole quantity at the order price. A market order
// without a price fills at the last seen close.
func (g *Gateway) PlaceOrder(order model.Order) string {
	log := g.Log().WithFields(map[string]interface{}{
		"op":       "PlaceOrder",
		"security": order.Security.Code,
	})
	if err := order.Validate(); err != nil {
		log.WithError(err).Warn("Order refused")
		return ""
	}
	price := order.Price
	if order.OrderType == model.OrderTypeMarket && price <= 0 {
		px, ok := g.LastPrice(order.Security)
		if !ok {
			log.WithError(model.ErrSubmission).Warn("Market order without a price reference")
			return ""
		}
		price = px
	}

	now := g.MarketDatetime()
	order.OrderID = uuid.NewString()
	order.Status = model.OrderStatusSubmitted
	order.FilledQuantity = 0
	order.FilledAvgPrice = 0
	if order.CreateTime.IsZero() {
		order.CreateTime = now
	}
	g.RegisterOrder(order)

	err := g.ProcessDeal(model.DealFields{
		DealID:         uuid.NewString(),
		OrderID:        order.OrderID,
		UpdateTime:     now,
		FilledAvgPrice: price,
		FilledQuantity: order.Quantity,
	})
	if err != nil {
		log.WithError(err).Error("Synthetic fill failed")
	}
	return order.OrderID
}

func (g *Gateway) CancelOrder(orderID string) {
	g.MarkCancelled(orderID)
}

// GetBrokerBalance returns nil: a simulated venue has no broker account.
func (g *Gateway) GetBrokerBalance() (*model.AccountBalance, error) {
	return nil, nil
}

func (g *Gateway) GetAllBrokerPositions() ([]model.PositionData, error) {
	return nil, nil
}
