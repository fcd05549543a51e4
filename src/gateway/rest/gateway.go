// Package rest binds the harness to an HTTP venue: orders and account
// queries over signed REST calls, market data and execution reports over a
// websocket stream.
package rest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tradeharness/src/calendar"
	"tradeharness/src/gateway"
	"tradeharness/src/model"
)

type Config struct {
	Name         string
	Securities   []model.Security
	Calendar     *calendar.Calendar
	BaseURL      string
	StreamURL    string
	APIKey       string
	APISecret    string
	OrderTimeout time.Duration
	// Retries is the number of REST retries, negative for the default.
	Retries int
}

// Gateway is a live venue binding. Stream callbacks run on the reader
// goroutine; everything else runs on the caller's goroutine.
type Gateway struct {
	*gateway.Base

	cfg      Config
	client   *Client
	bySymbol map[string]model.Security

	mu     sync.Mutex
	bars   map[string][]model.Bar
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

var _ gateway.Gateway = (*Gateway)(nil)

func New(cfg Config) (*Gateway, error) {
	if cfg.BaseURL == "" {
		return nil, model.NewConfigError("base_url", "gateway %s: no base URL", cfg.Name)
	}
	if cfg.StreamURL == "" {
		return nil, model.NewConfigError("stream_url", "gateway %s: no stream URL", cfg.Name)
	}
	if len(cfg.Securities) == 0 {
		return nil, model.NewConfigError("GATEWAYS", "gateway %s has no securities", cfg.Name)
	}

	bySymbol := make(map[string]model.Security, len(cfg.Securities))
	for _, sec := range cfg.Securities {
		bySymbol[sec.Code] = sec
	}
	return &Gateway{
		Base:     gateway.NewBase(cfg.Name, cfg.Securities, cfg.Calendar, cfg.OrderTimeout),
		cfg:      cfg,
		client:   NewClient(cfg.APIKey, cfg.APISecret, cfg.BaseURL, cfg.Retries),
		bySymbol: bySymbol,
		bars:     make(map[string][]model.Bar),
	}, nil
}

// Subscribe opens the stream. Failing to connect the first time is fatal;
// later disconnects are retried in the background.
func (g *Gateway) Subscribe() error {
	g.mu.Lock()
	if g.cancel != nil || g.closed {
		g.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.mu.Unlock()

	conn, err := g.dial(ctx)
	if err != nil {
		cancel()
		g.mu.Lock()
		g.cancel = nil
		g.mu.Unlock()
		return &model.VenueError{Gateway: g.Name(), Op: "Subscribe", Err: err}
	}
	g.setConn(conn)

	g.wg.Add(1)
	go g.connectionLoop(ctx, conn)

	g.Log().WithFields(map[string]interface{}{"op": "Subscribe", "securities": len(g.bySymbol)}).Info("Stream connected")
	return nil
}

func (g *Gateway) setConn(conn *websocket.Conn) {
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
}

// Close stops the stream reader. Safe to call more than once.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	if g.cancel != nil {
		g.cancel()
	}
	if g.conn != nil {
		_ = g.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = g.conn.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
	g.Log().WithField("op", "Close").Info("Gateway closed")
	return nil
}

// PlaceOrder submits the order and returns the venue orderid, or "" when the
// venue or the transport refused it.
func (g *Gateway) PlaceOrder(order model.Order) string {
	log := g.Log().WithFields(map[string]interface{}{
		"op":       "PlaceOrder",
		"security": order.Security.Code,
	})
	if err := order.Validate(); err != nil {
		log.WithError(err).Warn("Order refused")
		return ""
	}

	ack, err := g.client.PlaceOrder(orderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        order.Security.Code,
		Side:          sideOf(order.Direction),
		Offset:        string(order.Offset),
		Type:          string(order.OrderType),
		Price:         order.Price,
		StopPrice:     order.StopPrice,
		Quantity:      order.Quantity,
	})
	if err != nil {
		log.WithError(fmt.Errorf("%w: %w", model.ErrSubmission, err)).Error("Venue refused order")
		return ""
	}

	order.OrderID = ack.OrderID
	order.Status = model.OrderStatusSubmitting
	if ack.Status != "" {
		order.Status = MapStatus(ack.Status)
	}
	order.FilledQuantity = 0
	order.FilledAvgPrice = 0
	if order.CreateTime.IsZero() {
		order.CreateTime = g.MarketDatetime()
	}
	g.RegisterOrder(order)

	log.WithFields(map[string]interface{}{"orderid": ack.OrderID, "status": order.Status}).Info("Order accepted")
	return ack.OrderID
}

// CancelOrder asks the venue to cancel. The resulting status arrives on the
// stream.
func (g *Gateway) CancelOrder(orderID string) {
	log := g.Log().WithFields(map[string]interface{}{"op": "CancelOrder", "orderid": orderID})
	o, ok := g.GetOrder(orderID, 0)
	if !ok {
		log.Warn("Cancel for unknown order ignored")
		return
	}
	if o.Status.IsTerminal() {
		log.WithField("status", o.Status).Info("Order already terminal")
		return
	}
	if err := g.client.CancelOrder(orderID); err != nil {
		log.WithError(&model.VenueError{Gateway: g.Name(), Op: "CancelOrder", Retriable: true, Err: err}).Error("Cancel failed")
	}
}

// GetRecentBar returns the newest streamed bar, nil before the first one.
func (g *Gateway) GetRecentBar(sec model.Security) (*model.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hist := g.bars[sec.Key()]
	if len(hist) == 0 {
		return nil, nil
	}
	b := hist[len(hist)-1]
	return &b, nil
}

// GetRecentBars asks the venue for history. Fewer than n bars is not an
// error on a live venue.
func (g *Gateway) GetRecentBars(sec model.Security, n int) ([]model.Bar, error) {
	rows, err := g.client.GetKlines(sec.Code, n)
	if err != nil {
		return nil, &model.VenueError{Gateway: g.Name(), Op: "GetRecentBars", Retriable: true, Err: err}
	}
	out := make([]model.Bar, 0, len(rows))
	for _, k := range rows {
		out = append(out, g.toBar(sec, k))
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	if len(out) < n {
		g.Log().WithFields(map[string]interface{}{
			"op":       "GetRecentBars",
			"security": sec.Code,
			"got":      len(out),
			"want":     n,
		}).Warn("Venue returned partial history")
	}
	return out, nil
}

func (g *Gateway) GetBrokerBalance() (*model.AccountBalance, error) {
	b, err := g.client.GetBalance()
	if err != nil {
		return nil, &model.VenueError{Gateway: g.Name(), Op: "GetBrokerBalance", Retriable: true, Err: err}
	}
	return &model.AccountBalance{
		Cash:              b.Cash,
		Power:             b.Power,
		NetCashPower:      b.NetCashPower,
		InitialMargin:     b.InitialMargin,
		MaintenanceMargin: b.MaintenanceMargin,
		RealizedPnL:       b.RealizedPnL,
		UnrealizedPnL:     b.UnrealizedPnL,
		CashByCurrency:    b.CurrencyCash,
	}, nil
}

// GetAllBrokerPositions drops rows for symbols this gateway does not trade.
func (g *Gateway) GetAllBrokerPositions() ([]model.PositionData, error) {
	rows, err := g.client.GetPositions()
	if err != nil {
		return nil, &model.VenueError{Gateway: g.Name(), Op: "GetAllBrokerPositions", Retriable: true, Err: err}
	}
	out := make([]model.PositionData, 0, len(rows))
	for _, r := range rows {
		sec, err := g.security(r.Symbol)
		if err == nil {
			var dir model.Direction
			dir, err = directionOf(r.Side)
			if err == nil {
				out = append(out, model.PositionData{
					Security:     sec,
					Direction:    dir,
					HoldingPrice: r.AvgPrice,
					Quantity:     r.Quantity,
					UpdateTime:   g.stamp(r.UpdatedAt),
				})
				continue
			}
		}
		g.Log().WithFields(map[string]interface{}{"op": "GetAllBrokerPositions", "symbol": r.Symbol}).WithError(err).Warn("Skipping broker position")
	}
	return out, nil
}
