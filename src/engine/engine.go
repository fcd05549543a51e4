// Package engine routes strategy calls to the named gateway and keeps each
// gateway's portfolio in step with its deals.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/gateway"
	"tradeharness/src/model"
	"tradeharness/src/plugins"
	"tradeharness/src/portfolio"
)

type Option func(*Engine)

// WithPlugins attaches plug-ins as listeners on every gateway.
func WithPlugins(ps ...plugins.Plugin) Option {
	return func(e *Engine) {
		e.plugins = append(e.plugins, ps...)
	}
}

// Engine is a façade over gateway name -> Gateway. It holds no strategy
// state of its own beyond the portfolios and which deals they have seen.
type Engine struct {
	gateways   map[string]gateway.Gateway
	names      []string
	portfolios map[string]*portfolio.Portfolio
	plugins    []plugins.Plugin

	mu      sync.Mutex
	applied map[string]map[string]struct{}

	log *logger.Entry
}

func New(gateways map[string]gateway.Gateway, opts ...Option) *Engine {
	e := &Engine{
		gateways:   gateways,
		portfolios: make(map[string]*portfolio.Portfolio, len(gateways)),
		applied:    make(map[string]map[string]struct{}, len(gateways)),
		log:        logger.WithField("component", "engine"),
	}
	for name := range gateways {
		e.names = append(e.names, name)
		e.applied[name] = make(map[string]struct{})
	}
	sort.Strings(e.names)
	for _, opt := range opts {
		opt(e)
	}
	for _, name := range e.names {
		for _, p := range e.plugins {
			e.gateways[name].AddListener(p)
		}
	}
	return e
}

// GatewayNames is sorted.
func (e *Engine) GatewayNames() []string {
	return append([]string(nil), e.names...)
}

func (e *Engine) Gateway(name string) (gateway.Gateway, error) {
	g, ok := e.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownGW, name)
	}
	return g, nil
}

func (e *Engine) Portfolio(name string) (*portfolio.Portfolio, error) {
	if _, err := e.Gateway(name); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.portfolios[name]
	if !ok {
		return nil, fmt.Errorf("gateway %s: portfolio not initialised", name)
	}
	return p, nil
}

// InitPortfolio creates the portfolio of a gateway, marked to that
// gateway's last prices.
func (e *Engine) InitPortfolio(name string, cash float64, opts portfolio.Options) error {
	g, err := e.Gateway(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.portfolios[name] = portfolio.New(name, cash, g, opts)
	e.mu.Unlock()
	return nil
}

func (e *Engine) GetPlugins() []plugins.Plugin {
	return append([]plugins.Plugin(nil), e.plugins...)
}

// SendOrder stamps the order with the gateway's market time and submits it.
// It returns "" when the gateway is unknown or the venue refused the order.
func (e *Engine) SendOrder(name string, order model.Order) string {
	log := e.log.WithFields(map[string]interface{}{
		"op":       "SendOrder",
		"gateway":  name,
		"security": order.Security.Code,
	})
	g, err := e.Gateway(name)
	if err != nil {
		log.WithError(err).Error("Order not sent")
		return ""
	}
	order.CreateTime = g.MarketDatetime()
	order.OrderID = ""
	if order.Status == "" {
		order.Status = model.OrderStatusUnknown
	}
	id := g.PlaceOrder(order)
	if id == "" {
		log.WithError(model.ErrSubmission).Warn("Order refused")
		return ""
	}
	log.WithFields(map[string]interface{}{
		"orderid":   id,
		"direction": order.Direction,
		"offset":    order.Offset,
		"qty":       order.Quantity,
		"price":     order.Price,
	}).Info("Order sent")
	return id
}

func (e *Engine) CancelOrder(name, orderID string) error {
	g, err := e.Gateway(name)
	if err != nil {
		return err
	}
	g.CancelOrder(orderID)
	return nil
}

// CancelOrders cancels every active order of one gateway, or of all of them
// when name is empty. It returns the ids it asked to cancel.
func (e *Engine) CancelOrders(name string) ([]string, error) {
	names, err := e.targets(name)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range names {
		g := e.gateways[n]
		for _, o := range g.Orders() {
			if o.Status.IsActive() {
				g.CancelOrder(o.OrderID)
				ids = append(ids, o.OrderID)
			}
		}
	}
	return ids, nil
}

func (e *Engine) targets(name string) ([]string, error) {
	if name == "" {
		return e.GatewayNames(), nil
	}
	if _, err := e.Gateway(name); err != nil {
		return nil, err
	}
	return []string{name}, nil
}

// GetOrder waits up to timeout for the order. A miss returns ErrTimeout.
func (e *Engine) GetOrder(name, orderID string, timeout time.Duration) (model.Order, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return model.Order{}, err
	}
	o, ok := g.GetOrder(orderID, timeout)
	if !ok {
		return model.Order{}, fmt.Errorf("%w: order %s on %s", model.ErrTimeout, orderID, name)
	}
	return o, nil
}

// GetOrders lists orders in placement order, optionally only active ones.
func (e *Engine) GetOrders(name string, activeOnly bool) ([]model.Order, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return nil, err
	}
	all := g.Orders()
	if !activeOnly {
		return all, nil
	}
	out := make([]model.Order, 0, len(all))
	for _, o := range all {
		if o.Status.IsActive() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (e *Engine) GetDeals(name string) ([]model.Deal, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return nil, err
	}
	return g.Deals(), nil
}

func (e *Engine) FindDealsWithOrderID(name, orderID string) ([]model.Deal, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return nil, err
	}
	return g.FindDealsWithOrderID(orderID), nil
}

// GetRecentData bundles whatever the gateway has for sec at its market time.
// It returns nil when nothing is available.
func (e *Engine) GetRecentData(name string, sec model.Security) (*model.CompositeData, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return nil, err
	}
	bar, err := g.GetRecentBar(sec)
	if err != nil {
		return nil, err
	}
	data := &model.CompositeData{Bar: bar}
	if q, ok := g.GetQuote(sec); ok {
		data.Quote = q
	}
	if ob, ok := g.GetOrderBook(sec); ok {
		data.OrderBook = ob
	}
	if data.Bar == nil && data.Quote == nil && data.OrderBook == nil {
		return nil, nil
	}
	return data, nil
}

func (e *Engine) GetHistoryData(name string, sec model.Security, n int) ([]model.Bar, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return nil, err
	}
	return g.GetRecentBars(sec, n)
}

func (e *Engine) GetQuote(name string, sec model.Security) (*model.Quote, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return nil, err
	}
	q, _ := g.GetQuote(sec)
	return q, nil
}

func (e *Engine) GetOrderBook(name string, sec model.Security) (*model.OrderBook, error) {
	g, err := e.Gateway(name)
	if err != nil {
		return nil, err
	}
	ob, _ := g.GetOrderBook(sec)
	return ob, nil
}

// ReconcileDeals applies, in arrival order, every deal of the gateway its
// portfolio has not seen yet. An AccountingError stops at the offending deal
// and is returned; the deal stays unapplied.
func (e *Engine) ReconcileDeals(name string) error {
	g, err := e.Gateway(name)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.portfolios[name]
	if !ok {
		return nil
	}
	seen := e.applied[name]
	for _, d := range g.Deals() {
		if _, done := seen[d.DealID]; done {
			continue
		}
		if err := p.Update(d); err != nil {
			e.log.WithFields(map[string]interface{}{
				"op":      "ReconcileDeals",
				"gateway": name,
				"dealid":  d.DealID,
				"orderid": d.OrderID,
			}).WithError(err).Error("Deal could not be applied")
			return err
		}
		seen[d.DealID] = struct{}{}
	}
	return nil
}

func (e *Engine) GetBalance(name string) (model.AccountBalance, error) {
	p, err := e.reconciled(name)
	if err != nil {
		return model.AccountBalance{}, err
	}
	return p.Balance(), nil
}

func (e *Engine) GetPosition(name string, sec model.Security) ([]model.PositionData, error) {
	p, err := e.reconciled(name)
	if err != nil {
		return nil, err
	}
	return p.Position(sec), nil
}

func (e *Engine) GetAllPositions(name string) ([]model.PositionData, error) {
	p, err := e.reconciled(name)
	if err != nil {
		return nil, err
	}
	return p.Positions(), nil
}

func (e *Engine) PortfolioValue(name string) (float64, error) {
	p, err := e.reconciled(name)
	if err != nil {
		return 0, err
	}
	return p.Value(), nil
}

func (e *Engine) reconciled(name string) (*portfolio.Portfolio, error) {
	p, err := e.Portfolio(name)
	if err != nil {
		return nil, err
	}
	if err := e.ReconcileDeals(name); err != nil {
		return nil, err
	}
	return p, nil
}

// SyncBrokerBalance copies the venue's account snapshot into the portfolio.
// Gateways without a broker account leave the portfolio unchanged.
func (e *Engine) SyncBrokerBalance(name string) error {
	g, err := e.Gateway(name)
	if err != nil {
		return err
	}
	p, err := e.Portfolio(name)
	if err != nil {
		return err
	}
	b, err := g.GetBrokerBalance()
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}
	p.SetBalance(*b)
	return nil
}

// SyncBrokerPosition replaces the portfolio positions with the venue's.
func (e *Engine) SyncBrokerPosition(name string) error {
	g, err := e.Gateway(name)
	if err != nil {
		return err
	}
	p, err := e.Portfolio(name)
	if err != nil {
		return err
	}
	rows, err := g.GetAllBrokerPositions()
	if err != nil {
		return err
	}
	if rows == nil {
		return nil
	}
	p.SetPositions(rows)
	return nil
}

// ClosePositions sends a market closing order for every open position of
// one gateway, or of all of them when name is empty. The last price, or the
// holding price when there is none, is the order price.
func (e *Engine) ClosePositions(name string) ([]string, error) {
	names, err := e.targets(name)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range names {
		rows, err := e.GetAllPositions(n)
		if err != nil {
			return ids, err
		}
		g := e.gateways[n]
		for _, pos := range rows {
			px, ok := g.LastPrice(pos.Security)
			if !ok {
				px = pos.HoldingPrice
			}
			id := e.SendOrder(n, model.Order{
				Security:  pos.Security,
				Price:     px,
				Quantity:  pos.Quantity,
				Direction: pos.Direction.Opposite(),
				Offset:    model.OffsetClose,
				OrderType: model.OrderTypeMarket,
			})
			if id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// CloseAll closes every gateway in name order and reports all failures.
func (e *Engine) CloseAll() error {
	var errs []error
	for _, name := range e.names {
		if err := e.gateways[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
