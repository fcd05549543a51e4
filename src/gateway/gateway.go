// Package gateway defines the uniform contract every venue binding exposes
// and the shared order/deal bookkeeping they build on.
package gateway

import (
	"time"

	"tradeharness/src/model"
)

// Gateway is a binding to one venue. Live bindings are driven by venue
// callbacks on background goroutines, the backtest binding is driven by the
// loop goroutine; callers see the same contract.
type Gateway interface {
	Name() string
	Securities() []model.Security

	// clock
	MarketDatetime() time.Time
	SetMarketDatetime(t time.Time)
	IsTradingTime(t time.Time, sec model.Security) bool
	NextTradingDatetime(t time.Time, sec model.Security) (time.Time, bool)
	Window() (start, end time.Time)

	Subscribe() error
	Close() error

	// PlaceOrder returns the venue orderid, or "" when the venue refused it.
	PlaceOrder(order model.Order) string
	// CancelOrder logs and ignores unknown ids.
	CancelOrder(orderID string)
	GetOrder(orderID string, timeout time.Duration) (model.Order, bool)
	Orders() []model.Order
	FindDealsWithOrderID(orderID string) []model.Deal
	Deals() []model.Deal

	// market data; a nil bar means none is available
	GetRecentBar(sec model.Security) (*model.Bar, error)
	GetRecentBars(sec model.Security, n int) ([]model.Bar, error)
	GetQuote(sec model.Security) (*model.Quote, bool)
	GetOrderBook(sec model.Security) (*model.OrderBook, bool)
	LastPrice(sec model.Security) (float64, bool)

	// broker view; both return nil without error when the venue has none
	GetBrokerBalance() (*model.AccountBalance, error)
	GetAllBrokerPositions() ([]model.PositionData, error)

	AddListener(l Listener)
}

// Listener observes order and deal changes. Calls come from whichever
// goroutine processed the update and must not block.
type Listener interface {
	OnOrder(gateway string, order model.Order)
	OnDeal(gateway string, deal model.Deal)
}

// StatusMapper converts a venue-native status to the harness status. It must
// be total over the venue's enum.
type StatusMapper func(native string) model.OrderStatus
