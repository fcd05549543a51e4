package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeharness/src/model"
)

var secA = model.NewStock("AAPL", "apple", "NASDAQ", 1)

type recordingListener struct {
	mu     sync.Mutex
	orders []model.Order
	deals  []model.Deal
}

func (r *recordingListener) OnOrder(_ string, o model.Order) {
	r.mu.Lock()
	r.orders = append(r.orders, o)
	r.mu.Unlock()
}

func (r *recordingListener) OnDeal(_ string, d model.Deal) {
	r.mu.Lock()
	r.deals = append(r.deals, d)
	r.mu.Unlock()
}

func newOrder(id string, qty float64) model.Order {
	return model.Order{
		OrderID:   id,
		Security:  secA,
		Price:     100,
		Quantity:  qty,
		Direction: model.DirectionLong,
		Offset:    model.OffsetOpen,
		OrderType: model.OrderTypeLimit,
		Status:    model.OrderStatusSubmitting,
	}
}

func TestProcessDealWaitsForLateRegistration(t *testing.T) {
	b := NewBase("live", []model.Security{secA}, nil, time.Second)

	go func() {
		time.Sleep(30 * time.Millisecond)
		b.RegisterOrder(newOrder("o1", 10))
	}()

	err := b.ProcessDeal(model.DealFields{DealID: "d1", OrderID: "o1", FilledAvgPrice: 100, FilledQuantity: 10})
	require.NoError(t, err)

	o, ok := b.GetOrder("o1", 0)
	require.True(t, ok)
	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.InDelta(t, 10.0, o.FilledQuantity, 1e-9)
}

func TestProcessDealUnknownOrderTimesOut(t *testing.T) {
	b := NewBase("live", nil, nil, 20*time.Millisecond)
	err := b.ProcessDeal(model.DealFields{DealID: "d1", OrderID: "ghost", FilledQuantity: 1})
	require.ErrorIs(t, err, model.ErrUnknownOrder)
}

func TestProcessDealAggregatesAndDedupes(t *testing.T) {
	b := NewBase("live", []model.Security{secA}, nil, time.Second)
	l := &recordingListener{}
	b.AddListener(l)
	b.RegisterOrder(newOrder("o1", 10))

	require.NoError(t, b.ProcessDeal(model.DealFields{DealID: "d1", OrderID: "o1", FilledAvgPrice: 100, FilledQuantity: 4}))
	o, _ := b.GetOrder("o1", 0)
	assert.Equal(t, model.OrderStatusPartFilled, o.Status)

	// replayed fill
	require.NoError(t, b.ProcessDeal(model.DealFields{DealID: "d1", OrderID: "o1", FilledAvgPrice: 100, FilledQuantity: 4}))
	require.NoError(t, b.ProcessDeal(model.DealFields{DealID: "d2", OrderID: "o1", FilledAvgPrice: 103, FilledQuantity: 6}))

	o, _ = b.GetOrder("o1", 0)
	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.InDelta(t, 10.0, o.FilledQuantity, 1e-9)
	assert.InDelta(t, 101.8, o.FilledAvgPrice, 1e-9)

	require.Len(t, b.Deals(), 2)
	require.Len(t, b.FindDealsWithOrderID("o1"), 2)
	require.Len(t, l.deals, 2)

	// fills never move the mark
	_, ok := b.LastPrice(secA)
	assert.False(t, ok)
}

func TestProcessOrderIgnoresRegression(t *testing.T) {
	b := NewBase("live", nil, nil, time.Second)
	b.RegisterOrder(newOrder("o1", 10))

	require.NoError(t, b.ProcessOrder(model.OrderUpdate{OrderID: "o1", Status: model.Ptr(model.OrderStatusFilled), FilledQuantity: model.Ptr(10.0)}))
	require.NoError(t, b.ProcessOrder(model.OrderUpdate{OrderID: "o1", Status: model.Ptr(model.OrderStatusSubmitted)}))
	require.NoError(t, b.ProcessOrder(model.OrderUpdate{OrderID: "o1", FilledQuantity: model.Ptr(3.0)}))

	o, _ := b.GetOrder("o1", 0)
	assert.Equal(t, model.OrderStatusFilled, o.Status)
	assert.InDelta(t, 10.0, o.FilledQuantity, 1e-9)
}

func TestStatusSequenceFollowsMachine(t *testing.T) {
	b := NewBase("live", nil, nil, time.Second)
	l := &recordingListener{}
	b.AddListener(l)
	b.RegisterOrder(newOrder("o1", 10))

	reports := []model.OrderStatus{
		model.OrderStatusSubmitted,
		model.OrderStatusSubmitting,
		model.OrderStatusPartFilled,
		model.OrderStatusSubmitted,
		model.OrderStatusCancelled,
		model.OrderStatusFilled,
	}
	for _, s := range reports {
		require.NoError(t, b.ProcessOrder(model.OrderUpdate{OrderID: "o1", Status: model.Ptr(s)}))
	}

	for i := 1; i < len(l.orders); i++ {
		prev, next := l.orders[i-1].Status, l.orders[i].Status
		require.True(t, prev.CanTransition(next), "%s -> %s", prev, next)
	}
	o, _ := b.GetOrder("o1", 0)
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
}

func TestMarkCancelled(t *testing.T) {
	b := NewBase("sim", nil, nil, time.Second)
	b.RegisterOrder(newOrder("o1", 1))
	b.MarkCancelled("o1")
	b.MarkCancelled("nope")

	o, _ := b.GetOrder("o1", 0)
	assert.Equal(t, model.OrderStatusCancelled, o.Status)
	assert.Empty(t, b.ActiveOrders())
}

func TestQuotesAndDepth(t *testing.T) {
	b := NewBase("live", nil, nil, time.Second)
	_, ok := b.GetQuote(secA)
	require.False(t, ok)

	b.ProcessQuote(model.Quote{Security: secA, LastPrice: 12.5})
	q, ok := b.GetQuote(secA)
	require.True(t, ok)
	assert.InDelta(t, 12.5, q.LastPrice, 1e-9)

	ob := model.OrderBook{Security: secA}
	ob.BidPrice[0] = 12.4
	b.ProcessOrderBook(ob)
	got, ok := b.GetOrderBook(secA)
	require.True(t, ok)
	bid, _, _, _ := got.Level(1)
	assert.InDelta(t, 12.4, bid, 1e-9)
}
