package gateway

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/blockingmap"
	"tradeharness/src/calendar"
	"tradeharness/src/model"
)

// DefaultOrderTimeout is how long a venue callback waits for the orderid it
// references to be registered by PlaceOrder.
const DefaultOrderTimeout = 5 * time.Second

var (
	errStale     = errors.New("stale update")
	errDuplicate = errors.New("duplicate deal")
)

// Base carries the state every gateway shares: clock, order and deal books,
// latest quotes and depth. Concrete gateways embed it and feed it through
// the Process* callbacks.
type Base struct {
	name         string
	securities   []model.Security
	cal          *calendar.Calendar
	orderTimeout time.Duration

	orders *blockingmap.Map[model.Order]
	deals  *blockingmap.Map[model.Deal]

	mu             sync.RWMutex
	marketDatetime time.Time
	orderSeq       []string
	dealSeq        []string
	dealsByOrder   map[string][]string
	quotes         map[string]model.Quote
	books          map[string]model.OrderBook
	lastPrices     map[string]float64
	listeners      []Listener

	log *logger.Entry
}

// NewBase builds the shared state. A nil calendar trades around the clock.
func NewBase(name string, securities []model.Security, cal *calendar.Calendar, orderTimeout time.Duration) *Base {
	if cal == nil {
		cal = calendar.New()
	}
	if orderTimeout <= 0 {
		orderTimeout = DefaultOrderTimeout
	}
	return &Base{
		name:         name,
		securities:   append([]model.Security(nil), securities...),
		cal:          cal,
		orderTimeout: orderTimeout,
		orders:       blockingmap.New[model.Order](),
		deals:        blockingmap.New[model.Deal](),
		dealsByOrder: make(map[string][]string),
		quotes:       make(map[string]model.Quote),
		books:        make(map[string]model.OrderBook),
		lastPrices:   make(map[string]float64),
		log: logger.WithFields(map[string]interface{}{
			"component": "gateway",
			"gateway":   name,
		}),
	}
}

func (b *Base) Name() string {
	return b.name
}

func (b *Base) Securities() []model.Security {
	return append([]model.Security(nil), b.securities...)
}

func (b *Base) Calendar() *calendar.Calendar {
	return b.cal
}

func (b *Base) Log() *logger.Entry {
	return b.log
}

func (b *Base) MarketDatetime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.marketDatetime
}

func (b *Base) SetMarketDatetime(t time.Time) {
	b.mu.Lock()
	b.marketDatetime = t
	b.mu.Unlock()
}

func (b *Base) IsTradingTime(t time.Time, sec model.Security) bool {
	return b.cal.InSession(t, sec)
}

func (b *Base) NextTradingDatetime(t time.Time, sec model.Security) (time.Time, bool) {
	return b.cal.NextTradingDatetime(t, sec)
}

func (b *Base) Window() (time.Time, time.Time) {
	return b.cal.Window()
}

func (b *Base) AddListener(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

func (b *Base) snapshotListeners() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Listener(nil), b.listeners...)
}

func (b *Base) emitOrder(o model.Order) {
	for _, l := range b.snapshotListeners() {
		l.OnOrder(b.name, o)
	}
}

func (b *Base) emitDeal(d model.Deal) {
	for _, l := range b.snapshotListeners() {
		l.OnDeal(b.name, d)
	}
}

// RegisterOrder stores a freshly placed order and wakes any callback that
// arrived for it first.
func (b *Base) RegisterOrder(o model.Order) {
	b.mu.Lock()
	if _, ok := b.orders.TryGet(o.OrderID); !ok {
		b.orderSeq = append(b.orderSeq, o.OrderID)
	}
	b.orders.Put(o.OrderID, o)
	b.mu.Unlock()
	b.emitOrder(o)
}

// GetOrder waits up to timeout for orderID. See blockingmap.Map.Get for the
// timeout conventions.
func (b *Base) GetOrder(orderID string, timeout time.Duration) (model.Order, bool) {
	return b.orders.Get(orderID, timeout)
}

// Orders returns every order in placement order.
func (b *Base) Orders() []model.Order {
	b.mu.RLock()
	ids := append([]string(nil), b.orderSeq...)
	b.mu.RUnlock()

	out := make([]model.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := b.orders.TryGet(id); ok {
			out = append(out, o)
		}
	}
	return out
}

// Deals returns every deal in arrival order.
func (b *Base) Deals() []model.Deal {
	b.mu.RLock()
	ids := append([]string(nil), b.dealSeq...)
	b.mu.RUnlock()
	return b.collectDeals(ids)
}

func (b *Base) FindDealsWithOrderID(orderID string) []model.Deal {
	b.mu.RLock()
	ids := append([]string(nil), b.dealsByOrder[orderID]...)
	b.mu.RUnlock()
	return b.collectDeals(ids)
}

func (b *Base) collectDeals(ids []string) []model.Deal {
	out := make([]model.Deal, 0, len(ids))
	for _, id := range ids {
		if d, ok := b.deals.TryGet(id); ok {
			out = append(out, d)
		}
	}
	return out
}

// waitOrder resolves the order a callback refers to. Venue callbacks may race
// ahead of PlaceOrder returning, so an unknown id is waited for.
func (b *Base) waitOrder(op, orderID string) (model.Order, error) {
	o, ok := b.orders.Get(orderID, b.orderTimeout)
	if !ok {
		b.log.WithFields(map[string]interface{}{
			"op":      op,
			"orderid": orderID,
			"timeout": b.orderTimeout.String(),
		}).Error("Callback references an order that never appeared")
		return model.Order{}, fmt.Errorf("%s %s: %w", op, orderID, model.ErrUnknownOrder)
	}
	return o, nil
}

// ProcessOrder merges a venue order update. Updates that would move the order
// backwards, or lower its filled quantity, are logged and dropped.
func (b *Base) ProcessOrder(u model.OrderUpdate) error {
	if _, err := b.waitOrder("ProcessOrder", u.OrderID); err != nil {
		return err
	}

	updated, err := b.orders.Update(u.OrderID, func(cur model.Order, _ bool) (model.Order, error) {
		if u.FilledQuantity != nil && *u.FilledQuantity < cur.FilledQuantity {
			u.FilledQuantity = nil
			u.FilledAvgPrice = nil
		}
		if u.Status != nil && !cur.Status.CanTransition(*u.Status) {
			return cur, errStale
		}
		next, err := u.Apply(cur)
		if err != nil {
			return cur, errors.Join(errStale, err)
		}
		return next, nil
	})
	if errors.Is(err, errStale) {
		fields := map[string]interface{}{"op": "ProcessOrder", "orderid": u.OrderID, "current": updated.Status}
		if u.Status != nil {
			fields["reported"] = *u.Status
		}
		b.log.WithFields(fields).WithError(err).Info("Ignoring out-of-order update")
		return nil
	}
	if err != nil {
		return err
	}
	b.emitOrder(updated)
	return nil
}

// ProcessDeal records a fill. Deals are keyed by dealid so a venue that
// replays a fill does not count it twice. The parent order's filled quantity
// and average price are recomputed from all of its deals.
func (b *Base) ProcessDeal(f model.DealFields) error {
	o, err := b.waitOrder("ProcessDeal", f.OrderID)
	if err != nil {
		return err
	}
	deal, err := model.NewDealFromOrder(f, o)
	if err != nil {
		return err
	}

	_, err = b.deals.Update(deal.DealID, func(cur model.Deal, ok bool) (model.Deal, error) {
		if ok {
			return cur, errDuplicate
		}
		return deal, nil
	})
	if errors.Is(err, errDuplicate) {
		b.log.WithFields(map[string]interface{}{"op": "ProcessDeal", "dealid": deal.DealID}).Debug("Duplicate deal ignored")
		return nil
	}

	b.mu.Lock()
	b.dealSeq = append(b.dealSeq, deal.DealID)
	b.dealsByOrder[deal.OrderID] = append(b.dealsByOrder[deal.OrderID], deal.DealID)
	ids := append([]string(nil), b.dealsByOrder[deal.OrderID]...)
	b.mu.Unlock()

	qty, avg := model.AggregateFills(b.collectDeals(ids))
	updated, _ := b.orders.Update(deal.OrderID, func(cur model.Order, _ bool) (model.Order, error) {
		if qty > cur.Quantity {
			b.log.WithFields(map[string]interface{}{
				"op":       "ProcessDeal",
				"orderid":  cur.OrderID,
				"filled":   qty,
				"quantity": cur.Quantity,
			}).Warn("Deals exceed order quantity")
			qty = cur.Quantity
		}
		if qty < cur.FilledQuantity {
			return cur, nil
		}
		cur.FilledQuantity = qty
		cur.FilledAvgPrice = avg
		status := model.OrderStatusPartFilled
		if qty >= cur.Quantity {
			status = model.OrderStatusFilled
		}
		if cur.Status.CanTransition(status) {
			cur.Status = status
		}
		t := deal.UpdateTime
		cur.UpdatedTime = &t
		return cur, nil
	})

	b.emitDeal(deal)
	b.emitOrder(updated)
	return nil
}

// ProcessQuote stores the latest quote and its last price.
func (b *Base) ProcessQuote(q model.Quote) {
	b.mu.Lock()
	b.quotes[q.Security.Key()] = q
	if q.LastPrice > 0 {
		b.lastPrices[q.Security.Key()] = q.LastPrice
	}
	b.mu.Unlock()
}

func (b *Base) ProcessOrderBook(ob model.OrderBook) {
	b.mu.Lock()
	b.books[ob.Security.Key()] = ob
	b.mu.Unlock()
}

func (b *Base) GetQuote(sec model.Security) (*model.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[sec.Key()]
	if !ok {
		return nil, false
	}
	return &q, true
}

func (b *Base) GetOrderBook(sec model.Security) (*model.OrderBook, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ob, ok := b.books[sec.Key()]
	if !ok {
		return nil, false
	}
	return &ob, true
}

// SetLastPrice records a mark, typically the close of the latest bar.
func (b *Base) SetLastPrice(sec model.Security, px float64) {
	b.mu.Lock()
	b.lastPrices[sec.Key()] = px
	b.mu.Unlock()
}

func (b *Base) LastPrice(sec model.Security) (float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	px, ok := b.lastPrices[sec.Key()]
	return px, ok
}

// ActiveOrders returns orders that can still trade, sorted by orderid.
func (b *Base) ActiveOrders() []model.Order {
	var out []model.Order
	for _, o := range b.Orders() {
		if o.Status.IsActive() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// MarkCancelled moves an active order to Cancelled. Unknown ids are logged,
// terminal orders are left alone.
func (b *Base) MarkCancelled(orderID string) {
	o, ok := b.orders.TryGet(orderID)
	if !ok {
		b.log.WithFields(map[string]interface{}{"op": "CancelOrder", "orderid": orderID}).Warn("Cancel for unknown order ignored")
		return
	}
	if o.Status.IsTerminal() {
		b.log.WithFields(map[string]interface{}{"op": "CancelOrder", "orderid": orderID, "status": o.Status}).Info("Order already terminal")
		return
	}
	now := b.MarketDatetime()
	_ = b.ProcessOrder(model.OrderUpdate{
		OrderID:     orderID,
		Status:      model.Ptr(model.OrderStatusCancelled),
		UpdatedTime: &now,
	})
}
