// Package portfolio turns a stream of fills into cash and position state.
package portfolio

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"

	"tradeharness/src/fees"
	"tradeharness/src/model"
)

var hoursPerDay = decimal.NewFromInt(24)

// PriceSource returns the latest mark for a security.
type PriceSource interface {
	LastPrice(sec model.Security) (float64, bool)
}

// Options configures a Portfolio. Zero values select defaults.
type Options struct {
	Fees      fees.FeeFunc
	CostBasis CostBasisPolicy
	// ShortRate is the daily borrow rate charged when a short is bought back.
	ShortRate float64
}

type holding struct {
	security model.Security
	long     *model.PositionData
	short    *model.PositionData
}

func (h *holding) side(d model.Direction) **model.PositionData {
	if d == model.DirectionShort {
		return &h.short
	}
	return &h.long
}

func (h *holding) empty() bool {
	return h.long == nil && h.short == nil
}

// Portfolio tracks one strategy account on one gateway. All methods are safe
// for concurrent use; updates are applied one at a time.
type Portfolio struct {
	mu sync.Mutex

	gateway   string
	balance   model.AccountBalance
	cash      decimal.Decimal
	holdings  map[string]*holding
	fees      fees.FeeFunc
	costBasis CostBasisPolicy
	shortRate decimal.Decimal
	prices    PriceSource
	feesPaid  decimal.Decimal

	log *logger.Entry
}

// New creates a portfolio with initial cash.
func New(gateway string, cash float64, prices PriceSource, opts Options) *Portfolio {
	if opts.Fees == nil {
		opts.Fees = fees.Zero
	}
	if opts.CostBasis == nil {
		opts.CostBasis = RunningAverage{}
	}
	return &Portfolio{
		gateway:   gateway,
		balance:   model.AccountBalance{Cash: cash},
		cash:      decimal.NewFromFloat(cash),
		holdings:  make(map[string]*holding),
		fees:      opts.Fees,
		costBasis: opts.CostBasis,
		shortRate: decimal.NewFromFloat(opts.ShortRate),
		prices:    prices,
		log: logger.WithFields(map[string]interface{}{
			"component": "portfolio",
			"gateway":   gateway,
		}),
	}
}

func (p *Portfolio) Gateway() string {
	return p.gateway
}

// Update applies one fill. A close that exceeds the held quantity returns an
// *model.AccountingError and leaves the portfolio untouched.
func (p *Portfolio) Update(deal model.Deal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	price := decimal.NewFromFloat(deal.FilledAvgPrice)
	qty := decimal.NewFromFloat(deal.FilledQuantity)
	key := deal.Security.Key()

	h, ok := p.holdings[key]
	if !ok {
		h = &holding{security: deal.Security}
	}

	closing := p.isClosing(deal, h)

	// Validate before touching anything so a failed close is a no-op.
	var target **model.PositionData
	if closing {
		target = h.side(deal.Direction.Opposite())
		held := decimal.Zero
		if *target != nil {
			held = decimal.NewFromFloat((*target).Quantity)
		}
		if held.Sub(qty).IsNegative() {
			return &model.AccountingError{
				Security:  deal.Security,
				Direction: deal.Direction.Opposite(),
				Held:      held.InexactFloat64(),
				Closing:   deal.FilledQuantity,
				DealID:    deal.DealID,
			}
		}
	} else {
		target = h.side(deal.Direction)
	}

	fee := p.fees([]model.Deal{deal}).Total
	notional := price.Mul(qty)

	// cash
	if deal.Direction == model.DirectionLong {
		p.cash = p.cash.Sub(notional).Sub(fee)
		if closing {
			p.cash = p.cash.Sub(p.shortInterest(*target, qty, deal.UpdateTime))
		}
	} else {
		p.cash = p.cash.Add(notional).Sub(fee)
	}
	p.feesPaid = p.feesPaid.Add(fee)

	// position
	if closing {
		pos := *target
		oldQty := decimal.NewFromFloat(pos.Quantity)
		oldAvg := decimal.NewFromFloat(pos.HoldingPrice)
		newQty := oldQty.Sub(qty)
		if newQty.IsZero() {
			*target = nil
		} else {
			pos.HoldingPrice = p.costBasis.Close(oldAvg, oldQty, price, qty, newQty).InexactFloat64()
			pos.Quantity = newQty.InexactFloat64()
		}
	} else if *target == nil {
		*target = &model.PositionData{
			Security:     deal.Security,
			Direction:    deal.Direction,
			HoldingPrice: deal.FilledAvgPrice,
			Quantity:     deal.FilledQuantity,
			UpdateTime:   deal.UpdateTime,
		}
	} else {
		pos := *target
		oldQty := decimal.NewFromFloat(pos.Quantity)
		oldAvg := decimal.NewFromFloat(pos.HoldingPrice)
		pos.HoldingPrice = p.costBasis.Open(oldAvg, oldQty, price, qty).InexactFloat64()
		pos.Quantity = oldQty.Add(qty).InexactFloat64()
		pos.UpdateTime = deal.UpdateTime
	}

	if h.empty() {
		delete(p.holdings, key)
	} else {
		p.holdings[key] = h
	}
	p.balance.Cash = p.cash.InexactFloat64()

	p.log.WithFields(map[string]interface{}{
		"op":        "Update",
		"dealid":    deal.DealID,
		"orderid":   deal.OrderID,
		"security":  deal.Security.Code,
		"direction": deal.Direction,
		"offset":    deal.Offset,
		"price":     deal.FilledAvgPrice,
		"qty":       deal.FilledQuantity,
		"fee":       fee.String(),
		"cash":      p.balance.Cash,
	}).Debug("Deal applied")

	return nil
}

// isClosing resolves the offset. OffsetNone nets against an opposite holding
// when one exists and opens otherwise.
func (p *Portfolio) isClosing(deal model.Deal, h *holding) bool {
	if deal.Offset.IsClose() {
		return true
	}
	if deal.Offset == model.OffsetNone {
		return *h.side(deal.Direction.Opposite()) != nil
	}
	return false
}

// shortInterest is short_avg * qty * days_held * short_rate.
func (p *Portfolio) shortInterest(short *model.PositionData, qty decimal.Decimal, at time.Time) decimal.Decimal {
	if short == nil || p.shortRate.IsZero() || at.IsZero() || short.UpdateTime.IsZero() {
		return decimal.Zero
	}
	held := at.Sub(short.UpdateTime)
	if held <= 0 {
		return decimal.Zero
	}
	days := decimal.NewFromFloat(held.Hours()).Div(hoursPerDay)
	return decimal.NewFromFloat(short.HoldingPrice).Mul(qty).Mul(days).Mul(p.shortRate)
}

// Value is cash plus signed mark-to-market of every holding. Securities with
// no mark yet are valued at their holding price.
func (p *Portfolio) Value() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.cash
	for _, h := range p.holdings {
		mark, ok := 0.0, false
		if p.prices != nil {
			mark, ok = p.prices.LastPrice(h.security)
		}
		for _, pos := range []*model.PositionData{h.long, h.short} {
			if pos == nil {
				continue
			}
			px := mark
			if !ok {
				px = pos.HoldingPrice
			}
			mv := decimal.NewFromFloat(px).Mul(decimal.NewFromFloat(pos.Quantity))
			if pos.Direction == model.DirectionShort {
				total = total.Sub(mv)
			} else {
				total = total.Add(mv)
			}
		}
	}
	return total.InexactFloat64()
}

// Balance returns a copy of the account balance.
func (p *Portfolio) Balance() model.AccountBalance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance.Clone()
}

// FeesPaid is the running total of fees charged by Update.
func (p *Portfolio) FeesPaid() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.feesPaid.InexactFloat64()
}

// SetBalance replaces the balance with a broker snapshot.
func (p *Portfolio) SetBalance(b model.AccountBalance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance = b.Clone()
	p.cash = decimal.NewFromFloat(b.Cash)
}

// SetPositions replaces all holdings with a broker snapshot. Rows with a
// non-positive quantity are dropped.
func (p *Portfolio) SetPositions(rows []model.PositionData) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.holdings = make(map[string]*holding)
	for i := range rows {
		row := rows[i]
		if row.Quantity <= 0 {
			p.log.WithFields(map[string]interface{}{
				"op":       "SetPositions",
				"security": row.Security.Code,
				"qty":      row.Quantity,
			}).Warn("Dropping broker position with non-positive quantity")
			continue
		}
		key := row.Security.Key()
		h, ok := p.holdings[key]
		if !ok {
			h = &holding{security: row.Security}
			p.holdings[key] = h
		}
		*h.side(row.Direction) = &row
	}
}

// Position returns the rows held for one security (at most one per direction).
func (p *Portfolio) Position(sec model.Security) []model.PositionData {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.holdings[sec.Key()]
	if !ok {
		return nil
	}
	return h.rows()
}

// Positions returns every row ordered by security code then direction.
func (p *Portfolio) Positions() []model.PositionData {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.PositionData, 0, len(p.holdings)*2)
	for _, h := range p.holdings {
		out = append(out, h.rows()...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Security.Code != out[j].Security.Code {
			return out[i].Security.Code < out[j].Security.Code
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

func (h *holding) rows() []model.PositionData {
	out := make([]model.PositionData, 0, 2)
	if h.long != nil {
		out = append(out, *h.long)
	}
	if h.short != nil {
		out = append(out, *h.short)
	}
	return out
}
