package model

import (
	"fmt"
	"time"
)

// Deal is one executed fill. Several deals may reference the same orderid.
type Deal struct {
	DealID         string    `json:"dealid"`
	OrderID        string    `json:"orderid"`
	Security       Security  `json:"security"`
	Direction      Direction `json:"direction"`
	Offset         Offset    `json:"offset"`
	OrderType      OrderType `json:"order_type"`
	UpdateTime     time.Time `json:"update_time"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	FilledQuantity float64   `json:"filled_quantity"`
}

// DealFields is the venue-reported part of a fill. The rest of the Deal is
// taken from the order it references.
type DealFields struct {
	DealID         string
	OrderID        string
	UpdateTime     time.Time
	FilledAvgPrice float64
	FilledQuantity float64
}

// NewDealFromOrder completes the reported fields with the order identity.
func NewDealFromOrder(f DealFields, o Order) (Deal, error) {
	if f.DealID == "" {
		return Deal{}, fmt.Errorf("deal for order %s without dealid", f.OrderID)
	}
	if f.FilledQuantity <= 0 {
		return Deal{}, fmt.Errorf("deal %s: non-positive quantity %v", f.DealID, f.FilledQuantity)
	}
	return Deal{
		DealID:         f.DealID,
		OrderID:        o.OrderID,
		Security:       o.Security,
		Direction:      o.Direction,
		Offset:         o.Offset,
		OrderType:      o.OrderType,
		UpdateTime:     f.UpdateTime,
		FilledAvgPrice: f.FilledAvgPrice,
		FilledQuantity: f.FilledQuantity,
	}, nil
}

// Notional is price times quantity.
func (d Deal) Notional() float64 {
	return d.FilledAvgPrice * d.FilledQuantity
}

// AggregateFills returns the total quantity and the quantity-weighted
// average price over a set of deals.
func AggregateFills(deals []Deal) (qty, avgPrice float64) {
	var notional float64
	for _, d := range deals {
		qty += d.FilledQuantity
		notional += d.Notional()
	}
	if qty == 0 {
		return 0, 0
	}
	return qty, notional / qty
}
