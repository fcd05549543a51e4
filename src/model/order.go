package model

import (
	"fmt"
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Sign is +1 for long and -1 for short.
func (d Direction) Sign() float64 {
	if d == DirectionShort {
		return -1
	}
	return 1
}

type Offset string

const (
	OffsetOpen           Offset = "open"
	OffsetClose          Offset = "close"
	OffsetCloseToday     Offset = "close_today"
	OffsetCloseYesterday Offset = "close_yesterday"
	OffsetNone           Offset = "none"
)

// IsClose reports whether the offset reduces an existing position.
func (o Offset) IsClose() bool {
	return o == OffsetClose || o == OffsetCloseToday || o == OffsetCloseYesterday
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
	OrderTypeStop   OrderType = "stop"
	OrderTypeFAK    OrderType = "fak"
	OrderTypeFOK    OrderType = "fok"
)

type OrderStatus string

const (
	OrderStatusUnknown    OrderStatus = "unknown"
	OrderStatusSubmitting OrderStatus = "submitting"
	OrderStatusSubmitted  OrderStatus = "submitted"
	OrderStatusPartFilled OrderStatus = "part_filled"
	OrderStatusFilled     OrderStatus = "filled"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusFailed     OrderStatus = "failed"
)

// orderTransitions lists, for every status, the statuses reachable by a
// single observed update. Updates may skip intermediate states because a
// venue is free to report only the latest one.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusUnknown: {
		OrderStatusSubmitting, OrderStatusSubmitted, OrderStatusPartFilled,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed,
	},
	OrderStatusSubmitting: {
		OrderStatusSubmitted, OrderStatusPartFilled,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed,
	},
	OrderStatusSubmitted: {
		OrderStatusPartFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed,
	},
	OrderStatusPartFilled: {
		OrderStatusFilled, OrderStatusCancelled,
	},
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

// IsActive reports whether the order can still trade.
func (s OrderStatus) IsActive() bool {
	return !s.IsTerminal()
}

// CanTransition reports whether an order in status s may move to next.
// Repeating the current status is allowed (partial fills re-report PartFilled).
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Order is an instruction sent to a venue.
type Order struct {
	OrderID        string      `json:"orderid"`
	Security       Security    `json:"security"`
	Price          float64     `json:"price"`
	StopPrice      *float64    `json:"stop_price,omitempty"`
	Quantity       float64     `json:"quantity"`
	Direction      Direction   `json:"direction"`
	Offset         Offset      `json:"offset"`
	OrderType      OrderType   `json:"order_type"`
	CreateTime     time.Time   `json:"create_time"`
	UpdatedTime    *time.Time  `json:"updated_time,omitempty"`
	FilledAvgPrice float64     `json:"filled_avg_price"`
	FilledQuantity float64     `json:"filled_quantity"`
	Status         OrderStatus `json:"status"`
}

// Validate checks the request-side fields before submission.
func (o Order) Validate() error {
	if o.Quantity <= 0 {
		return fmt.Errorf("order %s: quantity must be positive, got %v", o.Security.Code, o.Quantity)
	}
	if o.FilledQuantity < 0 || o.FilledQuantity > o.Quantity {
		return fmt.Errorf("order %s: filled quantity %v outside [0,%v]", o.Security.Code, o.FilledQuantity, o.Quantity)
	}
	if o.OrderType == OrderTypeStop && o.StopPrice == nil {
		return fmt.Errorf("order %s: stop order without stop price", o.Security.Code)
	}
	return nil
}

// RemainingQuantity is the unfilled part of the order.
func (o Order) RemainingQuantity() float64 {
	return o.Quantity - o.FilledQuantity
}

// OrderUpdate carries the fields a venue callback reports for one orderid.
// Nil fields are left untouched when merged.
type OrderUpdate struct {
	OrderID        string
	Status         *OrderStatus
	FilledAvgPrice *float64
	FilledQuantity *float64
	UpdatedTime    *time.Time
	Price          *float64
}

// Apply merges the update into a copy of the order. It fails if the status
// change would move the order backwards.
func (u OrderUpdate) Apply(o Order) (Order, error) {
	if u.Status != nil {
		if !o.Status.CanTransition(*u.Status) {
			return o, fmt.Errorf("order %s: illegal status transition %s -> %s", o.OrderID, o.Status, *u.Status)
		}
		o.Status = *u.Status
	}
	if u.FilledQuantity != nil {
		if *u.FilledQuantity < 0 || *u.FilledQuantity > o.Quantity {
			return o, fmt.Errorf("order %s: filled quantity %v outside [0,%v]", o.OrderID, *u.FilledQuantity, o.Quantity)
		}
		o.FilledQuantity = *u.FilledQuantity
	}
	if u.FilledAvgPrice != nil {
		o.FilledAvgPrice = *u.FilledAvgPrice
	}
	if u.Price != nil {
		o.Price = *u.Price
	}
	if u.UpdatedTime != nil {
		t := *u.UpdatedTime
		o.UpdatedTime = &t
	}
	return o, nil
}

// Ptr is a small helper for building updates.
func Ptr[T any](v T) *T {
	return &v
}
