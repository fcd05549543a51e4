package model

import "time"

// OrderLog stores a snapshot of an order each time its state changes.
type OrderLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	RunID   string `gorm:"size:64;index" json:"run_id"`
	Gateway string `gorm:"size:64;index" json:"gateway"`
	OrderID string `gorm:"size:128;index" json:"orderid"`

	// Snapshot of the order at the moment of this log entry
	Code           string   `gorm:"size:64" json:"code"`
	Direction      string   `gorm:"size:10" json:"direction"`
	Offset         string   `gorm:"size:20" json:"offset"`
	OrderType      string   `gorm:"size:10" json:"order_type"`
	Price          float64  `json:"price"`
	StopPrice      *float64 `json:"stop_price,omitempty"`
	Quantity       float64  `json:"quantity"`
	FilledAvgPrice float64  `json:"filled_avg_price"`
	FilledQuantity float64  `json:"filled_quantity"`
	Status         string   `gorm:"size:20;not null" json:"status"` // see OrderStatus* constants

	OrderCreatedAt time.Time `json:"order_created_at"`
	CreatedAt      time.Time `json:"created_at"` // log creation
}

func (OrderLog) TableName() string {
	return "order_logs"
}

// NewOrderLog snapshots the order for the journal.
func NewOrderLog(runID, gateway string, o Order) *OrderLog {
	return &OrderLog{
		RunID:          runID,
		Gateway:        gateway,
		OrderID:        o.OrderID,
		Code:           o.Security.Code,
		Direction:      string(o.Direction),
		Offset:         string(o.Offset),
		OrderType:      string(o.OrderType),
		Price:          o.Price,
		StopPrice:      o.StopPrice,
		Quantity:       o.Quantity,
		FilledAvgPrice: o.FilledAvgPrice,
		FilledQuantity: o.FilledQuantity,
		Status:         string(o.Status),
		OrderCreatedAt: o.CreateTime,
	}
}

// DealLog is the immutable record of one fill.
type DealLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	RunID   string `gorm:"size:64;index" json:"run_id"`
	Gateway string `gorm:"size:64;uniqueIndex:idx_deal_gateway" json:"gateway"`
	DealID  string `gorm:"size:128;uniqueIndex:idx_deal_gateway" json:"dealid"`
	OrderID string `gorm:"size:128;index" json:"orderid"`

	Code           string    `gorm:"size:64" json:"code"`
	Direction      string    `gorm:"size:10" json:"direction"`
	Offset         string    `gorm:"size:20" json:"offset"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
	FilledQuantity float64   `json:"filled_quantity"`
	Fee            float64   `json:"fee"`
	DealTime       time.Time `json:"deal_time"`
	CreatedAt      time.Time `json:"created_at"`
}

func (DealLog) TableName() string {
	return "deal_logs"
}

func NewDealLog(runID, gateway string, d Deal, fee float64) *DealLog {
	return &DealLog{
		RunID:          runID,
		Gateway:        gateway,
		DealID:         d.DealID,
		OrderID:        d.OrderID,
		Code:           d.Security.Code,
		Direction:      string(d.Direction),
		Offset:         string(d.Offset),
		FilledAvgPrice: d.FilledAvgPrice,
		FilledQuantity: d.FilledQuantity,
		Fee:            fee,
		DealTime:       d.UpdateTime,
	}
}
