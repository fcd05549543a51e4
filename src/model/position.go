package model

import "time"

// PositionData is one side of a holding. Quantity is always positive; a row
// that reaches zero is removed by the portfolio.
type PositionData struct {
	Security     Security  `json:"security"`
	Direction    Direction `json:"direction"`
	HoldingPrice float64   `json:"holding_price"`
	Quantity     float64   `json:"quantity"`
	UpdateTime   time.Time `json:"update_time"`
}

// AccountBalance groups the cash figures reported by a venue or tracked by
// the portfolio. Only Cash is maintained by fill accounting.
type AccountBalance struct {
	Cash              float64            `json:"cash"`
	Power             float64            `json:"power"`
	NetCashPower      float64            `json:"net_cash_power"`
	InitialMargin     float64            `json:"initial_margin"`
	MaintenanceMargin float64            `json:"maintenance_margin"`
	RealizedPnL       float64            `json:"realized_pnl"`
	UnrealizedPnL     float64            `json:"unrealized_pnl"`
	CashByCurrency    map[string]float64 `json:"cash_by_currency,omitempty"`
}

// Clone returns a copy that does not share the currency map.
func (b AccountBalance) Clone() AccountBalance {
	out := b
	if b.CashByCurrency != nil {
		out.CashByCurrency = make(map[string]float64, len(b.CashByCurrency))
		for k, v := range b.CashByCurrency {
			out.CashByCurrency[k] = v
		}
	}
	return out
}
