// Package fees holds the fee plug-ins used by portfolio accounting.
package fees

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"tradeharness/src/model"
)

// Fees is the structured fee record of a set of deals. Portfolio accounting
// only looks at Total; the breakdown is for reporting.
type Fees struct {
	Commissions     decimal.Decimal `json:"commissions"`
	PlatformFees    decimal.Decimal `json:"platform_fees"`
	ExchangeFees    decimal.Decimal `json:"exchange_fees"`
	SettlementFees  decimal.Decimal `json:"settlement_fees"`
	StampFees       decimal.Decimal `json:"stamp_fees"`
	TradeFees       decimal.Decimal `json:"trade_fees"`
	TransactionFees decimal.Decimal `json:"transaction_fees"`
	Total           decimal.Decimal `json:"total"`
}

// Sum recomputes Total from the components.
func (f Fees) Sum() Fees {
	f.Total = f.Commissions.
		Add(f.PlatformFees).
		Add(f.ExchangeFees).
		Add(f.SettlementFees).
		Add(f.StampFees).
		Add(f.TradeFees).
		Add(f.TransactionFees)
	return f
}

// FeeFunc computes fees for an ordered set of deals.
type FeeFunc func(deals []model.Deal) Fees

// Zero charges nothing.
func Zero(_ []model.Deal) Fees {
	return Fees{}
}

// Flat charges a fixed commission per deal.
func Flat(perDeal float64) FeeFunc {
	amount := decimal.NewFromFloat(perDeal)
	return func(deals []model.Deal) Fees {
		return Fees{Commissions: amount.Mul(decimal.NewFromInt(int64(len(deals))))}.Sum()
	}
}

// RateConfig describes a notional-based schedule. Rates are in basis points.
type RateConfig struct {
	CommissionBps    float64
	MinCommission    float64
	PlatformPerDeal  float64
	ExchangeBps      float64
	StampBps         float64 // charged on sells only
	SettlementPerLot float64
}

// Rate builds a notional-based fee function.
func Rate(cfg RateConfig) FeeFunc {
	bp := decimal.NewFromInt(10000)
	commission := decimal.NewFromFloat(cfg.CommissionBps).Div(bp)
	minimum := decimal.NewFromFloat(cfg.MinCommission)
	platform := decimal.NewFromFloat(cfg.PlatformPerDeal)
	exchange := decimal.NewFromFloat(cfg.ExchangeBps).Div(bp)
	stamp := decimal.NewFromFloat(cfg.StampBps).Div(bp)
	settlement := decimal.NewFromFloat(cfg.SettlementPerLot)

	return func(deals []model.Deal) Fees {
		var out Fees
		for _, d := range deals {
			notional := decimal.NewFromFloat(d.FilledAvgPrice).Mul(decimal.NewFromFloat(d.FilledQuantity))

			c := notional.Mul(commission)
			if c.LessThan(minimum) {
				c = minimum
			}
			out.Commissions = out.Commissions.Add(c)
			out.PlatformFees = out.PlatformFees.Add(platform)
			out.ExchangeFees = out.ExchangeFees.Add(notional.Mul(exchange))
			if d.Direction == model.DirectionShort {
				out.StampFees = out.StampFees.Add(notional.Mul(stamp))
			}
			if d.Security.LotSize > 0 && !settlement.IsZero() {
				lots := decimal.NewFromFloat(d.FilledQuantity).Div(decimal.NewFromInt(int64(d.Security.LotSize))).Ceil()
				out.SettlementFees = out.SettlementFees.Add(lots.Mul(settlement))
			}
		}
		return out.Sum()
	}
}

type factory func(params map[string]float64) (FeeFunc, error)

var registry = map[string]factory{
	"zero": func(_ map[string]float64) (FeeFunc, error) {
		return Zero, nil
	},
	"flat": func(params map[string]float64) (FeeFunc, error) {
		v, ok := params["per_deal"]
		if !ok {
			return nil, fmt.Errorf("flat fees need per_deal")
		}
		return Flat(v), nil
	},
	"rate": func(params map[string]float64) (FeeFunc, error) {
		return Rate(RateConfig{
			CommissionBps:    params["commission_bps"],
			MinCommission:    params["min_commission"],
			PlatformPerDeal:  params["platform_per_deal"],
			ExchangeBps:      params["exchange_bps"],
			StampBps:         params["stamp_bps"],
			SettlementPerLot: params["settlement_per_lot"],
		}), nil
	},
}

// ByName resolves a fee plug-in from a gateway record. Empty means zero.
func ByName(name string, params map[string]float64) (FeeFunc, error) {
	if name == "" {
		return Zero, nil
	}
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown fee plug-in %q (known: %v)", name, Names())
	}
	return f(params)
}

// Names lists the registered fee plug-ins.
func Names() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
