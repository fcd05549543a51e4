package portfolio

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CostBasisPolicy decides the holding price after a fill.
type CostBasisPolicy interface {
	Name() string
	// Open returns the holding price after adding qty at price to oldQty at oldAvg.
	Open(oldAvg, oldQty, price, qty decimal.Decimal) decimal.Decimal
	// Close returns the holding price of the newQty that remains after
	// closing qty at price. newQty is always positive.
	Close(oldAvg, oldQty, price, qty, newQty decimal.Decimal) decimal.Decimal
}

// RunningAverage is the default policy. On a partial close it rolls the
// realised amount into the basis: (oldAvg*oldQty - price*qty) / newQty.
type RunningAverage struct{}

func (RunningAverage) Name() string { return "running_average" }

func (RunningAverage) Open(oldAvg, oldQty, price, qty decimal.Decimal) decimal.Decimal {
	return weighted(oldAvg, oldQty, price, qty)
}

func (RunningAverage) Close(oldAvg, oldQty, price, qty, newQty decimal.Decimal) decimal.Decimal {
	return oldAvg.Mul(oldQty).Sub(price.Mul(qty)).Div(newQty)
}

// PreserveAverage keeps the holding price unchanged on a partial close.
type PreserveAverage struct{}

func (PreserveAverage) Name() string { return "preserve_average" }

func (PreserveAverage) Open(oldAvg, oldQty, price, qty decimal.Decimal) decimal.Decimal {
	return weighted(oldAvg, oldQty, price, qty)
}

func (PreserveAverage) Close(oldAvg, _, _, _, _ decimal.Decimal) decimal.Decimal {
	return oldAvg
}

func weighted(oldAvg, oldQty, price, qty decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(qty)
	if total.IsZero() {
		return price
	}
	return oldAvg.Mul(oldQty).Add(price.Mul(qty)).Div(total)
}

// CostBasisByName resolves a policy from configuration. Empty selects the default.
func CostBasisByName(name string) (CostBasisPolicy, error) {
	switch name {
	case "", "running_average":
		return RunningAverage{}, nil
	case "preserve_average":
		return PreserveAverage{}, nil
	default:
		return nil, fmt.Errorf("unknown cost basis policy %q", name)
	}
}
