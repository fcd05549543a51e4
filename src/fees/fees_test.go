package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tradeharness/src/model"
)

func deal(dir model.Direction, price, qty float64) model.Deal {
	return model.Deal{
		DealID:         "d",
		Security:       model.NewStock("00700", "tencent", "SEHK", 100),
		Direction:      dir,
		FilledAvgPrice: price,
		FilledQuantity: qty,
	}
}

func TestZero(t *testing.T) {
	f := Zero([]model.Deal{deal(model.DirectionLong, 10, 100)})
	require.True(t, f.Total.IsZero())
}

func TestFlat(t *testing.T) {
	fn, err := ByName("flat", map[string]float64{"per_deal": 1.5})
	require.NoError(t, err)

	f := fn([]model.Deal{deal(model.DirectionLong, 10, 100), deal(model.DirectionShort, 11, 100)})
	require.True(t, decimal.NewFromInt(3).Equal(f.Total), "got %s", f.Total)
}

func TestRate(t *testing.T) {
	fn := Rate(RateConfig{CommissionBps: 3, MinCommission: 3, PlatformPerDeal: 15, StampBps: 13, SettlementPerLot: 1})

	tests := []struct {
		name string
		deal model.Deal
		want string
	}{
		// 1000 notional: commission 0.3 -> minimum 3, platform 15, 1 lot settlement
		{name: "buy uses minimum", deal: deal(model.DirectionLong, 10, 100), want: "19"},
		// 100000 notional: commission 30, platform 15, stamp 130, 2 lots
		{name: "sell adds stamp", deal: deal(model.DirectionShort, 500, 200), want: "177"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := fn([]model.Deal{tc.deal})
			require.True(t, decimal.RequireFromString(tc.want).Equal(f.Total), "got %s", f.Total)
		})
	}
}

func TestByNameUnknown(t *testing.T) {
	_, err := ByName("mystery", nil)
	require.Error(t, err)

	fn, err := ByName("", nil)
	require.NoError(t, err)
	require.True(t, fn(nil).Total.IsZero())
}
