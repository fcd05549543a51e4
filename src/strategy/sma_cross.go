package strategy

import (
	"fmt"

	"tradeharness/src/engine"
	"tradeharness/src/model"
)

// SMACross goes long when the fast moving average of closes crosses above
// the slow one and closes the long when it crosses back below. With a
// positive TrailLookback the long is also closed when a bar closes under
// the trailing stop.
type SMACross struct {
	*Base

	Gateway  string
	Security model.Security
	Fast     int
	Slow     int
	Quantity float64
	// TrailLookback enables the trailing stop; zero disables it.
	TrailLookback int

	closes []float64
	above  *bool
	bars   []model.Bar
	stop   float64
}

func NewSMACross(e *engine.Engine, gw string, sec model.Security, fast, slow int, qty float64) *SMACross {
	s := &SMACross{
		Base:     NewBase(e),
		Gateway:  gw,
		Security: sec,
		Fast:     fast,
		Slow:     slow,
		Quantity: qty,
	}
	s.RegisterField("fast_sma", func(string) (interface{}, error) { return sma(s.closes, s.Fast), nil })
	s.RegisterField("slow_sma", func(string) (interface{}, error) { return sma(s.closes, s.Slow), nil })
	return s
}

func (s *SMACross) InitStrategy() error {
	if s.Fast <= 0 || s.Slow <= s.Fast {
		return model.NewConfigError("strategy", "sma_cross needs 0 < fast < slow, got %d/%d", s.Fast, s.Slow)
	}
	if s.Quantity <= 0 {
		return model.NewConfigError("strategy", "sma_cross quantity must be positive")
	}
	if _, err := s.Engine.Gateway(s.Gateway); err != nil {
		return err
	}
	s.Log().WithFields(map[string]interface{}{
		"op":       "InitStrategy",
		"gateway":  s.Gateway,
		"security": s.Security.Code,
		"fast":     s.Fast,
		"slow":     s.Slow,
	}).Info("Strategy ready")
	return nil
}

func (s *SMACross) OnBar(data model.MarketData) error {
	cd := data[s.Gateway][s.Security]
	if cd == nil || cd.Bar == nil {
		return nil
	}
	s.closes = append(s.closes, cd.Bar.Close)
	if len(s.closes) > s.Slow {
		s.closes = s.closes[len(s.closes)-s.Slow:]
	}
	if s.TrailLookback > 0 {
		s.bars = append(s.bars, *cd.Bar)
		if len(s.bars) > s.TrailLookback+1 {
			s.bars = s.bars[len(s.bars)-s.TrailLookback-1:]
		}
	}
	if len(s.closes) < s.Slow {
		return nil
	}

	fast, slow := sma(s.closes, s.Fast), sma(s.closes, s.Slow)
	above := fast > slow
	prev := s.above
	s.above = &above

	held, err := s.longQuantity()
	if err != nil {
		return err
	}
	if s.TrailLookback > 0 && held > 0 {
		if s.stop > 0 && cd.Bar.Close < s.stop {
			s.stop = 0
			return s.send(model.DirectionShort, model.OffsetClose, cd.Bar.Close, held, "stop")
		}
		if next, moved := TrailingStop(model.DirectionLong, s.stop, s.bars, s.TrailLookback); moved {
			s.stop = next
		}
	}

	if prev == nil || *prev == above {
		return nil
	}
	switch {
	case above && held == 0:
		s.stop = 0
		return s.send(model.DirectionLong, model.OffsetOpen, cd.Bar.Close, s.Quantity, "buy")
	case !above && held > 0:
		return s.send(model.DirectionShort, model.OffsetClose, cd.Bar.Close, held, "sell")
	}
	return nil
}

// TrailStop is the current trailing stop, zero when unset.
func (s *SMACross) TrailStop() float64 {
	return s.stop
}

func (s *SMACross) longQuantity() (float64, error) {
	rows, err := s.Engine.GetPosition(s.Gateway, s.Security)
	if err != nil {
		return 0, err
	}
	var qty float64
	for _, r := range rows {
		if r.Direction == model.DirectionLong {
			qty += r.Quantity
		}
	}
	return qty, nil
}

func (s *SMACross) send(dir model.Direction, off model.Offset, price, qty float64, label string) error {
	id := s.Engine.SendOrder(s.Gateway, model.Order{
		Security:  s.Security,
		Price:     price,
		Quantity:  qty,
		Direction: dir,
		Offset:    off,
		OrderType: model.OrderTypeMarket,
	})
	if id == "" {
		s.Log().WithFields(map[string]interface{}{"op": "OnBar", "gateway": s.Gateway}).Warn("Signal not executed")
		return nil
	}
	return s.UpdateAction(s.Gateway, fmt.Sprintf("%s %v@%v", label, qty, price))
}

func sma(xs []float64, n int) float64 {
	if n <= 0 || len(xs) < n {
		return 0
	}
	var sum float64
	for _, x := range xs[len(xs)-n:] {
		sum += x
	}
	return sum / float64(n)
}
