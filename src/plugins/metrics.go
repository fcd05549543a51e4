package plugins

import (
	"context"

	"tradeharness/src/metrics"
	"tradeharness/src/model"
)

func init() {
	Register("metrics", func(Deps) (Plugin, error) { return NewMetrics(), nil })
}

// Metrics exports order, fill and per-tick portfolio figures to Prometheus.
type Metrics struct{}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Name() string { return "metrics" }

func (m *Metrics) OnOrder(gw string, o model.Order) {
	metrics.OrderUpdatesTotal.WithLabelValues(gw, string(o.Status)).Inc()
}

func (m *Metrics) OnDeal(gw string, d model.Deal) {
	metrics.DealsTotal.WithLabelValues(gw, string(d.Direction)).Inc()
	metrics.DealVolume.WithLabelValues(gw, d.Security.Code).Add(d.FilledQuantity)
}

func (m *Metrics) OnTick(_ context.Context, t Tick) {
	if t.Overflow {
		metrics.TimestepOverflows.WithLabelValues(t.Gateway).Inc()
		return
	}
	metrics.TicksTotal.WithLabelValues(t.Gateway).Inc()
	metrics.PortfolioValue.WithLabelValues(t.Gateway).Set(t.PortfolioValue)
	metrics.Cash.WithLabelValues(t.Gateway).Set(t.Balance.Cash)
	metrics.OpenPositions.WithLabelValues(t.Gateway).Set(float64(len(t.Positions)))
}

func (m *Metrics) Close() error { return nil }
