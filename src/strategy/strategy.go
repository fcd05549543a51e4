// Package strategy defines the hooks the event loop drives and a Base that
// user strategies embed for the action log and the recorder field accessors.
package strategy

import (
	"fmt"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"

	"tradeharness/src/engine"
	"tradeharness/src/model"
)

// Field names every strategy answers.
const (
	FieldDatetime       = "datetime"
	FieldPortfolioValue = "portfolio_value"
	FieldAction         = "action"
)

type Strategy interface {
	InitStrategy() error
	// OnBar is called once per admitted tick with gateway -> security -> data.
	OnBar(data model.MarketData) error
	// Field returns the value of a recorder field for one gateway.
	Field(name, gateway string) (interface{}, error)
}

// FieldFunc computes a user-declared recorder field for one gateway.
type FieldFunc func(gateway string) (interface{}, error)

// Base carries the per-gateway action log. Strategies embed *Base and call
// the engine through it.
type Base struct {
	Engine *engine.Engine

	mu      sync.Mutex
	actions map[string][]model.TimedLabel
	fields  map[string]FieldFunc

	log *logger.Entry
}

func NewBase(e *engine.Engine) *Base {
	return &Base{
		Engine:  e,
		actions: make(map[string][]model.TimedLabel),
		fields:  make(map[string]FieldFunc),
		log:     logger.WithField("component", "strategy"),
	}
}

func (b *Base) Log() *logger.Entry {
	return b.log
}

// InitStrategy is a no-op so strategies only override what they need.
func (b *Base) InitStrategy() error {
	return nil
}

// UpdateAction appends label to the gateway's action log, stamped with the
// gateway's market time.
func (b *Base) UpdateAction(gw, label string) error {
	t, err := b.GetDatetime(gw)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.actions[gw] = append(b.actions[gw], model.TimedLabel{Time: t, Label: label})
	b.mu.Unlock()
	return nil
}

// GetAction returns the actions logged since the last reset without
// clearing them.
func (b *Base) GetAction(gw string) []model.TimedLabel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]model.TimedLabel(nil), b.actions[gw]...)
}

// takeAction returns and clears the gateway's action log.
func (b *Base) takeAction(gw string) []model.TimedLabel {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.actions[gw]
	delete(b.actions, gw)
	return out
}

func (b *Base) GetDatetime(gw string) (time.Time, error) {
	g, err := b.Engine.Gateway(gw)
	if err != nil {
		return time.Time{}, err
	}
	return g.MarketDatetime(), nil
}

func (b *Base) GetPortfolioValue(gw string) (float64, error) {
	return b.Engine.PortfolioValue(gw)
}

// RegisterField declares a recorder field computed by fn. Registering one of
// the built-in names replaces it.
func (b *Base) RegisterField(name string, fn FieldFunc) {
	b.mu.Lock()
	b.fields[name] = fn
	b.mu.Unlock()
}

// Field resolves a recorder field. Reading "action" resets the log, so the
// recorder must read it exactly once per tick.
func (b *Base) Field(name, gw string) (interface{}, error) {
	b.mu.Lock()
	fn, ok := b.fields[name]
	b.mu.Unlock()
	if ok {
		return fn(gw)
	}

	switch name {
	case FieldDatetime:
		return b.GetDatetime(gw)
	case FieldPortfolioValue:
		return b.GetPortfolioValue(gw)
	case FieldAction:
		return b.takeAction(gw), nil
	}
	return nil, fmt.Errorf("strategy has no field %q", name)
}
