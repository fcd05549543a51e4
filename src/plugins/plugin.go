// Package plugins holds the optional observers activated by
// ACTIVATED_PLUGINS. Plug-ins see every order update, every deal and one
// snapshot per gateway per tick. A failing plug-in is logged, never fatal.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"tradeharness/src/fees"
	"tradeharness/src/model"
)

// Tick is the per-gateway state recorded after on_bar.
type Tick struct {
	RunID          string               `json:"run_id"`
	Time           time.Time            `json:"time"`
	Gateway        string               `json:"gateway"`
	PortfolioValue float64              `json:"portfolio_value"`
	Balance        model.AccountBalance `json:"balance"`
	Positions      []model.PositionData `json:"positions"`
	Overflow       bool                 `json:"overflow,omitempty"`
}

type Plugin interface {
	Name() string
	OnOrder(gateway string, order model.Order)
	OnDeal(gateway string, deal model.Deal)
	OnTick(ctx context.Context, tick Tick)
	Close() error
}

// Factory builds a plug-in from its dependencies.
type Factory func(deps Deps) (Plugin, error)

// Deps are the shared resources a factory may use. Unused fields may be zero.
type Deps struct {
	RunID  string
	DB     *gorm.DB
	Fees   map[string]fees.FeeFunc
	Config Config
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a factory available by name. Registering a name twice panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("plugin %q registered twice", name))
	}
	registry[name] = f
}

// Names lists the registered plug-ins.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Activate builds the named plug-ins in the given order. An unknown name is a
// configuration error; a factory failure closes the plug-ins already built.
func Activate(names []string, deps Deps) ([]Plugin, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	out := make([]Plugin, 0, len(names))
	for _, name := range names {
		f, ok := registry[name]
		if !ok {
			CloseAll(out)
			return nil, model.NewConfigError("ACTIVATED_PLUGINS", "unknown plugin %q", name)
		}
		p, err := f(deps)
		if err != nil {
			CloseAll(out)
			return nil, fmt.Errorf("activate plugin %s: %w", name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// CloseAll closes plug-ins in reverse activation order.
func CloseAll(ps []Plugin) {
	for i := len(ps) - 1; i >= 0; i-- {
		_ = ps[i].Close()
	}
}
