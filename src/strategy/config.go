package strategy

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"tradeharness/src/engine"
	"tradeharness/src/model"
)

const NameSMACross = "sma_cross"

type Config struct {
	Name    string `envconfig:"STRATEGY" default:"sma_cross"`
	Gateway string `envconfig:"STRATEGY_GATEWAY" default:"sim"`
	// Security is a code of the gateway; empty picks its first security.
	Security string  `envconfig:"STRATEGY_SECURITY"`
	Fast     int     `envconfig:"SMA_FAST" default:"5"`
	Slow     int     `envconfig:"SMA_SLOW" default:"20"`
	Quantity float64 `envconfig:"STRATEGY_QUANTITY" default:"100"`
	// TrailLookback > 0 closes sma_cross longs on a trailing stop.
	TrailLookback int `envconfig:"TRAIL_LOOKBACK" default:"0"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// New builds the strategy named in cfg against the engine's gateways.
func New(e *engine.Engine, cfg Config) (Strategy, error) {
	switch cfg.Name {
	case NameSMACross:
		g, err := e.Gateway(cfg.Gateway)
		if err != nil {
			return nil, model.NewConfigError("STRATEGY_GATEWAY", "%w", err)
		}
		secs := g.Securities()
		if len(secs) == 0 {
			return nil, model.NewConfigError("STRATEGY_GATEWAY", "gateway %s has no securities", cfg.Gateway)
		}
		sec := secs[0]
		if cfg.Security != "" {
			found := false
			for _, s := range secs {
				if s.Code == cfg.Security {
					sec, found = s, true
					break
				}
			}
			if !found {
				return nil, model.NewConfigError("STRATEGY_SECURITY", "%s not traded on %s", cfg.Security, cfg.Gateway)
			}
		}
		s := NewSMACross(e, cfg.Gateway, sec, cfg.Fast, cfg.Slow, cfg.Quantity)
		s.TrailLookback = cfg.TrailLookback
		return s, nil
	}
	return nil, model.NewConfigError("STRATEGY", "unknown strategy %q", cfg.Name)
}
