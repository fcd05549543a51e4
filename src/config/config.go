// Package config holds the harness settings read from the environment and
// the gateway records read from GATEWAYS_FILE.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/kelseyhightower/envconfig"

	"tradeharness/src/eventloop"
	"tradeharness/src/model"
)

const (
	KindBacktest = "backtest"
	KindREST     = "rest"
)

type Config struct {
	TradingMode string `envconfig:"TRADING_MODE" default:"backtest"`
	// Gateways maps a gateway name to its broker kind, e.g. sim:backtest.
	Gateways     map[string]string `envconfig:"GATEWAYS" default:"sim:backtest"`
	GatewaysFile string            `envconfig:"GATEWAYS_FILE" default:"gateways.yaml"`
	// TimeStepMs is the loop step in milliseconds.
	TimeStepMs int `envconfig:"TIME_STEP" default:"60000"`
	// DataPath maps a data field to the directory holding <code>/YYYY-MM-DD.csv.
	DataPath  map[string]string `envconfig:"DATA_PATH" default:"kline:data/kline"`
	DataModel map[string]string `envconfig:"DATA_MODEL" default:"kline:Bar"`
	// ActivatedPlugins keeps the declared order.
	ActivatedPlugins       []string          `envconfig:"ACTIVATED_PLUGINS"`
	IgnoreTimestepOverflow bool              `envconfig:"IGNORE_TIMESTEP_OVERFLOW" default:"false"`
	DataFFill              bool              `envconfig:"DATA_FFILL" default:"true"`
	BarConvention          map[string]string `envconfig:"BAR_CONVENTION"`
	ResultsPath            string            `envconfig:"RESULTS_PATH" default:"results"`
	RunID                  string            `envconfig:"RUN_ID"`
	OrderTimeout           time.Duration     `envconfig:"ORDER_TIMEOUT" default:"5s"`

	// Records is filled from GatewaysFile by Load.
	Records map[string]GatewayRecord `ignored:"true"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}

// Load reads the environment and the gateway file, then validates both.
func Load() (Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return config, model.NewConfigError("env", "%w", err)
	}
	if config.RunID == "" {
		config.RunID = time.Now().UTC().Format("20060102-150405")
	}
	records, err := ReadGatewayFile(config.GatewaysFile)
	if err != nil {
		return config, err
	}
	config.Records = records
	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) Mode() eventloop.Mode {
	return eventloop.Mode(c.TradingMode)
}

func (c Config) Step() time.Duration {
	return time.Duration(c.TimeStepMs) * time.Millisecond
}

// GatewayNames returns the configured gateway names in sorted order.
func (c Config) GatewayNames() []string {
	names := make([]string, 0, len(c.Gateways))
	for name := range c.Gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports the first invalid setting as a *model.ConfigError.
func (c Config) Validate() error {
	mode, err := eventloop.ParseMode(c.TradingMode)
	if err != nil {
		return err
	}
	if c.TimeStepMs <= 0 {
		return model.NewConfigError("TIME_STEP", "must be positive, got %d", c.TimeStepMs)
	}
	if len(c.Gateways) == 0 {
		return model.NewConfigError("GATEWAYS", "no gateway configured")
	}
	for code, conv := range c.BarConvention {
		if conv != "start" && conv != "end" {
			return model.NewConfigError("BAR_CONVENTION", "%s: unknown convention %q", code, conv)
		}
	}

	needsData := false
	for _, name := range c.GatewayNames() {
		kind := c.Gateways[name]
		if kind != KindBacktest && kind != KindREST {
			return model.NewConfigError("GATEWAYS", "%s: unknown broker kind %q", name, kind)
		}
		if kind == KindBacktest && mode.IsLive() {
			return model.NewConfigError("GATEWAYS", "%s: backtest gateway in %s mode", name, mode)
		}
		if kind == KindREST && !mode.IsLive() {
			return model.NewConfigError("GATEWAYS", "%s: rest gateway in backtest mode", name)
		}
		rec, ok := c.Records[name]
		if !ok {
			return model.NewConfigError("GATEWAYS_FILE", "no record for gateway %s", name)
		}
		if err := rec.validate(name, kind); err != nil {
			return err
		}
		if kind == KindBacktest {
			needsData = true
		}
	}

	if needsData {
		if len(c.DataPath) == 0 {
			return model.NewConfigError("DATA_PATH", "backtest gateways need a data path")
		}
		for field, dir := range c.DataPath {
			info, err := os.Stat(dir)
			if err != nil {
				return model.NewConfigError("DATA_PATH", "%s: %w", field, err)
			}
			if !info.IsDir() {
				return model.NewConfigError("DATA_PATH", "%s: %s is not a directory", field, dir)
			}
		}
	}
	return nil
}
