package fetchbars

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	StartDt     time.Time `envconfig:"START_DATE" default:"2025-01-01T00:00:00Z"`
	EndDt       time.Time `envconfig:"END_DATE" default:"2025-01-02T00:00:00Z"`
	DurationStr string    `envconfig:"DURATION" default:"1m"`
	// AutoMode resumes after the last bar already on disk and ends now.
	AutoMode bool   `envconfig:"AUTO_MODE" default:"false"`
	Symbol   string `envconfig:"SYMBOL" default:"BTC"`
	Quote    string `envconfig:"QUOTE" default:"USDT"`
	Limit    int    `envconfig:"LIMIT" default:"1000"`
	// Code names the security directory; empty means SYMBOL+QUOTE.
	Code     string `envconfig:"FETCH_CODE"`
	KlineDir string `envconfig:"KLINE_DIR" default:"data/kline"`
	Timezone string `envconfig:"FETCH_TIMEZONE" default:"UTC"`
}

func GetConfig() *Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return &config
}

func (c *Config) code() string {
	if c.Code != "" {
		return c.Code
	}
	return c.Symbol + c.Quote
}
