package plugins

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RedisChannel   string        `envconfig:"REDIS_CHANNEL" default:"tradeharness:ticks"`
	RedisKeyPrefix string        `envconfig:"REDIS_KEY_PREFIX" default:"tradeharness"`
	RedisTTL       time.Duration `envconfig:"REDIS_TTL" default:"24h"`
	// WriteTimeout bounds each journal or publish call made from a callback.
	WriteTimeout time.Duration `envconfig:"PLUGIN_WRITE_TIMEOUT" default:"2s"`
}

func GetConfig() Config {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return config
}
