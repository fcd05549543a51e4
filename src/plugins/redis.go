package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"

	"tradeharness/src/model"
)

func init() {
	Register("redis", NewRedisFromDeps)
}

// snapshotStore is the part of redis.Cmdable the publisher needs.
type snapshotStore interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher stores the latest tick of each gateway under
// <prefix>:<run-id>:<gateway> and publishes it on a channel.
type RedisPublisher struct {
	runID   string
	rdb     snapshotStore
	closer  func() error
	prefix  string
	channel string
	ttl     time.Duration
	timeout time.Duration
	log     *logger.Entry
}

func NewRedisFromDeps(deps Deps) (Plugin, error) {
	cfg := deps.Config
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis plugin: REDIS_ADDR is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	p := NewRedisPublisher(deps.RunID, rdb, cfg)
	p.closer = rdb.Close
	return p, nil
}

func NewRedisPublisher(runID string, rdb snapshotStore, cfg Config) *RedisPublisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisPublisher{
		runID:   runID,
		rdb:     rdb,
		prefix:  cfg.RedisKeyPrefix,
		channel: cfg.RedisChannel,
		ttl:     cfg.RedisTTL,
		timeout: timeout,
		log:     logger.WithFields(map[string]interface{}{"component": "plugin", "plugin": "redis"}),
	}
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) key(gw string) string {
	return fmt.Sprintf("%s:%s:%s", p.prefix, p.runID, gw)
}

func (p *RedisPublisher) OnOrder(string, model.Order) {}

func (p *RedisPublisher) OnDeal(string, model.Deal) {}

func (p *RedisPublisher) OnTick(ctx context.Context, t Tick) {
	if err := p.publish(ctx, t); err != nil {
		p.log.WithError(err).WithField("gateway", t.Gateway).Warn("Snapshot not published")
	}
}

func (p *RedisPublisher) publish(ctx context.Context, t Tick) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.rdb.Set(ctx, p.key(t.Gateway), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("set snapshot: %w", err)
	}
	if p.channel == "" {
		return nil
	}
	if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}
