package rulestore

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/modhound/modhound/models"
)

// RedisRuleCache shares cached rule sets and configs across daemon
// instances, with a small TinyLFU tier in front of redis. Values are
// marshaled by go-redis/cache; the TTL bounds staleness after writes that
// bypass Purge.
type RedisRuleCache struct {
	Data *cache.Cache
	TTL  time.Duration
}

var _ RuleCache = (*RedisRuleCache)(nil)

func NewRedisRuleCache(redisURL string, ttl time.Duration) (*RedisRuleCache, error) {
	ctx := context.Background()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	data := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	})
	return &RedisRuleCache{
		Data: data,
		TTL:  ttl,
	}, nil
}

func rulesKey(serverID uint) string {
	return "modhound/rules/" + strconv.FormatUint(uint64(serverID), 10)
}

func configKey(serverID uint) string {
	return "modhound/config/" + strconv.FormatUint(uint64(serverID), 10)
}

func (c *RedisRuleCache) GetRules(ctx context.Context, serverID uint) ([]models.ModerationRule, bool, error) {
	var rules []models.ModerationRule
	err := c.Data.Get(ctx, rulesKey(serverID), &rules)
	if err == cache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rules, true, nil
}

func (c *RedisRuleCache) SetRules(ctx context.Context, serverID uint, rules []models.ModerationRule) error {
	return c.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   rulesKey(serverID),
		Value: rules,
		TTL:   c.TTL,
	})
}

func (c *RedisRuleCache) GetConfig(ctx context.Context, serverID uint) (*models.ServerConfig, bool, error) {
	var cfg models.ServerConfig
	err := c.Data.Get(ctx, configKey(serverID), &cfg)
	if err == cache.ErrCacheMiss {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &cfg, true, nil
}

func (c *RedisRuleCache) SetConfig(ctx context.Context, serverID uint, cfg *models.ServerConfig) error {
	return c.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   configKey(serverID),
		Value: cfg,
		TTL:   c.TTL,
	})
}

func (c *RedisRuleCache) Purge(ctx context.Context, serverID uint) error {
	if err := c.Data.Delete(ctx, rulesKey(serverID)); err != nil && err != cache.ErrCacheMiss {
		return err
	}
	if err := c.Data.Delete(ctx, configKey(serverID)); err != nil && err != cache.ErrCacheMiss {
		return err
	}
	return nil
}
