package rulestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/modhound/modhound/models"
)

// MemRuleCache is the in-process cache for single-node deployments. Rule
// sets and configs live in separate expiring LRUs keyed by server ID.
type MemRuleCache struct {
	rules   *expirable.LRU[uint, []models.ModerationRule]
	configs *expirable.LRU[uint, models.ServerConfig]
}

var _ RuleCache = (*MemRuleCache)(nil)

func NewMemRuleCache(capacity int, ttl time.Duration) *MemRuleCache {
	return &MemRuleCache{
		rules:   expirable.NewLRU[uint, []models.ModerationRule](capacity, nil, ttl),
		configs: expirable.NewLRU[uint, models.ServerConfig](capacity, nil, ttl),
	}
}

func (c *MemRuleCache) GetRules(ctx context.Context, serverID uint) ([]models.ModerationRule, bool, error) {
	rules, ok := c.rules.Get(serverID)
	if !ok {
		return nil, false, nil
	}
	return rules, true, nil
}

func (c *MemRuleCache) SetRules(ctx context.Context, serverID uint, rules []models.ModerationRule) error {
	c.rules.Add(serverID, rules)
	return nil
}

func (c *MemRuleCache) GetConfig(ctx context.Context, serverID uint) (*models.ServerConfig, bool, error) {
	cfg, ok := c.configs.Get(serverID)
	if !ok {
		return nil, false, nil
	}
	// configs are stored by value so callers can't mutate the cached copy
	return &cfg, true, nil
}

func (c *MemRuleCache) SetConfig(ctx context.Context, serverID uint, cfg *models.ServerConfig) error {
	c.configs.Add(serverID, *cfg)
	return nil
}

func (c *MemRuleCache) Purge(ctx context.Context, serverID uint) error {
	c.rules.Remove(serverID)
	c.configs.Remove(serverID)
	return nil
}
