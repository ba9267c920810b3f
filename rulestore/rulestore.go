// Package rulestore is the read path for rules and configuration, with a
// bounded-TTL cache in front of the ledger. The ledger stays the source of
// truth; cache failures degrade to direct reads.
package rulestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/modhound/modhound/ledger"
	"github.com/modhound/modhound/models"
)

const DefaultTTL = 600 * time.Second

// RuleStore serves the matcher's per-message reads: the active rule set and
// current configuration of a community.
type RuleStore interface {
	GetActiveRules(ctx context.Context, serverID uint) ([]models.ModerationRule, error)
	GetConfig(ctx context.Context, serverID uint) (*models.ServerConfig, error)
	// Invalidate drops cached state for a server, eg after a rule or
	// threshold write.
	Invalidate(ctx context.Context, serverID uint) error
}

// RuleCache holds per-server snapshots of the active rule set and config
// under a fixed TTL. A miss is (zero, false, nil), never an error.
type RuleCache interface {
	GetRules(ctx context.Context, serverID uint) ([]models.ModerationRule, bool, error)
	SetRules(ctx context.Context, serverID uint, rules []models.ModerationRule) error
	GetConfig(ctx context.Context, serverID uint) (*models.ServerConfig, bool, error)
	SetConfig(ctx context.Context, serverID uint, cfg *models.ServerConfig) error
	Purge(ctx context.Context, serverID uint) error
}

type CachedRuleStore struct {
	Ledger *ledger.Ledger
	Cache  RuleCache

	logger *slog.Logger
}

var _ RuleStore = (*CachedRuleStore)(nil)

func NewCachedRuleStore(l *ledger.Ledger, cache RuleCache, logger *slog.Logger) *CachedRuleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedRuleStore{
		Ledger: l,
		Cache:  cache,
		logger: logger.With("component", "rulestore"),
	}
}

func (s *CachedRuleStore) GetActiveRules(ctx context.Context, serverID uint) ([]models.ModerationRule, error) {
	rules, ok, err := s.Cache.GetRules(ctx, serverID)
	if err != nil {
		s.logger.Warn("rule cache read failed", "err", err, "serverID", serverID)
	} else if ok {
		return rules, nil
	}

	rules, err = s.Ledger.ListActiveRules(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.SetRules(ctx, serverID, rules); err != nil {
		s.logger.Warn("rule cache write failed", "err", err, "serverID", serverID)
	}
	return rules, nil
}

func (s *CachedRuleStore) GetConfig(ctx context.Context, serverID uint) (*models.ServerConfig, error) {
	cfg, ok, err := s.Cache.GetConfig(ctx, serverID)
	if err != nil {
		s.logger.Warn("config cache read failed", "err", err, "serverID", serverID)
	} else if ok {
		return cfg, nil
	}

	cfg, err = s.Ledger.GetConfig(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.SetConfig(ctx, serverID, cfg); err != nil {
		s.logger.Warn("config cache write failed", "err", err, "serverID", serverID)
	}
	return cfg, nil
}

func (s *CachedRuleStore) Invalidate(ctx context.Context, serverID uint) error {
	return s.Cache.Purge(ctx, serverID)
}
