package rulestore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modhound/modhound/ledger"
	"github.com/modhound/modhound/models"
)

func testStore(t *testing.T) (*CachedRuleStore, *ledger.Ledger, uint) {
	t.Helper()
	ctx := context.Background()
	db, err := ledger.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.MigrateDatabase(db))
	l := ledger.NewLedger(db, slog.Default())
	srv, err := l.GetOrCreateServer(ctx, "guild-123", "Test Guild")
	require.NoError(t, err)
	store := NewCachedRuleStore(l, NewMemRuleCache(100, time.Minute), slog.Default())
	return store, l, srv.ID
}

func TestCachedRuleStore(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store, l, serverID := testStore(t)

	rule := models.ModerationRule{ServerID: serverID, Kind: models.RuleKindKeyword, RuleText: "kw", Keywords: models.StringList{"spam"}}
	assert.NoError(l.CreateRule(ctx, &rule))

	rules, err := store.GetActiveRules(ctx, serverID)
	assert.NoError(err)
	assert.Len(rules, 1)
	assert.Equal(models.StringList{"spam"}, rules[0].Keywords)

	// second rule is invisible until the cache is invalidated
	other := models.ModerationRule{ServerID: serverID, Kind: models.RuleKindKeyword, RuleText: "kw2", Keywords: models.StringList{"scam"}}
	assert.NoError(l.CreateRule(ctx, &other))

	rules, err = store.GetActiveRules(ctx, serverID)
	assert.NoError(err)
	assert.Len(rules, 1)

	assert.NoError(store.Invalidate(ctx, serverID))
	rules, err = store.GetActiveRules(ctx, serverID)
	assert.NoError(err)
	assert.Len(rules, 2)
}

func TestCachedConfig(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store, l, serverID := testStore(t)

	cfg, err := store.GetConfig(ctx, serverID)
	assert.NoError(err)
	assert.Equal(models.DefaultSimilarityThreshold, cfg.SimilarityThreshold)

	assert.NoError(l.SetThreshold(ctx, serverID, 0.9))

	// stale until purged
	cfg, err = store.GetConfig(ctx, serverID)
	assert.NoError(err)
	assert.Equal(models.DefaultSimilarityThreshold, cfg.SimilarityThreshold)

	assert.NoError(store.Invalidate(ctx, serverID))
	cfg, err = store.GetConfig(ctx, serverID)
	assert.NoError(err)
	assert.Equal(0.9, cfg.SimilarityThreshold)
}

func TestMemRuleCache(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c := NewMemRuleCache(10, time.Minute)
	_, ok, err := c.GetRules(ctx, 1)
	assert.NoError(err)
	assert.False(ok)

	rules := []models.ModerationRule{{ID: 7, Kind: models.RuleKindKeyword, Keywords: models.StringList{"spam"}}}
	assert.NoError(c.SetRules(ctx, 1, rules))
	got, ok, err := c.GetRules(ctx, 1)
	assert.NoError(err)
	assert.True(ok)
	require.Len(t, got, 1)
	assert.Equal(uint(7), got[0].ID)

	// entries are per-server
	_, ok, err = c.GetRules(ctx, 2)
	assert.NoError(err)
	assert.False(ok)

	assert.NoError(c.Purge(ctx, 1))
	_, ok, err = c.GetRules(ctx, 1)
	assert.NoError(err)
	assert.False(ok)
}

func TestMemRuleCacheConfigIsolation(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	c := NewMemRuleCache(10, time.Minute)
	cfg := models.DefaultServerConfig(1)
	assert.NoError(c.SetConfig(ctx, 1, &cfg))

	// mutating a returned config must not leak into the cached copy
	got, ok, err := c.GetConfig(ctx, 1)
	assert.NoError(err)
	assert.True(ok)
	got.SimilarityThreshold = 0.2

	again, ok, err := c.GetConfig(ctx, 1)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(models.DefaultSimilarityThreshold, again.SimilarityThreshold)
}
