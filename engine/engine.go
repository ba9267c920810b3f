// Package engine classifies incoming chat messages against a community's
// moderation rules and routes suspected violations into the review workflow.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/modhound/modhound/classifier"
	"github.com/modhound/modhound/embedding"
	"github.com/modhound/modhound/ledger"
	"github.com/modhound/modhound/models"
	"github.com/modhound/modhound/review"
	"github.com/modhound/modhound/rulestore"
)

// ErrNotConfigured is the only user-visible failure on interactive paths:
// the community has never been registered.
var ErrNotConfigured = errors.New("this server is not configured")

// ClassifierClient delegates zero-tolerance checks to a named external
// binary classifier.
type ClassifierClient interface {
	Classify(ctx context.Context, model, text string) (*classifier.Verdict, error)
}

// Engine is the runtime for evaluating rules against messages and opening
// review sessions. All fields except Classifier must be set.
type Engine struct {
	Logger     *slog.Logger
	Ledger     *ledger.Ledger
	Rules      rulestore.RuleStore
	Embeddings embedding.Generator
	Classifier ClassifierClient
	Reviews    *review.Manager
}

// MessageEvent is an inbound chat message, as delivered by the gateway
// collaborator. Bot-authored messages are filtered out before this point.
type MessageEvent struct {
	GuildID    string
	AuthorRef  string
	MessageRef string
	ChannelRef string
	Text       string
}

// ManualFlagEvent is a moderator flagging a message directly against a
// chosen rule, bypassing the matcher.
type ManualFlagEvent struct {
	GuildID    string
	MessageRef string
	ChannelRef string
	AuthorRef  string
	Text       string
	FlaggerRef string
	RuleID     uint
}

// ProcessMessage runs the matcher over one inbound message and, on a match,
// creates a flagged message and opens its review session. Unregistered
// servers and empty rule sets are quiet no-ops.
func (eng *Engine) ProcessMessage(ctx context.Context, evt MessageEvent) (*models.FlaggedMessage, error) {
	// similar to an HTTP server, we want to recover any panics from rule evaluation
	defer func() {
		if r := recover(); r != nil {
			eng.Logger.Error("message processing exception", "err", r, "guildID", evt.GuildID, "messageRef", evt.MessageRef)
		}
	}()
	messageProcessCount.Inc()

	srv, err := eng.Ledger.GetServer(ctx, evt.GuildID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving server: %w", err)
	}

	// snapshot rules and threshold once per evaluation
	rules, err := eng.Rules.GetActiveRules(ctx, srv.ID)
	if err != nil {
		return nil, fmt.Errorf("reading rule set: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}
	cfg, err := eng.Rules.GetConfig(ctx, srv.ID)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	match, err := eng.Evaluate(ctx, evt.Text, rules, cfg.SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, nil
	}

	fm := &models.FlaggedMessage{
		ServerID:   srv.ID,
		MessageRef: evt.MessageRef,
		ChannelRef: evt.ChannelRef,
		AuthorRef:  evt.AuthorRef,
		RuleID:     match.Rule.ID,
		Confidence: match.Confidence,
		Excerpt:    excerpt(evt.Text, 500),
	}
	if err := eng.Ledger.CreateFlaggedMessage(ctx, fm); err != nil {
		return nil, fmt.Errorf("creating flagged message: %w", err)
	}
	flagCreatedCount.WithLabelValues(string(match.Rule.Kind), "system").Inc()
	eng.Logger.Info("message flagged",
		"guildID", evt.GuildID, "messageRef", evt.MessageRef,
		"ruleID", match.Rule.ID, "kind", match.Rule.Kind, "confidence", match.Confidence)

	if _, err := eng.Reviews.OpenSession(ctx, fm, cfg); err != nil {
		return nil, fmt.Errorf("opening review session: %w", err)
	}
	return fm, nil
}

// ProcessManualFlag flags a message against a moderator-chosen rule,
// bypassing the matcher. No confidence is recorded.
func (eng *Engine) ProcessManualFlag(ctx context.Context, evt ManualFlagEvent) (*models.FlaggedMessage, error) {
	srv, err := eng.Ledger.GetServer(ctx, evt.GuildID)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("resolving server: %w", err)
	}

	rule, err := eng.Ledger.GetRule(ctx, evt.RuleID)
	if err != nil {
		return nil, fmt.Errorf("resolving rule: %w", err)
	}
	if rule.ServerID != srv.ID {
		return nil, fmt.Errorf("rule %d belongs to a different server", evt.RuleID)
	}

	fm := &models.FlaggedMessage{
		ServerID:   srv.ID,
		MessageRef: evt.MessageRef,
		ChannelRef: evt.ChannelRef,
		AuthorRef:  evt.AuthorRef,
		RuleID:     rule.ID,
		FlaggedBy:  evt.FlaggerRef,
		Excerpt:    excerpt(evt.Text, 500),
	}
	if err := eng.Ledger.CreateFlaggedMessage(ctx, fm); err != nil {
		return nil, fmt.Errorf("creating flagged message: %w", err)
	}
	flagCreatedCount.WithLabelValues(string(rule.Kind), "manual").Inc()
	eng.Logger.Info("message flagged manually",
		"guildID", evt.GuildID, "messageRef", evt.MessageRef,
		"ruleID", rule.ID, "flaggedBy", evt.FlaggerRef)

	cfg, err := eng.Rules.GetConfig(ctx, srv.ID)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if _, err := eng.Reviews.OpenSession(ctx, fm, cfg); err != nil {
		return nil, fmt.Errorf("opening review session: %w", err)
	}
	return fm, nil
}

// ProcessVote forwards a moderator's vote to the review manager.
// ErrSessionClosed passes through so the caller can reflect the closed
// state without treating it as a failure.
func (eng *Engine) ProcessVote(ctx context.Context, flaggedID uint, voterID string, approve bool) (*review.VoteResult, error) {
	return eng.Reviews.CastVote(ctx, flaggedID, voterID, approve)
}

// CreateRule builds and persists a rule on behalf of the interactive rule
// creation flow. For similarity rules the anchor text is embedded here;
// embedding failure is user-visible on this path.
func (eng *Engine) CreateRule(ctx context.Context, guildID string, rule *models.ModerationRule) error {
	srv, err := eng.Ledger.GetOrCreateServer(ctx, guildID, "")
	if err != nil {
		return err
	}
	rule.ServerID = srv.ID

	if rule.Kind == models.RuleKindSimilarity && len(rule.EmbeddingVector) == 0 {
		vec, err := eng.Embeddings.Embed(ctx, rule.RuleText)
		if err != nil {
			return fmt.Errorf("embedding rule text: %w", err)
		}
		rule.EmbeddingVector = vec
	}

	if err := eng.Ledger.CreateRule(ctx, rule); err != nil {
		return err
	}
	if err := eng.Rules.Invalidate(ctx, srv.ID); err != nil {
		eng.Logger.Warn("rule cache invalidation failed", "err", err, "serverID", srv.ID)
	}
	return nil
}

func excerpt(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
