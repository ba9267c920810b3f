// Package ledger is the durable store for servers, rules, flagged messages,
// and votes. It owns every transactional read-modify-write the moderation
// engine relies on, in particular the single-winner terminal transition on
// flagged messages and the atomic vote upsert.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/modhound/modhound/embedding"
	"github.com/modhound/modhound/models"
)

type Ledger struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewLedger(db *gorm.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:     db,
		logger: logger.With("component", "ledger"),
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// GetOrCreateServer registers a community on first contact, along with a
// default configuration row.
func (l *Ledger) GetOrCreateServer(ctx context.Context, guildID, name string) (*models.Server, error) {
	var server models.Server
	err := l.db.WithContext(ctx).
		Where(models.Server{GuildID: guildID}).
		Attrs(models.Server{Name: name}).
		FirstOrCreate(&server).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create server: %w", err)
	}
	if _, err := l.GetConfig(ctx, server.ID); err != nil {
		return nil, err
	}
	return &server, nil
}

// GetServer looks up a community by its chat-platform guild reference.
// Returns ErrNotFound for unregistered servers; callers treat that as "this
// server is not configured".
func (l *Ledger) GetServer(ctx context.Context, guildID string) (*models.Server, error) {
	var server models.Server
	err := l.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&server).Error
	if err != nil {
		return nil, translate(err)
	}
	return &server, nil
}

// GetConfig returns the server's configuration, creating defaults if absent.
func (l *Ledger) GetConfig(ctx context.Context, serverID uint) (*models.ServerConfig, error) {
	var cfg models.ServerConfig
	err := l.db.WithContext(ctx).
		Where(models.ServerConfig{ServerID: serverID}).
		Attrs(models.DefaultServerConfig(serverID)).
		FirstOrCreate(&cfg).Error
	if err != nil {
		return nil, fmt.Errorf("get-or-create config: %w", err)
	}
	return &cfg, nil
}

// SetThreshold is the admin override path for the similarity threshold.
func (l *Ledger) SetThreshold(ctx context.Context, serverID uint, value float64) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("%w: threshold must be within [0,1]", ErrBadConfig)
	}
	return l.updateConfigField(ctx, serverID, "similarity_threshold", value)
}

// UpdateThreshold is the learner's write path. Identical semantics to
// SetThreshold, kept separate so call sites read honestly.
func (l *Ledger) UpdateThreshold(ctx context.Context, serverID uint, value float64) error {
	return l.SetThreshold(ctx, serverID, value)
}

func (l *Ledger) SetMajorityFraction(ctx context.Context, serverID uint, value float64) error {
	if value <= 0.0 || value > 1.0 {
		return fmt.Errorf("%w: majority fraction must be within (0,1]", ErrBadConfig)
	}
	return l.updateConfigField(ctx, serverID, "majority_fraction", value)
}

func (l *Ledger) SetReviewTimeout(ctx context.Context, serverID uint, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: review timeout must be positive", ErrBadConfig)
	}
	return l.updateConfigField(ctx, serverID, "review_timeout", d)
}

func (l *Ledger) updateConfigField(ctx context.Context, serverID uint, field string, value any) error {
	if _, err := l.GetConfig(ctx, serverID); err != nil {
		return err
	}
	return l.db.WithContext(ctx).
		Model(&models.ServerConfig{}).
		Where("server_id = ?", serverID).
		Update(field, value).Error
}

// CreateRule validates and persists a new moderation rule. All validation
// happens here at write time; the matcher assumes stored rules are well
// formed.
func (l *Ledger) CreateRule(ctx context.Context, rule *models.ModerationRule) error {
	switch rule.Kind {
	case models.RuleKindSimilarity:
		if len(rule.EmbeddingVector) == 0 {
			return fmt.Errorf("%w: similarity rule requires an embedding vector", ErrBadRule)
		}
		rule.EmbeddingVector = embedding.L2Normalize(rule.EmbeddingVector)
	case models.RuleKindPattern:
		if rule.Pattern == "" {
			return fmt.Errorf("%w: pattern rule requires a pattern", ErrBadRule)
		}
		if _, err := regexp.Compile("(?i)" + rule.Pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrBadPattern, err)
		}
	case models.RuleKindKeyword:
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("%w: keyword rule requires at least one keyword", ErrBadRule)
		}
	case models.RuleKindClassifier:
		if rule.ClassifierName == "" {
			return fmt.Errorf("%w: classifier rule requires a classifier name", ErrBadRule)
		}
	default:
		return fmt.Errorf("%w: unknown rule kind %q", ErrBadRule, rule.Kind)
	}
	rule.Active = true
	return l.db.WithContext(ctx).Create(rule).Error
}

func (l *Ledger) GetRule(ctx context.Context, ruleID uint) (*models.ModerationRule, error) {
	var rule models.ModerationRule
	err := l.db.WithContext(ctx).First(&rule, ruleID).Error
	if err != nil {
		return nil, translate(err)
	}
	return &rule, nil
}

// ListActiveRules returns the server's active rules in creation order
// (ascending ID), which is the order the matcher scans them in.
func (l *Ledger) ListActiveRules(ctx context.Context, serverID uint) ([]models.ModerationRule, error) {
	var rules []models.ModerationRule
	err := l.db.WithContext(ctx).
		Where("server_id = ? AND active = ?", serverID, true).
		Order("id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// DeactivateRule soft-deletes a rule. Historical flagged messages keep
// referencing it for audit.
func (l *Ledger) DeactivateRule(ctx context.Context, serverID, ruleID uint) error {
	res := l.db.WithContext(ctx).
		Model(&models.ModerationRule{}).
		Where("id = ? AND server_id = ?", ruleID, serverID).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateFlaggedMessage records a new flagged event in pending state. The
// caller guarantees rule and message belong to the same server.
func (l *Ledger) CreateFlaggedMessage(ctx context.Context, fm *models.FlaggedMessage) error {
	fm.Status = models.ReviewStatusPending
	return l.db.WithContext(ctx).Create(fm).Error
}

func (l *Ledger) GetFlaggedMessage(ctx context.Context, id uint) (*models.FlaggedMessage, error) {
	var fm models.FlaggedMessage
	err := l.db.WithContext(ctx).First(&fm, id).Error
	if err != nil {
		return nil, translate(err)
	}
	return &fm, nil
}

// ListPendingFlags returns all unresolved flagged messages, used for session
// recovery at startup.
func (l *Ledger) ListPendingFlags(ctx context.Context) ([]models.FlaggedMessage, error) {
	var flags []models.FlaggedMessage
	err := l.db.WithContext(ctx).
		Where("status = ?", models.ReviewStatusPending).
		Order("id ASC").
		Find(&flags).Error
	if err != nil {
		return nil, err
	}
	return flags, nil
}

// ReassignFlaggedRule corrects the matched rule on a still-pending flag.
func (l *Ledger) ReassignFlaggedRule(ctx context.Context, flaggedID, ruleID uint) error {
	fm, err := l.GetFlaggedMessage(ctx, flaggedID)
	if err != nil {
		return err
	}
	rule, err := l.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.ServerID != fm.ServerID {
		return fmt.Errorf("%w: rule belongs to a different server", ErrBadRule)
	}
	res := l.db.WithContext(ctx).
		Model(&models.FlaggedMessage{}).
		Where("id = ? AND status = ?", flaggedID, models.ReviewStatusPending).
		Update("rule_id", ruleID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAlreadyResolved
	}
	return nil
}

// ResolveFlaggedMessage performs the one-time terminal status transition.
// The conditional update serializes racing resolution paths: whichever
// writer matches the pending row wins, everyone else gets
// ErrAlreadyResolved.
func (l *Ledger) ResolveFlaggedMessage(ctx context.Context, id uint, status models.ReviewStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("non-terminal resolution status %q", status)
	}
	now := time.Now()
	res := l.db.WithContext(ctx).
		Model(&models.FlaggedMessage{}).
		Where("id = ? AND status = ?", id, models.ReviewStatusPending).
		Updates(map[string]any{"status": status, "resolved_at": &now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := l.GetFlaggedMessage(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

// UpsertVote records a moderator's vote, updating in place when the voter
// already voted. The unique (flagged_message_id, voter_id) index is the
// mechanism preventing duplicates under concurrent retries.
func (l *Ledger) UpsertVote(ctx context.Context, flaggedID uint, voterID string, approve bool) error {
	vote := models.FlaggedMessageVote{
		FlaggedMessageID: flaggedID,
		VoterID:          voterID,
		Approve:          approve,
	}
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "flagged_message_id"}, {Name: "voter_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"approve", "updated_at"}),
	}).Create(&vote).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// conflict slipped past the upsert clause; resolve by update-in-place
		l.logger.Warn("vote upsert conflict, retrying as update", "flaggedID", flaggedID, "voterID", voterID)
		return l.db.WithContext(ctx).
			Model(&models.FlaggedMessageVote{}).
			Where("flagged_message_id = ? AND voter_id = ?", flaggedID, voterID).
			Update("approve", approve).Error
	}
	return err
}

// VoteTally is the current vote counts for one flagged message.
type VoteTally struct {
	Approve int
	Reject  int
}

func (t VoteTally) Total() int {
	return t.Approve + t.Reject
}

func (l *Ledger) TallyVotes(ctx context.Context, flaggedID uint) (VoteTally, error) {
	var votes []models.FlaggedMessageVote
	err := l.db.WithContext(ctx).
		Where("flagged_message_id = ?", flaggedID).
		Find(&votes).Error
	if err != nil {
		return VoteTally{}, err
	}
	var tally VoteTally
	for _, v := range votes {
		if v.Approve {
			tally.Approve++
		} else {
			tally.Reject++
		}
	}
	return tally, nil
}

// ListConfidences returns the recorded confidence scores of all flagged
// messages for a server in the given terminal status. Flags without a
// confidence (pattern/keyword matches, manual flags) are skipped.
func (l *Ledger) ListConfidences(ctx context.Context, serverID uint, status models.ReviewStatus) ([]float64, error) {
	var flags []models.FlaggedMessage
	err := l.db.WithContext(ctx).
		Where("server_id = ? AND status = ? AND confidence IS NOT NULL", serverID, status).
		Find(&flags).Error
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(flags))
	for _, fm := range flags {
		if fm.Confidence != nil {
			out = append(out, *fm.Confidence)
		}
	}
	return out, nil
}
