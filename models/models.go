package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// RuleKind discriminates how a moderation rule is evaluated against message text.
type RuleKind string

const (
	RuleKindSimilarity RuleKind = "similarity"
	RuleKindPattern    RuleKind = "pattern"
	RuleKindKeyword    RuleKind = "keyword"
	RuleKindClassifier RuleKind = "classifier"
)

// Similarity and classifier matches carry a confidence score; pattern and
// keyword matches are binary and carry none.
func (k RuleKind) HasConfidence() bool {
	return k == RuleKindSimilarity || k == RuleKindClassifier
}

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "pending"
	ReviewStatusApproved ReviewStatus = "approved"
	ReviewStatusRejected ReviewStatus = "rejected"
)

func (s ReviewStatus) Terminal() bool {
	return s == ReviewStatusApproved || s == ReviewStatusRejected
}

// Vector is an embedding vector, persisted as a JSON array.
type Vector []float64

func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (v *Vector) Scan(src any) error {
	return scanJSON(src, v)
}

func (Vector) GormDataType() string { return "text" }

// StringList is a keyword list, persisted as a JSON array.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

func (StringList) GormDataType() string { return "text" }

func scanJSON(src, dst any) error {
	switch val := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(val, dst)
	case string:
		return json.Unmarshal([]byte(val), dst)
	default:
		return fmt.Errorf("unexpected column type %T", src)
	}
}

// Server is a single chat community (tenant). Rules and configuration hang
// off the server row, never shared across communities.
type Server struct {
	ID        uint   `gorm:"primarykey"`
	GuildID   string `gorm:"uniqueIndex;size:32"`
	Name      string `gorm:"size:100"`
	CreatedAt time.Time
}

// ServerConfig holds per-community moderation settings. One row per server,
// created with defaults on first contact.
type ServerConfig struct {
	ID       uint `gorm:"primarykey"`
	ServerID uint `gorm:"uniqueIndex"`

	// SimilarityThreshold is the minimum cosine similarity for a
	// similarity-rule match; always within [0,1]. Written by admin override
	// and by the threshold learner, nobody else.
	SimilarityThreshold float64

	// MajorityFraction of eligible voters required on one side to resolve a
	// review; within (0,1].
	MajorityFraction float64

	// ReviewTimeout is how long a review stays open before the deadline
	// check; ReviewExtension is added per no-majority extension.
	ReviewTimeout   time.Duration
	ReviewExtension time.Duration

	ReviewChannelRef string `gorm:"size:64"`
	ModeratorRoleRef string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	DefaultSimilarityThreshold = 0.75
	DefaultMajorityFraction    = 0.75
	DefaultReviewTimeout       = 24 * time.Hour
	DefaultReviewExtension     = 6 * time.Hour
)

func DefaultServerConfig(serverID uint) ServerConfig {
	return ServerConfig{
		ServerID:            serverID,
		SimilarityThreshold: DefaultSimilarityThreshold,
		MajorityFraction:    DefaultMajorityFraction,
		ReviewTimeout:       DefaultReviewTimeout,
		ReviewExtension:     DefaultReviewExtension,
	}
}

// ModerationRule is one moderation policy for one server. Rules are treated
// as immutable once they have been matched against; edits create new rows
// and Active=false soft-deletes the old one.
type ModerationRule struct {
	ID       uint     `gorm:"primarykey"`
	ServerID uint     `gorm:"index"`
	Kind     RuleKind `gorm:"size:16"`
	RuleText string

	// EmbeddingVector is set for similarity rules only, stored L2-normalized.
	EmbeddingVector Vector

	// Pattern is set for pattern rules only; validated at creation time, so
	// compilation at match time never fails.
	Pattern string

	// Keywords is set for keyword rules only.
	Keywords StringList

	// ClassifierName is set for classifier rules only; names the external
	// binary classifier to delegate to.
	ClassifierName string `gorm:"size:64"`

	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FlaggedMessage records one message suspected of violating one rule,
// pending human adjudication. Status transitions pending->approved or
// pending->rejected exactly once.
type FlaggedMessage struct {
	ID         uint         `gorm:"primarykey"`
	ServerID   uint         `gorm:"index"`
	MessageRef string       `gorm:"index;size:64"`
	ChannelRef string       `gorm:"size:64"`
	AuthorRef  string       `gorm:"size:64"`
	RuleID     uint         `gorm:"index"`
	Status     ReviewStatus `gorm:"index;size:16"`

	// Confidence is set iff the matching rule kind carries one (similarity
	// score, or 1.0 for a positive classifier verdict).
	Confidence *float64

	// FlaggedBy is empty when the system flagged the message, otherwise the
	// moderator who flagged it manually.
	FlaggedBy string `gorm:"size:64"`

	Excerpt    string `gorm:"size:500"`
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// FlaggedMessageVote is one moderator's current vote on one flagged message.
// The unique index makes re-votes update in place rather than duplicate.
type FlaggedMessageVote struct {
	ID               uint   `gorm:"primarykey"`
	FlaggedMessageID uint   `gorm:"uniqueIndex:idx_flag_voter"`
	VoterID          string `gorm:"uniqueIndex:idx_flag_voter;size:64"`
	Approve          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
