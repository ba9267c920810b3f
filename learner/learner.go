// Package learner recomputes a community's similarity threshold from
// accumulated moderator feedback. It runs off the review resolution path,
// fire-and-forget: a failed recompute is logged and never rolls back a
// resolution.
package learner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/modhound/modhound/ledger"
	"github.com/modhound/modhound/models"
)

// ErrNoData means there are no approved confidence samples yet; the
// threshold is left unchanged.
var ErrNoData = errors.New("no approved feedback samples")

const (
	// DefaultPercentile places the new threshold near the low end of
	// confirmed-good matches, keeping recall high.
	DefaultPercentile = 25

	// Epsilon keeps the threshold strictly above the highest explicitly
	// rejected confidence, so the same false positive cannot recur.
	Epsilon = 0.01
)

type Learner struct {
	Ledger     *ledger.Ledger
	Rules      Invalidator
	Percentile float64

	logger *slog.Logger
}

// Invalidator drops cached config after a threshold write. Usually the
// rulestore; nil disables invalidation.
type Invalidator interface {
	Invalidate(ctx context.Context, serverID uint) error
}

func NewLearner(l *ledger.Ledger, rules Invalidator, logger *slog.Logger) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{
		Ledger:     l,
		Rules:      rules,
		Percentile: DefaultPercentile,
		logger:     logger.With("component", "learner"),
	}
}

// Recompute derives a new similarity threshold for the server from all
// resolved flagged messages and writes it back. Returns the new threshold,
// or ErrNoData when there is nothing to learn from.
func (l *Learner) Recompute(ctx context.Context, serverID uint) (float64, error) {
	approved, err := l.Ledger.ListConfidences(ctx, serverID, models.ReviewStatusApproved)
	if err != nil {
		return 0, fmt.Errorf("reading approved confidences: %w", err)
	}
	rejected, err := l.Ledger.ListConfidences(ctx, serverID, models.ReviewStatusRejected)
	if err != nil {
		return 0, fmt.Errorf("reading rejected confidences: %w", err)
	}

	if len(approved) == 0 {
		l.logger.Info("no approved feedback, skipping threshold update", "serverID", serverID)
		return 0, ErrNoData
	}

	candidate := Percentile(approved, l.Percentile)
	l.logger.Info("computed threshold candidate", "serverID", serverID, "candidate", candidate, "percentile", l.Percentile)

	if len(rejected) > 0 {
		maxRejected := rejected[0]
		for _, v := range rejected[1:] {
			if v > maxRejected {
				maxRejected = v
			}
		}
		if candidate < maxRejected {
			candidate = maxRejected + Epsilon
			l.logger.Info("clamped threshold above rejected confidence", "serverID", serverID, "candidate", candidate, "maxRejected", maxRejected)
		}
	}
	candidate = math.Min(candidate, 1.0)

	if err := l.Ledger.UpdateThreshold(ctx, serverID, candidate); err != nil {
		return 0, fmt.Errorf("writing threshold: %w", err)
	}
	if l.Rules != nil {
		if err := l.Rules.Invalidate(ctx, serverID); err != nil {
			l.logger.Warn("config cache invalidation failed", "err", err, "serverID", serverID)
		}
	}
	thresholdUpdateCount.Inc()
	l.logger.Info("updated similarity threshold", "serverID", serverID, "threshold", candidate)
	return candidate, nil
}

// Percentile computes the value below which pct% of the samples fall, using
// linear interpolation between closest ranks.
func Percentile(samples []float64, pct float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	s := make([]float64, len(samples))
	copy(s, samples)
	sort.Float64s(s)

	if len(s) == 1 {
		return s[0]
	}
	rank := pct / 100.0 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	if lo >= len(s)-1 {
		return s[len(s)-1]
	}
	frac := rank - float64(lo)
	return s[lo] + frac*(s[lo+1]-s[lo])
}
