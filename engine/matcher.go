package engine

import (
	"context"
	"regexp"

	"github.com/modhound/modhound/embedding"
	"github.com/modhound/modhound/keyword"
	"github.com/modhound/modhound/models"
)

// Match is the single winning rule for a message, with a confidence score
// when the rule kind carries one (similarity score, or 1.0 for a positive
// classifier verdict).
type Match struct {
	Rule       models.ModerationRule
	Confidence *float64
}

// Evaluate scores one message against a community's rule set and returns at
// most one match. Rules are scanned once in creation order. Pattern,
// keyword, and classifier rules encode zero-tolerance policies: the first
// hit vetoes and ends evaluation immediately, even if a later similarity
// rule would have scored higher. Similarity rules need the full scan (best
// match wins, strict `similarity > threshold`), so their result is only
// returned when no veto fired.
//
// Pure given its inputs; embedding generation is the only suspending call.
// If it fails, similarity rules are skipped for this message and the
// remaining kinds are still evaluated.
func (eng *Engine) Evaluate(ctx context.Context, text string, rules []models.ModerationRule, threshold float64) (*Match, error) {
	var msgVec []float64
	embedTried := false
	embedFailed := false

	var best *Match
	var bestScore float64

	for _, rule := range rules {
		switch rule.Kind {
		case models.RuleKindPattern:
			// pattern was validated when the rule was written
			re, err := regexp.Compile("(?i)" + rule.Pattern)
			if err != nil {
				eng.Logger.Warn("stored rule pattern failed to compile", "err", err, "ruleID", rule.ID)
				continue
			}
			if re.MatchString(text) {
				matchCount.WithLabelValues(string(rule.Kind)).Inc()
				return &Match{Rule: rule}, nil
			}

		case models.RuleKindKeyword:
			if keyword.MatchesAny(text, rule.Keywords) {
				matchCount.WithLabelValues(string(rule.Kind)).Inc()
				return &Match{Rule: rule}, nil
			}

		case models.RuleKindClassifier:
			if eng.Classifier == nil {
				eng.Logger.Warn("classifier rule configured but no classifier client", "ruleID", rule.ID)
				continue
			}
			verdict, err := eng.Classifier.Classify(ctx, rule.ClassifierName, text)
			if err != nil {
				eng.Logger.Warn("classifier unavailable, skipping rule", "err", err, "ruleID", rule.ID)
				continue
			}
			if verdict.Positive {
				conf := 1.0
				matchCount.WithLabelValues(string(rule.Kind)).Inc()
				return &Match{Rule: rule, Confidence: &conf}, nil
			}

		case models.RuleKindSimilarity:
			if embedFailed {
				continue
			}
			if !embedTried {
				embedTried = true
				vec, err := eng.Embeddings.Embed(ctx, text)
				if err != nil {
					// degrade: similarity rules sit out this message
					eng.Logger.Warn("embedding generation failed, skipping similarity rules", "err", err)
					embedSkipCount.Inc()
					embedFailed = true
					continue
				}
				msgVec = embedding.L2Normalize(vec)
			}
			sim, err := embedding.CosineSimilarity(msgVec, rule.EmbeddingVector)
			if err != nil {
				eng.Logger.Warn("similarity computation failed", "err", err, "ruleID", rule.ID)
				continue
			}
			if sim > threshold && (best == nil || sim > bestScore) {
				score := sim
				best = &Match{Rule: rule, Confidence: &score}
				bestScore = sim
			}

		default:
			eng.Logger.Warn("unknown rule kind", "kind", rule.Kind, "ruleID", rule.ID)
		}
	}

	if best != nil {
		matchCount.WithLabelValues(string(models.RuleKindSimilarity)).Inc()
	}
	return best, nil
}
