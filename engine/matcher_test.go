package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modhound/modhound/classifier"
	"github.com/modhound/modhound/models"
)

type fakeGenerator struct {
	vectors map[string][]float64
	err     error
}

func (f *fakeGenerator) Embed(ctx context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	vec, ok := f.vectors[text]
	if !ok {
		return []float64{0, 1}, nil
	}
	return vec, nil
}

type fakeClassifier struct {
	positive map[string]bool
	err      error
}

func (f *fakeClassifier) Classify(ctx context.Context, model, text string) (*classifier.Verdict, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &classifier.Verdict{Positive: f.positive[model]}, nil
}

func testEngine(gen *fakeGenerator, cls *fakeClassifier) *Engine {
	eng := &Engine{
		Logger:     slog.Default(),
		Embeddings: gen,
	}
	if cls != nil {
		eng.Classifier = cls
	}
	return eng
}

func simRule(id uint, vec []float64) models.ModerationRule {
	return models.ModerationRule{ID: id, Kind: models.RuleKindSimilarity, RuleText: "sim", EmbeddingVector: vec, Active: true}
}

func TestEvaluateStrictThreshold(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// message vector makes cosine similarity exactly 0.75 against [1,0]
	gen := &fakeGenerator{vectors: map[string][]float64{
		"edge": {0.75, math.Sqrt(1 - 0.75*0.75)},
	}}
	eng := testEngine(gen, nil)
	rules := []models.ModerationRule{simRule(1, []float64{1, 0})}

	// s == t must NOT match
	match, err := eng.Evaluate(ctx, "edge", rules, 0.75)
	assert.NoError(err)
	assert.Nil(match)

	// s > t matches
	match, err = eng.Evaluate(ctx, "edge", rules, 0.74)
	assert.NoError(err)
	assert.NotNil(match)
	assert.InDelta(0.75, *match.Confidence, 0.0001)
}

func TestEvaluateBestSimilarityWins(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	gen := &fakeGenerator{vectors: map[string][]float64{
		"msg": {1, 0},
	}}
	eng := testEngine(gen, nil)

	near := []float64{0.9, math.Sqrt(1 - 0.81)}
	nearer := []float64{0.99, math.Sqrt(1 - 0.99*0.99)}
	rules := []models.ModerationRule{
		simRule(1, near),
		simRule(2, nearer),
		simRule(3, near),
	}

	match, err := eng.Evaluate(ctx, "msg", rules, 0.5)
	assert.NoError(err)
	assert.NotNil(match)
	assert.Equal(uint(2), match.Rule.ID)
	assert.InDelta(0.99, *match.Confidence, 0.0001)
}

func TestEvaluateVetoPrecedence(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	gen := &fakeGenerator{vectors: map[string][]float64{
		"BUY NOW limited offer": {1, 0},
	}}
	eng := testEngine(gen, nil)

	rules := []models.ModerationRule{
		// perfect similarity score, scanned first
		simRule(1, []float64{1, 0}),
		// pattern rule later in creation order still vetoes
		{ID: 2, Kind: models.RuleKindPattern, RuleText: "pat", Pattern: "buy\\s+now", Active: true},
	}

	match, err := eng.Evaluate(ctx, "BUY NOW limited offer", rules, 0.5)
	assert.NoError(err)
	assert.NotNil(match)
	assert.Equal(uint(2), match.Rule.ID)
	assert.Nil(match.Confidence)
}

func TestEvaluateKeywordShortCircuit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	eng := testEngine(&fakeGenerator{}, nil)
	rules := []models.ModerationRule{
		{ID: 1, Kind: models.RuleKindKeyword, RuleText: "kw", Keywords: models.StringList{"crypto"}, Active: true},
		{ID: 2, Kind: models.RuleKindKeyword, RuleText: "kw2", Keywords: models.StringList{"free"}, Active: true},
	}

	match, err := eng.Evaluate(ctx, "Free CRYPTO here", rules, 0.75)
	assert.NoError(err)
	assert.NotNil(match)
	// first matching rule in creation order wins
	assert.Equal(uint(1), match.Rule.ID)
	assert.Nil(match.Confidence)
}

func TestEvaluateClassifierVerdict(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cls := &fakeClassifier{positive: map[string]bool{"toxicity": true, "scam": false}}
	eng := testEngine(&fakeGenerator{}, cls)

	rules := []models.ModerationRule{
		{ID: 1, Kind: models.RuleKindClassifier, RuleText: "scam", ClassifierName: "scam", Active: true},
		{ID: 2, Kind: models.RuleKindClassifier, RuleText: "tox", ClassifierName: "toxicity", Active: true},
	}

	match, err := eng.Evaluate(ctx, "whatever", rules, 0.75)
	assert.NoError(err)
	assert.NotNil(match)
	assert.Equal(uint(2), match.Rule.ID)
	assert.Equal(1.0, *match.Confidence)
}

func TestEvaluateEmbeddingFailureDegrades(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	gen := &fakeGenerator{err: errors.New("generator down")}
	eng := testEngine(gen, nil)

	rules := []models.ModerationRule{
		simRule(1, []float64{1, 0}),
		{ID: 2, Kind: models.RuleKindKeyword, RuleText: "kw", Keywords: models.StringList{"spam"}, Active: true},
	}

	// similarity rules sit out, keyword rules still evaluated
	match, err := eng.Evaluate(ctx, "this is spam", rules, 0.5)
	assert.NoError(err)
	assert.NotNil(match)
	assert.Equal(uint(2), match.Rule.ID)

	// with no other rule matching, the message passes clean
	match, err = eng.Evaluate(ctx, "clean message", rules, 0.5)
	assert.NoError(err)
	assert.Nil(match)
}

func TestEvaluateEmptyRuleSet(t *testing.T) {
	assert := assert.New(t)

	eng := testEngine(&fakeGenerator{}, nil)
	match, err := eng.Evaluate(context.Background(), "anything", nil, 0.75)
	assert.NoError(err)
	assert.Nil(match)
}
