package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/domain"
)

func conf(v float64) *float64 { return &v }

func TestStrategyBuckets(t *testing.T) {
	th := domain.Thresholds{TLow: 0.6, THigh: 0.85}
	assert.Equal(t, "auto_pass", Strategy(0.85, th))
	assert.Equal(t, "review", Strategy(0.6, th))
	assert.Equal(t, "review", Strategy(0.849, th))
	assert.Equal(t, "human_required", Strategy(0.599, th))
}

func TestPassthroughScoresRecords(t *testing.T) {
	rs := domain.Ruleset{ID: "rs-1", Version: "v1", Config: domain.RulesetConfig{Thresholds: domain.Thresholds{TLow: 0.6, THigh: 0.85}}}
	out, err := Passthrough{}.Execute(context.Background(), rs, []domain.Record{
		{RawID: "a", Text: "  Acme\tCorp  ", Confidence: conf(0.9)},
		{RawID: "b", CanonText: "Beta", Text: "ignored"},
		{RawID: "c", Confidence: conf(1.7)},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "Acme Corp", out[0].CanonText)
	assert.Equal(t, "auto_pass", out[0].Strategy)
	assert.Equal(t, []domain.EvidenceItem{{Source: "pipeline", RawID: "a", RulesetID: "rs-1", RulesetVersion: "v1", Strategy: "auto_pass"}}, out[0].Evidence)

	assert.Equal(t, "Beta", out[1].CanonText)
	assert.Equal(t, DefaultConfidence, out[1].Confidence)
	assert.Equal(t, "human_required", out[1].Strategy)

	assert.Equal(t, 1.0, out[2].Confidence)
}

func TestPassthroughStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Passthrough{}.Execute(ctx, domain.Ruleset{}, []domain.Record{{RawID: "a"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecutorFunc(t *testing.T) {
	called := false
	var x Executor = ExecutorFunc(func(ctx context.Context, rs domain.Ruleset, records []domain.Record) ([]domain.Result, error) {
		called = true
		return nil, nil
	})
	_, err := x.Execute(context.Background(), domain.Ruleset{}, nil)
	require.NoError(t, err)
	assert.True(t, called)
}
