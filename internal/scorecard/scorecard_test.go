package scorecard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/domain"
)

var th = domain.Thresholds{TLow: 0.6, THigh: 0.85}

func results(confidences ...float64) []domain.Result {
	out := make([]domain.Result, len(confidences))
	for i, c := range confidences {
		out[i] = domain.Result{RawID: string(rune('a' + i)), CanonText: "x", Confidence: c}
	}
	return out
}

func TestMetricsBuckets(t *testing.T) {
	m := Metrics(results(0.9, 0.85, 0.7, 0.6, 0.1), th, "")
	assert.InDelta(t, 0.4, m.AutoPassRate, 1e-9)
	assert.InDelta(t, 0.4, m.ReviewRate, 1e-9)
	assert.InDelta(t, 0.2, m.HumanRequiredRate, 1e-9)
	assert.InDelta(t, 0.8, m.QualityGatePassRate, 1e-9)
	assert.Equal(t, 1.0, m.ConsistencyScore)
	assert.Zero(t, m.ReviewAcceptRate)

	empty := Metrics(nil, th, domain.ReviewEdited)
	assert.Zero(t, empty.AutoPassRate)
	assert.Equal(t, 1.0, empty.ConsistencyScore)
	assert.Equal(t, 1.0, empty.ReviewAcceptRate)

	assert.Zero(t, Metrics(nil, th, domain.ReviewRejected).ReviewAcceptRate)
}

func TestConsistency(t *testing.T) {
	rs := []domain.Result{
		{RawID: "a", CanonText: "x"}, {RawID: "a", CanonText: "y"},
		{RawID: "b", CanonText: "z"}, {RawID: "b", CanonText: "z"},
		{RawID: "c", CanonText: "solo"},
	}
	// Two duplicated groups, one of them conflicting.
	assert.Equal(t, 0.5, consistency(rs))
	assert.Equal(t, 1.0, consistency(rs[4:]))
}

func TestRecommendRules(t *testing.T) {
	cases := []struct {
		name  string
		delta domain.TaskMetrics
		want  domain.Recommendation
	}{
		{"auto pass up", domain.TaskMetrics{AutoPassRate: 0.2}, domain.RecommendAccept},
		{"auto pass up with human up", domain.TaskMetrics{AutoPassRate: 0.2, HumanRequiredRate: 0.1}, domain.RecommendReject},
		{"quality down", domain.TaskMetrics{QualityGatePassRate: -0.1}, domain.RecommendReject},
		{"consistency past limit", domain.TaskMetrics{ConsistencyScore: -0.06}, domain.RecommendReject},
		{"consistency within limit", domain.TaskMetrics{ConsistencyScore: -0.05}, domain.RecommendNeedsHuman},
		{"no change", domain.TaskMetrics{}, domain.RecommendNeedsHuman},
		{"auto pass up but consistency dips", domain.TaskMetrics{AutoPassRate: 0.1, ConsistencyScore: -0.01}, domain.RecommendNeedsHuman},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reasons := Recommend(tc.delta)
			assert.Equal(t, tc.want, got)
			assert.NotEmpty(t, reasons)
		})
	}
}

func TestComputeUsesEachSidesThresholds(t *testing.T) {
	rs := results(0.82, 0.55)
	baseline := Side{TaskID: "base", Results: rs, Thresholds: th}
	candidate := Side{TaskID: "cand", Results: rs, Thresholds: domain.Thresholds{TLow: 0.5, THigh: 0.8}}

	sc := Compute(baseline, candidate, Override{})
	assert.Equal(t, "base", sc.BaselineTaskID)
	assert.Equal(t, domain.RecommendAccept, sc.Recommendation)
	assert.Equal(t, 0.5, sc.Delta.AutoPassRate)
	assert.Equal(t, -0.5, sc.Delta.HumanRequiredRate)

	high := 0.9
	sc = Compute(baseline, candidate, Override{THigh: &high})
	assert.Equal(t, high, sc.BaselineThresholds.THigh)
	assert.Equal(t, high, sc.CandidateThresholds.THigh)
	assert.Equal(t, 0.5, sc.CandidateThresholds.TLow)
	assert.Zero(t, sc.Delta.AutoPassRate)
}

func TestDeltaRoundsToZero(t *testing.T) {
	d := Delta(domain.TaskMetrics{AutoPassRate: 0.1 + 0.2}, domain.TaskMetrics{AutoPassRate: 0.3})
	assert.Equal(t, 0.0, d.AutoPassRate)
}

func TestRelevantLeadsWithRuleMetrics(t *testing.T) {
	sc := domain.Scorecard{
		Recommendation: domain.RecommendReject,
		Delta:          domain.TaskMetrics{AutoPassRate: 0.1, HumanRequiredRate: 0.2, ReviewRate: -0.3},
	}
	got := Relevant(sc)
	require.Len(t, got, len(MetricNames()))
	assert.Equal(t, []string{HumanRequiredRate, AutoPassRate, ReviewRate}, got[:3])

	accept := Relevant(domain.Scorecard{Recommendation: domain.RecommendAccept})
	assert.Equal(t, []string{AutoPassRate, HumanRequiredRate}, accept[:2])
}

func TestMetricNamesIsACopy(t *testing.T) {
	names := MetricNames()
	names[0] = "changed"
	assert.Equal(t, AutoPassRate, MetricNames()[0])
}
