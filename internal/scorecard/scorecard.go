// Package scorecard compares a baseline run against a candidate run and
// recommends accept, reject or needs-human. Everything here is pure.
package scorecard

import (
	"fmt"
	"math"
	"sort"

	"rulegate/internal/domain"
)

// Metric names, in the order they are reported.
const (
	AutoPassRate        = "auto_pass_rate"
	ReviewRate          = "review_rate"
	HumanRequiredRate   = "human_required_rate"
	QualityGatePassRate = "quality_gate_pass_rate"
	ConsistencyScore    = "consistency_score"
	ReviewAcceptRate    = "review_accept_rate"
)

var metricNames = []string{AutoPassRate, ReviewRate, HumanRequiredRate, QualityGatePassRate, ConsistencyScore, ReviewAcceptRate}

func MetricNames() []string {
	return append([]string(nil), metricNames...)
}

// ConsistencyDropLimit is how far consistency may fall before a candidate
// is rejected.
const ConsistencyDropLimit = -0.05

// Side is one task as seen by the scorecard.
type Side struct {
	TaskID       string
	Results      []domain.Result
	Thresholds   domain.Thresholds
	LatestReview domain.ReviewStatus
}

// Override replaces thresholds for both sides when set.
type Override struct {
	TLow  *float64
	THigh *float64
}

func (o Override) Apply(th domain.Thresholds) domain.Thresholds {
	if o.TLow != nil {
		th.TLow = *o.TLow
	}
	if o.THigh != nil {
		th.THigh = *o.THigh
	}
	return th
}

// Metrics derives the per-task rates. An empty task has zero rates and a
// consistency score of 1.
func Metrics(results []domain.Result, th domain.Thresholds, latest domain.ReviewStatus) domain.TaskMetrics {
	m := domain.TaskMetrics{ConsistencyScore: consistency(results)}
	if latest == domain.ReviewApproved || latest == domain.ReviewEdited {
		m.ReviewAcceptRate = 1
	}
	total := len(results)
	if total == 0 {
		return m
	}
	var auto, review, human int
	for _, r := range results {
		switch {
		case r.Confidence >= th.THigh:
			auto++
		case r.Confidence >= th.TLow:
			review++
		default:
			human++
		}
	}
	n := float64(total)
	m.AutoPassRate = float64(auto) / n
	m.ReviewRate = float64(review) / n
	m.HumanRequiredRate = float64(human) / n
	m.QualityGatePassRate = float64(auto+review) / n
	return m
}

// consistency is 1 - conflicting/duplicated over raw_id groups. A group is
// duplicated when its raw_id appears more than once and conflicting when
// it also carries more than one distinct canon_text.
func consistency(results []domain.Result) float64 {
	texts := make(map[string]map[string]struct{})
	counts := make(map[string]int)
	for _, r := range results {
		counts[r.RawID]++
		if texts[r.RawID] == nil {
			texts[r.RawID] = make(map[string]struct{})
		}
		texts[r.RawID][r.CanonText] = struct{}{}
	}
	var duplicated, conflicting int
	for rawID, c := range counts {
		if c < 2 {
			continue
		}
		duplicated++
		if len(texts[rawID]) > 1 {
			conflicting++
		}
	}
	if duplicated == 0 {
		return 1
	}
	return 1 - float64(conflicting)/float64(duplicated)
}

// Delta is candidate minus baseline for every metric, rounded to 1e-9.
func Delta(baseline, candidate domain.TaskMetrics) domain.TaskMetrics {
	return domain.TaskMetrics{
		AutoPassRate:        round(candidate.AutoPassRate - baseline.AutoPassRate),
		ReviewRate:          round(candidate.ReviewRate - baseline.ReviewRate),
		HumanRequiredRate:   round(candidate.HumanRequiredRate - baseline.HumanRequiredRate),
		QualityGatePassRate: round(candidate.QualityGatePassRate - baseline.QualityGatePassRate),
		ConsistencyScore:    round(candidate.ConsistencyScore - baseline.ConsistencyScore),
		ReviewAcceptRate:    round(candidate.ReviewAcceptRate - baseline.ReviewAcceptRate),
	}
}

func round(v float64) float64 {
	r := math.Round(v*1e9) / 1e9
	if r == 0 {
		return 0
	}
	return r
}

// Recommend applies the rules in order; the first match wins.
//
//	accept: auto pass up, human required not up, consistency and quality not down
//	reject: human required up, consistency down past the limit, or quality down
//	needs-human otherwise
func Recommend(d domain.TaskMetrics) (domain.Recommendation, []string) {
	if d.AutoPassRate > 0 && d.HumanRequiredRate <= 0 && d.ConsistencyScore >= 0 && d.QualityGatePassRate >= 0 {
		return domain.RecommendAccept, []string{
			fmt.Sprintf("%s improved by %+.4f", AutoPassRate, d.AutoPassRate),
			fmt.Sprintf("%s did not increase (%+.4f)", HumanRequiredRate, d.HumanRequiredRate),
			fmt.Sprintf("%s did not drop (%+.4f)", ConsistencyScore, d.ConsistencyScore),
			fmt.Sprintf("%s did not drop (%+.4f)", QualityGatePassRate, d.QualityGatePassRate),
		}
	}
	var reasons []string
	if d.HumanRequiredRate > 0 {
		reasons = append(reasons, fmt.Sprintf("%s increased by %+.4f", HumanRequiredRate, d.HumanRequiredRate))
	}
	if d.ConsistencyScore < ConsistencyDropLimit {
		reasons = append(reasons, fmt.Sprintf("%s dropped by %+.4f (limit %+.2f)", ConsistencyScore, d.ConsistencyScore, ConsistencyDropLimit))
	}
	if d.QualityGatePassRate < 0 {
		reasons = append(reasons, fmt.Sprintf("%s dropped by %+.4f", QualityGatePassRate, d.QualityGatePassRate))
	}
	if len(reasons) > 0 {
		return domain.RecommendReject, reasons
	}
	reasons = []string{"no accept or reject rule matched"}
	if d.AutoPassRate <= 0 {
		reasons = append(reasons, fmt.Sprintf("%s did not improve (%+.4f)", AutoPassRate, d.AutoPassRate))
	}
	if d.ConsistencyScore < 0 {
		reasons = append(reasons, fmt.Sprintf("%s dropped by %+.4f within limit", ConsistencyScore, d.ConsistencyScore))
	}
	return domain.RecommendNeedsHuman, reasons
}

// Compute builds the full scorecard for two sides.
func Compute(baseline, candidate Side, o Override) domain.Scorecard {
	bt := o.Apply(baseline.Thresholds)
	ct := o.Apply(candidate.Thresholds)
	bm := Metrics(baseline.Results, bt, baseline.LatestReview)
	cm := Metrics(candidate.Results, ct, candidate.LatestReview)
	delta := Delta(bm, cm)
	rec, reasons := Recommend(delta)
	return domain.Scorecard{
		BaselineTaskID:      baseline.TaskID,
		CandidateTaskID:     candidate.TaskID,
		BaselineThresholds:  bt,
		CandidateThresholds: ct,
		Baseline:            bm,
		Candidate:           cm,
		Delta:               delta,
		Recommendation:      rec,
		Reasons:             reasons,
	}
}

// Value returns the named metric.
func Value(m domain.TaskMetrics, name string) float64 {
	switch name {
	case AutoPassRate:
		return m.AutoPassRate
	case ReviewRate:
		return m.ReviewRate
	case HumanRequiredRate:
		return m.HumanRequiredRate
	case QualityGatePassRate:
		return m.QualityGatePassRate
	case ConsistencyScore:
		return m.ConsistencyScore
	case ReviewAcceptRate:
		return m.ReviewAcceptRate
	}
	return 0
}

// Relevant orders metric names by how much they drove the recommendation:
// the metrics named by the matching rule first, the rest by absolute delta.
func Relevant(sc domain.Scorecard) []string {
	var lead []string
	d := sc.Delta
	switch sc.Recommendation {
	case domain.RecommendAccept:
		lead = []string{AutoPassRate, HumanRequiredRate}
	case domain.RecommendReject:
		if d.HumanRequiredRate > 0 {
			lead = append(lead, HumanRequiredRate)
		}
		if d.ConsistencyScore < ConsistencyDropLimit {
			lead = append(lead, ConsistencyScore)
		}
		if d.QualityGatePassRate < 0 {
			lead = append(lead, QualityGatePassRate)
		}
		lead = append(lead, AutoPassRate)
	default:
		lead = []string{AutoPassRate}
	}
	seen := make(map[string]bool, len(metricNames))
	out := make([]string, 0, len(metricNames))
	for _, name := range lead {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	var rest []string
	for _, name := range metricNames {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return math.Abs(Value(d, rest[i])) > math.Abs(Value(d, rest[j]))
	})
	return append(out, rest...)
}
