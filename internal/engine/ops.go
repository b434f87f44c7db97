package engine

import (
	"context"
	"fmt"
	"time"

	"rulegate/internal/domain"
	"rulegate/internal/scorecard"
	"rulegate/internal/store"
)

type OpsFilter struct {
	TaskID      string
	Batch       string
	RulesetID   string
	Status      domain.TaskStatus
	RecentHours int
	TLow        *float64
	THigh       *float64
}

type OpsSummary struct {
	TaskCount           int               `json:"task_count"`
	ResultCount         int               `json:"result_count"`
	StatusCounts        map[string]int    `json:"status_counts"`
	AutoPassCount       int               `json:"auto_pass_count"`
	ReviewCount         int               `json:"review_count"`
	HumanRequiredCount  int               `json:"human_required_count"`
	AvgConfidence       float64           `json:"avg_confidence"`
	Thresholds          domain.Thresholds `json:"thresholds"`
	QualityGatePassRate float64           `json:"quality_gate_pass_rate"`
	HumanRequiredRate   float64           `json:"human_required_rate"`
	QualityGatePassed   bool              `json:"quality_gate_passed"`
	Reasons             []string          `json:"reasons"`
}

// OpsSummary aggregates results of the matching tasks against one set of
// thresholds: the overrides, else the filtered ruleset's, else the active
// ruleset's, else the configured defaults.
func (e Engine) OpsSummary(ctx context.Context, f OpsFilter) (OpsSummary, error) {
	if f.RecentHours < 0 {
		return OpsSummary{}, domain.Invalid("recent_hours", "must not be negative")
	}
	if err := validateOverride(scorecard.Override{TLow: f.TLow, THigh: f.THigh}); err != nil {
		return OpsSummary{}, err
	}
	var cutoff time.Time
	if f.RecentHours > 0 {
		cutoff = e.now().Add(-time.Duration(f.RecentHours) * time.Hour)
	}
	sum := OpsSummary{StatusCounts: map[string]int{}, Reasons: []string{}}
	var confTotal float64
	err := e.Store.View(func(r store.Reader) error {
		th := e.defaultThresholds()
		if f.RulesetID != "" {
			rs, ok := r.Ruleset(f.RulesetID)
			if !ok {
				return domain.NotFound("ruleset", f.RulesetID)
			}
			th = rs.Config.Thresholds
		} else if rs, ok := r.ActiveRuleset(); ok {
			th = rs.Config.Thresholds
		}
		th = scorecard.Override{TLow: f.TLow, THigh: f.THigh}.Apply(th)
		sum.Thresholds = th

		for _, t := range r.Tasks() {
			if !matchesOps(t, f, cutoff) {
				continue
			}
			sum.TaskCount++
			sum.StatusCounts[string(t.Status)]++
			for _, res := range r.Results(t.ID) {
				sum.ResultCount++
				confTotal += res.Confidence
				switch {
				case res.Confidence >= th.THigh:
					sum.AutoPassCount++
				case res.Confidence >= th.TLow:
					sum.ReviewCount++
				default:
					sum.HumanRequiredCount++
				}
			}
		}
		return nil
	})
	if err != nil {
		return OpsSummary{}, err
	}
	e.applyOpsGate(&sum, confTotal)
	return sum, nil
}

func matchesOps(t domain.Task, f OpsFilter, cutoff time.Time) bool {
	if f.TaskID != "" && t.ID != f.TaskID {
		return false
	}
	if f.Batch != "" && t.BatchName != f.Batch {
		return false
	}
	if f.RulesetID != "" && t.RulesetID != f.RulesetID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !cutoff.IsZero() {
		created, err := time.Parse(time.RFC3339, t.CreatedAt)
		if err != nil || created.Before(cutoff) {
			return false
		}
	}
	return true
}

func (e Engine) applyOpsGate(sum *OpsSummary, confTotal float64) {
	minPass, maxHuman := 0.8, 0.2
	if e.Config != nil {
		minPass, maxHuman = e.Config.Ops.MinQualityGatePassRate, e.Config.Ops.MaxHumanRequiredRate
	}
	if sum.ResultCount == 0 {
		sum.Reasons = append(sum.Reasons, "no results match the filters")
		return
	}
	n := float64(sum.ResultCount)
	sum.AvgConfidence = roundThreshold(confTotal / n)
	sum.QualityGatePassRate = roundThreshold(float64(sum.AutoPassCount+sum.ReviewCount) / n)
	sum.HumanRequiredRate = roundThreshold(float64(sum.HumanRequiredCount) / n)
	passed := true
	if sum.QualityGatePassRate < minPass {
		passed = false
		sum.Reasons = append(sum.Reasons, fmt.Sprintf("quality_gate_pass_rate %.4f below %.4f", sum.QualityGatePassRate, minPass))
	}
	if sum.HumanRequiredRate > maxHuman {
		passed = false
		sum.Reasons = append(sum.Reasons, fmt.Sprintf("human_required_rate %.4f above %.4f", sum.HumanRequiredRate, maxHuman))
	}
	if passed {
		sum.Reasons = append(sum.Reasons, "quality gate passed")
	}
	sum.QualityGatePassed = passed
}
