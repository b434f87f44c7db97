package engine

import (
	"context"

	"rulegate/internal/domain"
	"rulegate/internal/scorecard"
	"rulegate/internal/store"
)

// ComputeScorecard compares two tasks, each against its own ruleset's
// thresholds unless overridden.
func (e Engine) ComputeScorecard(ctx context.Context, baselineTaskID, candidateTaskID string, o scorecard.Override) (domain.Scorecard, error) {
	if err := validateOverride(o); err != nil {
		return domain.Scorecard{}, err
	}
	var sc domain.Scorecard
	err := e.Store.View(func(r store.Reader) error {
		baseline, err := scorecardSide(r, baselineTaskID)
		if err != nil {
			return err
		}
		candidate, err := scorecardSide(r, candidateTaskID)
		if err != nil {
			return err
		}
		sc = scorecard.Compute(baseline, candidate, o)
		return nil
	})
	return sc, err
}

func scorecardSide(r store.Reader, taskID string) (scorecard.Side, error) {
	task, ok := r.Task(taskID)
	if !ok {
		return scorecard.Side{}, domain.NotFound("task", taskID)
	}
	rs, ok := r.Ruleset(task.RulesetID)
	if !ok {
		return scorecard.Side{}, domain.NotFound("ruleset", task.RulesetID)
	}
	side := scorecard.Side{
		TaskID:     taskID,
		Results:    r.Results(taskID),
		Thresholds: rs.Config.Thresholds,
	}
	if reviews := r.Reviews(taskID); len(reviews) > 0 {
		side.LatestReview = reviews[len(reviews)-1].Status
	}
	return side, nil
}

func validateOverride(o scorecard.Override) error {
	for name, v := range map[string]*float64{"t_low": o.TLow, "t_high": o.THigh} {
		if v != nil && (*v < 0 || *v > 1) {
			return domain.Invalid(name, "must be within [0,1]")
		}
	}
	if o.TLow != nil && o.THigh != nil && *o.TLow > *o.THigh {
		return domain.Invalid("t_low", "must not exceed t_high")
	}
	return nil
}
