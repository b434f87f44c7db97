package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/scorecard"
	"rulegate/internal/store"
)

// MaxCandidates bounds candidate_count for one optimize run.
const MaxCandidates = 3

type perturbation struct {
	DTHigh float64
	DTLow  float64
}

// perturbations are applied to the active thresholds in order.
var perturbations = [MaxCandidates]perturbation{
	{DTHigh: 0.00, DTLow: -0.03},
	{DTHigh: 0.02, DTLow: -0.01},
	{DTHigh: -0.01, DTLow: -0.04},
}

// minThresholdGap is restored between t_low and t_high when a perturbation
// makes them cross.
const minThresholdGap = 0.05

type OptimizeInput struct {
	BatchID        string          `json:"batch_id" validate:"required"`
	Records        []domain.Record `json:"records" validate:"required,min=1,dive"`
	CandidateCount int             `json:"candidate_count" validate:"min=1,max=3"`
	Caller         string          `json:"-"`
}

type OptimizeOutcome struct {
	BaselineRunID       string                `json:"baseline_run_id"`
	CandidateRunIDs     []string              `json:"candidate_run_ids"`
	CandidateRulesetIDs []string              `json:"candidate_ruleset_ids"`
	ChangeID            string                `json:"change_id"`
	Recommendation      domain.Recommendation `json:"recommendation"`
	Scorecard           domain.Scorecard      `json:"scorecard"`
}

type candidateRun struct {
	index     int
	ruleset   domain.Ruleset
	taskID    string
	scorecard domain.Scorecard
}

// PerturbThresholds applies one perturbation, clamps both ends to [0,1] and
// restores a gap when t_low would reach t_high.
func PerturbThresholds(base domain.Thresholds, index int) domain.Thresholds {
	p := perturbations[index]
	th := domain.Thresholds{
		TLow:  clamp01(base.TLow + p.DTLow),
		THigh: clamp01(base.THigh + p.DTHigh),
	}
	if th.TLow >= th.THigh {
		th.TLow = math.Max(0, roundThreshold(th.THigh-minThresholdGap))
	}
	return th
}

func clamp01(v float64) float64 {
	return roundThreshold(math.Min(1, math.Max(0, v)))
}

func roundThreshold(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

// Optimize runs the active ruleset and up to three perturbed candidates over
// the same records, ranks the candidates by scorecard and opens one change
// request for the best of them. Identical concurrent requests share one run.
func (e Engine) Optimize(ctx context.Context, in OptimizeInput) (OptimizeOutcome, error) {
	if err := e.validateOptimize(in); err != nil {
		return OptimizeOutcome{}, err
	}
	if in.Caller == "" {
		in.Caller = e.adminCaller()
	}
	key, err := optimizeKey(in)
	if err != nil {
		return OptimizeOutcome{}, err
	}
	// The shared run outlives any single caller; each caller still returns
	// when its own ctx ends.
	ch := e.flight.DoChan(key, func() (any, error) {
		return e.optimize(context.WithoutCancel(ctx), in)
	})
	select {
	case res := <-ch:
		if res.Shared {
			e.Log.WithField("batch_id", in.BatchID).Debug("optimize request coalesced")
		}
		if res.Err != nil {
			return OptimizeOutcome{}, res.Err
		}
		return res.Val.(OptimizeOutcome), nil
	case <-ctx.Done():
		return OptimizeOutcome{}, ctx.Err()
	}
}

func (e Engine) validateOptimize(in OptimizeInput) error {
	if in.CandidateCount < 1 || in.CandidateCount > MaxCandidates {
		return domain.Invalid("candidate_count", "must be between 1 and %d", MaxCandidates)
	}
	if len(in.Records) == 0 {
		return domain.Invalid("records", "at least one record is required")
	}
	if err := e.validateRecords(in.Records); err != nil {
		return err
	}
	return e.validateStruct(in)
}

func optimizeKey(in OptimizeInput) (string, error) {
	b, err := json.Marshal(struct {
		BatchID string          `json:"batch_id"`
		Records []domain.Record `json:"records"`
		Count   int             `json:"candidate_count"`
	}{in.BatchID, in.Records, in.CandidateCount})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func (e Engine) optimize(ctx context.Context, in OptimizeInput) (out OptimizeOutcome, err error) {
	ctx, span := startSpan(ctx, "engine.Optimize",
		attribute.String("batch_id", in.BatchID),
		attribute.Int("candidate_count", in.CandidateCount),
	)
	defer func() { endSpan(span, err) }()
	log := e.Log.WithField("batch_id", in.BatchID)

	active, err := e.ActiveRuleset(ctx)
	if err != nil {
		return OptimizeOutcome{}, err
	}
	if err := e.logEvent(ctx, events.TypeAgentRunStart, in.Caller, events.EventPayload{
		"batch_id":          in.BatchID,
		"records":           len(in.Records),
		"candidate_count":   in.CandidateCount,
		"active_ruleset_id": active.ID,
	}); err != nil {
		return OptimizeOutcome{}, err
	}

	if err := e.logEvent(ctx, events.TypeToolCall, in.Caller, events.EventPayload{
		"tool": "RunGovernance", "phase": "baseline", "ruleset_id": active.ID,
	}); err != nil {
		return OptimizeOutcome{}, err
	}
	baseline, err := e.runCanaryTask(ctx, active.ID, in)
	if err != nil {
		return OptimizeOutcome{}, e.abortCanary(ctx, in, "baseline", -1, err)
	}
	if err := e.logEvent(ctx, events.TypeBaselineCompleted, in.Caller, events.EventPayload{
		"task_id": baseline, "ruleset_id": active.ID,
	}); err != nil {
		return OptimizeOutcome{}, err
	}

	runs := make([]candidateRun, 0, in.CandidateCount)
	for i := 0; i < in.CandidateCount; i++ {
		run, err := e.runCandidate(ctx, in, active, baseline, i)
		if err != nil {
			return OptimizeOutcome{}, err
		}
		runs = append(runs, run)
	}

	ranked := rankCandidates(runs)
	best := ranked[0]
	bullets := evidenceBullets(best, len(runs))
	var cr domain.ChangeRequest
	err = e.update(ctx, func(tx *store.Txn) error {
		sc := best.scorecard
		var err error
		cr, err = e.createChangeTx(tx, in.Caller, ChangeRequestInput{
			FromRulesetID:   active.ID,
			ToRulesetID:     best.ruleset.ID,
			BaselineTaskID:  baseline,
			CandidateTaskID: best.taskID,
			Scorecard:       &sc,
			Recommendation:  sc.Recommendation,
			EvidenceBullets: bullets,
		})
		if err != nil {
			return err
		}
		ranking := make([]string, len(ranked))
		for i, r := range ranked {
			ranking[i] = r.ruleset.ID
		}
		return e.appendEvent(tx, events.TypeScorecardComputed, in.Caller, cr.ID, events.EventPayload{
			"baseline_task_id":     baseline,
			"candidate_task_id":    best.taskID,
			"candidate_ruleset_id": best.ruleset.ID,
			"recommendation":       string(sc.Recommendation),
			"delta_auto_pass_rate": sc.Delta.AutoPassRate,
			"ranking":              ranking,
		})
	})
	if err != nil {
		return OptimizeOutcome{}, err
	}

	out = OptimizeOutcome{
		BaselineRunID:  baseline,
		ChangeID:       cr.ID,
		Recommendation: cr.Recommendation,
		Scorecard:      cr.Scorecard,
	}
	for _, r := range runs {
		out.CandidateRunIDs = append(out.CandidateRunIDs, r.taskID)
		out.CandidateRulesetIDs = append(out.CandidateRulesetIDs, r.ruleset.ID)
	}
	canaryRuns.WithLabelValues("proposed").Inc()
	log.WithFields(logrus.Fields{"change_id": cr.ID, "recommendation": cr.Recommendation}).Info("canary proposed change request")
	return out, nil
}

func (e Engine) runCandidate(ctx context.Context, in OptimizeInput, active domain.Ruleset, baselineTaskID string, i int) (candidateRun, error) {
	th := PerturbThresholds(active.Config.Thresholds, i)
	if err := e.logEvent(ctx, events.TypeToolCall, in.Caller, events.EventPayload{
		"tool": "CreateRulesetCandidate", "index": i, "t_low": th.TLow, "t_high": th.THigh,
	}); err != nil {
		return candidateRun{}, err
	}
	var rs domain.Ruleset
	err := e.update(ctx, func(tx *store.Txn) error {
		var err error
		rs, err = e.newRulesetTx(tx, fmt.Sprintf("%s-canary-%d", active.Version, i+1), domain.RulesetConfig{Thresholds: th}, false)
		return err
	})
	if err != nil {
		return candidateRun{}, err
	}

	if err := e.logEvent(ctx, events.TypeToolCall, in.Caller, events.EventPayload{
		"tool": "RunGovernance", "phase": "candidate", "index": i, "ruleset_id": rs.ID,
	}); err != nil {
		return candidateRun{}, err
	}
	taskID, err := e.runCanaryTask(ctx, rs.ID, in)
	if err != nil {
		return candidateRun{}, e.abortCanary(ctx, in, "candidate", i, err)
	}
	if err := e.logEvent(ctx, events.TypeCandidateCompleted, in.Caller, events.EventPayload{
		"task_id": taskID, "ruleset_id": rs.ID, "index": i,
	}); err != nil {
		return candidateRun{}, err
	}

	if err := e.logEvent(ctx, events.TypeToolCall, in.Caller, events.EventPayload{
		"tool": "ComputeScorecard", "baseline_task_id": baselineTaskID, "candidate_task_id": taskID,
	}); err != nil {
		return candidateRun{}, err
	}
	sc, err := e.ComputeScorecard(ctx, baselineTaskID, taskID, scorecard.Override{})
	if err != nil {
		return candidateRun{}, err
	}
	return candidateRun{index: i, ruleset: rs, taskID: taskID, scorecard: sc}, nil
}

// runCanaryTask runs records synchronously, bypassing the dispatcher.
func (e Engine) runCanaryTask(ctx context.Context, rulesetID string, in OptimizeInput) (string, error) {
	task, err := e.CreateTask(ctx, rulesetID, in.BatchID)
	if err != nil {
		return "", err
	}
	if _, err := e.RunTask(ctx, task.ID, in.Records); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (e Engine) abortCanary(ctx context.Context, in OptimizeInput, stage string, index int, cause error) error {
	canaryRuns.WithLabelValues("aborted").Inc()
	payload := events.EventPayload{"batch_id": in.BatchID, "stage": stage, "error": cause.Error()}
	if index >= 0 {
		payload["index"] = index
	}
	if err := e.logEvent(ctx, events.TypeCanaryAborted, in.Caller, payload); err != nil {
		return err
	}
	e.Log.WithError(cause).WithFields(logrus.Fields{"batch_id": in.BatchID, "stage": stage}).Warn("canary aborted")
	return fmt.Errorf("canary %s run failed: %w", stage, cause)
}

func (e Engine) logEvent(ctx context.Context, evtType, caller string, payload events.EventPayload) error {
	return e.update(ctx, func(tx *store.Txn) error {
		return e.appendEvent(tx, evtType, caller, "", payload)
	})
}

// rankCandidates orders runs by recommendation weight, then auto pass delta,
// both descending. Ties keep the earlier candidate first.
func rankCandidates(runs []candidateRun) []candidateRun {
	ranked := append([]candidateRun(nil), runs...)
	sort.SliceStable(ranked, func(i, j int) bool {
		wi, wj := ranked[i].scorecard.Recommendation.Weight(), ranked[j].scorecard.Recommendation.Weight()
		if wi != wj {
			return wi > wj
		}
		return ranked[i].scorecard.Delta.AutoPassRate > ranked[j].scorecard.Delta.AutoPassRate
	})
	return ranked
}

func evidenceBullets(best candidateRun, total int) []string {
	sc := best.scorecard
	bullets := []string{fmt.Sprintf("recommendation %s for candidate %d of %d (%s, t_low=%.2f, t_high=%.2f)",
		sc.Recommendation, best.index+1, total, best.ruleset.Version,
		sc.CandidateThresholds.TLow, sc.CandidateThresholds.THigh)}
	for _, name := range scorecard.Relevant(sc)[:2] {
		bullets = append(bullets, fmt.Sprintf("%s %.4f -> %.4f (%+.4f)", name,
			scorecard.Value(sc.Baseline, name), scorecard.Value(sc.Candidate, name), scorecard.Value(sc.Delta, name)))
	}
	return bullets
}
