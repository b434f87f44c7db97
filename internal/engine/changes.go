package engine

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/scorecard"
	"rulegate/internal/store"
)

// MaxEvidenceBullets caps the evidence bullets carried by a change request.
const MaxEvidenceBullets = 3

// ChangeRequestInput proposes moving the active ruleset. A nil Scorecard is
// computed from the two tasks; an empty Recommendation takes the
// scorecard's.
type ChangeRequestInput struct {
	FromRulesetID   string                `json:"from_ruleset_id" validate:"required"`
	ToRulesetID     string                `json:"to_ruleset_id" validate:"required"`
	BaselineTaskID  string                `json:"baseline_task_id" validate:"required"`
	CandidateTaskID string                `json:"candidate_task_id" validate:"required"`
	Scorecard       *domain.Scorecard     `json:"scorecard,omitempty"`
	Recommendation  domain.Recommendation `json:"recommendation,omitempty"`
	EvidenceBullets []string              `json:"evidence_bullets,omitempty"`
}

type ChangeFilter struct {
	Status        domain.ChangeStatus
	ToRulesetID   string
	FromRulesetID string
}

func (e Engine) CreateChangeRequest(ctx context.Context, caller string, in ChangeRequestInput) (domain.ChangeRequest, error) {
	if err := e.validateStruct(in); err != nil {
		return domain.ChangeRequest{}, err
	}
	if in.Recommendation != "" && !in.Recommendation.Valid() {
		return domain.ChangeRequest{}, domain.Invalid("recommendation", "must be one of accept, reject, needs-human")
	}
	if len(in.EvidenceBullets) > MaxEvidenceBullets {
		return domain.ChangeRequest{}, domain.Invalid("evidence_bullets", "at most %d bullets are allowed", MaxEvidenceBullets)
	}
	var cr domain.ChangeRequest
	err := e.update(ctx, func(tx *store.Txn) error {
		var err error
		cr, err = e.createChangeTx(tx, caller, in)
		return err
	})
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	e.Log.WithFields(logrus.Fields{"change_id": cr.ID, "recommendation": cr.Recommendation}).Info("change request created")
	return cr, nil
}

func (e Engine) createChangeTx(tx *store.Txn, caller string, in ChangeRequestInput) (domain.ChangeRequest, error) {
	from, ok := tx.Ruleset(in.FromRulesetID)
	if !ok {
		return domain.ChangeRequest{}, domain.NotFound("ruleset", in.FromRulesetID)
	}
	to, ok := tx.Ruleset(in.ToRulesetID)
	if !ok {
		return domain.ChangeRequest{}, domain.NotFound("ruleset", in.ToRulesetID)
	}
	var sc domain.Scorecard
	if in.Scorecard != nil {
		for _, id := range []string{in.BaselineTaskID, in.CandidateTaskID} {
			if _, ok := tx.Task(id); !ok {
				return domain.ChangeRequest{}, domain.NotFound("task", id)
			}
		}
		sc = *in.Scorecard
	} else {
		baseline, err := scorecardSide(tx, in.BaselineTaskID)
		if err != nil {
			return domain.ChangeRequest{}, err
		}
		candidate, err := scorecardSide(tx, in.CandidateTaskID)
		if err != nil {
			return domain.ChangeRequest{}, err
		}
		sc = scorecard.Compute(baseline, candidate, scorecard.Override{})
	}
	rec := in.Recommendation
	if rec == "" {
		rec = sc.Recommendation
	}
	if !rec.Valid() {
		return domain.ChangeRequest{}, domain.Invalid("recommendation", "must be one of accept, reject, needs-human")
	}
	bullets := append([]string{}, in.EvidenceBullets...)
	now := e.timestamp()
	cr := domain.ChangeRequest{
		ID:              uuid.New().String(),
		FromRulesetID:   from.ID,
		ToRulesetID:     to.ID,
		BaselineTaskID:  in.BaselineTaskID,
		CandidateTaskID: in.CandidateTaskID,
		Diff:            thresholdDiff(from.Config.Thresholds, to.Config.Thresholds),
		Scorecard:       sc,
		Recommendation:  rec,
		Status:          domain.ChangePending,
		EvidenceBullets: bullets,
		CreatedBy:       caller,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := tx.PutChangeRequest(cr); err != nil {
		return domain.ChangeRequest{}, err
	}
	err := e.appendEvent(tx, events.TypeChangeRequestCreated, caller, cr.ID, events.EventPayload{
		"from_ruleset_id":   cr.FromRulesetID,
		"to_ruleset_id":     cr.ToRulesetID,
		"baseline_task_id":  cr.BaselineTaskID,
		"candidate_task_id": cr.CandidateTaskID,
		"recommendation":    string(cr.Recommendation),
		"evidence_bullets":  bullets,
	})
	return cr, err
}

func thresholdDiff(from, to domain.Thresholds) domain.ChangeDiff {
	return domain.ChangeDiff{
		From:       from,
		To:         to,
		DeltaTLow:  math.Round((to.TLow-from.TLow)*1e9) / 1e9,
		DeltaTHigh: math.Round((to.THigh-from.THigh)*1e9) / 1e9,
	}
}

// ApproveChangeRequest moves a pending or rejected change to approved.
func (e Engine) ApproveChangeRequest(ctx context.Context, changeID, approver, comment string) (domain.ChangeRequest, error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return domain.ChangeRequest{}, domain.Invalid("approver", "is required")
	}
	var cr domain.ChangeRequest
	err := e.update(ctx, func(tx *store.Txn) error {
		var ok bool
		cr, ok = tx.ChangeRequest(changeID)
		if !ok {
			return domain.NotFound("change_request", changeID)
		}
		from := cr.Status
		if from != domain.ChangePending && from != domain.ChangeRejected {
			return transitionError("change request", from, domain.ChangeApproved)
		}
		now := e.timestamp()
		cr.Status = domain.ChangeApproved
		cr.ApprovedBy = approver
		cr.ApprovedAt = now
		cr.ApprovalComment = comment
		cr.RejectedBy, cr.RejectedAt, cr.RejectionReason = "", "", ""
		cr.UpdatedAt = now
		if err := tx.PutChangeRequest(cr); err != nil {
			return err
		}
		return e.appendEvent(tx, events.TypeApprovalChanged, approver, cr.ID, events.EventPayload{
			"from_status": string(from),
			"to_status":   string(cr.Status),
			"approved_by": approver,
			"comment":     comment,
		})
	})
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	e.Log.WithFields(logrus.Fields{"change_id": changeID, "approved_by": approver}).Info("change request approved")
	return cr, nil
}

// RejectChangeRequest moves a change to rejected and clears its approval.
// An approved change that has already been activated cannot be rejected.
func (e Engine) RejectChangeRequest(ctx context.Context, changeID, reviewer, reason string) (domain.ChangeRequest, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return domain.ChangeRequest{}, domain.Invalid("reviewer", "is required")
	}
	var (
		cr      domain.ChangeRequest
		blocked *domain.GateError
	)
	err := e.update(ctx, func(tx *store.Txn) error {
		var ok bool
		cr, ok = tx.ChangeRequest(changeID)
		if !ok {
			return domain.NotFound("change_request", changeID)
		}
		from := cr.Status
		switch from {
		case domain.ChangePending:
		case domain.ChangeApproved:
			if cr.ActivatedAt != "" {
				blocked = domain.NewGateError(domain.GateChangeAlreadyActivated, "",
					"change request %s was activated at %s and can no longer be rejected", cr.ID, cr.ActivatedAt)
				return e.appendEvent(tx, events.TypeApprovalChangeBlocked, reviewer, cr.ID, events.EventPayload{
					"gate_code":   string(blocked.Code),
					"from_status": string(from),
					"to_status":   string(domain.ChangeRejected),
					"message":     blocked.Message,
				})
			}
		default:
			return transitionError("change request", from, domain.ChangeRejected)
		}
		now := e.timestamp()
		cr.Status = domain.ChangeRejected
		cr.ApprovedBy, cr.ApprovedAt, cr.ApprovalComment = "", "", ""
		cr.RejectedBy = reviewer
		cr.RejectedAt = now
		cr.RejectionReason = reason
		cr.UpdatedAt = now
		if err := tx.PutChangeRequest(cr); err != nil {
			return err
		}
		return e.appendEvent(tx, events.TypeApprovalChanged, reviewer, cr.ID, events.EventPayload{
			"from_status": string(from),
			"to_status":   string(cr.Status),
			"rejected_by": reviewer,
			"reason":      reason,
		})
	})
	if err != nil {
		return domain.ChangeRequest{}, err
	}
	if blocked != nil {
		e.Log.WithFields(logrus.Fields{"change_id": changeID, "gate_code": blocked.Code}).Warn("approval change blocked")
		return domain.ChangeRequest{}, blocked
	}
	e.Log.WithFields(logrus.Fields{"change_id": changeID, "rejected_by": reviewer}).Info("change request rejected")
	return cr, nil
}

func (e Engine) GetChangeRequest(ctx context.Context, changeID string) (domain.ChangeRequest, error) {
	var out domain.ChangeRequest
	err := e.Store.View(func(r store.Reader) error {
		cr, ok := r.ChangeRequest(changeID)
		if !ok {
			return domain.NotFound("change_request", changeID)
		}
		out = cr
		return nil
	})
	return out, err
}

func (e Engine) ListChangeRequests(ctx context.Context, f ChangeFilter) ([]domain.ChangeRequest, error) {
	var out []domain.ChangeRequest
	err := e.Store.View(func(r store.Reader) error {
		for _, cr := range r.ChangeRequests() {
			if f.Status != "" && cr.Status != f.Status {
				continue
			}
			if f.ToRulesetID != "" && cr.ToRulesetID != f.ToRulesetID {
				continue
			}
			if f.FromRulesetID != "" && cr.FromRulesetID != f.FromRulesetID {
				continue
			}
			out = append(out, cr)
		}
		return nil
	})
	return out, err
}
