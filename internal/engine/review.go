package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/store"
)

// Confidence floors and ceilings applied by human review.
const (
	approvedFloor = 0.90
	rejectedCeil  = 0.50
	editedFloor   = 0.95
)

// ReviewInput is one human decision on a task. An empty RawID targets every
// result of the task.
type ReviewInput struct {
	RawID          string              `json:"raw_id,omitempty"`
	Status         domain.ReviewStatus `json:"review_status" validate:"required,oneof=approved rejected edited"`
	FinalCanonText string              `json:"final_canon_text,omitempty"`
	Reviewer       string              `json:"reviewer" validate:"required"`
	Comment        string              `json:"comment,omitempty"`
}

// Fingerprint identifies a review for replay detection.
func (in ReviewInput) Fingerprint(taskID string) string {
	h := sha256.New()
	for _, part := range []string{taskID, in.RawID, string(in.Status), in.FinalCanonText, in.Reviewer, in.Comment} {
		h.Write([]byte(part))
		h.Write([]byte{0x1f})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Reconcile folds a review into the task's results, bumps the ruleset's
// feedback counters and marks the task REVIEWED.
//
// By default every call applies again, counters included. With
// review.idempotent_counters set, a review already applied returns its
// earlier outcome and changes nothing.
func (e Engine) Reconcile(ctx context.Context, taskID string, in ReviewInput) (domain.ReconcileOutcome, error) {
	if err := e.validateStruct(in); err != nil {
		return domain.ReconcileOutcome{}, err
	}
	fp := in.Fingerprint(taskID)
	idempotent := e.Config != nil && e.Config.Review.IdempotentCounters
	var (
		out    domain.ReconcileOutcome
		replay bool
	)
	err := e.update(ctx, func(tx *store.Txn) error {
		task, ok := tx.Task(taskID)
		if !ok {
			return domain.NotFound("task", taskID)
		}
		switch task.Status {
		case domain.TaskSucceeded, domain.TaskFailed, domain.TaskReviewed:
		default:
			return domain.Invalid("task_id", "task %s is %s; only finished tasks can be reviewed", taskID, task.Status)
		}
		if idempotent {
			if prior, ok := tx.Applied(fp); ok {
				out, replay = prior, true
				return nil
			}
		}

		results := tx.Results(taskID)
		updated := 0
		for i := range results {
			if in.RawID != "" && results[i].RawID != in.RawID {
				continue
			}
			results[i] = applyReview(results[i], in)
			updated++
		}
		out = domain.ReconcileOutcome{UpdatedCount: updated, TargetRawID: in.RawID}

		if updated > 0 {
			if err := tx.PutResults(taskID, results); err != nil {
				return err
			}
			if err := e.bumpCounters(tx, task.RulesetID, in.Status); err != nil {
				return err
			}
			if !(task.Status == domain.TaskFailed && in.Status == domain.ReviewRejected) {
				if _, err := e.setStatusTx(tx, taskID, domain.TaskReviewed); err != nil {
					return err
				}
			}
		}

		if err := tx.AddReview(domain.Review{
			ID:             uuid.New().String(),
			TaskID:         taskID,
			RawID:          in.RawID,
			Status:         in.Status,
			FinalCanonText: in.FinalCanonText,
			Reviewer:       in.Reviewer,
			Comment:        in.Comment,
			Fingerprint:    fp,
			UpdatedCount:   updated,
			CreatedAt:      e.timestamp(),
		}); err != nil {
			return err
		}
		return e.appendEvent(tx, events.TypeReviewApplied, in.Reviewer, "", events.EventPayload{
			"task_id":       taskID,
			"raw_id":        in.RawID,
			"review_status": string(in.Status),
			"updated_count": updated,
		})
	})
	if err != nil {
		return domain.ReconcileOutcome{}, err
	}
	fields := logrus.Fields{"task_id": taskID, "review_status": in.Status, "updated_count": out.UpdatedCount}
	if replay {
		e.Log.WithFields(fields).Info("review replay ignored")
		return out, nil
	}
	reviewsApplied.WithLabelValues(string(in.Status)).Inc()
	e.Log.WithFields(fields).Info("review applied")
	return out, nil
}

func applyReview(r domain.Result, in ReviewInput) domain.Result {
	switch in.Status {
	case domain.ReviewApproved:
		r.Confidence = max(r.Confidence, approvedFloor)
		r.Strategy = "human_approved"
	case domain.ReviewRejected:
		r.Confidence = min(r.Confidence, rejectedCeil)
		r.Strategy = "human_rejected"
	case domain.ReviewEdited:
		if strings.TrimSpace(in.FinalCanonText) != "" {
			r.CanonText = in.FinalCanonText
		}
		r.Confidence = max(r.Confidence, editedFloor)
		r.Strategy = "human_edited"
	}
	r.Evidence = append(r.Evidence, domain.EvidenceItem{
		Source:       "human_review",
		ReviewStatus: string(in.Status),
		Reviewer:     in.Reviewer,
		Comment:      in.Comment,
		RawID:        r.RawID,
	})
	return r
}

func (e Engine) bumpCounters(tx *store.Txn, rulesetID string, status domain.ReviewStatus) error {
	rs, ok := tx.Ruleset(rulesetID)
	if !ok {
		return nil
	}
	counters := rs.Config.FeedbackCounters.Increment(status)
	raw, err := withCounters(rs.ConfigJSON, counters)
	if err != nil {
		return err
	}
	rs.ConfigJSON = raw
	rs.Config.FeedbackCounters = counters
	rs.UpdatedAt = e.timestamp()
	return tx.PutRuleset(rs)
}
