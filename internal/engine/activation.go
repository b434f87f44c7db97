package engine

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"rulegate/internal/domain"
	"rulegate/internal/events"
	"rulegate/internal/store"
)

type ActivateInput struct {
	RulesetID string
	ChangeID  string
	Caller    string
	Reason    string
}

type ActivationOutcome struct {
	Activated       bool   `json:"activated"`
	ActiveRulesetID string `json:"active_ruleset_id"`
	ChangeID        string `json:"change_id"`
}

// Activate is the only path that flips the active ruleset. Preconditions are
// checked in a fixed order and the first failure is recorded as a
// ruleset_activation_blocked event and returned as a *domain.GateError.
func (e Engine) Activate(ctx context.Context, in ActivateInput) (out ActivationOutcome, err error) {
	ctx, span := startSpan(ctx, "engine.Activate",
		attribute.String("ruleset_id", in.RulesetID),
		attribute.String("change_id", in.ChangeID),
	)
	defer func() { endSpan(span, err) }()

	var blocked *domain.GateError
	err = e.update(ctx, func(tx *store.Txn) error {
		if blocked = e.checkActivation(tx, in); blocked != nil {
			return e.appendEvent(tx, events.TypeRulesetActivationBlocked, in.Caller, in.ChangeID, events.EventPayload{
				"gate_code":  string(blocked.Code),
				"ruleset_id": in.RulesetID,
				"change_id":  in.ChangeID,
				"message":    blocked.Message,
			})
		}

		now := e.timestamp()
		previous := ""
		for _, rs := range tx.Rulesets() {
			if !rs.IsActive || rs.ID == in.RulesetID {
				continue
			}
			previous = rs.ID
			rs.IsActive = false
			rs.UpdatedAt = now
			if err := tx.PutRuleset(rs); err != nil {
				return err
			}
		}
		target, _ := tx.Ruleset(in.RulesetID)
		if target.IsActive {
			previous = target.ID
		}
		target.IsActive = true
		target.PublishedBy = in.Caller
		target.PublishedReason = in.Reason
		target.PublishedAt = now
		target.UpdatedAt = now
		if err := tx.PutRuleset(target); err != nil {
			return err
		}

		cr, _ := tx.ChangeRequest(in.ChangeID)
		cr.ActivatedBy = in.Caller
		cr.ActivatedAt = now
		cr.UpdatedAt = now
		if err := tx.PutChangeRequest(cr); err != nil {
			return err
		}
		out = ActivationOutcome{Activated: true, ActiveRulesetID: target.ID, ChangeID: cr.ID}
		return e.appendEvent(tx, events.TypeRulesetActivated, in.Caller, cr.ID, events.EventPayload{
			"ruleset_id":          target.ID,
			"version":             target.Version,
			"previous_ruleset_id": previous,
			"reason":              in.Reason,
		})
	})
	if err != nil {
		return ActivationOutcome{}, err
	}
	log := e.Log.WithFields(logrus.Fields{"ruleset_id": in.RulesetID, "change_id": in.ChangeID, "caller": in.Caller})
	if blocked != nil {
		gateDecisions.WithLabelValues("blocked", string(blocked.Code)).Inc()
		log.WithField("gate_code", blocked.Code).Warn("ruleset activation blocked")
		err = blocked
		return ActivationOutcome{}, err
	}
	gateDecisions.WithLabelValues("activated", "").Inc()
	log.Info("ruleset activated")
	return out, nil
}

func (e Engine) checkActivation(r store.Reader, in ActivateInput) *domain.GateError {
	if in.Caller != e.adminCaller() {
		return domain.NewGateError(domain.GateCallerNotAuthorized, "",
			"caller %q may not activate rulesets", in.Caller)
	}
	cr, ok := r.ChangeRequest(in.ChangeID)
	if !ok {
		return domain.NewGateError(domain.GateApprovalMissing, "approved change request",
			"change request %q does not exist", in.ChangeID)
	}
	switch {
	case cr.Status == domain.ChangeRejected:
		return domain.NewGateError(domain.GateApprovalRejected, "re-approval",
			"change request %s was rejected", cr.ID)
	case cr.Status != domain.ChangeApproved:
		return domain.NewGateError(domain.GateApprovalPending, "approval",
			"change request %s is %s, not approved", cr.ID, cr.Status)
	case cr.ApprovedBy == "" || cr.ApprovedAt == "":
		return domain.NewGateError(domain.GateApprovalMissing, "approval",
			"change request %s has no approval record", cr.ID)
	case cr.ToRulesetID != in.RulesetID:
		return domain.NewGateError(domain.GateChangeTargetMismatch, "",
			"change request %s targets ruleset %s, not %s", cr.ID, cr.ToRulesetID, in.RulesetID)
	}
	if _, ok := r.Ruleset(in.RulesetID); !ok {
		return domain.NewGateError(domain.GateRulesetNotFound, "",
			"ruleset %s does not exist", in.RulesetID)
	}
	return nil
}
