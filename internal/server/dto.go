package server

import (
	"rulegate/internal/domain"
	"rulegate/internal/engine"
)

// Request payloads

type SubmitTaskRequest struct {
	RulesetID string          `json:"ruleset_id,omitempty" doc:"Ruleset to run; the active ruleset when empty"`
	BatchName string          `json:"batch_name"`
	Records   []domain.Record `json:"records" minItems:"1"`
}

type ReviewRequest struct {
	RawID          string              `json:"raw_id,omitempty" doc:"Result to review; every result of the task when empty"`
	ReviewStatus   domain.ReviewStatus `json:"review_status" enum:"approved,rejected,edited"`
	FinalCanonText string              `json:"final_canon_text,omitempty"`
	Reviewer       string              `json:"reviewer,omitempty" doc:"Defaults to the authenticated caller"`
	Comment        string              `json:"comment,omitempty"`
}

type UpsertRulesetRequest struct {
	Version string         `json:"version"`
	Config  map[string]any `json:"config" doc:"Stored verbatim as config_json; must carry thresholds"`
}

type PublishRulesetRequest struct {
	Operator string `json:"operator,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ActivateRulesetRequest struct {
	ChangeID string `json:"change_id"`
	Reason   string `json:"reason,omitempty"`
}

type CreateChangeRequestRequest struct {
	FromRulesetID   string                `json:"from_ruleset_id"`
	ToRulesetID     string                `json:"to_ruleset_id"`
	BaselineTaskID  string                `json:"baseline_task_id"`
	CandidateTaskID string                `json:"candidate_task_id"`
	Scorecard       *domain.Scorecard     `json:"scorecard,omitempty"`
	Recommendation  domain.Recommendation `json:"recommendation,omitempty"`
	EvidenceBullets []string              `json:"evidence_bullets,omitempty"`
}

func (r CreateChangeRequestRequest) input() engine.ChangeRequestInput {
	return engine.ChangeRequestInput{
		FromRulesetID:   r.FromRulesetID,
		ToRulesetID:     r.ToRulesetID,
		BaselineTaskID:  r.BaselineTaskID,
		CandidateTaskID: r.CandidateTaskID,
		Scorecard:       r.Scorecard,
		Recommendation:  r.Recommendation,
		EvidenceBullets: r.EvidenceBullets,
	}
}

type ApproveRequest struct {
	Comment string `json:"comment,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ScorecardRequest struct {
	BaselineTaskID  string   `json:"baseline_task_id"`
	CandidateTaskID string   `json:"candidate_task_id"`
	TLow            *float64 `json:"t_low,omitempty" minimum:"0" maximum:"1"`
	THigh           *float64 `json:"t_high,omitempty" minimum:"0" maximum:"1"`
}

type OptimizeRequest struct {
	BatchID        string          `json:"batch_id"`
	Records        []domain.Record `json:"records"`
	CandidateCount *int            `json:"candidate_count,omitempty" doc:"defaults to 3 when omitted"`
}

type DevLoginRequest struct {
	Caller string `json:"caller"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type TaskStatusResponse struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
}

type AuditEventsResponse struct {
	Items   []domain.AuditEvent `json:"items"`
	LastSeq int64               `json:"last_seq"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend"`
	Mirrored bool   `json:"mirrored"`
	Events   int    `json:"events"`
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type TaskList struct {
	Items []domain.Task `json:"items"`
}

type ResultList struct {
	TaskID string          `json:"task_id"`
	Items  []domain.Result `json:"items"`
}

type RulesetList struct {
	Items []domain.Ruleset `json:"items"`
}

type ChangeRequestList struct {
	Items []domain.ChangeRequest `json:"items"`
}

type PublishResponse struct {
	RulesetID string `json:"ruleset_id"`
	Published bool   `json:"published"`
}
