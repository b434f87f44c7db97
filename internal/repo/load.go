package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"rulegate/internal/domain"
)

type taskRow struct {
	ID        string `db:"task_id"`
	BatchName string `db:"batch_name"`
	RulesetID string `db:"ruleset_id"`
	Status    string `db:"status"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

type resultRow struct {
	TaskID       string  `db:"task_id"`
	RawID        string  `db:"raw_id"`
	CanonText    string  `db:"canon_text"`
	Confidence   float64 `db:"confidence"`
	Strategy     string  `db:"strategy"`
	EvidenceJSON string  `db:"evidence_json"`
}

type rulesetRow struct {
	ID              string `db:"ruleset_id"`
	Version         string `db:"version"`
	IsActive        int64  `db:"is_active"`
	ConfigJSON      string `db:"config_json"`
	PublishedBy     string `db:"published_by"`
	PublishedReason string `db:"published_reason"`
	PublishedAt     string `db:"published_at"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

type changeRow struct {
	ID                  string `db:"change_id"`
	FromRulesetID       string `db:"from_ruleset_id"`
	ToRulesetID         string `db:"to_ruleset_id"`
	BaselineTaskID      string `db:"baseline_task_id"`
	CandidateTaskID     string `db:"candidate_task_id"`
	DiffJSON            string `db:"diff_json"`
	ScorecardJSON       string `db:"scorecard_json"`
	Recommendation      string `db:"recommendation"`
	Status              string `db:"status"`
	ApprovedBy          string `db:"approved_by"`
	ApprovedAt          string `db:"approved_at"`
	ApprovalComment     string `db:"approval_comment"`
	RejectedBy          string `db:"rejected_by"`
	RejectedAt          string `db:"rejected_at"`
	RejectionReason     string `db:"rejection_reason"`
	EvidenceBulletsJSON string `db:"evidence_bullets_json"`
	CreatedBy           string `db:"created_by"`
	CreatedAt           string `db:"created_at"`
	UpdatedAt           string `db:"updated_at"`
	ActivatedBy         string `db:"activated_by"`
	ActivatedAt         string `db:"activated_at"`
}

type reviewRow struct {
	ID             string `db:"review_id"`
	TaskID         string `db:"task_id"`
	RawID          string `db:"raw_id"`
	Status         string `db:"review_status"`
	FinalCanonText string `db:"final_canon_text"`
	Reviewer       string `db:"reviewer"`
	Comment        string `db:"comment"`
	Fingerprint    string `db:"fingerprint"`
	UpdatedCount   int64  `db:"updated_count"`
	CreatedAt      string `db:"created_at"`
}

type auditRow struct {
	ID              string `db:"event_id"`
	Seq             int64  `db:"seq"`
	Type            string `db:"event_type"`
	Caller          string `db:"caller"`
	PayloadJSON     string `db:"payload_json"`
	RelatedChangeID string `db:"related_change_id"`
	CreatedAt       string `db:"created_at"`
}

// Load reads the whole ledger back in insertion order.
func (r Repo) Load(ctx context.Context) (domain.Snapshot, error) {
	snap := domain.Snapshot{Results: make(map[string][]domain.Result)}

	var tasks []taskRow
	if err := r.DB.SelectContext(ctx, &tasks, `SELECT task_id,batch_name,ruleset_id,status,created_at,updated_at FROM tasks ORDER BY position`); err != nil {
		return snap, fmt.Errorf("load tasks: %w", err)
	}
	for _, t := range tasks {
		snap.Tasks = append(snap.Tasks, domain.Task{
			ID:        t.ID,
			BatchName: t.BatchName,
			RulesetID: t.RulesetID,
			Status:    domain.TaskStatus(t.Status),
			CreatedAt: t.CreatedAt,
			UpdatedAt: t.UpdatedAt,
		})
	}

	var results []resultRow
	if err := r.DB.SelectContext(ctx, &results, `SELECT task_id,raw_id,canon_text,confidence,strategy,evidence_json FROM results ORDER BY task_id, position`); err != nil {
		return snap, fmt.Errorf("load results: %w", err)
	}
	for _, row := range results {
		res := domain.Result{
			RawID:      row.RawID,
			CanonText:  row.CanonText,
			Confidence: row.Confidence,
			Strategy:   row.Strategy,
			Evidence:   []domain.EvidenceItem{},
		}
		if err := json.Unmarshal([]byte(row.EvidenceJSON), &res.Evidence); err != nil {
			return snap, fmt.Errorf("decode evidence %s/%s: %w", row.TaskID, row.RawID, err)
		}
		snap.Results[row.TaskID] = append(snap.Results[row.TaskID], res)
	}

	rulesets, err := r.listRulesets(ctx, "")
	if err != nil {
		return snap, err
	}
	snap.Rulesets = rulesets

	var changes []changeRow
	if err := r.DB.SelectContext(ctx, &changes, `SELECT change_id,from_ruleset_id,to_ruleset_id,baseline_task_id,candidate_task_id,diff_json,scorecard_json,recommendation,status,
approved_by,approved_at,approval_comment,rejected_by,rejected_at,rejection_reason,evidence_bullets_json,created_by,created_at,updated_at,activated_by,activated_at
FROM change_requests ORDER BY position`); err != nil {
		return snap, fmt.Errorf("load change requests: %w", err)
	}
	for _, row := range changes {
		cr, err := row.toDomain()
		if err != nil {
			return snap, err
		}
		snap.ChangeRequests = append(snap.ChangeRequests, cr)
	}

	var reviews []reviewRow
	if err := r.DB.SelectContext(ctx, &reviews, `SELECT review_id,task_id,raw_id,review_status,final_canon_text,reviewer,comment,fingerprint,updated_count,created_at FROM reviews ORDER BY position`); err != nil {
		return snap, fmt.Errorf("load reviews: %w", err)
	}
	for _, row := range reviews {
		snap.Reviews = append(snap.Reviews, domain.Review{
			ID:             row.ID,
			TaskID:         row.TaskID,
			RawID:          row.RawID,
			Status:         domain.ReviewStatus(row.Status),
			FinalCanonText: row.FinalCanonText,
			Reviewer:       row.Reviewer,
			Comment:        row.Comment,
			Fingerprint:    row.Fingerprint,
			UpdatedCount:   int(row.UpdatedCount),
			CreatedAt:      row.CreatedAt,
		})
	}

	events, err := r.AuditEventsAfter(ctx, 0, 0)
	if err != nil {
		return snap, err
	}
	snap.AuditEvents = events
	return snap, nil
}

// GetRuleset reads one ruleset straight from the mirror.
func (r Repo) GetRuleset(ctx context.Context, id string) (domain.Ruleset, error) {
	items, err := r.listRulesets(ctx, id)
	if err != nil {
		return domain.Ruleset{}, err
	}
	if len(items) == 0 {
		return domain.Ruleset{}, ErrNotFound
	}
	return items[0], nil
}

func (r Repo) listRulesets(ctx context.Context, id string) ([]domain.Ruleset, error) {
	query := `SELECT ruleset_id,version,is_active,config_json,published_by,published_reason,published_at,created_at,updated_at FROM rulesets`
	var args []any
	if id != "" {
		query += ` WHERE ruleset_id=?`
		args = append(args, id)
	}
	query += ` ORDER BY position`
	var rows []rulesetRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load rulesets: %w", err)
	}
	var out []domain.Ruleset
	for _, row := range rows {
		rs := domain.Ruleset{
			ID:              row.ID,
			Version:         row.Version,
			IsActive:        row.IsActive != 0,
			ConfigJSON:      row.ConfigJSON,
			PublishedBy:     row.PublishedBy,
			PublishedReason: row.PublishedReason,
			PublishedAt:     row.PublishedAt,
			CreatedAt:       row.CreatedAt,
			UpdatedAt:       row.UpdatedAt,
		}
		if err := json.Unmarshal([]byte(row.ConfigJSON), &rs.Config); err != nil {
			return nil, fmt.Errorf("decode ruleset config %s: %w", row.ID, err)
		}
		out = append(out, rs)
	}
	return out, nil
}

// AuditEventsAfter returns events with seq greater than after, oldest first.
func (r Repo) AuditEventsAfter(ctx context.Context, after int64, limit int) ([]domain.AuditEvent, error) {
	query := `SELECT event_id,seq,event_type,caller,payload_json,related_change_id,created_at FROM audit_events WHERE seq>? ORDER BY seq`
	args := []any{after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []auditRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("load audit events: %w", err)
	}
	out := make([]domain.AuditEvent, 0, len(rows))
	for _, row := range rows {
		evt := domain.AuditEvent{
			ID:              row.ID,
			Seq:             row.Seq,
			Type:            row.Type,
			Caller:          row.Caller,
			RelatedChangeID: row.RelatedChangeID,
			CreatedAt:       row.CreatedAt,
		}
		if err := json.Unmarshal([]byte(row.PayloadJSON), &evt.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload %s: %w", row.ID, err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// CountRows reports the row count of a mirror table; used by health checks.
func (r Repo) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "tasks", "results", "rulesets", "change_requests", "reviews", "audit_events":
	default:
		return 0, fmt.Errorf("unknown table %s", table)
	}
	var n int
	err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+table)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return n, err
}

func (row changeRow) toDomain() (domain.ChangeRequest, error) {
	cr := domain.ChangeRequest{
		ID:              row.ID,
		FromRulesetID:   row.FromRulesetID,
		ToRulesetID:     row.ToRulesetID,
		BaselineTaskID:  row.BaselineTaskID,
		CandidateTaskID: row.CandidateTaskID,
		Recommendation:  domain.Recommendation(row.Recommendation),
		Status:          domain.ChangeStatus(row.Status),
		ApprovedBy:      row.ApprovedBy,
		ApprovedAt:      row.ApprovedAt,
		ApprovalComment: row.ApprovalComment,
		RejectedBy:      row.RejectedBy,
		RejectedAt:      row.RejectedAt,
		RejectionReason: row.RejectionReason,
		CreatedBy:       row.CreatedBy,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		ActivatedBy:     row.ActivatedBy,
		ActivatedAt:     row.ActivatedAt,
	}
	if err := json.Unmarshal([]byte(row.DiffJSON), &cr.Diff); err != nil {
		return cr, fmt.Errorf("decode diff %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.ScorecardJSON), &cr.Scorecard); err != nil {
		return cr, fmt.Errorf("decode scorecard %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.EvidenceBulletsJSON), &cr.EvidenceBullets); err != nil {
		return cr, fmt.Errorf("decode evidence bullets %s: %w", row.ID, err)
	}
	return cr, nil
}
