package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"rulegate/internal/domain"
	"rulegate/internal/store"
)

// Repo is the relational mirror of the ledger on SQLite or Postgres.
type Repo struct {
	DB *sqlx.DB
}

var ErrNotFound = errors.New("not found")

var _ store.Mirror = Repo{}

// Begin opens a mirror transaction.
func (r Repo) Begin(ctx context.Context) (store.MirrorTx, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx writes one unit of work. All statements are written with '?' and
// rebound for the driver.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, t.tx.Rebind(query), args...)
	return err
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

func (t *Tx) UpsertTask(ctx context.Context, task domain.Task) error {
	err := t.exec(ctx, `INSERT INTO tasks(task_id,batch_name,ruleset_id,status,created_at,updated_at,position)
VALUES (?,?,?,?,?,?,(SELECT COALESCE(MAX(position),0)+1 FROM tasks))
ON CONFLICT(task_id) DO UPDATE SET batch_name=excluded.batch_name, ruleset_id=excluded.ruleset_id, status=excluded.status, updated_at=excluded.updated_at`,
		task.ID, task.BatchName, task.RulesetID, string(task.Status), task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

func (t *Tx) UpsertResults(ctx context.Context, taskID string, results []domain.Result) error {
	for i, res := range results {
		evidence, err := json.Marshal(res.Evidence)
		if err != nil {
			return fmt.Errorf("marshal evidence: %w", err)
		}
		err = t.exec(ctx, `INSERT INTO results(task_id,raw_id,position,canon_text,confidence,strategy,evidence_json) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id,raw_id) DO UPDATE SET position=excluded.position, canon_text=excluded.canon_text, confidence=excluded.confidence, strategy=excluded.strategy, evidence_json=excluded.evidence_json`,
			taskID, res.RawID, i, res.CanonText, res.Confidence, res.Strategy, string(evidence))
		if err != nil {
			return fmt.Errorf("upsert result %s/%s: %w", taskID, res.RawID, err)
		}
	}
	return nil
}

func (t *Tx) UpsertRuleset(ctx context.Context, rs domain.Ruleset) error {
	err := t.exec(ctx, `INSERT INTO rulesets(ruleset_id,version,is_active,config_json,published_by,published_reason,published_at,created_at,updated_at,position)
VALUES (?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(position),0)+1 FROM rulesets))
ON CONFLICT(ruleset_id) DO UPDATE SET version=excluded.version, is_active=excluded.is_active, config_json=excluded.config_json,
published_by=excluded.published_by, published_reason=excluded.published_reason, published_at=excluded.published_at, updated_at=excluded.updated_at`,
		rs.ID, rs.Version, boolInt(rs.IsActive), rs.ConfigJSON, rs.PublishedBy, rs.PublishedReason, rs.PublishedAt, rs.CreatedAt, rs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert ruleset %s: %w", rs.ID, err)
	}
	return nil
}

func (t *Tx) UpsertChangeRequest(ctx context.Context, cr domain.ChangeRequest) error {
	diff, err := json.Marshal(cr.Diff)
	if err != nil {
		return fmt.Errorf("marshal diff: %w", err)
	}
	scorecard, err := json.Marshal(cr.Scorecard)
	if err != nil {
		return fmt.Errorf("marshal scorecard: %w", err)
	}
	bullets, err := json.Marshal(cr.EvidenceBullets)
	if err != nil {
		return fmt.Errorf("marshal evidence bullets: %w", err)
	}
	err = t.exec(ctx, `INSERT INTO change_requests(change_id,from_ruleset_id,to_ruleset_id,baseline_task_id,candidate_task_id,diff_json,scorecard_json,recommendation,status,
approved_by,approved_at,approval_comment,rejected_by,rejected_at,rejection_reason,evidence_bullets_json,created_by,created_at,updated_at,activated_by,activated_at,position)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(position),0)+1 FROM change_requests))
ON CONFLICT(change_id) DO UPDATE SET status=excluded.status, approved_by=excluded.approved_by, approved_at=excluded.approved_at,
approval_comment=excluded.approval_comment, rejected_by=excluded.rejected_by, rejected_at=excluded.rejected_at,
rejection_reason=excluded.rejection_reason, updated_at=excluded.updated_at, activated_by=excluded.activated_by, activated_at=excluded.activated_at`,
		cr.ID, cr.FromRulesetID, cr.ToRulesetID, cr.BaselineTaskID, cr.CandidateTaskID, string(diff), string(scorecard), string(cr.Recommendation), string(cr.Status),
		cr.ApprovedBy, cr.ApprovedAt, cr.ApprovalComment, cr.RejectedBy, cr.RejectedAt, cr.RejectionReason, string(bullets), cr.CreatedBy, cr.CreatedAt, cr.UpdatedAt,
		cr.ActivatedBy, cr.ActivatedAt)
	if err != nil {
		return fmt.Errorf("upsert change request %s: %w", cr.ID, err)
	}
	return nil
}

func (t *Tx) InsertReview(ctx context.Context, rv domain.Review) error {
	err := t.exec(ctx, `INSERT INTO reviews(review_id,task_id,raw_id,review_status,final_canon_text,reviewer,comment,fingerprint,updated_count,created_at,position)
VALUES (?,?,?,?,?,?,?,?,?,?,(SELECT COALESCE(MAX(position),0)+1 FROM reviews))`,
		rv.ID, rv.TaskID, rv.RawID, string(rv.Status), rv.FinalCanonText, rv.Reviewer, rv.Comment, rv.Fingerprint, rv.UpdatedCount, rv.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert review %s: %w", rv.ID, err)
	}
	return nil
}

func (t *Tx) AppendAuditEvent(ctx context.Context, evt domain.AuditEvent) error {
	payload := evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	err = t.exec(ctx, `INSERT INTO audit_events(event_id,seq,event_type,caller,payload_json,related_change_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		evt.ID, evt.Seq, evt.Type, evt.Caller, string(data), evt.RelatedChangeID, evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", evt.Type, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
