package store

import (
	"context"

	"rulegate/internal/domain"
)

// Txn stages writes for one Update call. Reads through a Txn see its own
// staged writes.
type Txn struct {
	ctx     context.Context
	base    *state
	mtx     MirrorTx
	nextSeq int64

	tasks       map[string]domain.Task
	newTasks    []string
	results     map[string][]domain.Result
	rulesets    map[string]domain.Ruleset
	newRulesets []string
	changes     map[string]domain.ChangeRequest
	newChanges  []string
	reviews     []domain.Review
	events      []domain.AuditEvent

	mirrorErr *domain.ConsistencyError
}

func newTxn(ctx context.Context, base *state, nextSeq int64) *Txn {
	return &Txn{
		ctx:      ctx,
		base:     base,
		nextSeq:  nextSeq,
		tasks:    make(map[string]domain.Task),
		results:  make(map[string][]domain.Result),
		rulesets: make(map[string]domain.Ruleset),
		changes:  make(map[string]domain.ChangeRequest),
	}
}

func (tx *Txn) mirror(op string, write func(MirrorTx) error) error {
	if tx.mirrorErr != nil {
		return tx.mirrorErr
	}
	if tx.mtx == nil {
		return nil
	}
	if err := write(tx.mtx); err != nil {
		tx.mirrorErr = &domain.ConsistencyError{Op: op, Err: err}
		return tx.mirrorErr
	}
	return nil
}

func (tx *Txn) rollback() {
	if tx.mtx != nil {
		_ = tx.mtx.Rollback()
	}
}

func (tx *Txn) PutTask(t domain.Task) error {
	if err := tx.mirror("upsert task", func(m MirrorTx) error { return m.UpsertTask(tx.ctx, t) }); err != nil {
		return err
	}
	if _, ok := tx.Task(t.ID); !ok {
		tx.newTasks = append(tx.newTasks, t.ID)
	}
	tx.tasks[t.ID] = t
	return nil
}

// PutResults replaces the full result list of a task.
func (tx *Txn) PutResults(taskID string, results []domain.Result) error {
	staged := cloneResults(results)
	if staged == nil {
		staged = []domain.Result{}
	}
	if err := tx.mirror("upsert results", func(m MirrorTx) error { return m.UpsertResults(tx.ctx, taskID, staged) }); err != nil {
		return err
	}
	tx.results[taskID] = staged
	return nil
}

func (tx *Txn) PutRuleset(rs domain.Ruleset) error {
	if err := tx.mirror("upsert ruleset", func(m MirrorTx) error { return m.UpsertRuleset(tx.ctx, rs) }); err != nil {
		return err
	}
	if _, ok := tx.Ruleset(rs.ID); !ok {
		tx.newRulesets = append(tx.newRulesets, rs.ID)
	}
	tx.rulesets[rs.ID] = rs
	return nil
}

func (tx *Txn) PutChangeRequest(cr domain.ChangeRequest) error {
	cr = cloneChange(cr)
	if err := tx.mirror("upsert change request", func(m MirrorTx) error { return m.UpsertChangeRequest(tx.ctx, cr) }); err != nil {
		return err
	}
	if _, ok := tx.ChangeRequest(cr.ID); !ok {
		tx.newChanges = append(tx.newChanges, cr.ID)
	}
	tx.changes[cr.ID] = cr
	return nil
}

func (tx *Txn) AddReview(rv domain.Review) error {
	if err := tx.mirror("insert review", func(m MirrorTx) error { return m.InsertReview(tx.ctx, rv) }); err != nil {
		return err
	}
	tx.reviews = append(tx.reviews, rv)
	return nil
}

// Append stages an audit event and returns it with its sequence number.
func (tx *Txn) Append(evt domain.AuditEvent) (domain.AuditEvent, error) {
	evt.Seq = tx.nextSeq
	if err := tx.mirror("append audit event", func(m MirrorTx) error { return m.AppendAuditEvent(tx.ctx, evt) }); err != nil {
		return evt, err
	}
	tx.nextSeq++
	tx.events = append(tx.events, evt)
	return evt, nil
}

func (tx *Txn) Task(id string) (domain.Task, bool) {
	if t, ok := tx.tasks[id]; ok {
		return t, true
	}
	return tx.base.Task(id)
}

func (tx *Txn) Tasks() []domain.Task {
	out := tx.base.Tasks()
	for i, t := range out {
		if staged, ok := tx.tasks[t.ID]; ok {
			out[i] = staged
		}
	}
	for _, id := range tx.newTasks {
		out = append(out, tx.tasks[id])
	}
	return out
}

func (tx *Txn) Results(taskID string) []domain.Result {
	if results, ok := tx.results[taskID]; ok {
		return cloneResults(results)
	}
	return tx.base.Results(taskID)
}

func (tx *Txn) Ruleset(id string) (domain.Ruleset, bool) {
	if rs, ok := tx.rulesets[id]; ok {
		return rs, true
	}
	return tx.base.Ruleset(id)
}

func (tx *Txn) Rulesets() []domain.Ruleset {
	out := tx.base.Rulesets()
	for i, rs := range out {
		if staged, ok := tx.rulesets[rs.ID]; ok {
			out[i] = staged
		}
	}
	for _, id := range tx.newRulesets {
		out = append(out, tx.rulesets[id])
	}
	return out
}

func (tx *Txn) ActiveRuleset() (domain.Ruleset, bool) {
	return activeOf(tx.Rulesets())
}

func (tx *Txn) ChangeRequest(id string) (domain.ChangeRequest, bool) {
	if cr, ok := tx.changes[id]; ok {
		return cloneChange(cr), true
	}
	return tx.base.ChangeRequest(id)
}

func (tx *Txn) ChangeRequests() []domain.ChangeRequest {
	out := tx.base.ChangeRequests()
	for i, cr := range out {
		if staged, ok := tx.changes[cr.ID]; ok {
			out[i] = cloneChange(staged)
		}
	}
	for _, id := range tx.newChanges {
		out = append(out, cloneChange(tx.changes[id]))
	}
	return out
}

func (tx *Txn) Reviews(taskID string) []domain.Review {
	out := tx.base.Reviews(taskID)
	for _, rv := range tx.reviews {
		if rv.TaskID == taskID {
			out = append(out, rv)
		}
	}
	return out
}

func (tx *Txn) Applied(fingerprint string) (domain.ReconcileOutcome, bool) {
	if out, ok := tx.base.Applied(fingerprint); ok {
		return out, true
	}
	for _, rv := range tx.reviews {
		if rv.Fingerprint == fingerprint {
			return domain.ReconcileOutcome{UpdatedCount: rv.UpdatedCount, TargetRawID: rv.RawID}, true
		}
	}
	return domain.ReconcileOutcome{}, false
}
