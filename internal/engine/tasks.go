package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rulegate/internal/domain"
	"rulegate/internal/store"
)

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	BatchName string
	RulesetID string
	Status    domain.TaskStatus
}

// CreateTask registers a PENDING task. An empty rulesetID resolves to the
// active ruleset.
func (e Engine) CreateTask(ctx context.Context, rulesetID, batchName string) (domain.Task, error) {
	batchName = strings.TrimSpace(batchName)
	if batchName == "" {
		return domain.Task{}, domain.Invalid("batch_name", "is required")
	}
	var task domain.Task
	err := e.update(ctx, func(tx *store.Txn) error {
		rs, err := resolveRuleset(tx, rulesetID)
		if err != nil {
			return err
		}
		now := e.timestamp()
		task = domain.Task{
			ID:        uuid.New().String(),
			BatchName: batchName,
			RulesetID: rs.ID,
			Status:    domain.TaskPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return tx.PutTask(task)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func resolveRuleset(r store.Reader, rulesetID string) (domain.Ruleset, error) {
	if strings.TrimSpace(rulesetID) == "" {
		rs, ok := r.ActiveRuleset()
		if !ok {
			return domain.Ruleset{}, domain.Invalid("ruleset_id", "no ruleset id given and no ruleset is active")
		}
		return rs, nil
	}
	rs, ok := r.Ruleset(rulesetID)
	if !ok {
		return domain.Ruleset{}, domain.NotFound("ruleset", rulesetID)
	}
	return rs, nil
}

// SetStatus moves a task forward. Unknown task ids change nothing.
func (e Engine) SetStatus(ctx context.Context, taskID string, status domain.TaskStatus) (domain.Task, error) {
	if !status.Valid() {
		return domain.Task{}, domain.Invalid("status", "unknown task status %q", status)
	}
	var task domain.Task
	err := e.update(ctx, func(tx *store.Txn) error {
		var err error
		task, err = e.setStatusTx(tx, taskID, status)
		return err
	})
	return task, err
}

func (e Engine) setStatusTx(tx *store.Txn, taskID string, status domain.TaskStatus) (domain.Task, error) {
	task, ok := tx.Task(taskID)
	if !ok {
		return domain.Task{}, domain.NotFound("task", taskID)
	}
	if task.Status == status {
		return task, nil
	}
	if err := ensureTaskTransition(task.Status, status); err != nil {
		return domain.Task{}, err
	}
	task.Status = status
	task.UpdatedAt = e.timestamp()
	return task, tx.PutTask(task)
}

func ensureTaskTransition(oldStatus, newStatus domain.TaskStatus) error {
	allowed := false
	switch oldStatus {
	case domain.TaskPending:
		allowed = newStatus == domain.TaskRunning || newStatus == domain.TaskSucceeded || newStatus == domain.TaskFailed
	case domain.TaskRunning:
		allowed = newStatus == domain.TaskSucceeded || newStatus == domain.TaskFailed
	case domain.TaskSucceeded, domain.TaskFailed:
		allowed = newStatus == domain.TaskReviewed
	}
	if !allowed {
		return transitionError("task", oldStatus, newStatus)
	}
	return nil
}

// SaveResults upserts results by raw_id. Existing rows are replaced in
// place and keep their evidence; new raw_ids are appended in input order.
// Saving the same results twice leaves the ledger as after the first call.
func (e Engine) SaveResults(ctx context.Context, taskID string, results []domain.Result) error {
	for i, r := range results {
		if strings.TrimSpace(r.RawID) == "" {
			return domain.Invalid(fmt.Sprintf("results[%d].raw_id", i), "is required")
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return domain.Invalid(fmt.Sprintf("results[%d].confidence", i), "must be within [0,1]")
		}
	}
	return e.update(ctx, func(tx *store.Txn) error {
		return saveResultsTx(tx, taskID, results)
	})
}

func saveResultsTx(tx *store.Txn, taskID string, incoming []domain.Result) error {
	if _, ok := tx.Task(taskID); !ok {
		return domain.NotFound("task", taskID)
	}
	merged := tx.Results(taskID)
	index := make(map[string]int, len(merged))
	for i, r := range merged {
		index[r.RawID] = i
	}
	for _, r := range incoming {
		r = r.Clone()
		if i, ok := index[r.RawID]; ok {
			r.Evidence = mergeEvidence(merged[i].Evidence, r.Evidence)
			merged[i] = r
			continue
		}
		index[r.RawID] = len(merged)
		merged = append(merged, r)
	}
	return tx.PutResults(taskID, merged)
}

// mergeEvidence keeps the existing trail and appends incoming items it does
// not already hold.
func mergeEvidence(existing, incoming []domain.EvidenceItem) []domain.EvidenceItem {
	out := append([]domain.EvidenceItem(nil), existing...)
	for _, item := range incoming {
		seen := false
		for _, have := range out {
			if have == item {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, item)
		}
	}
	if out == nil {
		out = []domain.EvidenceItem{}
	}
	return out
}

func (e Engine) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var task domain.Task
	err := e.Store.View(func(r store.Reader) error {
		t, ok := r.Task(taskID)
		if !ok {
			return domain.NotFound("task", taskID)
		}
		task = t
		return nil
	})
	return task, err
}

func (e Engine) GetResults(ctx context.Context, taskID string) ([]domain.Result, error) {
	var results []domain.Result
	err := e.Store.View(func(r store.Reader) error {
		if _, ok := r.Task(taskID); !ok {
			return domain.NotFound("task", taskID)
		}
		results = r.Results(taskID)
		return nil
	})
	if results == nil {
		results = []domain.Result{}
	}
	return results, err
}

func (e Engine) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	var out []domain.Task
	err := e.Store.View(func(r store.Reader) error {
		for _, t := range r.Tasks() {
			if f.BatchName != "" && t.BatchName != f.BatchName {
				continue
			}
			if f.RulesetID != "" && t.RulesetID != f.RulesetID {
				continue
			}
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

// SubmitTask creates a task and hands it to the dispatcher. Without a
// dispatcher the task runs before SubmitTask returns.
func (e Engine) SubmitTask(ctx context.Context, rulesetID, batchName string, records []domain.Record) (domain.Task, error) {
	if err := e.validateRecords(records); err != nil {
		return domain.Task{}, err
	}
	task, err := e.CreateTask(ctx, rulesetID, batchName)
	if err != nil {
		return domain.Task{}, err
	}
	log := e.Log.WithField("task_id", task.ID)
	if e.Dispatcher == nil {
		done, err := e.RunTask(ctx, task.ID, records)
		if err != nil {
			log.WithError(err).Warn("task run failed")
			return done, nil
		}
		return done, nil
	}
	if err := e.Dispatcher.Enqueue(ctx, task.ID, records); err != nil {
		if _, serr := e.SetStatus(ctx, task.ID, domain.TaskFailed); serr != nil {
			log.WithError(serr).Error("mark unqueued task failed")
		}
		return domain.Task{}, fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	log.WithField("records", len(records)).Debug("task queued")
	return task, nil
}

func (e Engine) validateRecords(records []domain.Record) error {
	if len(records) == 0 {
		return domain.Invalid("records", "at least one record is required")
	}
	for i := range records {
		if err := e.validateStruct(records[i]); err != nil {
			if ve, ok := err.(*domain.ValidationError); ok {
				ve.Field = fmt.Sprintf("records[%d].%s", i, ve.Field)
			}
			return err
		}
	}
	return nil
}

// RunTask executes a PENDING task against its ruleset and records the
// outcome. Executor failures leave the task FAILED and are returned.
func (e Engine) RunTask(ctx context.Context, taskID string, records []domain.Record) (domain.Task, error) {
	task, err := e.SetStatus(ctx, taskID, domain.TaskRunning)
	if err != nil {
		return domain.Task{}, err
	}
	var rs domain.Ruleset
	err = e.Store.View(func(r store.Reader) error {
		var ok bool
		if rs, ok = r.Ruleset(task.RulesetID); !ok {
			return domain.NotFound("ruleset", task.RulesetID)
		}
		return nil
	})
	var results []domain.Result
	if err == nil {
		results, err = e.Executor.Execute(ctx, rs, records)
	}
	if err != nil {
		tasksFinished.WithLabelValues(string(domain.TaskFailed)).Inc()
		failed, serr := e.SetStatus(ctx, taskID, domain.TaskFailed)
		if serr != nil {
			return domain.Task{}, fmt.Errorf("run task %s: %w (marking failed: %v)", taskID, err, serr)
		}
		return failed, fmt.Errorf("run task %s: %w", taskID, err)
	}
	err = e.update(ctx, func(tx *store.Txn) error {
		if err := saveResultsTx(tx, taskID, results); err != nil {
			return err
		}
		task, err = e.setStatusTx(tx, taskID, domain.TaskSucceeded)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	tasksFinished.WithLabelValues(string(domain.TaskSucceeded)).Inc()
	e.Log.WithFields(map[string]any{"task_id": taskID, "results": len(results)}).Info("task succeeded")
	return task, nil
}
