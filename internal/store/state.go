package store

import "rulegate/internal/domain"

type state struct {
	tasks        map[string]domain.Task
	taskOrder    []string
	results      map[string][]domain.Result
	rulesets     map[string]domain.Ruleset
	rulesetOrder []string
	changes      map[string]domain.ChangeRequest
	changeOrder  []string
	reviews      map[string][]domain.Review
	applied      map[string]domain.ReconcileOutcome
}

func newState() *state {
	return &state{
		tasks:    make(map[string]domain.Task),
		results:  make(map[string][]domain.Result),
		rulesets: make(map[string]domain.Ruleset),
		changes:  make(map[string]domain.ChangeRequest),
		reviews:  make(map[string][]domain.Review),
		applied:  make(map[string]domain.ReconcileOutcome),
	}
}

func stateFromSnapshot(snap domain.Snapshot) *state {
	st := newState()
	for _, t := range snap.Tasks {
		st.tasks[t.ID] = t
		st.taskOrder = append(st.taskOrder, t.ID)
	}
	for taskID, results := range snap.Results {
		st.results[taskID] = cloneResults(results)
	}
	for _, rs := range snap.Rulesets {
		st.rulesets[rs.ID] = rs
		st.rulesetOrder = append(st.rulesetOrder, rs.ID)
	}
	for _, cr := range snap.ChangeRequests {
		st.changes[cr.ID] = cloneChange(cr)
		st.changeOrder = append(st.changeOrder, cr.ID)
	}
	for _, rv := range snap.Reviews {
		st.addReview(rv)
	}
	return st
}

func (st *state) addReview(rv domain.Review) {
	st.reviews[rv.TaskID] = append(st.reviews[rv.TaskID], rv)
	if rv.Fingerprint == "" {
		return
	}
	if _, ok := st.applied[rv.Fingerprint]; !ok {
		st.applied[rv.Fingerprint] = domain.ReconcileOutcome{UpdatedCount: rv.UpdatedCount, TargetRawID: rv.RawID}
	}
}

func (st *state) apply(tx *Txn) {
	for _, id := range tx.newTasks {
		st.taskOrder = append(st.taskOrder, id)
	}
	for id, t := range tx.tasks {
		st.tasks[id] = t
	}
	for taskID, results := range tx.results {
		st.results[taskID] = results
	}
	for _, id := range tx.newRulesets {
		st.rulesetOrder = append(st.rulesetOrder, id)
	}
	for id, rs := range tx.rulesets {
		st.rulesets[id] = rs
	}
	for _, id := range tx.newChanges {
		st.changeOrder = append(st.changeOrder, id)
	}
	for id, cr := range tx.changes {
		st.changes[id] = cr
	}
	for _, rv := range tx.reviews {
		st.addReview(rv)
	}
}

func (st *state) Task(id string) (domain.Task, bool) {
	t, ok := st.tasks[id]
	return t, ok
}

func (st *state) Tasks() []domain.Task {
	out := make([]domain.Task, 0, len(st.taskOrder))
	for _, id := range st.taskOrder {
		out = append(out, st.tasks[id])
	}
	return out
}

func (st *state) Results(taskID string) []domain.Result {
	return cloneResults(st.results[taskID])
}

func (st *state) Ruleset(id string) (domain.Ruleset, bool) {
	rs, ok := st.rulesets[id]
	return rs, ok
}

func (st *state) Rulesets() []domain.Ruleset {
	out := make([]domain.Ruleset, 0, len(st.rulesetOrder))
	for _, id := range st.rulesetOrder {
		out = append(out, st.rulesets[id])
	}
	return out
}

func (st *state) ActiveRuleset() (domain.Ruleset, bool) {
	return activeOf(st.Rulesets())
}

func (st *state) ChangeRequest(id string) (domain.ChangeRequest, bool) {
	cr, ok := st.changes[id]
	if !ok {
		return domain.ChangeRequest{}, false
	}
	return cloneChange(cr), true
}

func (st *state) ChangeRequests() []domain.ChangeRequest {
	out := make([]domain.ChangeRequest, 0, len(st.changeOrder))
	for _, id := range st.changeOrder {
		out = append(out, cloneChange(st.changes[id]))
	}
	return out
}

func (st *state) Reviews(taskID string) []domain.Review {
	return append([]domain.Review(nil), st.reviews[taskID]...)
}

func (st *state) Applied(fingerprint string) (domain.ReconcileOutcome, bool) {
	out, ok := st.applied[fingerprint]
	return out, ok
}

func activeOf(rulesets []domain.Ruleset) (domain.Ruleset, bool) {
	for _, rs := range rulesets {
		if rs.IsActive {
			return rs, true
		}
	}
	return domain.Ruleset{}, false
}

func cloneResults(in []domain.Result) []domain.Result {
	if in == nil {
		return nil
	}
	out := make([]domain.Result, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

func cloneChange(cr domain.ChangeRequest) domain.ChangeRequest {
	cr.EvidenceBullets = append([]string(nil), cr.EvidenceBullets...)
	cr.Scorecard.Reasons = append([]string(nil), cr.Scorecard.Reasons...)
	return cr
}
