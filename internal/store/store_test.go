package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/domain"
	"rulegate/internal/events"
)

func TestUpdateAppliesOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	assert.False(t, s.Mirrored())

	boom := errors.New("abort")
	err := s.Update(ctx, func(tx *Txn) error {
		if err := tx.PutTask(domain.Task{ID: "t1", Status: domain.TaskPending}); err != nil {
			return err
		}
		if _, err := tx.Append(domain.AuditEvent{Type: events.TypeToolCall}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, s.View(func(r Reader) error {
		_, ok := r.Task("t1")
		assert.False(t, ok)
		return nil
	}))
	assert.Zero(t, s.Audit().Len())

	require.NoError(t, s.Update(ctx, func(tx *Txn) error {
		if err := tx.PutTask(domain.Task{ID: "t1", Status: domain.TaskPending}); err != nil {
			return err
		}
		evt, err := tx.Append(domain.AuditEvent{Type: events.TypeToolCall})
		assert.Equal(t, int64(1), evt.Seq)
		return err
	}))
	assert.Equal(t, 1, s.Audit().Len())
}

func TestTxnReadsItsOwnWrites(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	require.NoError(t, s.Update(ctx, func(tx *Txn) error {
		return tx.PutRuleset(domain.Ruleset{ID: "a", IsActive: true})
	}))

	require.NoError(t, s.Update(ctx, func(tx *Txn) error {
		if err := tx.PutRuleset(domain.Ruleset{ID: "a", IsActive: false}); err != nil {
			return err
		}
		if err := tx.PutRuleset(domain.Ruleset{ID: "b", IsActive: true}); err != nil {
			return err
		}
		active, ok := tx.ActiveRuleset()
		require.True(t, ok)
		assert.Equal(t, "b", active.ID)
		assert.Len(t, tx.Rulesets(), 2)

		// Committed state is untouched until the unit of work ends.
		committed, ok := tx.base.ActiveRuleset()
		require.True(t, ok)
		assert.Equal(t, "a", committed.ID)
		return nil
	}))

	require.NoError(t, s.View(func(r Reader) error {
		all := r.Rulesets()
		require.Len(t, all, 2)
		assert.Equal(t, "a", all[0].ID)
		assert.False(t, all[0].IsActive)
		active, _ := r.ActiveRuleset()
		assert.Equal(t, "b", active.ID)
		return nil
	}))
}

func TestResultsAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	results := []domain.Result{{RawID: "r1", Evidence: []domain.EvidenceItem{{Source: "pipeline"}}}}
	require.NoError(t, s.Update(ctx, func(tx *Txn) error {
		return tx.PutResults("t1", results)
	}))
	results[0].Evidence[0].Source = "mutated"

	require.NoError(t, s.View(func(r Reader) error {
		got := r.Results("t1")
		assert.Equal(t, "pipeline", got[0].Evidence[0].Source)
		got[0].Evidence = append(got[0].Evidence, domain.EvidenceItem{Source: "extra"})
		assert.Len(t, r.Results("t1")[0].Evidence, 1)
		return nil
	}))
}

func TestAppliedReviewsAreIndexed(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	require.NoError(t, s.Update(ctx, func(tx *Txn) error {
		if err := tx.AddReview(domain.Review{ID: "rv1", TaskID: "t1", RawID: "r1", Fingerprint: "fp", UpdatedCount: 1}); err != nil {
			return err
		}
		out, ok := tx.Applied("fp")
		assert.True(t, ok)
		assert.Equal(t, 1, out.UpdatedCount)
		return nil
	}))
	require.NoError(t, s.View(func(r Reader) error {
		out, ok := r.Applied("fp")
		assert.True(t, ok)
		assert.Equal(t, "r1", out.TargetRawID)
		assert.Len(t, r.Reviews("t1"), 1)
		_, ok = r.Applied("other")
		assert.False(t, ok)
		return nil
	}))
}

type snapshotMirror struct {
	snap    domain.Snapshot
	loadErr error
}

func (m snapshotMirror) Begin(ctx context.Context) (MirrorTx, error) {
	return nil, errors.New("read only")
}

func (m snapshotMirror) Load(ctx context.Context) (domain.Snapshot, error) {
	return m.snap, m.loadErr
}

func TestLoadHydratesFromMirror(t *testing.T) {
	ctx := context.Background()
	s := New(snapshotMirror{snap: domain.Snapshot{
		Tasks:    []domain.Task{{ID: "t1"}, {ID: "t2"}},
		Results:  map[string][]domain.Result{"t1": {{RawID: "r1"}}},
		Rulesets: []domain.Ruleset{{ID: "rs", IsActive: true}},
		Reviews:  []domain.Review{{ID: "rv", TaskID: "t1", Fingerprint: "fp", UpdatedCount: 1}},
		AuditEvents: []domain.AuditEvent{
			{ID: "e1", Seq: 1, Type: events.TypeRulesetSeeded},
			{ID: "e2", Seq: 2, Type: events.TypeChangeRequestCreated, RelatedChangeID: "cr"},
		},
	}})
	assert.True(t, s.Mirrored())
	require.NoError(t, s.Load(ctx))

	require.NoError(t, s.View(func(r Reader) error {
		tasks := r.Tasks()
		require.Len(t, tasks, 2)
		assert.Equal(t, "t1", tasks[0].ID)
		assert.Len(t, r.Results("t1"), 1)
		_, ok := r.Applied("fp")
		assert.True(t, ok)
		return nil
	}))
	assert.Equal(t, int64(3), s.Audit().NextSeq())
	assert.Len(t, s.Audit().List(events.Filter{RelatedChangeID: "cr"}), 1)

	// Writes fail when the mirror cannot open a transaction.
	err := s.Update(ctx, func(tx *Txn) error { return nil })
	var ce *domain.ConsistencyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "begin", ce.Op)

	broken := New(snapshotMirror{loadErr: errors.New("no such table")})
	err = broken.Load(ctx)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "load", ce.Op)
}
