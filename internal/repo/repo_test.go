package repo_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/config"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/events"
	rglog "rulegate/internal/log"
	"rulegate/internal/repo"
	"rulegate/internal/store"
	"rulegate/internal/testutil"
)

func conf(v float64) *float64 { return &v }

func TestMirrorRoundTrip(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend.Name, func(t *testing.T) {
			ctx := context.Background()
			r := repo.Repo{DB: backend.Open(t)}
			cfg := config.Default()
			cfg.Review.IdempotentCounters = true

			st := store.New(r)
			eng := engine.New(st, cfg, engine.WithLogger(rglog.Discard()))
			active, _, err := eng.SeedRuleset(ctx, "v1", domain.Thresholds{TLow: 0.6, THigh: 0.85})
			require.NoError(t, err)

			raw := `{"thresholds": {"t_low": 0.5, "t_high": 0.8}, "owner": "ops"}`
			cand, err := eng.UpsertRuleset(ctx, "alice", engine.RulesetInput{ID: "cand", Version: "v2", Config: json.RawMessage(raw)})
			require.NoError(t, err)

			recs := []domain.Record{{RawID: "r1", Confidence: conf(0.82)}, {RawID: "r2", Text: "a  b", Confidence: conf(0.55)}}
			baseline, err := eng.SubmitTask(ctx, active.ID, "batch-1", recs)
			require.NoError(t, err)
			candidate, err := eng.SubmitTask(ctx, cand.ID, "batch-1", recs)
			require.NoError(t, err)
			review := engine.ReviewInput{RawID: "r2", Status: domain.ReviewApproved, Reviewer: "rev"}
			_, err = eng.Reconcile(ctx, baseline.ID, review)
			require.NoError(t, err)

			cr, err := eng.CreateChangeRequest(ctx, "alice", engine.ChangeRequestInput{
				FromRulesetID: active.ID, ToRulesetID: cand.ID,
				BaselineTaskID: baseline.ID, CandidateTaskID: candidate.ID,
				EvidenceBullets: []string{"auto pass up"},
			})
			require.NoError(t, err)
			_, err = eng.ApproveChangeRequest(ctx, cr.ID, "carol", "ok")
			require.NoError(t, err)
			_, err = eng.Activate(ctx, engine.ActivateInput{RulesetID: cand.ID, ChangeID: cr.ID, Caller: "admin", Reason: "go"})
			require.NoError(t, err)

			// A fresh store hydrated from the same database sees the same ledger.
			reloaded := store.New(r)
			require.NoError(t, reloaded.Load(ctx))
			eng2 := engine.New(reloaded, cfg, engine.WithLogger(rglog.Discard()))

			wantTasks, err := eng.ListTasks(ctx, engine.TaskFilter{})
			require.NoError(t, err)
			gotTasks, err := eng2.ListTasks(ctx, engine.TaskFilter{})
			require.NoError(t, err)
			assert.Equal(t, wantTasks, gotTasks)

			for _, id := range []string{baseline.ID, candidate.ID} {
				want, err := eng.GetResults(ctx, id)
				require.NoError(t, err)
				got, err := eng2.GetResults(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}

			wantRulesets, err := eng.ListRulesets(ctx)
			require.NoError(t, err)
			gotRulesets, err := eng2.ListRulesets(ctx)
			require.NoError(t, err)
			assert.Equal(t, wantRulesets, gotRulesets)
			got, err := eng2.GetRuleset(ctx, "cand")
			require.NoError(t, err)
			assert.Equal(t, raw, got.ConfigJSON)
			assert.True(t, got.IsActive)

			wantCR, err := eng.GetChangeRequest(ctx, cr.ID)
			require.NoError(t, err)
			gotCR, err := eng2.GetChangeRequest(ctx, cr.ID)
			require.NoError(t, err)
			assert.Equal(t, wantCR, gotCR)

			wantEvents := st.Audit().List(events.Filter{})
			gotEvents := reloaded.Audit().List(events.Filter{})
			require.Len(t, gotEvents, len(wantEvents))
			for i := range wantEvents {
				assert.Equal(t, wantEvents[i].ID, gotEvents[i].ID)
				assert.Equal(t, wantEvents[i].Seq, gotEvents[i].Seq)
				assert.Equal(t, wantEvents[i].Type, gotEvents[i].Type)
				assert.Equal(t, wantEvents[i].RelatedChangeID, gotEvents[i].RelatedChangeID)
			}
			assert.Equal(t, st.Audit().NextSeq(), reloaded.Audit().NextSeq())

			// Applied reviews survive the reload, so a replay is still ignored.
			_, err = eng2.Reconcile(ctx, baseline.ID, review)
			require.NoError(t, err)
			after, err := eng2.GetRuleset(ctx, active.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, after.Config.FeedbackCounters.TotalReviews)

			n, err := r.CountRows(ctx, "reviews")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestRepoReads(t *testing.T) {
	for _, backend := range testutil.Backends() {
		t.Run(backend.Name, func(t *testing.T) {
			ctx := context.Background()
			r := repo.Repo{DB: backend.Open(t)}
			eng := engine.New(store.New(r), config.Default(), engine.WithLogger(rglog.Discard()))
			active, _, err := eng.SeedRuleset(ctx, "v1", domain.Thresholds{TLow: 0.6, THigh: 0.85})
			require.NoError(t, err)
			require.Error(t, eng.PublishRuleset(ctx, active.ID, "alice", "direct"))

			rs, err := r.GetRuleset(ctx, active.ID)
			require.NoError(t, err)
			assert.Equal(t, active.ConfigJSON, rs.ConfigJSON)
			assert.True(t, rs.IsActive)
			_, err = r.GetRuleset(ctx, "ghost")
			assert.ErrorIs(t, err, repo.ErrNotFound)

			evts, err := r.AuditEventsAfter(ctx, 1, 10)
			require.NoError(t, err)
			require.Len(t, evts, 1)
			assert.Equal(t, int64(2), evts[0].Seq)
			assert.Equal(t, "publish", evts[0].Payload["path"])

			_, err = r.CountRows(ctx, "users; DROP TABLE tasks")
			assert.Error(t, err)
		})
	}
}
