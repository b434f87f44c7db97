package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulegate/internal/app"
	"rulegate/internal/config"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/events"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	engine engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = "none"
	cfg.Auth.JWTSecret = testSecret
	cfg.Auth.AllowLegacyCallerHeader = true
	logger, _ := test.NewNullLogger()
	a, err := app.Bootstrap(context.Background(), cfg, logger, app.Options{Inline: true})
	require.NoError(t, err)
	handler, err := New(Config{
		Engine:   a.Engine,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyCallerHeader: true},
		Log:      logger,
		Backend:  a.Backend.String(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		a.Close(context.Background())
	})
	return &testServer{Server: srv, engine: a.Engine}
}

func as(caller string) map[string]string {
	return map[string]string{callerHeader: caller}
}

func doRaw(t *testing.T, method, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	return doRaw(t, method, url, payload, headers)
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func conf(v float64) *float64 { return &v }

func intp(v int) *int { return &v }

func (s *testServer) submit(t *testing.T, rulesetID string, confidences ...float64) string {
	t.Helper()
	records := make([]domain.Record, 0, len(confidences))
	for i, c := range confidences {
		records = append(records, domain.Record{RawID: string(rune('a' + i)), Text: "row", Confidence: conf(c)})
	}
	res, data := doJSON(t, http.MethodPost, s.URL+"/v1/tasks", SubmitTaskRequest{
		RulesetID: rulesetID,
		BatchName: "batch-1",
		Records:   records,
	}, as("alice"))
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	out := decode[TaskStatusResponse](t, data)
	assert.Equal(t, domain.TaskSucceeded, out.Status)
	return out.TaskID
}

func (s *testServer) activeRuleset(t *testing.T) domain.Ruleset {
	t.Helper()
	res, data := doJSON(t, http.MethodGet, s.URL+"/v1/rulesets/active", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[domain.Ruleset](t, data)
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	health := decode[HealthResponse](t, data)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "none", health.Backend)
	assert.False(t, health.Mirrored)
	assert.Equal(t, 1, health.Events, "seeding logs one event")
}

func TestMissingCredentialsReturnEnvelope(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "unauthorized", env.Error.Code)
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/dev/login", DevLoginRequest{Caller: "admin"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token
	require.NotEmpty(t, token)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/rulesets", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[RulesetList](t, data).Items, 1)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/rulesets", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decode[errorEnvelope](t, data).Error.Code)
}

func TestSubmitTaskAndReadResults(t *testing.T) {
	srv := newTestServer(t)
	taskID := srv.submit(t, "", 0.9, 0.7, 0.2)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/tasks/"+taskID+"/results", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	results := decode[ResultList](t, data)
	require.Len(t, results.Items, 3)
	assert.Equal(t, "auto_pass", results.Items[0].Strategy)
	assert.Equal(t, "human_required", results.Items[2].Strategy)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks/missing/results", nil, as("alice"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestReviewUpdatesResultsAndTask(t *testing.T) {
	srv := newTestServer(t)
	taskID := srv.submit(t, "", 0.7)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/reviews", ReviewRequest{
		RawID:          "a",
		ReviewStatus:   domain.ReviewEdited,
		FinalCanonText: "fixed",
	}, as("reviewer-1"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, 1, decode[domain.ReconcileOutcome](t, data).UpdatedCount)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/tasks/"+taskID, nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.TaskReviewed, decode[domain.Task](t, data).Status)

	res, _ = doRaw(t, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/reviews",
		[]byte(`{"review_status":"maybe"}`), as("reviewer-1"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUpsertRulesetKeepsConfigBytes(t *testing.T) {
	srv := newTestServer(t)
	raw := `{"thresholds": {"t_low":0.55,  "t_high":0.9}, "notes":"keep me"}`
	res, data := doRaw(t, http.MethodPut, srv.URL+"/v1/rulesets/cand-1",
		[]byte(`{"version":"v2","config":`+raw+`}`), as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rs := decode[domain.Ruleset](t, data)
	assert.Equal(t, raw, rs.ConfigJSON)
	assert.False(t, rs.IsActive)
	assert.InDelta(t, 0.55, rs.Config.Thresholds.TLow, 1e-9)

	res, data = doRaw(t, http.MethodPut, srv.URL+"/v1/rulesets/cand-2",
		[]byte(`{"version":"v2","config":{"thresholds":{"t_low":2,"t_high":0.9}}}`), as("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestPublishIsAlwaysBlocked(t *testing.T) {
	srv := newTestServer(t)
	active := srv.activeRuleset(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/rulesets/"+active.ID+"/publish", PublishRulesetRequest{Reason: "ship"}, as("admin"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, string(domain.GateApprovalGateRequired), decode[errorEnvelope](t, data).Error.Code)

	blocked := srv.engine.ListAuditEvents(events.Filter{Type: events.TypeRulesetActivationBlocked})
	require.Len(t, blocked, 1)
	assert.Equal(t, "publish", blocked[0].Payload["path"])
}

func TestChangeRequestActivationFlow(t *testing.T) {
	srv := newTestServer(t)
	active := srv.activeRuleset(t)
	res, data := doRaw(t, http.MethodPut, srv.URL+"/v1/rulesets/cand-1",
		[]byte(`{"version":"v2","config":{"thresholds":{"t_low":0.5,"t_high":0.8}}}`), as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	baseline := srv.submit(t, active.ID, 0.9, 0.82, 0.55)
	candidate := srv.submit(t, "cand-1", 0.9, 0.82, 0.55)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/change-requests", CreateChangeRequestRequest{
		FromRulesetID:   active.ID,
		ToRulesetID:     "cand-1",
		BaselineTaskID:  baseline,
		CandidateTaskID: candidate,
	}, as("alice"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	cr := decode[domain.ChangeRequest](t, data)
	assert.Equal(t, domain.ChangePending, cr.Status)
	assert.InDelta(t, -0.05, cr.Diff.DeltaTHigh, 1e-9)

	activate := func(caller string) (*http.Response, []byte) {
		return doJSON(t, http.MethodPost, srv.URL+"/v1/rulesets/cand-1/activate", ActivateRulesetRequest{ChangeID: cr.ID}, as(caller))
	}

	res, data = activate("admin")
	require.Equal(t, http.StatusConflict, res.StatusCode)
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, string(domain.GateApprovalPending), env.Error.Code)
	assert.Equal(t, "approval", env.Error.Details["retryable_after"])

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/change-requests/"+cr.ID+"/approve", ApproveRequest{Comment: "lgtm"}, as("bob"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.ChangeApproved, decode[domain.ChangeRequest](t, data).Status)

	res, data = activate("mallory")
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, string(domain.GateCallerNotAuthorized), decode[errorEnvelope](t, data).Error.Code)

	res, data = activate("admin")
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	outcome := decode[engine.ActivationOutcome](t, data)
	assert.True(t, outcome.Activated)
	assert.Equal(t, "cand-1", srv.activeRuleset(t).ID)

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v1/change-requests/"+cr.ID+"/reject", RejectRequest{Reason: "too late"}, as("bob"))
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, string(domain.GateChangeAlreadyActivated), decode[errorEnvelope](t, data).Error.Code)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/audit-events?related_change_id="+cr.ID, nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	trail := decode[AuditEventsResponse](t, data)
	var types []string
	for _, evt := range trail.Items {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []string{
		events.TypeChangeRequestCreated,
		events.TypeRulesetActivationBlocked,
		events.TypeApprovalChanged,
		events.TypeRulesetActivationBlocked,
		events.TypeRulesetActivated,
		events.TypeApprovalChangeBlocked,
	}, types)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/change-requests/"+cr.ID+"/export", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", res.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(data, []byte("PK")), "xlsx is a zip archive")
}

func TestScorecardAndOpsSummary(t *testing.T) {
	srv := newTestServer(t)
	baseline := srv.submit(t, "", 0.9, 0.7)
	candidate := srv.submit(t, "", 0.9, 0.9)

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/scorecards", ScorecardRequest{
		BaselineTaskID:  baseline,
		CandidateTaskID: candidate,
	}, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	sc := decode[domain.Scorecard](t, data)
	assert.InDelta(t, 0.5, sc.Delta.AutoPassRate, 1e-9)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/ops/summary?batch=batch-1", nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	sum := decode[engine.OpsSummary](t, data)
	assert.Equal(t, 2, sum.TaskCount)
	assert.Equal(t, 4, sum.ResultCount)
	assert.Equal(t, 3, sum.AutoPassCount)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/ops/summary?t_low=abc", nil, as("alice"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "t_low", decode[errorEnvelope](t, data).Error.Details["field"])
}

func TestCanaryOptimizeCreatesPendingChange(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodPost, srv.URL+"/v1/canary/optimize", OptimizeRequest{
		BatchID:        "nightly",
		Records:        []domain.Record{{RawID: "r1", Confidence: conf(0.84)}, {RawID: "r2", Confidence: conf(0.58)}},
		CandidateCount: intp(2),
	}, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[engine.OptimizeOutcome](t, data)
	assert.Len(t, out.CandidateRunIDs, 2)
	assert.Len(t, out.CandidateRulesetIDs, 2)
	require.NotEmpty(t, out.ChangeID)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/v1/change-requests/"+out.ChangeID, nil, as("alice"))
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, domain.ChangePending, decode[domain.ChangeRequest](t, data).Status)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/canary/optimize", OptimizeRequest{
		BatchID:        "nightly",
		Records:        []domain.Record{{RawID: "r1"}},
		CandidateCount: intp(4),
	}, as("admin"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestCanaryOptimizeCandidateCount(t *testing.T) {
	srv := newTestServer(t)
	before := len(srv.engine.ListAuditEvents(events.Filter{}))

	body := []byte(`{"batch_id":"nightly","records":[{"raw_id":"r1","confidence":0.8}],"candidate_count":0}`)
	res, data := doRaw(t, http.MethodPost, srv.URL+"/v1/canary/optimize", body, as("admin"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "candidate_count", env.Error.Details["field"])
	assert.Len(t, srv.engine.ListAuditEvents(events.Filter{}), before)

	body = []byte(`{"batch_id":"nightly","records":[{"raw_id":"r1","confidence":0.8}]}`)
	res, data = doRaw(t, http.MethodPost, srv.URL+"/v1/canary/optimize", body, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	out := decode[engine.OptimizeOutcome](t, data)
	assert.Len(t, out.CandidateRunIDs, engine.MaxCandidates)
}

func TestOpenAPIDocumentConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	bodies := make(chan []byte, 8)
	for i := 0; i < cap(bodies); i++ {
		go func() {
			res, err := http.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				bodies <- nil
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			bodies <- data
		}()
	}
	first := <-bodies
	require.NotEmpty(t, first)
	for i := 1; i < cap(bodies); i++ {
		assert.Equal(t, first, <-bodies)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/rulesets/{ruleset_id}/activate")
	assert.Contains(t, paths, "/v1/canary/optimize")
}
