package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
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

type receiver struct {
	mu      sync.Mutex
	status  int
	headers []http.Header
	bodies  []domain.AuditEvent
}

func (r *receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, _ := io.ReadAll(req.Body)
	var evt domain.AuditEvent
	_ = json.Unmarshal(data, &evt)
	if r.status != 0 && r.status != http.StatusOK {
		w.WriteHeader(r.status)
		return
	}
	r.headers = append(r.headers, req.Header.Clone())
	r.bodies = append(r.bodies, evt)
	w.WriteHeader(http.StatusOK)
}

func (r *receiver) received() []domain.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.AuditEvent(nil), r.bodies...)
}

func (r *receiver) setStatus(code int) {
	r.mu.Lock()
	r.status = code
	r.mu.Unlock()
}

func newWebhookEngine(t *testing.T) engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = "none"
	logger, _ := test.NewNullLogger()
	a, err := app.Bootstrap(context.Background(), cfg, logger, app.Options{Inline: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a.Engine
}

func TestWebhookDeliversFilteredEventsFromTip(t *testing.T) {
	ctx := context.Background()
	e := newWebhookEngine(t)
	rcv := &receiver{}
	hookSrv := httptest.NewServer(rcv)
	defer hookSrv.Close()

	logger, _ := test.NewNullLogger()
	d := NewWebhookDispatcher(e, []config.WebhookConfig{{
		URL:    hookSrv.URL,
		Events: []string{events.TypeRulesetActivationBlocked},
		Secret: "s3cret",
	}}, logger)

	// First pass pins the cursor at the tip; the seed event is not sent.
	d.DispatchOnce(ctx)
	assert.Empty(t, rcv.received())

	_, err := e.UpsertRuleset(ctx, "alice", engine.RulesetInput{ID: "cand", Version: "v2",
		Config: json.RawMessage(`{"thresholds":{"t_low":0.5,"t_high":0.8}}`)})
	require.NoError(t, err)
	require.Error(t, e.PublishRuleset(ctx, "cand", "alice", "ship it"))

	d.DispatchOnce(ctx)
	got := rcv.received()
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeRulesetActivationBlocked, got[0].Type)
	assert.Equal(t, "APPROVAL_GATE_REQUIRED", got[0].Payload["gate_code"])
	assert.Equal(t, events.TypeRulesetActivationBlocked, rcv.headers[0].Get("X-Rulegate-Event"))
	assert.Equal(t, "s3cret", rcv.headers[0].Get("X-Rulegate-Secret"))
	assert.Equal(t, got[0].ID, rcv.headers[0].Get("X-Rulegate-Delivery"))

	d.DispatchOnce(ctx)
	assert.Len(t, rcv.received(), 1, "delivered events are not resent")
}

func TestWebhookRetriesAfterFailedDelivery(t *testing.T) {
	ctx := context.Background()
	e := newWebhookEngine(t)
	rcv := &receiver{}
	hookSrv := httptest.NewServer(rcv)
	defer hookSrv.Close()

	logger, _ := test.NewNullLogger()
	d := NewWebhookDispatcher(e, []config.WebhookConfig{{URL: hookSrv.URL, RatePerSecond: 100}}, logger)
	d.DispatchOnce(ctx)

	rcv.setStatus(http.StatusInternalServerError)
	require.Error(t, e.PublishRuleset(ctx, "any", "alice", ""))
	d.DispatchOnce(ctx)
	assert.Empty(t, rcv.received())

	rcv.setStatus(http.StatusOK)
	d.DispatchOnce(ctx)
	got := rcv.received()
	require.Len(t, got, 1)
	assert.Equal(t, events.TypeRulesetActivationBlocked, got[0].Type)
}

func TestWebhookSkipsDisabledHooks(t *testing.T) {
	ctx := context.Background()
	e := newWebhookEngine(t)
	rcv := &receiver{}
	hookSrv := httptest.NewServer(rcv)
	defer hookSrv.Close()

	disabled := false
	logger, _ := test.NewNullLogger()
	d := NewWebhookDispatcher(e, []config.WebhookConfig{{URL: hookSrv.URL, Enabled: &disabled}}, logger)
	d.DispatchOnce(ctx)
	require.Error(t, e.PublishRuleset(ctx, "any", "alice", ""))
	d.DispatchOnce(ctx)
	assert.Empty(t, rcv.received())
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("anything"))
	assert.True(t, newEventFilter([]string{" ", ""}).match("anything"))
	f := newEventFilter([]string{"ruleset_activated"})
	assert.True(t, f.match("ruleset_activated"))
	assert.False(t, f.match("tool_call"))
}
