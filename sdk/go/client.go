package rulegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal rulegate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	Caller      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, caller string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Caller:   caller,
		Timeout:  30 * time.Second,
	}
}

type Record struct {
	RawID      string   `json:"raw_id"`
	Text       string   `json:"text,omitempty"`
	CanonText  string   `json:"canon_text,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Task represents the API task model.
type Task struct {
	ID        string `json:"task_id"`
	BatchName string `json:"batch_name"`
	RulesetID string `json:"ruleset_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type Result struct {
	RawID      string           `json:"raw_id"`
	CanonText  string           `json:"canon_text"`
	Confidence float64          `json:"confidence"`
	Strategy   string           `json:"strategy"`
	Evidence   []map[string]any `json:"evidence"`
}

type Thresholds struct {
	TLow  float64 `json:"t_low"`
	THigh float64 `json:"t_high"`
}

// Ruleset represents the API ruleset model (partial).
type Ruleset struct {
	ID         string `json:"ruleset_id"`
	Version    string `json:"version"`
	IsActive   bool   `json:"is_active"`
	ConfigJSON string `json:"config_json"`
	Config     struct {
		Thresholds Thresholds `json:"thresholds"`
	} `json:"config"`
}

// ChangeRequest represents the API change request model (partial).
type ChangeRequest struct {
	ID              string   `json:"change_id"`
	FromRulesetID   string   `json:"from_ruleset_id"`
	ToRulesetID     string   `json:"to_ruleset_id"`
	BaselineTaskID  string   `json:"baseline_task_id"`
	CandidateTaskID string   `json:"candidate_task_id"`
	Recommendation  string   `json:"recommendation"`
	Status          string   `json:"status"`
	ApprovedBy      string   `json:"approved_by,omitempty"`
	RejectedBy      string   `json:"rejected_by,omitempty"`
	ActivatedBy     string   `json:"activated_by,omitempty"`
	EvidenceBullets []string `json:"evidence_bullets"`
}

type Activation struct {
	Activated       bool   `json:"activated"`
	ActiveRulesetID string `json:"active_ruleset_id"`
	ChangeID        string `json:"change_id"`
}

type Optimization struct {
	BaselineRunID       string   `json:"baseline_run_id"`
	CandidateRunIDs     []string `json:"candidate_run_ids"`
	CandidateRulesetIDs []string `json:"candidate_ruleset_ids"`
	ChangeID            string   `json:"change_id"`
	Recommendation      string   `json:"recommendation"`
}

// AuditEvent represents a ledger entry.
type AuditEvent struct {
	ID              string         `json:"event_id"`
	Seq             int64          `json:"seq"`
	Type            string         `json:"event_type"`
	Caller          string         `json:"caller"`
	Payload         map[string]any `json:"payload"`
	RelatedChangeID string         `json:"related_change_id,omitempty"`
	CreatedAt       string         `json:"created_at"`
}

// AuditPage is one page of audit events; pass LastSeq back to continue.
type AuditPage struct {
	Items   []AuditEvent `json:"items"`
	LastSeq int64        `json:"last_seq"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitTask runs records under a ruleset; an empty rulesetID means the
// active one.
func (c *Client) SubmitTask(ctx context.Context, rulesetID, batchName string, records []Record) (Task, error) {
	body := map[string]any{
		"batch_name": batchName,
		"records":    records,
	}
	if rulesetID != "" {
		body["ruleset_id"] = rulesetID
	}
	var resp struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return Task{ID: resp.TaskID, Status: resp.Status, RulesetID: rulesetID, BatchName: batchName}, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

func (c *Client) Results(ctx context.Context, taskID string) ([]Result, error) {
	var resp struct {
		Items []Result `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/results", url.PathEscape(taskID)), nil, &resp)
	return resp.Items, err
}

// Review applies a review to one result, or to all results when rawID is
// empty. It returns the number of results updated.
func (c *Client) Review(ctx context.Context, taskID, rawID, status, finalCanonText, comment string) (int, error) {
	body := map[string]any{"review_status": status}
	if rawID != "" {
		body["raw_id"] = rawID
	}
	if finalCanonText != "" {
		body["final_canon_text"] = finalCanonText
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp struct {
		UpdatedCount int `json:"updated_count"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/reviews", url.PathEscape(taskID)), body, &resp)
	return resp.UpdatedCount, err
}

// UpsertRuleset sends config unchanged so the server stores it byte for byte.
func (c *Client) UpsertRuleset(ctx context.Context, rulesetID, version string, config json.RawMessage) (Ruleset, error) {
	body := struct {
		Version string          `json:"version"`
		Config  json.RawMessage `json:"config"`
	}{Version: version, Config: config}
	var resp Ruleset
	err := c.do(ctx, http.MethodPut, "rulesets/"+url.PathEscape(rulesetID), body, &resp)
	return resp, err
}

func (c *Client) ActiveRuleset(ctx context.Context) (Ruleset, error) {
	var resp Ruleset
	err := c.do(ctx, http.MethodGet, "rulesets/active", nil, &resp)
	return resp, err
}

func (c *Client) CreateChangeRequest(ctx context.Context, fromRulesetID, toRulesetID, baselineTaskID, candidateTaskID string) (ChangeRequest, error) {
	body := map[string]any{
		"from_ruleset_id":   fromRulesetID,
		"to_ruleset_id":     toRulesetID,
		"baseline_task_id":  baselineTaskID,
		"candidate_task_id": candidateTaskID,
	}
	var resp ChangeRequest
	err := c.do(ctx, http.MethodPost, "change-requests", body, &resp)
	return resp, err
}

func (c *Client) GetChangeRequest(ctx context.Context, changeID string) (ChangeRequest, error) {
	var resp ChangeRequest
	err := c.do(ctx, http.MethodGet, "change-requests/"+url.PathEscape(changeID), nil, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, changeID, comment string) (ChangeRequest, error) {
	var resp ChangeRequest
	endpoint := fmt.Sprintf("change-requests/%s/approve", url.PathEscape(changeID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"comment": comment}, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, changeID, reason string) (ChangeRequest, error) {
	var resp ChangeRequest
	endpoint := fmt.Sprintf("change-requests/%s/reject", url.PathEscape(changeID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Activate makes rulesetID active through an approved change request.
func (c *Client) Activate(ctx context.Context, rulesetID, changeID, reason string) (Activation, error) {
	var resp Activation
	endpoint := fmt.Sprintf("rulesets/%s/activate", url.PathEscape(rulesetID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"change_id": changeID, "reason": reason}, &resp)
	return resp, err
}

// Optimize runs a canary. A candidateCount of 0 leaves the server default.
func (c *Client) Optimize(ctx context.Context, batchID string, records []Record, candidateCount int) (Optimization, error) {
	body := map[string]any{
		"batch_id": batchID,
		"records":  records,
	}
	if candidateCount != 0 {
		body["candidate_count"] = candidateCount
	}
	var resp Optimization
	err := c.do(ctx, http.MethodPost, "canary/optimize", body, &resp)
	return resp, err
}

// AuditEvents lists events after afterSeq, optionally for one change.
func (c *Client) AuditEvents(ctx context.Context, afterSeq int64, changeID string, limit int) (AuditPage, error) {
	q := url.Values{}
	if afterSeq > 0 {
		q.Set("after_seq", fmt.Sprintf("%d", afterSeq))
	}
	if changeID != "" {
		q.Set("related_change_id", changeID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "audit-events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExportChangeRequest downloads the XLSX workbook for a change request.
func (c *Client) ExportChangeRequest(ctx context.Context, changeID string) ([]byte, error) {
	res, err := c.send(ctx, http.MethodGet, fmt.Sprintf("change-requests/%s/export", url.PathEscape(changeID)), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return io.ReadAll(res.Body)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	res, err := c.send(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out != nil {
		return json.NewDecoder(res.Body).Decode(out)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, body any) (*http.Response, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Caller != "":
		req.Header.Set("X-Caller", c.Caller)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
