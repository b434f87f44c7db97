package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/events"
	"rulegate/internal/export"
	"rulegate/internal/queue"
	"rulegate/internal/scorecard"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Exporter *export.Service
	Log      logrus.FieldLogger
	// Backend names the relational mirror for /health.
	Backend string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"APPROVAL_PENDING"`
	Message string         `json:"message" example:"change request is pending approval"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"retryable_after\":\"approval\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyOutput[T any] struct {
	Body T
}

func ok[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

// New returns an HTTP handler exposing the rulegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	if cfg.Exporter == nil {
		cfg.Exporter = export.NewService(cfg.Engine, cfg.Log)
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Rulegate API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", promhttp.Handler())
	registerHealth(group, cfg)
	registerTasks(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerRulesets(group, cfg.Engine)
	registerChangeRequests(group, cfg.Engine, cfg.Exporter)
	registerScorecards(group, cfg.Engine)
	registerOps(group, cfg.Engine)
	registerAuditEvents(group, cfg.Engine)
	registerCanary(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		if ve.Code == domain.CodeInvalidTransition {
			return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), details)
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var nf *domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	var ge *domain.GateError
	if errors.As(err, &ge) {
		var details map[string]any
		if ge.RetryableAfter != "" {
			details = map[string]any{"retryable_after": ge.RetryableAfter}
		}
		return newAPIError(ge.Status, string(ge.Code), ge.Message, details)
	}
	var ce *domain.ConsistencyError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusInternalServerError, "consistency_error", "ledger mirror rejected the write", map[string]any{"op": ce.Op})
	}
	switch {
	case errors.Is(err, queue.ErrClosed):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["callerHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: callerHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"callerHeader": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Rulegate API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Caller.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[HealthResponse], error) {
		resp := HealthResponse{Status: "ok", Backend: cfg.Backend}
		if st := cfg.Engine.Store; st != nil {
			resp.Mirrored = st.Mirrored()
			resp.Events = st.Audit().Len()
		}
		if resp.Backend == "" {
			resp.Backend = "none"
		}
		return ok(resp), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Submit a batch for governance",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SubmitTaskRequest `json:"body"`
	}) (*bodyOutput[TaskStatusResponse], error) {
		task, err := e.SubmitTask(ctx, input.Body.RulesetID, input.Body.BatchName, input.Body.Records)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(TaskStatusResponse{TaskID: task.ID, Status: task.Status}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		BatchName string `query:"batch_name"`
		RulesetID string `query:"ruleset_id"`
		Status    string `query:"status" enum:"PENDING,RUNNING,SUCCEEDED,FAILED,REVIEWED"`
	}) (*bodyOutput[TaskList], error) {
		items, err := e.ListTasks(ctx, engine.TaskFilter{
			BatchName: input.BatchName,
			RulesetID: input.RulesetID,
			Status:    domain.TaskStatus(input.Status),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(TaskList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*bodyOutput[domain.Task], error) {
		task, err := e.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(task), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-results",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/results",
		Summary:     "Get task results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*bodyOutput[ResultList], error) {
		results, err := e.GetResults(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ResultList{TaskID: input.TaskID, Items: nonNil(results)}), nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "review-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/reviews",
		Summary:     "Apply a human review to a task's results",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string        `path:"task_id"`
		Body   ReviewRequest `json:"body"`
	}) (*bodyOutput[domain.ReconcileOutcome], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reviewer := strings.TrimSpace(input.Body.Reviewer)
		if reviewer == "" {
			reviewer = caller
		}
		out, err := e.Reconcile(ctx, input.TaskID, engine.ReviewInput{
			RawID:          input.Body.RawID,
			Status:         input.Body.ReviewStatus,
			FinalCanonText: input.Body.FinalCanonText,
			Reviewer:       reviewer,
			Comment:        input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out), nil
	})
}

func registerRulesets(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-ruleset",
		Method:      http.MethodPut,
		Path:        "/rulesets/{ruleset_id}",
		Summary:     "Create or replace a ruleset",
		Description: "The config object is stored byte for byte as config_json. Activation is never changed here.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RulesetID string               `path:"ruleset_id"`
		Body      UpsertRulesetRequest `json:"body"`
	}) (*bodyOutput[domain.Ruleset], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		raw := rawBodyMap(ctx)["config"]
		if len(raw) == 0 || isNullRaw(raw) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "config is required", map[string]any{"field": "config"})
		}
		rs, err := e.UpsertRuleset(ctx, caller, engine.RulesetInput{
			ID:      input.RulesetID,
			Version: input.Body.Version,
			Config:  bytes.TrimSpace(raw),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(rs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rulesets",
		Method:      http.MethodGet,
		Path:        "/rulesets",
		Summary:     "List rulesets",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[RulesetList], error) {
		items, err := e.ListRulesets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(RulesetList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-active-ruleset",
		Method:      http.MethodGet,
		Path:        "/rulesets/active",
		Summary:     "Get the active ruleset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[domain.Ruleset], error) {
		rs, err := e.ActiveRuleset(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(rs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ruleset",
		Method:      http.MethodGet,
		Path:        "/rulesets/{ruleset_id}",
		Summary:     "Get ruleset",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RulesetID string `path:"ruleset_id"`
	}) (*bodyOutput[domain.Ruleset], error) {
		rs, err := e.GetRuleset(ctx, input.RulesetID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(rs), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-ruleset",
		Method:      http.MethodPost,
		Path:        "/rulesets/{ruleset_id}/publish",
		Summary:     "Direct publish (always blocked; use activate with an approved change request)",
		Errors:      []int{http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RulesetID string                 `path:"ruleset_id"`
		Body      *PublishRulesetRequest `json:"body"`
	}) (*bodyOutput[PublishResponse], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		operator, reason := caller, ""
		if input.Body != nil {
			if v := strings.TrimSpace(input.Body.Operator); v != "" {
				operator = v
			}
			reason = input.Body.Reason
		}
		if err := e.PublishRuleset(ctx, input.RulesetID, operator, reason); err != nil {
			return nil, handleError(err)
		}
		return ok(PublishResponse{RulesetID: input.RulesetID, Published: true}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "activate-ruleset",
		Method:      http.MethodPost,
		Path:        "/rulesets/{ruleset_id}/activate",
		Summary:     "Activate a ruleset through an approved change request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RulesetID string                  `path:"ruleset_id"`
		Body      *ActivateRulesetRequest `json:"body"`
	}) (*bodyOutput[engine.ActivationOutcome], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := engine.ActivateInput{RulesetID: input.RulesetID, Caller: caller}
		if input.Body != nil {
			in.ChangeID = strings.TrimSpace(input.Body.ChangeID)
			in.Reason = input.Body.Reason
		}
		out, err := e.Activate(ctx, in)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out), nil
	})
}

func registerChangeRequests(api huma.API, e engine.Engine, exporter *export.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-change-request",
		Method:        http.MethodPost,
		Path:          "/change-requests",
		Summary:       "Propose a ruleset change",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateChangeRequestRequest `json:"body"`
	}) (*bodyOutput[domain.ChangeRequest], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cr, err := e.CreateChangeRequest(ctx, caller, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		return ok(cr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-change-requests",
		Method:      http.MethodGet,
		Path:        "/change-requests",
		Summary:     "List change requests",
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"pending,approved,rejected"`
		FromRulesetID string `query:"from_ruleset_id"`
		ToRulesetID   string `query:"to_ruleset_id"`
	}) (*bodyOutput[ChangeRequestList], error) {
		items, err := e.ListChangeRequests(ctx, engine.ChangeFilter{
			Status:        domain.ChangeStatus(input.Status),
			FromRulesetID: input.FromRulesetID,
			ToRulesetID:   input.ToRulesetID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(ChangeRequestList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-change-request",
		Method:      http.MethodGet,
		Path:        "/change-requests/{change_id}",
		Summary:     "Get change request",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChangeID string `path:"change_id"`
	}) (*bodyOutput[domain.ChangeRequest], error) {
		cr, err := e.GetChangeRequest(ctx, input.ChangeID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(cr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-change-request",
		Method:      http.MethodPost,
		Path:        "/change-requests/{change_id}/approve",
		Summary:     "Approve a change request",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ChangeID string          `path:"change_id"`
		Body     *ApproveRequest `json:"body"`
	}) (*bodyOutput[domain.ChangeRequest], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		comment := ""
		if input.Body != nil {
			comment = input.Body.Comment
		}
		cr, err := e.ApproveChangeRequest(ctx, input.ChangeID, caller, comment)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(cr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-change-request",
		Method:      http.MethodPost,
		Path:        "/change-requests/{change_id}/reject",
		Summary:     "Reject a change request",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ChangeID string         `path:"change_id"`
		Body     *RejectRequest `json:"body"`
	}) (*bodyOutput[domain.ChangeRequest], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		cr, err := e.RejectChangeRequest(ctx, input.ChangeID, caller, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(cr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-change-request",
		Method:      http.MethodGet,
		Path:        "/change-requests/{change_id}/export",
		Summary:     "Download a change request and its audit trail as XLSX",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChangeID string `path:"change_id"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		data, err := exporter.ChangeRequestXLSX(ctx, input.ChangeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{
			ContentType:        "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			ContentDisposition: fmt.Sprintf(`attachment; filename="change-%s.xlsx"`, input.ChangeID),
			Body:               data,
		}, nil
	})
}

func registerScorecards(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "compute-scorecard",
		Method:      http.MethodPost,
		Path:        "/scorecards",
		Summary:     "Compare a candidate task against a baseline task",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ScorecardRequest `json:"body"`
	}) (*bodyOutput[domain.Scorecard], error) {
		sc, err := e.ComputeScorecard(ctx, input.Body.BaselineTaskID, input.Body.CandidateTaskID,
			scorecard.Override{TLow: input.Body.TLow, THigh: input.Body.THigh})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(sc), nil
	})
}

func registerOps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ops-summary",
		Method:      http.MethodGet,
		Path:        "/ops/summary",
		Summary:     "Aggregate result quality across tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID      string `query:"task_id"`
		Batch       string `query:"batch"`
		RulesetID   string `query:"ruleset_id"`
		Status      string `query:"status"`
		RecentHours int    `query:"recent_hours"`
		TLow        string `query:"t_low"`
		THigh       string `query:"t_high"`
	}) (*bodyOutput[engine.OpsSummary], error) {
		tLow, err := parseOptionalFloat("t_low", input.TLow)
		if err != nil {
			return nil, err
		}
		tHigh, err := parseOptionalFloat("t_high", input.THigh)
		if err != nil {
			return nil, err
		}
		sum, opsErr := e.OpsSummary(ctx, engine.OpsFilter{
			TaskID:      input.TaskID,
			Batch:       input.Batch,
			RulesetID:   input.RulesetID,
			Status:      domain.TaskStatus(input.Status),
			RecentHours: input.RecentHours,
			TLow:        tLow,
			THigh:       tHigh,
		})
		if opsErr != nil {
			return nil, handleError(opsErr)
		}
		return ok(sum), nil
	})
}

func registerAuditEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit-events",
		Method:      http.MethodGet,
		Path:        "/audit-events",
		Summary:     "List audit events in append order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RelatedChangeID string `query:"related_change_id"`
		EventType       string `query:"event_type"`
		AfterSeq        int64  `query:"after_seq"`
		Limit           int    `query:"limit" default:"100"`
	}) (*bodyOutput[AuditEventsResponse], error) {
		if input.AfterSeq < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "after_seq must not be negative", map[string]any{"field": "after_seq"})
		}
		items := e.ListAuditEvents(events.Filter{
			RelatedChangeID: input.RelatedChangeID,
			Type:            input.EventType,
			AfterSeq:        input.AfterSeq,
			Limit:           normalizeLimit(input.Limit),
		})
		resp := AuditEventsResponse{Items: nonNil(items), LastSeq: input.AfterSeq}
		if n := len(items); n > 0 {
			resp.LastSeq = items[n-1].Seq
		}
		return ok(resp), nil
	})
}

func registerCanary(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "canary-optimize",
		Method:      http.MethodPost,
		Path:        "/canary/optimize",
		Summary:     "Run baseline and candidate rulesets and propose the best candidate",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body OptimizeRequest `json:"body"`
	}) (*bodyOutput[engine.OptimizeOutcome], error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// An explicit zero reaches the engine and is rejected there.
		count := engine.MaxCandidates
		if input.Body.CandidateCount != nil {
			count = *input.Body.CandidateCount
		}
		out, err := e.Optimize(ctx, engine.OptimizeInput{
			BatchID:        input.Body.BatchID,
			Records:        input.Body.Records,
			CandidateCount: count,
			Caller:         caller,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(out), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*bodyOutput[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		caller := strings.TrimSpace(input.Body.Caller)
		if caller == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "caller is required", map[string]any{"field": "caller"})
		}
		token, err := signDevToken(authCfg.JWTSecret, caller)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return ok(DevLoginResponse{Token: token}), nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func isNullRaw(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && bytes.Equal(trimmed, []byte("null"))
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 100
	}
	if in > 1000 {
		return 1000
	}
	return in
}

func parseOptionalFloat(field, raw string) (*float64, huma.StatusError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("%s must be a number", field), map[string]any{"field": field})
	}
	return &v, nil
}
