package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"deepscribe/internal/domain"
	"deepscribe/internal/engine"
	"deepscribe/internal/export"
	"deepscribe/internal/repo"
	"deepscribe/internal/runner"
	"deepscribe/internal/step"
	"deepscribe/internal/track"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Hub      *Hub
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the DeepScribe API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("DeepScribe API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTitles(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerResults(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.Hub != nil {
		router.Get("/ws/{project_id}", func(w http.ResponseWriter, r *http.Request) {
			cfg.Hub.Serve(w, r, chi.URLParam(r, "project_id"))
		})
	}

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, runner.ErrPlanNotApproved) || errors.Is(err, runner.ErrNoSelectedTitle) {
		return newAPIError(http.StatusConflict, "workflow_conflict", err.Error(), nil)
	}
	var pe *step.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusBadGateway, "model_output_invalid", err.Error(), map[string]any{"schema": pe.Schema})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "rate limit"):
		return newAPIError(http.StatusServiceUnavailable, "rate_limited", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>DeepScribe API Docs</title>
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
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type projectPath struct {
	ProjectID string `path:"project_id"`
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.CreateProject(ctx, engine.CreateProjectInput{
			Topic:          input.Body.Topic,
			TargetAudience: input.Body.TargetAudience,
			Goal:           input.Body.Goal,
			Tone:           input.Body.Tone,
			ExpertiseLevel: input.Body.ExpertiseLevel,
			WordCountMin:   input.Body.WordCountMin,
			WordCountMax:   input.Body.WordCountMax,
			Constraints:    input.Body.Constraints,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Project{}
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *projectPath) (*struct{}, error) {
		if err := e.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Live execution status",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body track.State `json:"body"`
	}, error) {
		state, err := e.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		state.Logs = nil
		return &struct {
			Body track.State `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-logs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/logs",
		Summary:     "Execution logs",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body LogsResponse `json:"body"`
	}, error) {
		logs, err := e.Logs(ctx, input.ProjectID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if logs == nil {
			logs = []track.LogEntry{}
		}
		return &struct {
			Body LogsResponse `json:"body"`
		}{Body: LogsResponse{ProjectID: input.ProjectID, Logs: logs}}, nil
	})
}

func registerTitles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-titles",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/titles/generate",
		Summary:     "Generate title candidates",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body TitleListResponse `json:"body"`
	}, error) {
		titles, err := e.GenerateTitles(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TitleListResponse `json:"body"`
		}{Body: TitleListResponse{Titles: titles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-titles",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/titles",
		Summary:     "List title candidates",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body TitleListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		titles, err := e.Repo.ListTitles(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if titles == nil {
			titles = []domain.Title{}
		}
		return &struct {
			Body TitleListResponse `json:"body"`
		}{Body: TitleListResponse{Titles: titles}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-title",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/titles/select",
		Summary:     "Select a title",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      SelectTitleRequest
	}) (*struct {
		Body domain.Title `json:"body"`
	}, error) {
		if input.Body.TitleID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title_id is required", nil)
		}
		title, err := e.SelectTitle(ctx, input.ProjectID, input.Body.TitleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Title `json:"body"`
		}{Body: title}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/generate",
		Summary:     "Generate content plan",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.GeneratePlan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Get content plan",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.Repo.GetPlan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-plan",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/plan",
		Summary:     "Replace plan sections",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Body      UpdatePlanRequest
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.UpdatePlan(ctx, input.ProjectID, sectionsFromRequest(input.Body.Sections))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-plan",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/plan/approve",
		Summary:     "Approve content plan",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		plan, err := e.ApprovePlan(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: plan}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	start := func(ctx context.Context, input *projectPath) (*struct {
		Body RunAcceptedResponse `json:"body"`
	}, error) {
		if err := e.StartRun(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunAcceptedResponse `json:"body"`
		}{Body: RunAcceptedResponse{ProjectID: input.ProjectID, Status: domain.StatusResearching}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID:   "run-pipeline",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/run",
		Summary:       "Start the content pipeline",
		DefaultStatus: http.StatusAccepted,
	}, start)

	// Restart is the same operation; any run in flight is cancelled first.
	huma.Register(api, huma.Operation{
		OperationID:   "restart-pipeline",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/restart",
		Summary:       "Restart the content pipeline",
		DefaultStatus: http.StatusAccepted,
	}, start)

	huma.Register(api, huma.Operation{
		OperationID: "cancel-pipeline",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Cancel a run in flight",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		cancelled := e.CancelRun(input.ProjectID)
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"project_id": input.ProjectID, "cancelled": cancelled}}, nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-result",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/result",
		Summary:     "Current draft and quality score",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		res, err := e.Result(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: ResultResponse{Draft: res.Draft, InsightScore: res.Score}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-drafts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/drafts",
		Summary:     "Draft version history",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body []domain.Draft `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		drafts, err := e.Repo.ListDrafts(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if drafts == nil {
			drafts = []domain.Draft{}
		}
		return &struct {
			Body []domain.Draft `json:"body"`
		}{Body: drafts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/drafts/{draft_id}",
		Summary:     "Single draft version",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		DraftID   string `path:"draft_id"`
	}) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		draft, err := e.Repo.GetDraft(ctx, input.DraftID)
		if err != nil {
			return nil, handleError(err)
		}
		if draft.ProjectID != input.ProjectID {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: draft}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-draft",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/approve",
		Summary:     "Approve current draft and publish",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body domain.Draft `json:"body"`
	}, error) {
		draft, err := e.ApproveDraft(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Draft `json:"body"`
		}{Body: draft}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export-draft",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/export",
		Summary:     "Export current draft",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Format    string `query:"format" enum:"markdown,html" default:"markdown"`
	}) (*struct {
		Body ExportResponse `json:"body"`
	}, error) {
		res, err := e.Result(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		format := input.Format
		if format == "" {
			format = "markdown"
		}
		content := res.Draft.ContentMarkdown
		if format == "html" {
			if res.Draft.ContentHTML != nil {
				content = *res.Draft.ContentHTML
			} else {
				content, err = export.ToHTML(res.Draft.ContentMarkdown)
				if err != nil {
					return nil, handleError(err)
				}
			}
		}
		return &struct {
			Body ExportResponse `json:"body"`
		}{Body: ExportResponse{ProjectID: input.ProjectID, Format: format, Content: content}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		After     int64  `query:"after"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		var (
			evts []domain.Event
			err  error
		)
		if input.After > 0 {
			evts, err = e.Repo.EventsAfter(ctx, input.Limit, input.After, input.ProjectID)
		} else {
			evts, err = e.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, "")
		}
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		var cursor int64
		for _, ev := range evts {
			if ev.ID > cursor {
				cursor = ev.ID
			}
		}
		if cursor == 0 {
			// Empty page: the resume token is still the newest event seen.
			latest, err := e.Repo.LatestEventID(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			cursor = latest
			if input.After > cursor {
				cursor = input.After
			}
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Events: evts, Cursor: cursor}}, nil
	})
}
