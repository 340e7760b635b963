package deepscribesdk

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

// Client is a minimal DeepScribe HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Project is a content brief moving through the workflow.
type Project struct {
	ID              string  `json:"id"`
	Topic           string  `json:"topic"`
	TargetAudience  string  `json:"target_audience"`
	Goal            string  `json:"goal"`
	Tone            string  `json:"tone"`
	ExpertiseLevel  string  `json:"expertise_level"`
	WordCountMin    int     `json:"word_count_min"`
	WordCountMax    int     `json:"word_count_max"`
	Status          string  `json:"status"`
	SelectedTitleID *string `json:"selected_title_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

// Title is a generated title candidate.
type Title struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	SearchIntent string `json:"search_intent"`
	Difficulty   int    `json:"difficulty"`
	IsSelected   bool   `json:"is_selected"`
}

// PlanSection is one entry of the content outline.
type PlanSection struct {
	ID             string   `json:"id"`
	Heading        string   `json:"heading"`
	SectionType    string   `json:"section_type"`
	KeyPoints      []string `json:"key_points"`
	ResearchAreas  []string `json:"research_areas,omitempty"`
	EstimatedWords int      `json:"estimated_words"`
	Order          int      `json:"order"`
	IsLocked       bool     `json:"is_locked"`
}

// Plan is the section outline for a project.
type Plan struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"project_id"`
	IsApproved          bool          `json:"is_approved"`
	TotalEstimatedWords int           `json:"total_estimated_words"`
	Sections            []PlanSection `json:"sections,omitempty"`
}

// Draft is one generated content version.
type Draft struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	ContentMarkdown string  `json:"content_markdown"`
	ContentHTML     *string `json:"content_html,omitempty"`
	WordCount       int     `json:"word_count"`
	Version         int     `json:"version"`
	IsCurrent       bool    `json:"is_current"`
	IsApproved      bool    `json:"is_approved"`
	CreatedAt       string  `json:"created_at"`
}

// InsightScore is the quality assessment of a draft.
type InsightScore struct {
	DraftID          string   `json:"draft_id"`
	InspiringScore   int      `json:"inspiring_score"`
	NovelScore       int      `json:"novel_score"`
	StructuredScore  int      `json:"structured_score"`
	InformativeScore int      `json:"informative_score"`
	GroundedScore    int      `json:"grounded_score"`
	HelpfulScore     int      `json:"helpful_score"`
	TrustworthyScore int      `json:"trustworthy_score"`
	OverallScore     float64  `json:"overall_score"`
	PrimaryInsight   string   `json:"primary_insight,omitempty"`
	Feedback         []string `json:"feedback,omitempty"`
	Suggestions      []string `json:"suggestions,omitempty"`
}

// Status is the live execution state of a run.
type Status struct {
	ProjectID    string `json:"project_id"`
	Status       string `json:"status"`
	Stage        string `json:"stage"`
	Message      string `json:"message"`
	Progress     int    `json:"progress"`
	SourcesFound int    `json:"sources_found"`
	Completed    bool   `json:"is_complete"`
	StartedAt    string `json:"started_at"`
	UpdatedAt    string `json:"updated_at"`
}

// LogEntry is one execution log line.
type LogEntry struct {
	TS      string `json:"ts"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Level   string `json:"level"`
}

// Result bundles the current draft with its quality score.
type Result struct {
	Draft        Draft         `json:"draft"`
	InsightScore *InsightScore `json:"insight_score,omitempty"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProjectInput is the request body for CreateProject.
type CreateProjectInput struct {
	Topic          string `json:"topic"`
	TargetAudience string `json:"target_audience"`
	Goal           string `json:"goal,omitempty"`
	Tone           string `json:"tone,omitempty"`
	ExpertiseLevel string `json:"expertise_level,omitempty"`
	WordCountMin   int    `json:"word_count_min,omitempty"`
	WordCountMax   int    `json:"word_count_max,omitempty"`
	Constraints    string `json:"constraints,omitempty"`
}

// CreateProject creates a content project.
func (c *Client) CreateProject(ctx context.Context, in CreateProjectInput) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", in, &resp)
	return resp, err
}

// GetProject fetches a project by id.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// ListProjects returns all projects, optionally filtered by status.
func (c *Client) ListProjects(ctx context.Context, status string) ([]Project, error) {
	endpoint := "v0/projects"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// DeleteProject removes a project and all its artifacts.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(projectID, ""), nil, nil)
}

// GenerateTitles asks the model for title candidates.
func (c *Client) GenerateTitles(ctx context.Context, projectID string) ([]Title, error) {
	var resp struct {
		Titles []Title `json:"titles"`
	}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "titles/generate"), nil, &resp)
	return resp.Titles, err
}

// SelectTitle picks one of the generated titles.
func (c *Client) SelectTitle(ctx context.Context, projectID, titleID string) (Title, error) {
	var resp Title
	body := map[string]string{"title_id": titleID}
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "titles/select"), body, &resp)
	return resp, err
}

// GeneratePlan asks the model for a section outline.
func (c *Client) GeneratePlan(ctx context.Context, projectID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "plan/generate"), nil, &resp)
	return resp, err
}

// UpdatePlan replaces the plan sections.
func (c *Client) UpdatePlan(ctx context.Context, projectID string, sections []PlanSection) (Plan, error) {
	var resp Plan
	body := map[string]any{"sections": sections}
	err := c.do(ctx, http.MethodPut, c.projectPath(projectID, "plan"), body, &resp)
	return resp, err
}

// ApprovePlan approves the outline so the pipeline can run.
func (c *Client) ApprovePlan(ctx context.Context, projectID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "plan/approve"), nil, &resp)
	return resp, err
}

// Run starts the content pipeline.
func (c *Client) Run(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, c.projectPath(projectID, "run"), nil, nil)
}

// Restart cancels any run in flight and starts a fresh one.
func (c *Client) Restart(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, c.projectPath(projectID, "restart"), nil, nil)
}

// Cancel stops a run in flight.
func (c *Client) Cancel(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodPost, c.projectPath(projectID, "cancel"), nil, nil)
}

// Status returns the live execution state.
func (c *Client) Status(ctx context.Context, projectID string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "status"), nil, &resp)
	return resp, err
}

// Logs returns recent execution logs.
func (c *Client) Logs(ctx context.Context, projectID string, limit int) ([]LogEntry, error) {
	endpoint := c.projectPath(projectID, "logs")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Logs []LogEntry `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Logs, err
}

// WaitForDraft polls status until the run finishes or ctx is cancelled.
func (c *Client) WaitForDraft(ctx context.Context, projectID string, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		st, err := c.Status(ctx, projectID)
		if err != nil {
			return Result{}, err
		}
		switch st.Status {
		case "draft_ready", "published":
			return c.Result(ctx, projectID)
		case "failed":
			return Result{}, fmt.Errorf("run failed: %s", st.Message)
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Result returns the current draft and its quality score.
func (c *Client) Result(ctx context.Context, projectID string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "result"), nil, &resp)
	return resp, err
}

// Drafts returns the draft version history, newest first.
func (c *Client) Drafts(ctx context.Context, projectID string) ([]Draft, error) {
	var resp []Draft
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "drafts"), nil, &resp)
	return resp, err
}

// GetDraft returns a single draft version by ID.
func (c *Client) GetDraft(ctx context.Context, projectID, draftID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "drafts", draftID), nil, &resp)
	return resp, err
}

// ApproveDraft approves the current draft and publishes the project.
func (c *Client) ApproveDraft(ctx context.Context, projectID string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "approve"), nil, &resp)
	return resp, err
}

// Export returns the current draft in the requested format.
func (c *Client) Export(ctx context.Context, projectID, format string) (string, error) {
	endpoint := c.projectPath(projectID, "export")
	if format != "" {
		endpoint += "?format=" + url.QueryEscape(format)
	}
	var resp struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Content, err
}

// Events returns audit events after the given cursor.
func (c *Client) Events(ctx context.Context, projectID string, after int64, limit int) ([]Event, int64, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
		Cursor int64   `json:"cursor"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, resp.Cursor, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID string, parts ...string) string {
	base := "v0/projects/" + url.PathEscape(projectID)
	for _, p := range parts {
		if p == "" {
			continue
		}
		base += "/" + strings.TrimLeft(p, "/")
	}
	return base
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
