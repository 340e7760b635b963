package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"deepscribe/internal/domain"
	"deepscribe/internal/events"
	"deepscribe/internal/repo"
	"deepscribe/internal/runner"
	"deepscribe/internal/stages"
	"deepscribe/internal/track"
)

// Engine ties the workflow together: persistence, audit events, the stage
// chains for the synchronous steps, and the supervisor for background runs.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Stages     stages.Stages
	Tracker    *track.Tracker
	Supervisor *runner.Supervisor
	Logger     *slog.Logger

	DefaultWordCountMin int
	DefaultWordCountMax int
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

type CreateProjectInput struct {
	Topic          string
	TargetAudience string
	Goal           string
	Tone           string
	ExpertiseLevel string
	WordCountMin   int
	WordCountMax   int
	Constraints    string
}

func (e Engine) CreateProject(ctx context.Context, in CreateProjectInput) (domain.Project, error) {
	if in.Topic == "" {
		return domain.Project{}, fmt.Errorf("topic is required")
	}
	if in.TargetAudience == "" {
		return domain.Project{}, fmt.Errorf("target_audience is required")
	}
	if in.Goal == "" {
		in.Goal = "seo"
	}
	if in.Tone == "" {
		in.Tone = "authoritative"
	}
	if in.ExpertiseLevel == "" {
		in.ExpertiseLevel = "intermediate"
	}
	if in.WordCountMin <= 0 {
		in.WordCountMin = e.DefaultWordCountMin
	}
	if in.WordCountMax <= 0 {
		in.WordCountMax = e.DefaultWordCountMax
	}
	if in.WordCountMax < in.WordCountMin {
		return domain.Project{}, fmt.Errorf("invalid word count range: %d-%d", in.WordCountMin, in.WordCountMax)
	}
	ts := now()
	p := domain.Project{
		ID:             uuid.NewString(),
		Topic:          in.Topic,
		TargetAudience: in.TargetAudience,
		Goal:           in.Goal,
		Tone:           in.Tone,
		ExpertiseLevel: in.ExpertiseLevel,
		WordCountMin:   in.WordCountMin,
		WordCountMax:   in.WordCountMax,
		Constraints:    in.Constraints,
		Status:         domain.StatusCreated,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, events.EventPayload{"topic": p.Topic}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, projectID string) error {
	e.Supervisor.Cancel(projectID)
	e.Tracker.Remove(projectID)
	return e.Repo.DeleteProject(ctx, projectID)
}

// GenerateTitles runs the title stage and replaces the project's candidates.
func (e Engine) GenerateTitles(ctx context.Context, projectID string) ([]domain.Title, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	list, err := e.Stages.GenerateTitles(ctx, stages.TitleInput{
		Topic:          p.Topic,
		TargetAudience: p.TargetAudience,
		Goal:           p.Goal,
		Tone:           p.Tone,
		ExpertiseLevel: p.ExpertiseLevel,
	})
	if err != nil {
		return nil, err
	}
	if len(list.Titles) == 0 {
		return nil, fmt.Errorf("model returned no titles")
	}
	ts := now()
	titles := make([]domain.Title, len(list.Titles))
	for i, t := range list.Titles {
		titles[i] = domain.Title{
			ID:           uuid.NewString(),
			ProjectID:    projectID,
			Title:        t.Title,
			Description:  t.Description,
			SearchIntent: t.SearchIntent,
			Difficulty:   t.Difficulty,
			CreatedAt:    ts,
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceTitles(ctx, tx, projectID, titles); err != nil {
		return nil, err
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusTitlesGenerated); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTitlesReady, projectID, "project", projectID, events.EventPayload{"count": len(titles)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return titles, nil
}

func (e Engine) SelectTitle(ctx context.Context, projectID, titleID string) (domain.Title, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Title{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SelectTitle(ctx, tx, projectID, titleID); err != nil {
		return domain.Title{}, err
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusTitleSelected); err != nil {
		return domain.Title{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTitleSelected, projectID, "title", titleID, nil); err != nil {
		return domain.Title{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Title{}, err
	}
	return e.Repo.GetTitle(ctx, titleID)
}

// GeneratePlan runs the outline stage for the selected title and stores the
// resulting sections, replacing any unapproved plan.
func (e Engine) GeneratePlan(ctx context.Context, projectID string) (domain.Plan, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Plan{}, err
	}
	if p.SelectedTitleID == nil {
		return domain.Plan{}, runner.ErrNoSelectedTitle
	}
	title, err := e.Repo.GetTitle(ctx, *p.SelectedTitleID)
	if err != nil {
		return domain.Plan{}, err
	}
	planOut, err := e.Stages.GeneratePlan(ctx, stages.PlanInput{
		Title:          title.Title,
		Topic:          p.Topic,
		TargetAudience: p.TargetAudience,
		Goal:           p.Goal,
		Tone:           p.Tone,
		ExpertiseLevel: p.ExpertiseLevel,
		WordCountMin:   p.WordCountMin,
		WordCountMax:   p.WordCountMax,
	})
	if err != nil {
		return domain.Plan{}, err
	}
	if len(planOut.Sections) == 0 {
		return domain.Plan{}, fmt.Errorf("model returned no sections")
	}
	ts := now()
	plan := domain.Plan{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	for i, s := range planOut.Sections {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		plan.Sections = append(plan.Sections, domain.PlanSection{
			ID:             uuid.NewString(),
			Heading:        s.Heading,
			SectionType:    s.SectionType,
			KeyPoints:      s.KeyPoints,
			ResearchAreas:  s.ResearchAreas,
			EstimatedWords: s.EstimatedWords,
			Order:          order,
		})
		plan.TotalEstimatedWords += s.EstimatedWords
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPlan(ctx, tx, plan); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusPlanGenerated); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePlanReady, projectID, "plan", plan.ID, events.EventPayload{"sections": len(plan.Sections)}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return e.Repo.GetPlan(ctx, projectID)
}

// UpdatePlan replaces the plan's sections with a user-edited set.
func (e Engine) UpdatePlan(ctx context.Context, projectID string, sections []domain.PlanSection) (domain.Plan, error) {
	if len(sections) == 0 {
		return domain.Plan{}, fmt.Errorf("sections are required")
	}
	existing, err := e.Repo.GetPlan(ctx, projectID)
	if err != nil {
		return domain.Plan{}, err
	}
	ts := now()
	plan := domain.Plan{
		ID:        existing.ID,
		ProjectID: projectID,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: ts,
	}
	for i, s := range sections {
		if s.Heading == "" {
			return domain.Plan{}, fmt.Errorf("section %d: heading is required", i+1)
		}
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.SectionType == "" {
			s.SectionType = "body"
		}
		if s.Order == 0 {
			s.Order = i + 1
		}
		plan.Sections = append(plan.Sections, s)
		plan.TotalEstimatedWords += s.EstimatedWords
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertPlan(ctx, tx, plan); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return e.Repo.GetPlan(ctx, projectID)
}

func (e Engine) ApprovePlan(ctx context.Context, projectID string) (domain.Plan, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ApprovePlan(ctx, tx, projectID); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusPlanApproved); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePlanApproved, projectID, "plan", "", nil); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return e.Repo.GetPlan(ctx, projectID)
}

// StartRun kicks off the background pipeline for the project.
func (e Engine) StartRun(ctx context.Context, projectID string) error {
	return e.Supervisor.Start(ctx, projectID)
}

// CancelRun stops a run in flight. It is not an error when nothing runs.
func (e Engine) CancelRun(projectID string) bool {
	return e.Supervisor.Cancel(projectID)
}

// Status reports the live execution state when a run is tracked, falling back
// to the stored project status.
func (e Engine) Status(ctx context.Context, projectID string) (track.State, error) {
	if state, ok := e.Tracker.Get(projectID); ok {
		return state, nil
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return track.State{}, err
	}
	terminal := p.Status == domain.StatusDraftReady ||
		p.Status == domain.StatusPublished ||
		p.Status == domain.StatusFailed
	return track.State{
		ProjectID: p.ID,
		Status:    p.Status,
		Progress:  progressForStatus(p.Status),
		Completed: terminal,
		UpdatedAt: p.UpdatedAt,
	}, nil
}

// progressForStatus approximates run progress from the stored workflow status
// when no live execution state exists.
func progressForStatus(status string) int {
	switch status {
	case domain.StatusTitlesGenerated:
		return 10
	case domain.StatusTitleSelected:
		return 20
	case domain.StatusPlanGenerated:
		return 30
	case domain.StatusPlanApproved:
		return 40
	case domain.StatusResearching:
		return 50
	case domain.StatusWriting:
		return 70
	case domain.StatusEditing:
		return 90
	case domain.StatusDraftReady, domain.StatusPublished:
		return 100
	}
	return 0
}

// Logs returns in-memory logs when present, otherwise the stored history.
func (e Engine) Logs(ctx context.Context, projectID string, limit int) ([]track.LogEntry, error) {
	if state, ok := e.Tracker.Get(projectID); ok && len(state.Logs) > 0 {
		if limit > 0 && len(state.Logs) > limit {
			return state.Logs[len(state.Logs)-limit:], nil
		}
		return state.Logs, nil
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	stored, err := e.Repo.ListProjectLogs(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]track.LogEntry, len(stored))
	for i, l := range stored {
		out[i] = track.LogEntry{Stage: l.Stage, Message: l.Message, Level: l.Level, TS: l.TS}
	}
	return out, nil
}

type RunResult struct {
	Draft domain.Draft
	Score *domain.InsightScore
}

// Result returns the current draft and its insight score.
func (e Engine) Result(ctx context.Context, projectID string) (RunResult, error) {
	draft, err := e.Repo.CurrentDraft(ctx, projectID)
	if err != nil {
		return RunResult{}, err
	}
	res := RunResult{Draft: draft}
	score, err := e.Repo.GetInsightScore(ctx, draft.ID)
	if err == nil {
		res.Score = &score
	} else if !errors.Is(err, repo.ErrNotFound) {
		return RunResult{}, err
	}
	return res, nil
}

// ApproveDraft approves the current draft and publishes the project.
func (e Engine) ApproveDraft(ctx context.Context, projectID string) (domain.Draft, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Draft{}, err
	}
	defer tx.Rollback()
	draft, err := e.Repo.ApproveDraft(ctx, tx, projectID)
	if err != nil {
		return domain.Draft{}, err
	}
	if err := e.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusPublished); err != nil {
		return domain.Draft{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeDraftApproved, projectID, "draft", draft.ID, events.EventPayload{"version": draft.Version}); err != nil {
		return domain.Draft{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Draft{}, err
	}
	return draft, nil
}
