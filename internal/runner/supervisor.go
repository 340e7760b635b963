package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"deepscribe/internal/domain"
	"deepscribe/internal/events"
	"deepscribe/internal/export"
	"deepscribe/internal/pipeline"
	"deepscribe/internal/repo"
	"deepscribe/internal/track"
)

var (
	ErrPlanNotApproved = errors.New("plan not approved")
	ErrNoSelectedTitle = errors.New("no title selected")
)

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	// superseded marks a run replaced by a restart, as opposed to an
	// explicit cancel. Only explicit cancels mark the project failed.
	superseded atomic.Bool
}

// Supervisor owns background pipeline runs: one per project at a time. A new
// start cancels any run already in flight for that project and replaces its
// tracked state.
type Supervisor struct {
	Repo          repo.Repo
	Events        events.Writer
	Tracker       *track.Tracker
	Pipeline      pipeline.Pipeline
	ProgressDelay time.Duration
	Notify        func(projectID string, state track.State)
	Logger        *slog.Logger

	mu   sync.Mutex
	runs map[string]*run

	// startMu serializes the cancel-and-swap in Start so two concurrent
	// starts for the same project cannot both install a run.
	startMu sync.Mutex
}

func New(r repo.Repo, ev events.Writer, tr *track.Tracker, p pipeline.Pipeline, progressDelay time.Duration) *Supervisor {
	return &Supervisor{
		Repo:          r,
		Events:        ev,
		Tracker:       tr,
		Pipeline:      p,
		ProgressDelay: progressDelay,
		runs:          map[string]*run{},
	}
}

func (s *Supervisor) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Running reports whether a run is in flight for the project.
func (s *Supervisor) Running(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[projectID]
	return ok
}

// Cancel stops the project's run if one is in flight and waits for it to
// unwind. Cancelled runs persist no draft; the project is marked failed
// with a cancellation log entry.
func (s *Supervisor) Cancel(projectID string) bool {
	s.mu.Lock()
	r, ok := s.runs[projectID]
	if ok {
		delete(s.runs, projectID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	<-r.done
	return true
}

// supersede tears down the run in flight, if any, on behalf of a restart.
// The replacing run owns the tracker and project status from here on.
func (s *Supervisor) supersede(projectID string) {
	s.mu.Lock()
	r, ok := s.runs[projectID]
	if ok {
		delete(s.runs, projectID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	r.superseded.Store(true)
	r.cancel()
	<-r.done
}

// Start launches the content pipeline for a project in the background. The
// project needs an approved plan and a selected title.
func (s *Supervisor) Start(ctx context.Context, projectID string) error {
	project, err := s.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	plan, err := s.Repo.GetPlan(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrPlanNotApproved
		}
		return err
	}
	if !plan.IsApproved {
		return ErrPlanNotApproved
	}
	if project.SelectedTitleID == nil {
		return ErrNoSelectedTitle
	}
	title, err := s.Repo.GetTitle(ctx, *project.SelectedTitleID)
	if err != nil {
		return err
	}

	// Cancel-then-replace: a restart supersedes the run in flight.
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.supersede(projectID)

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.runs[projectID] = r
	s.mu.Unlock()

	s.Tracker.Begin(projectID)

	go func() {
		defer close(r.done)
		defer func() {
			s.mu.Lock()
			if s.runs[projectID] == r {
				delete(s.runs, projectID)
			}
			s.mu.Unlock()
		}()
		s.execute(runCtx, r, project, plan, title)
	}()
	return nil
}

func (s *Supervisor) execute(ctx context.Context, r *run, project domain.Project, plan domain.Plan, title domain.Title) {
	logger := s.logger().With("project_id", project.ID)

	sections := make([]pipeline.Section, len(plan.Sections))
	for i, sec := range plan.Sections {
		sections[i] = pipeline.Section{
			Heading:        sec.Heading,
			KeyPoints:      sec.KeyPoints,
			ResearchAreas:  sec.ResearchAreas,
			EstimatedWords: sec.EstimatedWords,
		}
	}

	if err := s.markStarted(ctx, project.ID); err != nil {
		if ctx.Err() != nil {
			s.finishCancelled(r, project.ID, logger)
			return
		}
		logger.Error("mark run started", "error", err)
		s.Tracker.Fail(project.ID, fmt.Sprintf("run failed to start: %v", err))
		return
	}

	result, err := s.Pipeline.Run(ctx, pipeline.RunInput{
		ProjectID:      project.ID,
		Topic:          project.Topic,
		TargetAudience: project.TargetAudience,
		Goal:           project.Goal,
		Tone:           project.Tone,
		ExpertiseLevel: project.ExpertiseLevel,
		Title:          title.Title,
		Sections:       sections,
	}, s.onProgress(project.ID))
	if err != nil {
		if ctx.Err() != nil {
			s.finishCancelled(r, project.ID, logger)
			return
		}
		logger.Error("run failed", "error", err)
		s.Tracker.Fail(project.ID, err.Error())
		s.persistLog(project.ID, "error", fmt.Sprintf("Pipeline failed: %v", err))
		s.markFailed(project.ID, err)
		s.notify(project.ID)
		return
	}

	sources := 0
	for _, finding := range result.Research {
		sources += len(finding.Sources)
	}
	s.Tracker.AddSources(project.ID, sources)

	if err := s.persistResult(ctx, project.ID, result); err != nil {
		if ctx.Err() != nil {
			s.finishCancelled(r, project.ID, logger)
			return
		}
		logger.Error("persist run result", "error", err)
		s.Tracker.Fail(project.ID, fmt.Sprintf("failed to save draft: %v", err))
		s.markFailed(project.ID, err)
		s.notify(project.ID)
	}
}

// finishCancelled settles a run whose context was cancelled. A superseded
// run stays silent: the replacing run owns the tracker and project status.
// An explicit cancel marks the project failed, matching a pipeline error.
func (s *Supervisor) finishCancelled(r *run, projectID string, logger *slog.Logger) {
	if r.superseded.Load() {
		logger.Info("run superseded")
		return
	}
	logger.Info("run cancelled")
	s.Tracker.Fail(projectID, "Execution cancelled")
	s.persistLog(projectID, "error", "Execution cancelled")
	s.markFailed(projectID, errors.New("execution cancelled"))
	s.notify(projectID)
}

// onProgress bridges pipeline phase transitions into tracked state, durable
// logs, project status, and websocket pushes.
func (s *Supervisor) onProgress(projectID string) pipeline.ProgressFunc {
	return func(ctx context.Context, stage, message string, percent int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Tracker.Update(projectID, stage, message, percent)
		s.persistLog(projectID, stage, message)
		if stage != "complete" {
			if err := s.Repo.UpdateProjectStatus(ctx, projectID, track.StatusForStage(stage)); err != nil {
				s.logger().Warn("update project status", "project_id", projectID, "error", err)
			}
		}
		s.notify(projectID)
		// Short pause so stage transitions are observable by clients.
		if s.ProgressDelay > 0 {
			timer := time.NewTimer(s.ProgressDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
		return nil
	}
}

func (s *Supervisor) notify(projectID string) {
	if s.Notify == nil {
		return
	}
	if state, ok := s.Tracker.Get(projectID); ok {
		s.Notify(projectID, state)
	}
}

func (s *Supervisor) persistLog(projectID, stage, message string) {
	err := s.Repo.InsertProjectLog(context.Background(), domain.ProjectLog{
		ProjectID: projectID,
		Stage:     stage,
		Message:   message,
		Level:     track.Classify(message),
		TS:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		s.logger().Warn("persist project log", "project_id", projectID, "error", err)
	}
}

func (s *Supervisor) markStarted(ctx context.Context, projectID string) error {
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusResearching); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, events.TypeRunStarted, projectID, "project", projectID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Supervisor) markFailed(projectID string, runErr error) {
	ctx := context.Background()
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		s.logger().Error("mark run failed", "project_id", projectID, "error", err)
		return
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusFailed); err != nil {
		s.logger().Error("mark run failed", "project_id", projectID, "error", err)
		return
	}
	payload := events.EventPayload{"error": runErr.Error()}
	if err := s.Events.Append(ctx, tx, events.TypeRunFailed, projectID, "project", projectID, payload); err != nil {
		s.logger().Error("mark run failed", "project_id", projectID, "error", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.logger().Error("mark run failed", "project_id", projectID, "error", err)
	}
}

// persistResult commits the draft, its insight score, and the status flip in
// one transaction so a cancelled or crashed run leaves no partial state.
func (s *Supervisor) persistResult(ctx context.Context, projectID string, result pipeline.Result) error {
	now := time.Now().UTC().Format(time.RFC3339)

	html, err := export.ToHTML(result.Content)
	if err != nil {
		return err
	}

	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	draft := domain.Draft{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		ContentMarkdown: result.Content,
		ContentHTML:     &html,
		WordCount:       result.WordCount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	draft, err = s.Repo.InsertDraft(ctx, tx, draft)
	if err != nil {
		return err
	}

	score := domain.InsightScore{
		ID:               uuid.NewString(),
		DraftID:          draft.ID,
		InspiringScore:   result.Insight.Inspiring,
		NovelScore:       result.Insight.Novel,
		StructuredScore:  result.Insight.Structured,
		InformativeScore: result.Insight.Informative,
		GroundedScore:    result.Insight.Grounded,
		HelpfulScore:     result.Insight.Helpful,
		TrustworthyScore: result.Insight.Trustworthy,
		OverallScore:     result.Insight.Overall(),
		PrimaryInsight:   result.Insight.PrimaryInsight,
		Feedback:         result.Insight.Feedback,
		Suggestions:      result.Insight.Suggestions,
		EvaluatedAt:      now,
	}
	if err := s.Repo.UpsertInsightScore(ctx, tx, score); err != nil {
		return err
	}

	if err := s.Repo.UpdateProjectStatusTx(ctx, tx, projectID, domain.StatusDraftReady); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, events.TypeDraftCreated, projectID, "draft", draft.ID, events.EventPayload{
		"version":    draft.Version,
		"word_count": draft.WordCount,
	}); err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, events.TypeRunCompleted, projectID, "project", projectID, events.EventPayload{
		"overall_score": score.OverallScore,
	}); err != nil {
		return err
	}
	return tx.Commit()
}
