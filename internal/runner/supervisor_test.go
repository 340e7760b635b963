package runner

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"deepscribe/internal/db"
	"deepscribe/internal/domain"
	"deepscribe/internal/events"
	"deepscribe/internal/llm"
	"deepscribe/internal/migrate"
	"deepscribe/internal/pipeline"
	"deepscribe/internal/repo"
	"deepscribe/internal/stages"
	"deepscribe/internal/step"
	"deepscribe/internal/track"
)

var headingRe = regexp.MustCompile(`- Heading: (.+)`)

type fakeLLM struct {
	researchDelay atomic.Int64 // nanoseconds
	failWrite     string
}

func (c *fakeLLM) setResearchDelay(d time.Duration) {
	c.researchDelay.Store(int64(d))
}

func (c *fakeLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	h := ""
	if m := headingRe.FindStringSubmatch(req.Prompt); m != nil {
		h = strings.TrimSpace(m[1])
	}
	switch {
	case strings.Contains(req.Prompt, "title suggestions"):
		return `{"titles": [{"title": "T1", "description": "d", "search_intent": "informational", "difficulty": 4}]}`, nil
	case strings.Contains(req.Prompt, "blog outline"):
		return `{"sections": [{"heading": "Intro", "section_type": "introduction", "key_points": ["hook"], "research_areas": [], "estimated_words": 150, "order": 1}]}`, nil
	case strings.Contains(req.Prompt, "Research Requirements"):
		if d := time.Duration(c.researchDelay.Load()); d > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(d):
			}
		}
		return fmt.Sprintf(`{"heading": %q, "sources": [], "key_facts": ["f"], "statistics": [], "quotes": [], "summary": "s"}`, h), nil
	case strings.Contains(req.Prompt, "Writing Guidelines"):
		if h == c.failWrite {
			return "", errors.New("model refused")
		}
		return fmt.Sprintf(`{"heading": %q, "content": "## %s\n\nbody text here", "word_count": 120, "citations": []}`, h, h), nil
	case strings.Contains(req.Prompt, "I-N-S-I-G-H-T"):
		return `{"insight_score_inspiring": 80, "insight_score_novel": 75, "insight_score_structured": 85, "insight_score_informative": 90, "insight_score_grounded": 70, "insight_score_helpful": 88, "insight_score_trustworthy": 82, "primary_insight": "nugget", "feedback": ["good"], "suggestions": ["more data"]}`, nil
	case strings.Contains(req.Prompt, "Editing Guidelines"):
		return `{"final_content": "# Edge Caching\n\nfinal body", "summary_of_changes": "polished", "word_count": 240, "citations": []}`, nil
	}
	return "", fmt.Errorf("unexpected prompt")
}

func (c *fakeLLM) ModelName() string { return "fake" }

type env struct {
	repo repo.Repo
	sup  *Supervisor
}

func newTestEnv(t *testing.T, client llm.Client) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: conn}
	retry := step.DefaultRetryPolicy()
	retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	p := pipeline.Pipeline{Stages: stages.Stages{Client: client, Retry: retry}}
	sup := New(r, events.Writer{DB: conn}, track.NewTracker(), p, 0)
	return env{repo: r, sup: sup}
}

func seedRunnableProject(t *testing.T, r repo.Repo, sections int) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	projectID := uuid.NewString()
	titleID := uuid.NewString()
	project := domain.Project{
		ID: projectID, Topic: "edge caching", TargetAudience: "platform engineers",
		Goal: "technical", Tone: "authoritative", ExpertiseLevel: "expert",
		WordCountMin: 1500, WordCountMax: 3000, Status: domain.StatusPlanApproved,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := r.InsertProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	titles := []domain.Title{{ID: titleID, ProjectID: projectID, Title: "Edge Caching in Practice", SearchIntent: "informational", Difficulty: 5, CreatedAt: now}}
	if err := r.ReplaceTitles(ctx, tx, projectID, titles); err != nil {
		t.Fatal(err)
	}
	if err := r.SelectTitle(ctx, tx, projectID, titleID); err != nil {
		t.Fatal(err)
	}
	plan := domain.Plan{ID: uuid.NewString(), ProjectID: projectID, IsApproved: true, CreatedAt: now, UpdatedAt: now}
	for i := 0; i < sections; i++ {
		plan.Sections = append(plan.Sections, domain.PlanSection{
			ID: uuid.NewString(), Heading: fmt.Sprintf("Section %d", i+1),
			SectionType: "body", KeyPoints: []string{"point"}, EstimatedWords: 200, Order: i + 1,
		})
	}
	if err := r.UpsertPlan(ctx, tx, plan); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return projectID
}

func waitForRun(t *testing.T, sup *Supervisor, projectID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !sup.Running(projectID) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not finish")
}

func TestRunProducesDraft(t *testing.T) {
	e := newTestEnv(t, &fakeLLM{})
	projectID := seedRunnableProject(t, e.repo, 3)

	if err := e.sup.Start(context.Background(), projectID); err != nil {
		t.Fatal(err)
	}
	waitForRun(t, e.sup, projectID)

	ctx := context.Background()
	project, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != domain.StatusDraftReady {
		t.Fatalf("status %q", project.Status)
	}
	draft, err := e.repo.CurrentDraft(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Version != 1 || !draft.IsCurrent {
		t.Fatalf("draft %+v", draft)
	}
	if draft.ContentHTML == nil || !strings.Contains(*draft.ContentHTML, "<h1") {
		t.Fatal("html not rendered")
	}
	score, err := e.repo.GetInsightScore(ctx, draft.ID)
	if err != nil {
		t.Fatal(err)
	}
	wantOverall := float64(80+75+85+90+70+88+82) / 7.0
	if score.OverallScore != wantOverall {
		t.Fatalf("overall %v want %v", score.OverallScore, wantOverall)
	}
	evts, err := e.repo.LatestEvents(ctx, 10, projectID, "")
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, ev := range evts {
		types = append(types, ev.Type)
	}
	joined := strings.Join(types, ",")
	if !strings.Contains(joined, events.TypeRunCompleted) || !strings.Contains(joined, events.TypeDraftCreated) {
		t.Fatalf("events %v", types)
	}
}

func TestRunAgainBumpsVersion(t *testing.T) {
	e := newTestEnv(t, &fakeLLM{})
	projectID := seedRunnableProject(t, e.repo, 1)

	for i := 0; i < 2; i++ {
		if err := e.sup.Start(context.Background(), projectID); err != nil {
			t.Fatal(err)
		}
		waitForRun(t, e.sup, projectID)
	}
	ctx := context.Background()
	draft, err := e.repo.CurrentDraft(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Version != 2 {
		t.Fatalf("version %d", draft.Version)
	}
	drafts, err := e.repo.ListDrafts(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 2 {
		t.Fatalf("drafts %d", len(drafts))
	}
	if drafts[1].IsCurrent {
		t.Fatal("old draft still current")
	}
}

func TestRunFailureMarksProjectFailed(t *testing.T) {
	e := newTestEnv(t, &fakeLLM{failWrite: "Section 1"})
	projectID := seedRunnableProject(t, e.repo, 1)

	if err := e.sup.Start(context.Background(), projectID); err != nil {
		t.Fatal(err)
	}
	waitForRun(t, e.sup, projectID)

	ctx := context.Background()
	project, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != domain.StatusFailed {
		t.Fatalf("status %q", project.Status)
	}
	if _, err := e.repo.CurrentDraft(ctx, projectID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no draft, got %v", err)
	}
	state, ok := e.sup.Tracker.Get(projectID)
	if !ok || state.Status != domain.StatusFailed {
		t.Fatalf("tracker state %+v", state)
	}
}

func TestCancelLeavesNoDraft(t *testing.T) {
	slow := &fakeLLM{}
	slow.setResearchDelay(5 * time.Second)
	e := newTestEnv(t, slow)
	projectID := seedRunnableProject(t, e.repo, 1)

	if err := e.sup.Start(context.Background(), projectID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if !e.sup.Cancel(projectID) {
		t.Fatal("nothing to cancel")
	}
	if _, err := e.repo.CurrentDraft(context.Background(), projectID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no draft, got %v", err)
	}
}

func TestCancelMarksRunFailed(t *testing.T) {
	slow := &fakeLLM{}
	slow.setResearchDelay(5 * time.Second)
	e := newTestEnv(t, slow)
	projectID := seedRunnableProject(t, e.repo, 1)

	if err := e.sup.Start(context.Background(), projectID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if !e.sup.Cancel(projectID) {
		t.Fatal("nothing to cancel")
	}

	state, ok := e.sup.Tracker.Get(projectID)
	if !ok || state.Status != domain.StatusFailed {
		t.Fatalf("tracker state %+v", state)
	}
	if !state.Completed {
		t.Fatal("cancelled run not marked complete")
	}
	ctx := context.Background()
	project, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != domain.StatusFailed {
		t.Fatalf("status %q", project.Status)
	}
	logs, err := e.repo.ListProjectLogs(ctx, projectID, 100)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, l := range logs {
		if strings.Contains(l.Message, "cancelled") && l.Level == "warning" {
			found = true
		}
	}
	if !found {
		t.Fatalf("no cancellation log, got %+v", logs)
	}
	evts, err := e.repo.LatestEvents(ctx, 10, projectID, events.TypeRunFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("run.failed events %v", evts)
	}
}

func TestConcurrentStartsLeaveOneRun(t *testing.T) {
	slow := &fakeLLM{}
	slow.setResearchDelay(200 * time.Millisecond)
	e := newTestEnv(t, slow)
	projectID := seedRunnableProject(t, e.repo, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.sup.Start(context.Background(), projectID); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	waitForRun(t, e.sup, projectID)

	ctx := context.Background()
	drafts, err := e.repo.ListDrafts(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	// Superseded runs persist nothing; only the surviving run commits.
	if len(drafts) != 1 {
		t.Fatalf("drafts %d", len(drafts))
	}
	project, err := e.repo.GetProject(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != domain.StatusDraftReady {
		t.Fatalf("status %q", project.Status)
	}
}

func TestRestartSupersedesRun(t *testing.T) {
	slow := &fakeLLM{}
	slow.setResearchDelay(5 * time.Second)
	e := newTestEnv(t, slow)
	projectID := seedRunnableProject(t, e.repo, 1)

	if err := e.sup.Start(context.Background(), projectID); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	// Second start cancels the first run and owns the state.
	slow.setResearchDelay(0)
	if err := e.sup.Start(context.Background(), projectID); err != nil {
		t.Fatal(err)
	}
	waitForRun(t, e.sup, projectID)

	draft, err := e.repo.CurrentDraft(context.Background(), projectID)
	if err != nil {
		t.Fatal(err)
	}
	if draft.Version != 1 {
		t.Fatalf("version %d", draft.Version)
	}
	// The superseded run must not have flipped the project to failed.
	state, ok := e.sup.Tracker.Get(projectID)
	if !ok || state.Status != domain.StatusDraftReady {
		t.Fatalf("tracker state %+v", state)
	}
}

func TestStartRequiresApprovedPlan(t *testing.T) {
	e := newTestEnv(t, &fakeLLM{})
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	projectID := uuid.NewString()
	project := domain.Project{
		ID: projectID, Topic: "t", TargetAudience: "a", Goal: "seo", Tone: "conversational",
		ExpertiseLevel: "beginner", WordCountMin: 1000, WordCountMax: 2000,
		Status: domain.StatusCreated, CreatedAt: now, UpdatedAt: now,
	}
	if err := e.repo.InsertProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	if err := e.sup.Start(ctx, projectID); !errors.Is(err, ErrPlanNotApproved) {
		t.Fatalf("err %v", err)
	}
}
