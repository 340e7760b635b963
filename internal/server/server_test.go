package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"deepscribe/internal/db"
	"deepscribe/internal/domain"
	"deepscribe/internal/engine"
	"deepscribe/internal/events"
	"deepscribe/internal/llm"
	"deepscribe/internal/migrate"
	"deepscribe/internal/pipeline"
	"deepscribe/internal/repo"
	"deepscribe/internal/runner"
	"deepscribe/internal/stages"
	"deepscribe/internal/step"
	"deepscribe/internal/track"
)

var headingRe = regexp.MustCompile(`- Heading: (.+)`)

type workflowLLM struct{}

func (workflowLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	h := ""
	if m := headingRe.FindStringSubmatch(req.Prompt); m != nil {
		h = strings.TrimSpace(m[1])
	}
	switch {
	case strings.Contains(req.Prompt, "title suggestions"):
		return `{"titles": [
			{"title": "Observability on a Budget", "description": "cost angle", "search_intent": "informational", "difficulty": 5},
			{"title": "Tracing Without Tears", "description": "practical angle", "search_intent": "informational", "difficulty": 4},
			{"title": "Metrics That Matter", "description": "focus angle", "search_intent": "informational", "difficulty": 3},
			{"title": "Logs, Metrics, Traces", "description": "overview", "search_intent": "informational", "difficulty": 4},
			{"title": "SLOs for Small Teams", "description": "team angle", "search_intent": "informational", "difficulty": 6}
		]}`, nil
	case strings.Contains(req.Prompt, "blog outline"):
		return `{"sections": [
			{"heading": "The Cost Problem", "section_type": "introduction", "key_points": ["budgets"], "research_areas": [], "estimated_words": 200, "order": 1},
			{"heading": "Sampling Strategies", "section_type": "body", "key_points": ["head", "tail"], "research_areas": [], "estimated_words": 500, "order": 2},
			{"heading": "Where to Start", "section_type": "conclusion", "key_points": ["action"], "research_areas": [], "estimated_words": 150, "order": 3}
		]}`, nil
	case strings.Contains(req.Prompt, "Research Requirements"):
		return fmt.Sprintf(`{"heading": %q, "sources": [{"url": "https://example.com", "title": "ref", "domain_authority": 70, "freshness_score": 0.9, "credibility_assessment": "good"}], "key_facts": ["fact"], "statistics": ["42%%"], "quotes": [], "summary": "s"}`, h), nil
	case strings.Contains(req.Prompt, "Writing Guidelines"):
		return fmt.Sprintf(`{"heading": %q, "content": "## %s\n\nsection body [1]", "word_count": 150, "citations": ["https://example.com"]}`, h, h), nil
	case strings.Contains(req.Prompt, "I-N-S-I-G-H-T"):
		return `{"insight_score_inspiring": 77, "insight_score_novel": 77, "insight_score_structured": 77, "insight_score_informative": 77, "insight_score_grounded": 77, "insight_score_helpful": 77, "insight_score_trustworthy": 77, "primary_insight": "sampling beats volume", "feedback": ["solid"], "suggestions": ["add numbers"]}`, nil
	case strings.Contains(req.Prompt, "Editing Guidelines"):
		return `{"final_content": "# Observability on a Budget\n\npolished body [1]", "summary_of_changes": "tightened", "word_count": 450}`, nil
	}
	return "", fmt.Errorf("unexpected prompt")
}

func (workflowLLM) ModelName() string { return "workflow-fake" }

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	retry := step.DefaultRetryPolicy()
	retry.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	st := stages.Stages{Client: workflowLLM{}, Retry: retry}
	tr := track.NewTracker()
	ev := events.Writer{DB: conn}
	hub := NewHub(nil)
	sup := runner.New(r, ev, tr, pipeline.Pipeline{Stages: st}, 0)
	sup.Notify = hub.Broadcast
	e := engine.Engine{
		DB: conn, Repo: r, Events: ev, Stages: st, Tracker: tr, Supervisor: sup,
		DefaultWordCountMin: 1500, DefaultWordCountMax: 3000,
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Hub: hub})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func createProjectHTTP(t *testing.T, ts *testServer) domain.Project {
	t.Helper()
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", CreateProjectRequest{
		Topic:          "observability on a budget",
		TargetAudience: "SRE leads",
		Goal:           "technical",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", resp.StatusCode, data)
	}
	return decode[domain.Project](t, data)
}

func waitForStatus(t *testing.T, ts *testServer, projectID, want string) track.State {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+projectID+"/status", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: %d %s", resp.StatusCode, data)
		}
		state := decode[track.State](t, data)
		if state.Status == want {
			return state
		}
		if state.Status == domain.StatusFailed && want != domain.StatusFailed {
			t.Fatalf("run failed: %+v", state)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %q", want)
	return track.State{}
}

// waitForResult polls until the run has committed a draft. The tracker turns
// draft_ready slightly before the commit lands, so result is the reliable
// completion signal.
func waitForResult(t *testing.T, ts *testServer, projectID string) ResultResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+projectID+"/result", nil)
		if resp.StatusCode == http.StatusOK {
			return decode[ResultResponse](t, data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for draft")
	return ResultResponse{}
}

func TestFullWorkflow(t *testing.T) {
	ts := newTestServer(t)
	p := createProjectHTTP(t, ts)

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/titles/generate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate titles: %d %s", resp.StatusCode, data)
	}
	titles := decode[TitleListResponse](t, data)
	if len(titles.Titles) != 5 {
		t.Fatalf("titles %d", len(titles.Titles))
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/titles/select",
		SelectTitleRequest{TitleID: titles.Titles[0].ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("select title: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/plan/generate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate plan: %d %s", resp.StatusCode, data)
	}
	plan := decode[domain.Plan](t, data)
	if len(plan.Sections) != 3 {
		t.Fatalf("sections %d", len(plan.Sections))
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/plan/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve plan: %d %s", resp.StatusCode, data)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/run", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("run: %d %s", resp.StatusCode, data)
	}

	result := waitForResult(t, ts, p.ID)
	state := waitForStatus(t, ts, p.ID, domain.StatusDraftReady)
	if state.SourcesFound != 3 {
		t.Fatalf("sources found %d", state.SourcesFound)
	}
	if !state.Completed {
		t.Fatalf("state not complete: %+v", state)
	}
	if result.Draft.Version != 1 || !result.Draft.IsCurrent {
		t.Fatalf("draft %+v", result.Draft)
	}
	if result.Draft.WordCount != 450 {
		t.Fatalf("word count %d", result.Draft.WordCount)
	}
	if result.InsightScore == nil || result.InsightScore.OverallScore != 77 {
		t.Fatalf("insight %+v", result.InsightScore)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+p.ID+"/export?format=html", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: %d %s", resp.StatusCode, data)
	}
	exported := decode[ExportResponse](t, data)
	if !strings.Contains(exported.Content, "<h1") {
		t.Fatalf("export content %q", exported.Content)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+p.ID+"/logs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: %d %s", resp.StatusCode, data)
	}
	logs := decode[LogsResponse](t, data)
	if len(logs.Logs) == 0 {
		t.Fatal("no logs")
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve draft: %d %s", resp.StatusCode, data)
	}
	approved := decode[domain.Draft](t, data)
	if !approved.IsApproved {
		t.Fatal("draft not approved")
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/events?project_id="+p.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, data)
	}
	evts := decode[EventsResponse](t, data)
	var sawCompleted, sawDraft bool
	for _, ev := range evts.Events {
		switch ev.Type {
		case events.TypeRunCompleted:
			sawCompleted = true
		case events.TypeDraftCreated:
			sawDraft = true
		}
	}
	if !sawCompleted || !sawDraft {
		t.Fatalf("events %+v", evts.Events)
	}
}

func TestRunWithoutApprovedPlanConflicts(t *testing.T) {
	ts := newTestServer(t)
	p := createProjectHTTP(t, ts)
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/run", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("run: %d %s", resp.StatusCode, data)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "workflow_conflict" {
		t.Fatalf("code %q", envelope.Error.Code)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/missing", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code %q", envelope.Error.Code)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects", CreateProjectRequest{
		TargetAudience: "anyone",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d %s", resp.StatusCode, data)
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, data)
	}
}

func TestWebsocketReceivesStatusUpdates(t *testing.T) {
	ts := newTestServer(t)
	p := createProjectHTTP(t, ts)

	// Walk the workflow to a runnable state.
	_, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/titles/generate", nil)
	titles := decode[TitleListResponse](t, data)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/titles/select", SelectTitleRequest{TitleID: titles.Titles[0].ID})
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/plan/generate", nil)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/plan/approve", nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + p.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(msg), "pong") {
		t.Fatalf("expected pong, got %s", msg)
	}

	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/run", nil)

	sawComplete := false
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	for !sawComplete {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read ws: %v", err)
		}
		var update struct {
			Type  string      `json:"type"`
			State track.State `json:"state"`
		}
		if err := json.Unmarshal(msg, &update); err != nil {
			continue
		}
		if update.State.Progress == 100 {
			sawComplete = true
		}
	}
}

func TestRestartProducesNewDraftVersion(t *testing.T) {
	ts := newTestServer(t)
	p := createProjectHTTP(t, ts)

	_, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/titles/generate", nil)
	titles := decode[TitleListResponse](t, data)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/titles/select", SelectTitleRequest{TitleID: titles.Titles[0].ID})
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/plan/generate", nil)
	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/plan/approve", nil)

	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/run", nil)
	waitForResult(t, ts, p.ID)

	doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/projects/"+p.ID+"/restart", nil)
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+p.ID+"/result", nil)
		if resp.StatusCode == http.StatusOK {
			result := decode[ResultResponse](t, data)
			if result.Draft.Version == 2 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("no second draft version")
		}
		time.Sleep(20 * time.Millisecond)
	}

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+p.ID+"/drafts", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("drafts: %d %s", resp.StatusCode, data)
	}
	drafts := decode[[]domain.Draft](t, data)
	if len(drafts) != 2 {
		t.Fatalf("drafts %d", len(drafts))
	}
	if !drafts[0].IsCurrent || drafts[1].IsCurrent {
		t.Fatalf("current flags wrong: %+v", drafts)
	}

	// Superseded versions stay retrievable by ID.
	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+p.ID+"/drafts/"+drafts[1].ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get draft: %d %s", resp.StatusCode, data)
	}
	old := decode[domain.Draft](t, data)
	if old.ID != drafts[1].ID || old.IsCurrent {
		t.Fatalf("draft %+v", old)
	}

	// A draft is only visible under its own project.
	other := createProjectHTTP(t, ts)
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/projects/"+other.ID+"/drafts/"+drafts[1].ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-project draft: %d", resp.StatusCode)
	}
}

func TestEventsCursorSurvivesEmptyPage(t *testing.T) {
	ts := newTestServer(t)
	p := createProjectHTTP(t, ts)

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/events?project_id="+p.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, data)
	}
	first := decode[EventsResponse](t, data)
	if len(first.Events) == 0 || first.Cursor == 0 {
		t.Fatalf("events %+v", first)
	}

	// Polling past the newest event yields an empty page but keeps the
	// resume token, so the next poll continues from the same place.
	url := fmt.Sprintf("%s/v0/events?project_id=%s&after=%d", ts.URL, p.ID, first.Cursor)
	resp, data = doJSON(t, ts.client, http.MethodGet, url, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, data)
	}
	next := decode[EventsResponse](t, data)
	if len(next.Events) != 0 {
		t.Fatalf("expected empty page, got %+v", next.Events)
	}
	if next.Cursor != first.Cursor {
		t.Fatalf("cursor %d want %d", next.Cursor, first.Cursor)
	}
}
