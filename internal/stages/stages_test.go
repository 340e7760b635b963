package stages

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"deepscribe/internal/llm"
	"deepscribe/internal/search"
	"deepscribe/internal/step"
)

type scriptedClient struct {
	reply   string
	prompts []string
}

func (c *scriptedClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	c.prompts = append(c.prompts, req.Prompt)
	return c.reply, nil
}

func (c *scriptedClient) ModelName() string { return "scripted" }

func instantRetry() step.RetryPolicy {
	p := step.DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestGenerateTitles(t *testing.T) {
	client := &scriptedClient{reply: `{"titles": [
		{"title": "Go Concurrency Patterns That Scale", "description": "practical angle", "search_intent": "informational", "difficulty": 6}
	]}`}
	s := Stages{Client: client, Retry: instantRetry()}
	out, err := s.GenerateTitles(context.Background(), TitleInput{Topic: "go concurrency", TargetAudience: "backend engineers"})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Titles) != 1 || out.Titles[0].Difficulty != 6 {
		t.Fatalf("got %+v", out)
	}
	if !strings.Contains(client.prompts[0], "go concurrency") {
		t.Fatal("topic not rendered into prompt")
	}
}

func TestResearchSectionFillsHeading(t *testing.T) {
	client := &scriptedClient{reply: `{"sources": [], "key_facts": ["goroutines are cheap"], "statistics": [], "quotes": [], "summary": "ok"}`}
	s := Stages{Client: client, Retry: instantRetry()}
	out, err := s.ResearchSection(context.Background(), ResearchInput{Heading: "Why Goroutines", Topic: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Heading != "Why Goroutines" {
		t.Fatalf("heading %q", out.Heading)
	}
}

func TestResearchSectionUsesWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"organic": [{"title": "Scheduler Deep Dive", "link": "https://example.com/sched", "snippet": "how the runtime schedules goroutines"}]}`))
	}))
	defer srv.Close()

	client := &scriptedClient{reply: `{"heading": "Scheduling", "sources": [], "key_facts": [], "statistics": [], "quotes": [], "summary": "ok"}`}
	sc := search.New("k")
	sc.Endpoint = srv.URL
	s := Stages{Client: client, Retry: instantRetry(), Search: sc, MaxSearchQueries: 2}
	_, err := s.ResearchSection(context.Background(), ResearchInput{
		Heading:       "Scheduling",
		ResearchAreas: []string{"go scheduler internals"},
		Topic:         "go runtime",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(client.prompts[0], "Scheduler Deep Dive") {
		t.Fatal("web results not folded into prompt")
	}
}

func TestWriteSectionCountsWordsWhenMissing(t *testing.T) {
	client := &scriptedClient{reply: `{"heading": "Intro", "content": "one two three four", "word_count": 0, "citations": []}`}
	s := Stages{Client: client, Retry: instantRetry()}
	out, err := s.WriteSection(context.Background(), WriteInput{Heading: "Intro", WordCount: 100})
	if err != nil {
		t.Fatal(err)
	}
	if out.WordCount != 4 {
		t.Fatalf("word count %d", out.WordCount)
	}
}

func TestInsightOverallIsMean(t *testing.T) {
	a := InsightAssessment{Inspiring: 70, Novel: 70, Structured: 70, Informative: 70, Grounded: 70, Helpful: 70, Trustworthy: 84}
	got := a.Overall()
	if got != 72 {
		t.Fatalf("overall %v", got)
	}
}
