package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"deepscribe/internal/llm"
	"deepscribe/internal/stages"
	"deepscribe/internal/step"
)

var headingRe = regexp.MustCompile(`- Heading: (.+)`)

// stageClient answers each stage prompt with a canned JSON reply, optionally
// delaying per heading so completion order differs from plan order.
type stageClient struct {
	mu        sync.Mutex
	delays    map[string]time.Duration
	failWrite string
	prompts   []llm.Request
}

func (c *stageClient) record(req llm.Request) {
	c.mu.Lock()
	c.prompts = append(c.prompts, req)
	c.mu.Unlock()
}

func (c *stageClient) heading(prompt string) string {
	m := headingRe.FindStringSubmatch(prompt)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func (c *stageClient) Generate(ctx context.Context, req llm.Request) (string, error) {
	c.record(req)
	h := c.heading(req.Prompt)
	if d, ok := c.delays[h]; ok {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d):
		}
	}
	switch {
	case strings.Contains(req.Prompt, "Research Requirements"):
		return fmt.Sprintf(`{"heading": %q, "sources": [{"url": "https://example.com/%s", "title": "ref-%s", "domain_authority": 60, "freshness_score": 0.8, "credibility_assessment": "ok"}], "key_facts": ["fact-%s"], "statistics": [], "quotes": [], "summary": "s"}`, h, h, h, h), nil
	case strings.Contains(req.Prompt, "Writing Guidelines"):
		if h == c.failWrite {
			return "", errors.New("model refused")
		}
		return fmt.Sprintf(`{"heading": %q, "content": "content-%s", "word_count": 100, "citations": []}`, h, h), nil
	case strings.Contains(req.Prompt, "I-N-S-I-G-H-T"):
		return `{"insight_score_inspiring": 70, "insight_score_novel": 70, "insight_score_structured": 70, "insight_score_informative": 70, "insight_score_grounded": 70, "insight_score_helpful": 70, "insight_score_trustworthy": 70, "primary_insight": "nugget", "feedback": [], "suggestions": ["tighten intro"]}`, nil
	case strings.Contains(req.Prompt, "Editing Guidelines"):
		return `{"final_content": "# Final\n\npolished", "summary_of_changes": "tightened", "word_count": 300}`, nil
	}
	return "", fmt.Errorf("unexpected prompt: %s", req.Prompt)
}

func (c *stageClient) ModelName() string { return "stage-fake" }

func instantRetry() step.RetryPolicy {
	p := step.DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func testInput() RunInput {
	return RunInput{
		ProjectID:      "p1",
		Topic:          "edge caching",
		TargetAudience: "platform engineers",
		Goal:           "technical",
		Tone:           "authoritative",
		ExpertiseLevel: "expert",
		Title:          "Edge Caching in Practice",
		Sections: []Section{
			{Heading: "A", KeyPoints: []string{"a1"}, EstimatedWords: 200},
			{Heading: "B", KeyPoints: []string{"b1"}, EstimatedWords: 300},
			{Heading: "C", KeyPoints: []string{"c1"}, EstimatedWords: 250},
		},
	}
}

func TestRunPreservesSectionOrder(t *testing.T) {
	// Later sections finish first; the assembled draft must still follow
	// plan order.
	client := &stageClient{delays: map[string]time.Duration{
		"A": 30 * time.Millisecond,
		"B": 15 * time.Millisecond,
		"C": 0,
	}}
	p := Pipeline{Stages: stages.Stages{Client: client, Retry: instantRetry()}}

	var percents []int
	res, err := p.Run(context.Background(), testInput(), func(ctx context.Context, stage, msg string, pct int) error {
		percents = append(percents, pct)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "# Final\n\npolished" {
		t.Fatalf("content %q", res.Content)
	}
	if res.Insight.Overall() != 70 {
		t.Fatalf("overall %v", res.Insight.Overall())
	}
	if len(res.Research) != 3 || res.Research[0].Heading != "A" || res.Research[2].Heading != "C" {
		t.Fatalf("research order %+v", res.Research)
	}

	var editorPrompt string
	for _, req := range client.prompts {
		if strings.Contains(req.Prompt, "Editing Guidelines") {
			editorPrompt = req.Prompt
		}
	}
	a := strings.Index(editorPrompt, "content-A")
	b := strings.Index(editorPrompt, "content-B")
	c := strings.Index(editorPrompt, "content-C")
	if a < 0 || b < 0 || c < 0 || !(a < b && b < c) {
		t.Fatalf("draft out of order: a=%d b=%d c=%d", a, b, c)
	}

	want := []int{20, 50, 80, 100}
	if len(percents) != len(want) {
		t.Fatalf("percents %v", percents)
	}
	for i := range want {
		if percents[i] != want[i] {
			t.Fatalf("percents %v", percents)
		}
	}
}

func TestRunWriteFailureNamesSection(t *testing.T) {
	client := &stageClient{failWrite: "B"}
	p := Pipeline{Stages: stages.Stages{Client: client, Retry: instantRetry()}}
	_, err := p.Run(context.Background(), testInput(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), `write "B"`) {
		t.Fatalf("err %v", err)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	cases := []struct {
		in    string
		limit int
		want  string
	}{
		{"plain ascii", 5, "plain"},
		{"plain ascii", 100, "plain ascii"},
		{"héllo", 2, "h"},    // é is 2 bytes; cutting at 2 would split it
		{"héllo", 3, "hé"},
		{"日本語", 4, "日"}, // each rune is 3 bytes
		{"日本語", 6, "日本"},
		{"", 10, ""},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.limit); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.limit, got, tc.want)
		}
		if got := truncate(tc.in, tc.limit); !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tc.in, tc.limit)
		}
	}
}

func TestRunProgressErrorStops(t *testing.T) {
	client := &stageClient{}
	p := Pipeline{Stages: stages.Stages{Client: client, Retry: instantRetry()}}
	stop := errors.New("stopped")
	_, err := p.Run(context.Background(), testInput(), func(ctx context.Context, stage, msg string, pct int) error {
		if pct == 50 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err %v", err)
	}
}
