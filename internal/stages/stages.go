package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"deepscribe/internal/llm"
	"deepscribe/internal/search"
	"deepscribe/internal/step"
)

// Stages holds the prompt chains of the content workflow. Every call goes
// through the retry policy so provider rate limits do not abort a run.
type Stages struct {
	Client           llm.Client
	Retry            step.RetryPolicy
	Search           *search.Client
	MaxSearchQueries int
	Logger           *slog.Logger
}

func (s Stages) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

type TitleSuggestion struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	SearchIntent string `json:"search_intent"`
	Difficulty   int    `json:"difficulty"`
}

type TitleList struct {
	Titles []TitleSuggestion `json:"titles"`
}

type SectionPlan struct {
	Heading        string   `json:"heading"`
	SectionType    string   `json:"section_type"`
	KeyPoints      []string `json:"key_points"`
	ResearchAreas  []string `json:"research_areas"`
	EstimatedWords int      `json:"estimated_words"`
	Order          int      `json:"order"`
}

type ContentPlan struct {
	Sections []SectionPlan `json:"sections"`
}

type Source struct {
	URL                   string  `json:"url"`
	Title                 string  `json:"title"`
	DomainAuthority       int     `json:"domain_authority"`
	FreshnessScore        float64 `json:"freshness_score"`
	CredibilityAssessment string  `json:"credibility_assessment"`
}

type ResearchFinding struct {
	Heading    string   `json:"heading"`
	Sources    []Source `json:"sources"`
	KeyFacts   []string `json:"key_facts"`
	Statistics []string `json:"statistics"`
	Quotes     []string `json:"quotes"`
	Summary    string   `json:"summary"`
}

type SectionContent struct {
	Heading   string   `json:"heading"`
	Content   string   `json:"content"`
	WordCount int      `json:"word_count"`
	Citations []string `json:"citations"`
}

type InsightAssessment struct {
	Inspiring      int      `json:"insight_score_inspiring"`
	Novel          int      `json:"insight_score_novel"`
	Structured     int      `json:"insight_score_structured"`
	Informative    int      `json:"insight_score_informative"`
	Grounded       int      `json:"insight_score_grounded"`
	Helpful        int      `json:"insight_score_helpful"`
	Trustworthy    int      `json:"insight_score_trustworthy"`
	PrimaryInsight string   `json:"primary_insight"`
	Feedback       []string `json:"feedback"`
	Suggestions    []string `json:"suggestions"`
}

// Overall is the unweighted mean of the seven subscores.
func (a InsightAssessment) Overall() float64 {
	sum := a.Inspiring + a.Novel + a.Structured + a.Informative + a.Grounded + a.Helpful + a.Trustworthy
	return float64(sum) / 7.0
}

type EditedContent struct {
	FinalContent     string `json:"final_content"`
	SummaryOfChanges string `json:"summary_of_changes"`
	WordCount        int    `json:"word_count"`
}

type TitleInput struct {
	Topic          string
	TargetAudience string
	Goal           string
	Tone           string
	ExpertiseLevel string
}

func (s Stages) GenerateTitles(ctx context.Context, in TitleInput) (TitleList, error) {
	prompt := step.Render(titlePrompt, map[string]string{
		"topic":           in.Topic,
		"target_audience": in.TargetAudience,
		"goal":            in.Goal,
		"tone":            in.Tone,
		"expertise_level": in.ExpertiseLevel,
	})
	return step.Invoke(ctx, s.Retry, "titles", func(ctx context.Context) (TitleList, error) {
		return step.Run[TitleList](ctx, s.Client, "title_list", llm.Request{System: titleSystem, Prompt: prompt})
	})
}

type PlanInput struct {
	Title          string
	Topic          string
	TargetAudience string
	Goal           string
	Tone           string
	ExpertiseLevel string
	WordCountMin   int
	WordCountMax   int
}

func (s Stages) GeneratePlan(ctx context.Context, in PlanInput) (ContentPlan, error) {
	prompt := step.Render(planPrompt, map[string]string{
		"title":           in.Title,
		"topic":           in.Topic,
		"target_audience": in.TargetAudience,
		"goal":            in.Goal,
		"tone":            in.Tone,
		"expertise_level": in.ExpertiseLevel,
		"word_count_min":  fmt.Sprint(in.WordCountMin),
		"word_count_max":  fmt.Sprint(in.WordCountMax),
	})
	return step.Invoke(ctx, s.Retry, "plan", func(ctx context.Context) (ContentPlan, error) {
		return step.Run[ContentPlan](ctx, s.Client, "content_plan", llm.Request{System: planSystem, Prompt: prompt})
	})
}

type ResearchInput struct {
	Heading        string
	KeyPoints      []string
	ResearchAreas  []string
	Topic          string
	TargetAudience string
}

// ResearchSection produces findings for one section. When web search is
// configured, live results for the section's research areas are folded into
// the prompt; a failed query is logged and skipped, never fatal.
func (s Stages) ResearchSection(ctx context.Context, in ResearchInput) (ResearchFinding, error) {
	webResults := s.gatherWebResults(ctx, in)
	prompt := step.Render(researchPrompt, map[string]string{
		"heading":         in.Heading,
		"key_points":      strings.Join(in.KeyPoints, "; "),
		"topic":           in.Topic,
		"target_audience": in.TargetAudience,
		"web_results":     webResults,
	})
	finding, err := step.Invoke(ctx, s.Retry, "research", func(ctx context.Context) (ResearchFinding, error) {
		return step.Run[ResearchFinding](ctx, s.Client, "research_finding", llm.Request{System: researchSystem, Prompt: prompt})
	})
	if err != nil {
		return finding, err
	}
	if finding.Heading == "" {
		finding.Heading = in.Heading
	}
	return finding, nil
}

// gatherWebResults runs the section's research areas as search queries
// directly, with no separate query-generation call. A section without
// research areas falls back to heading plus topic.
func (s Stages) gatherWebResults(ctx context.Context, in ResearchInput) string {
	if s.Search == nil {
		return ""
	}
	queries := in.ResearchAreas
	if len(queries) == 0 {
		queries = []string{in.Heading + " " + in.Topic}
	}
	max := s.MaxSearchQueries
	if max <= 0 {
		max = 3
	}
	if len(queries) > max {
		queries = queries[:max]
	}
	var sb strings.Builder
	for _, q := range queries {
		results, err := s.Search.Search(ctx, q)
		if err != nil {
			s.logger().Warn("web search failed", "query", q, "error", err)
			continue
		}
		for _, r := range results {
			fmt.Fprintf(&sb, "- %s (%s): %s\n", r.Title, r.Link, r.Snippet)
		}
	}
	if sb.Len() == 0 {
		return ""
	}
	return "\n## Web Search Results\n" + sb.String()
}

type WriteInput struct {
	Heading         string
	KeyPoints       []string
	WordCount       int
	Tone            string
	ExpertiseLevel  string
	ResearchContent string
	Sources         string
}

func (s Stages) WriteSection(ctx context.Context, in WriteInput) (SectionContent, error) {
	prompt := step.Render(writerPrompt, map[string]string{
		"heading":          in.Heading,
		"key_points":       strings.Join(in.KeyPoints, "; "),
		"word_count":       fmt.Sprint(in.WordCount),
		"tone":             in.Tone,
		"expertise_level":  in.ExpertiseLevel,
		"research_content": in.ResearchContent,
		"sources":          in.Sources,
	})
	sec, err := step.Invoke(ctx, s.Retry, "write", func(ctx context.Context) (SectionContent, error) {
		return step.Run[SectionContent](ctx, s.Client, "section_content", llm.Request{System: writerSystem, Prompt: prompt})
	})
	if err != nil {
		return sec, err
	}
	if sec.Heading == "" {
		sec.Heading = in.Heading
	}
	if sec.WordCount == 0 {
		sec.WordCount = len(strings.Fields(sec.Content))
	}
	return sec, nil
}

type ValidateInput struct {
	Content        string
	Topic          string
	TargetAudience string
	Goal           string
}

func (s Stages) ValidateInsight(ctx context.Context, in ValidateInput) (InsightAssessment, error) {
	prompt := step.Render(insightPrompt, map[string]string{
		"content":         in.Content,
		"topic":           in.Topic,
		"target_audience": in.TargetAudience,
		"goal":            in.Goal,
	})
	return step.Invoke(ctx, s.Retry, "insight", func(ctx context.Context) (InsightAssessment, error) {
		return step.Run[InsightAssessment](ctx, s.Client, "insight_assessment", llm.Request{System: insightSystem, Prompt: prompt})
	})
}

type EditInput struct {
	Content        string
	Sources        string
	Feedback       string
	Topic          string
	TargetAudience string
	Goal           string
	Tone           string
	ExpertiseLevel string
}

func (s Stages) EditContent(ctx context.Context, in EditInput) (EditedContent, error) {
	prompt := step.Render(editorPrompt, map[string]string{
		"content":         in.Content,
		"sources":         in.Sources,
		"feedback":        in.Feedback,
		"topic":           in.Topic,
		"target_audience": in.TargetAudience,
		"goal":            in.Goal,
		"tone":            in.Tone,
		"expertise_level": in.ExpertiseLevel,
	})
	edited, err := step.Invoke(ctx, s.Retry, "edit", func(ctx context.Context) (EditedContent, error) {
		return step.Run[EditedContent](ctx, s.Client, "edited_content", llm.Request{System: editorSystem, Prompt: prompt})
	})
	if err != nil {
		return edited, err
	}
	if edited.WordCount == 0 {
		edited.WordCount = len(strings.Fields(edited.FinalContent))
	}
	return edited, nil
}
