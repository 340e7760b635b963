package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"deepscribe/internal/stages"
)

// Section is one planned unit of the article handed to the pipeline.
type Section struct {
	Heading        string
	KeyPoints      []string
	ResearchAreas  []string
	EstimatedWords int
}

type RunInput struct {
	ProjectID      string
	Topic          string
	TargetAudience string
	Goal           string
	Tone           string
	ExpertiseLevel string
	Title          string
	Sections       []Section
}

type Result struct {
	Content   string
	WordCount int
	Insight   stages.InsightAssessment
	Research  []stages.ResearchFinding
}

// ProgressFunc reports a stage transition. Returning an error stops the run.
type ProgressFunc func(ctx context.Context, stage, message string, percent int) error

// Pipeline drives the full content workflow: parallel research, parallel
// writing, validation, then a final edit.
type Pipeline struct {
	Stages            stages.Stages
	ResearchCharLimit int
	EditorCharLimit   int
	Logger            *slog.Logger
}

func (p Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p Pipeline) researchLimit() int {
	if p.ResearchCharLimit > 0 {
		return p.ResearchCharLimit
	}
	return 6000
}

func (p Pipeline) editorLimit() int {
	if p.EditorCharLimit > 0 {
		return p.EditorCharLimit
	}
	return 12000
}

// truncate cuts s to at most limit bytes without splitting a UTF-8 rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func compactSources(sources []stages.Source) string {
	if len(sources) == 0 {
		return "No specific sources."
	}
	var sb strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&sb, "- %s (%s)\n", s.Title, s.URL)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func compactAllResearch(findings []stages.ResearchFinding) string {
	var sb strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&sb, "## %s\n", f.Heading)
		for _, s := range f.Sources {
			fmt.Fprintf(&sb, "- %s (%s)\n", s.Title, s.URL)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (p Pipeline) Run(ctx context.Context, in RunInput, onProgress ProgressFunc) (Result, error) {
	logger := p.logger().With("project_id", in.ProjectID)
	logger.Info("pipeline started", "sections", len(in.Sections))

	if onProgress == nil {
		onProgress = func(context.Context, string, string, int) error { return nil }
	}

	if err := onProgress(ctx, "research", "Starting parallel research", 20); err != nil {
		return Result{}, err
	}

	// Research fan-out. Results keep plan order regardless of completion order.
	findings := make([]stages.ResearchFinding, len(in.Sections))
	g, gctx := errgroup.WithContext(ctx)
	for i, sec := range in.Sections {
		g.Go(func() error {
			f, err := p.Stages.ResearchSection(gctx, stages.ResearchInput{
				Heading:        sec.Heading,
				KeyPoints:      sec.KeyPoints,
				ResearchAreas:  sec.ResearchAreas,
				Topic:          in.Topic,
				TargetAudience: in.TargetAudience,
			})
			if err != nil {
				return fmt.Errorf("research %q: %w", sec.Heading, err)
			}
			findings[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	researchByHeading := make(map[string]stages.ResearchFinding, len(findings))
	for _, f := range findings {
		researchByHeading[f.Heading] = f
	}

	if err := onProgress(ctx, "writing", "Drafting content sections", 50); err != nil {
		return Result{}, err
	}

	// Writing fan-out.
	written := make([]stages.SectionContent, len(in.Sections))
	g, gctx = errgroup.WithContext(ctx)
	for i, sec := range in.Sections {
		g.Go(func() error {
			researchText := "No specific research found."
			sources := ""
			if f, ok := researchByHeading[sec.Heading]; ok {
				researchText = fmt.Sprintf("Sources: %v\nFacts: %v\nStats: %v", f.Sources, f.KeyFacts, f.Statistics)
				sources = compactSources(f.Sources)
			}
			words := sec.EstimatedWords
			if words <= 0 {
				words = 300
			}
			w, err := p.Stages.WriteSection(gctx, stages.WriteInput{
				Heading:         sec.Heading,
				KeyPoints:       sec.KeyPoints,
				WordCount:       words,
				Tone:            in.Tone,
				ExpertiseLevel:  in.ExpertiseLevel,
				ResearchContent: truncate(researchText, p.researchLimit()),
				Sources:         sources,
			})
			if err != nil {
				return fmt.Errorf("write %q: %w", sec.Heading, err)
			}
			written[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	parts := make([]string, len(written))
	totalWords := 0
	for i, w := range written {
		parts[i] = w.Content
		totalWords += w.WordCount
	}
	fullDraft := strings.Join(parts, "\n\n")
	logger.Info("writing phase complete", "word_count", totalWords)

	if err := onProgress(ctx, "editing", "Validating and polishing content", 80); err != nil {
		return Result{}, err
	}

	insight, err := p.Stages.ValidateInsight(ctx, stages.ValidateInput{
		Content:        fullDraft,
		Topic:          in.Topic,
		TargetAudience: in.TargetAudience,
		Goal:           in.Goal,
	})
	if err != nil {
		return Result{}, fmt.Errorf("insight validation: %w", err)
	}

	feedback := fmt.Sprintf("Primary Insight: %s\nSuggestions: %s",
		insight.PrimaryInsight, strings.Join(insight.Suggestions, "; "))

	edited, err := p.Stages.EditContent(ctx, stages.EditInput{
		Content:        truncate(fullDraft, p.editorLimit()),
		Sources:        compactAllResearch(findings),
		Feedback:       feedback,
		Topic:          in.Topic,
		TargetAudience: in.TargetAudience,
		Goal:           in.Goal,
		Tone:           in.Tone,
		ExpertiseLevel: in.ExpertiseLevel,
	})
	if err != nil {
		return Result{}, fmt.Errorf("final edit: %w", err)
	}

	logger.Info("pipeline completed", "final_word_count", edited.WordCount)

	if err := onProgress(ctx, "complete", "Pipeline complete", 100); err != nil {
		return Result{}, err
	}

	return Result{
		Content:   edited.FinalContent,
		WordCount: edited.WordCount,
		Insight:   insight,
		Research:  findings,
	}, nil
}
