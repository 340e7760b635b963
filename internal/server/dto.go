package server

import (
	"deepscribe/internal/domain"
	"deepscribe/internal/track"
)

type CreateProjectRequest struct {
	Topic          string `json:"topic" example:"zero downtime deployments"`
	TargetAudience string `json:"target_audience" example:"devops engineers"`
	Goal           string `json:"goal,omitempty" enum:"seo,thought_leadership,technical,marketing"`
	Tone           string `json:"tone,omitempty" enum:"authoritative,conversational,academic,persuasive"`
	ExpertiseLevel string `json:"expertise_level,omitempty" enum:"beginner,intermediate,expert"`
	WordCountMin   int    `json:"word_count_min,omitempty"`
	WordCountMax   int    `json:"word_count_max,omitempty"`
	Constraints    string `json:"constraints,omitempty"`
}

type SelectTitleRequest struct {
	TitleID string `json:"title_id"`
}

type PlanSectionRequest struct {
	ID             string   `json:"id,omitempty"`
	Heading        string   `json:"heading"`
	SectionType    string   `json:"section_type,omitempty" enum:"introduction,body,conclusion"`
	KeyPoints      []string `json:"key_points,omitempty"`
	ResearchAreas  []string `json:"research_areas,omitempty"`
	EstimatedWords int      `json:"estimated_words,omitempty"`
	Order          int      `json:"order,omitempty"`
	IsLocked       bool     `json:"is_locked,omitempty"`
}

type UpdatePlanRequest struct {
	Sections []PlanSectionRequest `json:"sections"`
}

type TitleListResponse struct {
	Titles []domain.Title `json:"titles"`
}

type RunAcceptedResponse struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
}

type LogsResponse struct {
	ProjectID string           `json:"project_id"`
	Logs      []track.LogEntry `json:"logs"`
}

type ResultResponse struct {
	Draft        domain.Draft         `json:"draft"`
	InsightScore *domain.InsightScore `json:"insight_score,omitempty"`
}

type ExportResponse struct {
	ProjectID string `json:"project_id"`
	Format    string `json:"format"`
	Content   string `json:"content"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}

func sectionsFromRequest(in []PlanSectionRequest) []domain.PlanSection {
	out := make([]domain.PlanSection, len(in))
	for i, s := range in {
		out[i] = domain.PlanSection{
			ID:             s.ID,
			Heading:        s.Heading,
			SectionType:    s.SectionType,
			KeyPoints:      s.KeyPoints,
			ResearchAreas:  s.ResearchAreas,
			EstimatedWords: s.EstimatedWords,
			Order:          s.Order,
			IsLocked:       s.IsLocked,
		}
	}
	return out
}
