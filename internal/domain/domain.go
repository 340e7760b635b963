package domain

// Project statuses follow the content workflow from creation to publication.
const (
	StatusCreated         = "created"
	StatusTitlesGenerated = "titles_generated"
	StatusTitleSelected   = "title_selected"
	StatusPlanGenerated   = "plan_generated"
	StatusPlanApproved    = "plan_approved"
	StatusResearching     = "researching"
	StatusWriting         = "writing"
	StatusEditing         = "editing"
	StatusDraftReady      = "draft_ready"
	StatusPublished       = "published"
	StatusFailed          = "failed"
)

type Project struct {
	ID              string  `json:"id"`
	Topic           string  `json:"topic"`
	TargetAudience  string  `json:"target_audience"`
	Goal            string  `json:"goal" enum:"seo,thought_leadership,technical,marketing"`
	Tone            string  `json:"tone" enum:"authoritative,conversational,academic,persuasive"`
	ExpertiseLevel  string  `json:"expertise_level" enum:"beginner,intermediate,expert"`
	WordCountMin    int     `json:"word_count_min"`
	WordCountMax    int     `json:"word_count_max"`
	Constraints     string  `json:"constraints,omitempty"`
	Status          string  `json:"status"`
	SelectedTitleID *string `json:"selected_title_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type Title struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	SearchIntent string `json:"search_intent" enum:"informational,navigational,transactional,commercial"`
	Difficulty   int    `json:"difficulty"`
	IsSelected   bool   `json:"is_selected"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Plan struct {
	ID                  string        `json:"id"`
	ProjectID           string        `json:"project_id"`
	IsApproved          bool          `json:"is_approved"`
	TotalEstimatedWords int           `json:"total_estimated_words"`
	Sections            []PlanSection `json:"sections,omitempty"`
	CreatedAt           string        `json:"created_at" format:"date-time"`
	UpdatedAt           string        `json:"updated_at" format:"date-time"`
}

type PlanSection struct {
	ID             string   `json:"id"`
	PlanID         string   `json:"plan_id"`
	Heading        string   `json:"heading"`
	SectionType    string   `json:"section_type" enum:"introduction,body,conclusion"`
	KeyPoints      []string `json:"key_points"`
	ResearchAreas  []string `json:"research_areas,omitempty"`
	EstimatedWords int      `json:"estimated_words"`
	Order          int      `json:"order"`
	IsLocked       bool     `json:"is_locked"`
}

type Draft struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	ContentMarkdown string  `json:"content_markdown"`
	ContentHTML     *string `json:"content_html,omitempty"`
	WordCount       int     `json:"word_count"`
	Version         int     `json:"version"`
	IsCurrent       bool    `json:"is_current"`
	IsApproved      bool    `json:"is_approved"`
	SEOTitle        *string `json:"seo_title,omitempty"`
	MetaDescription *string `json:"meta_description,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// InsightScore is the quality assessment attached to a draft: seven 0-100
// subscores and an overall score that is their arithmetic mean.
type InsightScore struct {
	ID               string   `json:"id"`
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
	EvaluatedAt      string   `json:"evaluated_at" format:"date-time"`
}

type ProjectLog struct {
	ID        int64  `json:"id"`
	ProjectID string `json:"project_id"`
	Stage     string `json:"stage"`
	Message   string `json:"message"`
	Level     string `json:"level" enum:"info,success,warning,error"`
	TS        string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
