package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"deepscribe/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalList(items []string) any {
	if len(items) == 0 {
		return nil
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func unmarshalList(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw.String), &items); err != nil {
		return nil
	}
	return items
}

// Projects

const projectCols = `id,topic,target_audience,goal,tone,expertise_level,word_count_min,word_count_max,constraints,status,selected_title_id,created_at,updated_at`

func scanProjectRow(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var constraints, selectedTitle sql.NullString
	err := scan(&p.ID, &p.Topic, &p.TargetAudience, &p.Goal, &p.Tone, &p.ExpertiseLevel,
		&p.WordCountMin, &p.WordCountMax, &constraints, &p.Status, &selectedTitle, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if constraints.Valid {
		p.Constraints = constraints.String
	}
	if selectedTitle.Valid {
		p.SelectedTitleID = &selectedTitle.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Topic, p.TargetAudience, p.Goal, p.Tone, p.ExpertiseLevel,
		p.WordCountMin, p.WordCountMax, nullable(p.Constraints), p.Status,
		nullableStringPtr(p.SelectedTitleID), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Topic, p.TargetAudience, p.Goal, p.Tone, p.ExpertiseLevel,
		p.WordCountMin, p.WordCountMax, nullable(p.Constraints), p.Status,
		nullableStringPtr(p.SelectedTitleID), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProjectRow(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + projectCols + ` FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateProjectStatusTx(ctx context.Context, tx *sql.Tx, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Titles

const titleCols = `id,project_id,title,description,search_intent,difficulty,is_selected,created_at`

func scanTitleRow(scan func(...any) error) (domain.Title, error) {
	var t domain.Title
	var desc sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.Title, &desc, &t.SearchIntent, &t.Difficulty, &t.IsSelected, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	return t, nil
}

// ReplaceTitles swaps the project's title candidates inside one transaction.
// Regenerating titles discards the previous batch.
func (r Repo) ReplaceTitles(ctx context.Context, tx *sql.Tx, projectID string, titles []domain.Title) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM titles WHERE project_id=?`, projectID); err != nil {
		return err
	}
	for _, t := range titles {
		_, err := tx.ExecContext(ctx, `INSERT INTO titles(`+titleCols+`) VALUES (?,?,?,?,?,?,?,?)`,
			t.ID, t.ProjectID, t.Title, nullable(t.Description), t.SearchIntent, t.Difficulty, t.IsSelected, t.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListTitles(ctx context.Context, projectID string) ([]domain.Title, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+titleCols+` FROM titles WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Title
	for rows.Next() {
		t, err := scanTitleRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetTitle(ctx context.Context, id string) (domain.Title, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+titleCols+` FROM titles WHERE id=?`, id)
	return scanTitleRow(row.Scan)
}

// SelectTitle marks one title as selected and clears any prior selection.
func (r Repo) SelectTitle(ctx context.Context, tx *sql.Tx, projectID, titleID string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE titles SET is_selected=0 WHERE project_id=?`, projectID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE titles SET is_selected=1 WHERE id=? AND project_id=?`, titleID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `UPDATE projects SET selected_title_id=?, updated_at=? WHERE id=?`, titleID, now, projectID)
	return err
}

// Plans

func (r Repo) UpsertPlan(ctx context.Context, tx *sql.Tx, plan domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(id,project_id,is_approved,total_estimated_words,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET is_approved=excluded.is_approved, total_estimated_words=excluded.total_estimated_words, updated_at=excluded.updated_at`,
		plan.ID, plan.ProjectID, plan.IsApproved, plan.TotalEstimatedWords, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return err
	}
	var planID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM plans WHERE project_id=?`, plan.ProjectID).Scan(&planID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plan_sections WHERE plan_id=?`, planID); err != nil {
		return err
	}
	for _, s := range plan.Sections {
		_, err := tx.ExecContext(ctx, `INSERT INTO plan_sections(id,plan_id,heading,section_type,key_points_json,research_areas_json,estimated_words,section_order,is_locked) VALUES (?,?,?,?,?,?,?,?,?)`,
			s.ID, planID, s.Heading, s.SectionType, marshalList(s.KeyPoints), marshalList(s.ResearchAreas), s.EstimatedWords, s.Order, s.IsLocked)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetPlan(ctx context.Context, projectID string) (domain.Plan, error) {
	var p domain.Plan
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,is_approved,total_estimated_words,created_at,updated_at FROM plans WHERE project_id=?`, projectID).
		Scan(&p.ID, &p.ProjectID, &p.IsApproved, &p.TotalEstimatedWords, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,heading,section_type,key_points_json,research_areas_json,estimated_words,section_order,is_locked FROM plan_sections WHERE plan_id=? ORDER BY section_order ASC`, p.ID)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	for rows.Next() {
		var s domain.PlanSection
		var keyPoints, researchAreas sql.NullString
		if err := rows.Scan(&s.ID, &s.PlanID, &s.Heading, &s.SectionType, &keyPoints, &researchAreas, &s.EstimatedWords, &s.Order, &s.IsLocked); err != nil {
			return p, err
		}
		s.KeyPoints = unmarshalList(keyPoints)
		s.ResearchAreas = unmarshalList(researchAreas)
		p.Sections = append(p.Sections, s)
	}
	return p, rows.Err()
}

func (r Repo) ApprovePlan(ctx context.Context, tx *sql.Tx, projectID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE plans SET is_approved=1, updated_at=? WHERE project_id=?`, now, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Drafts

const draftCols = `id,project_id,content_markdown,content_html,word_count,version,is_current,is_approved,seo_title,meta_description,created_at,updated_at`

func scanDraftRow(scan func(...any) error) (domain.Draft, error) {
	var d domain.Draft
	var html, seoTitle, metaDesc sql.NullString
	err := scan(&d.ID, &d.ProjectID, &d.ContentMarkdown, &html, &d.WordCount, &d.Version,
		&d.IsCurrent, &d.IsApproved, &seoTitle, &metaDesc, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if html.Valid {
		d.ContentHTML = &html.String
	}
	if seoTitle.Valid {
		d.SEOTitle = &seoTitle.String
	}
	if metaDesc.Valid {
		d.MetaDescription = &metaDesc.String
	}
	return d, nil
}

// InsertDraft stores a new draft version. Any existing current draft is
// demoted and the new draft takes version max+1 within the same transaction.
func (r Repo) InsertDraft(ctx context.Context, tx *sql.Tx, d domain.Draft) (domain.Draft, error) {
	var maxVersion sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM drafts WHERE project_id=?`, d.ProjectID).Scan(&maxVersion); err != nil {
		return d, err
	}
	d.Version = 1
	if maxVersion.Valid {
		d.Version = int(maxVersion.Int64) + 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE drafts SET is_current=0 WHERE project_id=?`, d.ProjectID); err != nil {
		return d, err
	}
	d.IsCurrent = true
	_, err := tx.ExecContext(ctx, `INSERT INTO drafts(`+draftCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, d.ContentMarkdown, nullableStringPtr(d.ContentHTML), d.WordCount, d.Version,
		d.IsCurrent, d.IsApproved, nullableStringPtr(d.SEOTitle), nullableStringPtr(d.MetaDescription), d.CreatedAt, d.UpdatedAt)
	return d, err
}

func (r Repo) CurrentDraft(ctx context.Context, projectID string) (domain.Draft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+draftCols+` FROM drafts WHERE project_id=? AND is_current=1`, projectID)
	return scanDraftRow(row.Scan)
}

func (r Repo) GetDraft(ctx context.Context, id string) (domain.Draft, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+draftCols+` FROM drafts WHERE id=?`, id)
	return scanDraftRow(row.Scan)
}

func (r Repo) ListDrafts(ctx context.Context, projectID string) ([]domain.Draft, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+draftCols+` FROM drafts WHERE project_id=? ORDER BY version DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Draft
	for rows.Next() {
		d, err := scanDraftRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) ApproveDraft(ctx context.Context, tx *sql.Tx, projectID string) (domain.Draft, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+draftCols+` FROM drafts WHERE project_id=? AND is_current=1`, projectID)
	d, err := scanDraftRow(row.Scan)
	if err != nil {
		return d, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE drafts SET is_approved=1, updated_at=? WHERE id=?`, now, d.ID); err != nil {
		return d, err
	}
	d.IsApproved = true
	d.UpdatedAt = now
	return d, nil
}

// Insight scores

func (r Repo) UpsertInsightScore(ctx context.Context, tx *sql.Tx, s domain.InsightScore) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO insight_scores(id,draft_id,inspiring_score,novel_score,structured_score,informative_score,grounded_score,helpful_score,trustworthy_score,overall_score,primary_insight,feedback_json,suggestions_json,evaluated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(draft_id) DO UPDATE SET inspiring_score=excluded.inspiring_score, novel_score=excluded.novel_score, structured_score=excluded.structured_score, informative_score=excluded.informative_score, grounded_score=excluded.grounded_score, helpful_score=excluded.helpful_score, trustworthy_score=excluded.trustworthy_score, overall_score=excluded.overall_score, primary_insight=excluded.primary_insight, feedback_json=excluded.feedback_json, suggestions_json=excluded.suggestions_json, evaluated_at=excluded.evaluated_at`,
		s.ID, s.DraftID, s.InspiringScore, s.NovelScore, s.StructuredScore, s.InformativeScore,
		s.GroundedScore, s.HelpfulScore, s.TrustworthyScore, s.OverallScore,
		nullable(s.PrimaryInsight), marshalList(s.Feedback), marshalList(s.Suggestions), s.EvaluatedAt)
	return err
}

func (r Repo) GetInsightScore(ctx context.Context, draftID string) (domain.InsightScore, error) {
	var s domain.InsightScore
	var primary, feedback, suggestions sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,draft_id,inspiring_score,novel_score,structured_score,informative_score,grounded_score,helpful_score,trustworthy_score,overall_score,primary_insight,feedback_json,suggestions_json,evaluated_at FROM insight_scores WHERE draft_id=?`, draftID).
		Scan(&s.ID, &s.DraftID, &s.InspiringScore, &s.NovelScore, &s.StructuredScore, &s.InformativeScore,
			&s.GroundedScore, &s.HelpfulScore, &s.TrustworthyScore, &s.OverallScore, &primary, &feedback, &suggestions, &s.EvaluatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if primary.Valid {
		s.PrimaryInsight = primary.String
	}
	s.Feedback = unmarshalList(feedback)
	s.Suggestions = unmarshalList(suggestions)
	return s, nil
}

// Project logs

func (r Repo) InsertProjectLog(ctx context.Context, l domain.ProjectLog) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_logs(project_id,stage,message,level,ts) VALUES (?,?,?,?,?)`,
		l.ProjectID, l.Stage, l.Message, l.Level, l.TS)
	return err
}

// ListProjectLogs returns the most recent logs in chronological order.
func (r Repo) ListProjectLogs(ctx context.Context, projectID string, limit int) ([]domain.ProjectLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,stage,message,level,ts FROM (
SELECT id,project_id,stage,message,level,ts FROM project_logs WHERE project_id=? ORDER BY id DESC LIMIT ?
) ORDER BY id ASC`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectLog
	for rows.Next() {
		var l domain.ProjectLog
		if err := rows.Scan(&l.ID, &l.ProjectID, &l.Stage, &l.Message, &l.Level, &l.TS); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// Events

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, scoped to a project when
// one is given.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	row := r.DB.QueryRowContext(ctx, query, args...)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
