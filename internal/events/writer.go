package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the content workflow.
const (
	TypeProjectCreated = "project.created"
	TypeTitlesReady    = "titles.generated"
	TypeTitleSelected  = "title.selected"
	TypePlanReady      = "plan.generated"
	TypePlanApproved   = "plan.approved"
	TypeRunStarted     = "run.started"
	TypeRunCompleted   = "run.completed"
	TypeRunFailed      = "run.failed"
	TypeDraftCreated   = "draft.created"
	TypeDraftApproved  = "draft.approved"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
