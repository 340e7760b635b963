package track

import (
	"strings"
	"sync"
	"time"

	"deepscribe/internal/domain"
)

// logCapacity bounds per-project log history; older entries are dropped.
const logCapacity = 100

type LogEntry struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	Level   string `json:"level"`
	TS      string `json:"ts"`
}

type State struct {
	ProjectID    string     `json:"project_id"`
	Status       string     `json:"status"`
	Stage        string     `json:"stage"`
	Message      string     `json:"message"`
	Progress     int        `json:"progress"`
	SourcesFound int        `json:"sources_found"`
	Completed    bool       `json:"is_complete"`
	StartedAt    string     `json:"started_at"`
	UpdatedAt    string     `json:"updated_at"`
	Logs         []LogEntry `json:"logs"`
}

// Tracker keeps in-memory execution state per project. It is the live view
// behind status polling and websocket pushes; durable history goes to the
// database separately.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*State
	Now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{states: map[string]*State{}}
}

func (t *Tracker) now() string {
	now := t.Now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// Begin resets the project's state for a fresh run.
func (t *Tracker) Begin(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now()
	t.states[projectID] = &State{
		ProjectID: projectID,
		Status:    domain.StatusResearching,
		Stage:     "starting",
		Message:   "Execution started",
		StartedAt: ts,
		UpdatedAt: ts,
	}
}

// Update records a stage transition and appends a log entry for it.
func (t *Tracker) Update(projectID, stage, message string, progress int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[projectID]
	if !ok {
		s = &State{ProjectID: projectID, StartedAt: t.now()}
		t.states[projectID] = s
	}
	s.Stage = stage
	s.Message = message
	s.Progress = progress
	s.Status = StatusForStage(stage)
	if stage == "complete" || stage == "error" {
		s.Completed = true
	}
	s.UpdatedAt = t.now()
	t.appendLog(s, stage, message)
}

// AddLog appends a classified log entry without changing stage or progress.
func (t *Tracker) AddLog(projectID, stage, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[projectID]
	if !ok {
		s = &State{ProjectID: projectID, StartedAt: t.now()}
		t.states[projectID] = s
	}
	s.UpdatedAt = t.now()
	t.appendLog(s, stage, message)
}

func (t *Tracker) appendLog(s *State, stage, message string) {
	s.Logs = append(s.Logs, LogEntry{
		Stage:   stage,
		Message: message,
		Level:   Classify(message),
		TS:      t.now(),
	})
	if len(s.Logs) > logCapacity {
		s.Logs = s.Logs[len(s.Logs)-logCapacity:]
	}
}

// AddSources bumps the discovered-source counter for the run.
func (t *Tracker) AddSources(projectID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[projectID]; ok {
		s.SourcesFound += n
		s.UpdatedAt = t.now()
	}
}

// Fail marks the run failed with the error message.
func (t *Tracker) Fail(projectID, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[projectID]
	if !ok {
		s = &State{ProjectID: projectID, StartedAt: t.now()}
		t.states[projectID] = s
	}
	s.Status = domain.StatusFailed
	s.Stage = "error"
	s.Message = message
	s.Completed = true
	s.UpdatedAt = t.now()
	t.appendLog(s, "error", message)
}

// Get returns a copy of the project's state.
func (t *Tracker) Get(projectID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[projectID]
	if !ok {
		return State{}, false
	}
	out := *s
	out.Logs = append([]LogEntry(nil), s.Logs...)
	return out, true
}

// Remove drops a project's state, e.g. when the project is deleted.
func (t *Tracker) Remove(projectID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, projectID)
}

// StatusForStage maps a pipeline stage to the project workflow status.
func StatusForStage(stage string) string {
	switch stage {
	case "research":
		return domain.StatusResearching
	case "writing":
		return domain.StatusWriting
	case "editing":
		return domain.StatusEditing
	case "complete":
		return domain.StatusDraftReady
	case "error":
		return domain.StatusFailed
	}
	return domain.StatusResearching
}

// Classify derives a log level from message keywords.
func Classify(message string) string {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "error") || strings.Contains(msg, "fail"):
		return "error"
	case strings.Contains(msg, "cancel"):
		return "warning"
	case strings.Contains(msg, "complete") || strings.Contains(msg, "finished"):
		return "success"
	}
	return "info"
}
