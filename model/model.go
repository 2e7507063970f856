// Package model defines the core domain types shared across all intake packages.
// It has zero dependencies on other intake packages.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionState represents where a session is in its lifecycle.
type SessionState string

const (
	SessionActive SessionState = "active"
	// SessionExpiring means cleanup has been dispatched and is awaiting a reply.
	SessionExpiring SessionState = "expiring"
	SessionEnded    SessionState = "ended"
)

// Session is the durable handle under which analysis jobs and backend-side
// resources are scoped.
type Session struct {
	ID        string       `json:"id"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// Expired reports whether the idle deadline has passed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Phase is the tag of a JobStatus.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// JobStatus is the externally observable state of one analysis run.
// Only the fields relevant to Phase are set.
type JobStatus struct {
	Run     uint64                     `json:"run"`
	Phase   Phase                      `json:"phase"`
	Current int                        `json:"current,omitempty"`
	Total   int                        `json:"total,omitempty"`
	Results map[string]json.RawMessage `json:"results,omitempty"`
	Reason  string                     `json:"reason,omitempty"`
}

// Terminal reports whether the status can no longer change for its run.
func (s JobStatus) Terminal() bool {
	return s.Phase == PhaseCompleted || s.Phase == PhaseFailed
}

func (s JobStatus) String() string {
	switch s.Phase {
	case PhaseRunning:
		return fmt.Sprintf("running %d/%d", s.Current, s.Total)
	case PhaseCompleted:
		return fmt.Sprintf("completed (%d results)", len(s.Results))
	case PhaseFailed:
		return "failed: " + s.Reason
	default:
		return string(s.Phase)
	}
}

// Event type tags used on the wire.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// Event is one decoded protocol event.
type Event interface {
	Type() string
}

// ProgressEvent reports how many questions have been started out of the total.
type ProgressEvent struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

func (ProgressEvent) Type() string { return EventProgress }

// CompleteEvent carries the final results keyed by question id.
type CompleteEvent struct {
	Results map[string]json.RawMessage `json:"results"`
}

func (CompleteEvent) Type() string { return EventComplete }

// Question decodes the result stored under id.
func (e CompleteEvent) Question(id string) (*QuestionResult, error) {
	raw, ok := e.Results[id]
	if !ok {
		return nil, fmt.Errorf("no result for %s", id)
	}
	var qr QuestionResult
	if err := json.Unmarshal(raw, &qr); err != nil {
		return nil, fmt.Errorf("decoding result %s: %w", id, err)
	}
	return &qr, nil
}

// ErrorEvent is sent by the backend when the analysis cannot proceed.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Type() string { return EventError }

// AnalysisRecord is the last completed analysis of a session, kept until
// the session ends.
type AnalysisRecord struct {
	SessionID   string                     `json:"session_id"`
	CompletedAt time.Time                  `json:"completed_at"`
	Results     map[string]json.RawMessage `json:"results"`
}

// Folder is a document collection the backend can analyze.
type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// AnalysisRequest is the body of a submit-analysis call.
type AnalysisRequest struct {
	SessionID string   `json:"session_id"`
	Questions []string `json:"questions"`
	Folder    *Folder  `json:"folder,omitempty"`
}

// Rationale holds the intermediate outputs behind a scored answer.
type Rationale struct {
	RAGResponse     string `json:"rag_response"`
	WebResponse     string `json:"web_response"`
	AgentCommentary string `json:"agent_commentary"`
}

// QuestionResult is the backend's answer to a single question.
type QuestionResult struct {
	QuestionText string            `json:"question_text"`
	Score        int               `json:"score"`
	Scoring      string            `json:"scoring"`
	Sources      map[string]string `json:"sources"`
	Rationale    Rationale         `json:"rationale"`
}

// QuestionID returns the results key for the question at zero-based index i.
func QuestionID(i int) string {
	return fmt.Sprintf("question_%d", i+1)
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
