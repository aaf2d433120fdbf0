package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus enumerates submission states. SUBMITTED and TERMINATED
// are terminal — no transition leads out of them.
type SubmissionStatus string

const (
	SubmissionStatusDraft      SubmissionStatus = "DRAFT"
	SubmissionStatusSubmitted  SubmissionStatus = "SUBMITTED"
	SubmissionStatusTerminated SubmissionStatus = "TERMINATED"
)

// Terminal reports whether the status permits no further edits.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionStatusSubmitted || s == SubmissionStatusTerminated
}

// ForceReason identifies what triggered a forced submission.
type ForceReason string

const (
	ForceReasonTimerExpired  ForceReason = "TIMER_EXPIRED"
	ForceReasonWarningBreach ForceReason = "WARNING_BREACH"
)

// Submission is a candidate's answer record for a form. Exactly one exists
// per (candidate_email, form_id) pair; creation is idempotent.
type Submission struct {
	ResponseID     uuid.UUID        `json:"responseId"`
	FormID         uuid.UUID        `json:"formId"`
	CandidateEmail string           `json:"userEmail"`
	Value          json.RawMessage  `json:"value,omitempty"`
	Status         SubmissionStatus `json:"status"`
	StartTime      time.Time        `json:"startTime"`
	EndTime        *time.Time       `json:"endTime,omitempty"`
	ElapsedSeconds int              `json:"duration"`
	Score          *float64         `json:"score,omitempty"`
	Remarks        *string          `json:"remarks,omitempty"`
	Warnings       int              `json:"warnings"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// SubmitRequest is the payload for POST /form/:form_id/submit.
type SubmitRequest struct {
	Value     json.RawMessage `json:"value" binding:"required"`
	UserEmail string          `json:"userEmail" binding:"required,email"`
}

// SubmitResponse is returned by POST /form/:form_id/submit.
type SubmitResponse struct {
	Message    string `json:"message"`
	ResponseID string `json:"responseId"`
}

// EditSubmissionRequest is the payload for PUT /form/:form_id/submission.
// Edits are only accepted while the submission is a draft.
type EditSubmissionRequest struct {
	ResponseID string          `json:"responseId" binding:"required,uuid"`
	UserEmail  string          `json:"userEmail" binding:"required,email"`
	Value      json.RawMessage `json:"value,omitempty"`
	Remarks    *string         `json:"remarks,omitempty"`
}

// UpdateWarningsRequest is the payload for the warning endpoint. The count is
// advisory only: the server increments atomically and reports the new count.
// Kind labels the violation (e.g. "tab_switch") for the audit trail.
type UpdateWarningsRequest struct {
	Warnings int    `json:"warnings" binding:"min=0"`
	Kind     string `json:"kind,omitempty"`
}

// UpdateTimerRequest carries a periodic elapsed-time checkpoint in seconds.
// It never resets the authoritative start time.
type UpdateTimerRequest struct {
	Timer int `json:"timer" binding:"min=0"`
}

// TimerState is the server-authoritative timer origin returned by
// GET /start-time/:form_id/:response_id.
type TimerState struct {
	FormID           uuid.UUID `json:"formId"`
	ResponseID       uuid.UUID `json:"responseId"`
	StartTime        time.Time `json:"startTime"`
	DurationSeconds  int       `json:"durationSeconds"`
	RemainingSeconds int       `json:"remainingSeconds"`
}
