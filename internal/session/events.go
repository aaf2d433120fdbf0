package session

import (
	"github.com/oemslab/oems-backend/internal/model"
)

// EventType identifies a session event. Expired, breach, and forced events
// are edge-triggered: each fires at most once per session, enforced
// structurally by the engine rather than by UI state flags.
type EventType string

const (
	// EventTick carries the current remaining seconds, once per second.
	EventTick EventType = "tick"
	// EventWarning reports a newly persisted warning count.
	EventWarning EventType = "warning"
	// EventBreach fires once when the warning count reaches the maximum.
	EventBreach EventType = "breach"
	// EventExpired fires once when the countdown reaches zero.
	EventExpired EventType = "expired"
	// EventForced announces that a forced submission is being issued.
	EventForced EventType = "forced"
	// EventFinalized reports the terminal status after a forced submission.
	EventFinalized EventType = "finalized"
)

// Event is a single session lifecycle notification.
type Event struct {
	Type             EventType              `json:"type"`
	FormID           string                 `json:"form_id"`
	CandidateEmail   string                 `json:"candidate_email"`
	RemainingSeconds int                    `json:"remaining_seconds,omitempty"`
	Warnings         int                    `json:"warnings,omitempty"`
	Reason           model.ForceReason      `json:"reason,omitempty"`
	Status           model.SubmissionStatus `json:"status,omitempty"`
}
