package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FormStatus enumerates the possible states of a form (exam definition).
type FormStatus string

const (
	FormStatusDraft     FormStatus = "DRAFT"
	FormStatusPublished FormStatus = "PUBLISHED"
	FormStatusClosed    FormStatus = "CLOSED"
)

// Form represents an exam definition authored by an admin.
type Form struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	MaxWarnings     int        `json:"max_warnings"`
	Status          FormStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Field is a single question/input definition within a form.
type Field struct {
	ID        uuid.UUID       `json:"id"`
	FormID    uuid.UUID       `json:"form_id"`
	Label     string          `json:"label"`
	FieldType string          `json:"field_type"`
	Options   json.RawMessage `json:"options,omitempty"`
	Required  bool            `json:"required"`
	Position  int             `json:"position"`
}

// FormPayload is the Redis-cached candidate-facing view of a form.
type FormPayload struct {
	FormID          uuid.UUID `json:"form_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	DurationSeconds int       `json:"duration_seconds"`
	MaxWarnings     int       `json:"max_warnings"`
	Fields          []Field   `json:"fields"`
}
