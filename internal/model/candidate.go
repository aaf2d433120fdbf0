package model

import (
	"time"

	"github.com/google/uuid"
)

// Candidate represents an exam-taking end user, scoped to a single form.
type Candidate struct {
	ID           int       `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	FormID       uuid.UUID `json:"form_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// LoginRequest is the payload for candidate login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	FormID   string `json:"formId" binding:"required,uuid"`
}

// LoginResponse is returned on successful candidate login.
type LoginResponse struct {
	Message        string `json:"message"`
	Email          string `json:"email"`
	CandidateToken string `json:"candidateToken"`
	ResponseID     string `json:"responseId"`
}

// AuthCheckResponse reports whether the caller holds a valid candidate
// session. It is always returned with HTTP 200 — an unauthenticated caller
// simply sees authorized=false.
type AuthCheckResponse struct {
	Authorized bool   `json:"authorized"`
	Email      string `json:"email"`
}
