package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/oemslab/oems-backend/internal/middleware"
	"github.com/oemslab/oems-backend/internal/model"
	"github.com/oemslab/oems-backend/internal/response"
	"github.com/oemslab/oems-backend/internal/service"
	"github.com/oemslab/oems-backend/internal/session"
	"github.com/oemslab/oems-backend/internal/validator"
)

// CandidateHandler serves the candidate exam surface: timer reads, draft
// edits, submission, warnings, and form payloads.
type CandidateHandler struct {
	submissionService *service.SubmissionService
	timerService      *service.TimerService
	formService       *service.FormService
	engine            *session.Engine
}

// NewCandidateHandler creates a new CandidateHandler.
func NewCandidateHandler(
	submissionService *service.SubmissionService,
	timerService *service.TimerService,
	formService *service.FormService,
	engine *session.Engine,
) *CandidateHandler {
	return &CandidateHandler{
		submissionService: submissionService,
		timerService:      timerService,
		formService:       formService,
		engine:            engine,
	}
}

// failFromErr maps service sentinels onto the HTTP error surface.
func failFromErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrConflict):
		response.Fail(c, http.StatusConflict, response.ErrSubmissionConflict)
	case errors.Is(err, service.ErrInvalidState):
		response.Fail(c, http.StatusConflict, response.ErrInvalidState)
	case errors.Is(err, service.ErrFormNotAvailable):
		response.Fail(c, http.StatusForbidden, response.ErrFormNotAvailable)
	case service.IsTransient(err):
		response.Fail(c, http.StatusServiceUnavailable, response.ErrTransient)
	default:
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

// scopedClaims returns the claims if they exist and are scoped to the given
// form. A token for form A grants nothing on form B.
func scopedClaims(c *gin.Context, formID uuid.UUID) *service.Claims {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil
	}
	if claims.FormID != formID.String() {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return nil
	}
	return claims
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// StartTime godoc
// GET /api/v1/candidate/start-time/:form_id/:response_id
// Returns the server-authoritative timer origin. Idempotent across reloads:
// the start time never moves once issued.
func (h *CandidateHandler) StartTime(c *gin.Context) {
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	responseID, ok := parseUUIDParam(c, "response_id")
	if !ok {
		return
	}
	claims := scopedClaims(c, formID)
	if claims == nil {
		return
	}

	state, err := h.timerService.State(c.Request.Context(), formID, responseID)
	if err != nil {
		failFromErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, state)
}

// Submit godoc
// POST /api/v1/candidate/form/:form_id/submit
// Finalizes the candidate's submission. An already-terminal submission yields
// 409 SUBMISSION_CONFLICT; the conflict is reported, never masked as success.
func (h *CandidateHandler) Submit(c *gin.Context) {
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	claims := scopedClaims(c, formID)
	if claims == nil {
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.UserEmail != claims.Email {
		response.Fail(c, http.StatusForbidden, response.ErrEmailMismatch)
		return
	}

	sub, err := h.submissionService.Submit(c.Request.Context(), formID, claims.Email, req.Value)
	if err != nil {
		failFromErr(c, err)
		return
	}

	// The exam is over; stop the tick loop.
	h.engine.Dispose(formID, claims.Email)

	response.Success(c, http.StatusOK, model.SubmitResponse{
		Message:    "Submission received",
		ResponseID: sub.ResponseID.String(),
	})
}

// EditSubmission godoc
// PUT /api/v1/candidate/form/:form_id/submission
// Saves the draft answer buffer. Rejected with 409 INVALID_STATE once the
// submission is terminal; the persisted record stays untouched.
func (h *CandidateHandler) EditSubmission(c *gin.Context) {
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	claims := scopedClaims(c, formID)
	if claims == nil {
		return
	}

	var req model.EditSubmissionRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.UserEmail != claims.Email {
		response.Fail(c, http.StatusForbidden, response.ErrEmailMismatch)
		return
	}

	if err := h.submissionService.SaveDraft(c.Request.Context(), formID, claims.Email, req.Value, req.Remarks); err != nil {
		failFromErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Draft saved"})
}

// UpdateWarnings godoc
// PUT /api/v1/candidate/form/:form_id/candidate/:user_email/warnings
// Records one proctoring violation. The server increments atomically and
// returns the authoritative count; the count in the request body is ignored.
// Crossing the form's threshold force-terminates the exam.
func (h *CandidateHandler) UpdateWarnings(c *gin.Context) {
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	claims := scopedClaims(c, formID)
	if claims == nil {
		return
	}
	if c.Param("user_email") != claims.Email {
		response.Fail(c, http.StatusForbidden, response.ErrEmailMismatch)
		return
	}

	var req model.UpdateWarningsRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	count, err := h.engine.RecordWarning(c.Request.Context(), formID, claims.Email, req.Kind)
	if err != nil {
		failFromErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"warnings": count})
}

// UpdateTimer godoc
// PUT /api/v1/candidate/form/:form_id/candidate/:user_email/timer
// Accepts a periodic elapsed-time checkpoint. Checkpoints are informational
// and never move the authoritative start time.
func (h *CandidateHandler) UpdateTimer(c *gin.Context) {
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	claims := scopedClaims(c, formID)
	if claims == nil {
		return
	}
	if c.Param("user_email") != claims.Email {
		response.Fail(c, http.StatusForbidden, response.ErrEmailMismatch)
		return
	}

	var req model.UpdateTimerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := h.timerService.Checkpoint(c.Request.Context(), formID, claims.Email, req.Timer); err != nil {
		failFromErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Checkpoint recorded"})
}

// GetSubmission godoc
// GET /api/v1/candidate/submission/:response_id/:form_id
// Returns the full submission record, for rehydration after a reload.
func (h *CandidateHandler) GetSubmission(c *gin.Context) {
	responseID, ok := parseUUIDParam(c, "response_id")
	if !ok {
		return
	}
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	claims := scopedClaims(c, formID)
	if claims == nil {
		return
	}

	sub, err := h.submissionService.GetByResponseID(c.Request.Context(), responseID, formID, claims.Email)
	if err != nil {
		failFromErr(c, err)
		return
	}
	if sub.CandidateEmail != claims.Email {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	response.Success(c, http.StatusOK, sub)
}

// GetForm godoc
// GET /api/v1/candidate/form/:form_id
// Returns the candidate-facing form payload, served from the Redis cache.
func (h *CandidateHandler) GetForm(c *gin.Context) {
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	if claims := scopedClaims(c, formID); claims == nil {
		return
	}

	payload, err := h.formService.GetPayload(c.Request.Context(), formID)
	if err != nil {
		failFromErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, payload)
}

// GetFormFields godoc
// GET /api/v1/candidate/form/:form_id/field
// Returns the form's field definitions.
func (h *CandidateHandler) GetFormFields(c *gin.Context) {
	formID, ok := parseUUIDParam(c, "form_id")
	if !ok {
		return
	}
	if claims := scopedClaims(c, formID); claims == nil {
		return
	}

	fields, err := h.formService.GetFields(c.Request.Context(), formID)
	if err != nil {
		failFromErr(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"fields": fields})
}
