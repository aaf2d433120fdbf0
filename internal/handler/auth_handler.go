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

// AuthHandler handles candidate authentication endpoints.
type AuthHandler struct {
	authService *service.AuthService
	engine      *session.Engine
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *service.AuthService, engine *session.Engine) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		engine:      engine,
	}
}

// Login godoc
// POST /api/v1/candidate/login
// Validates email + password against the form roster, rejects a second
// concurrent login, boots the exam session, and returns a JWT scoped to the
// form. The responseId of the (created or existing) submission rides along so
// the client can fetch its timer immediately.
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	formID, err := uuid.Parse(req.FormID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	cand, token, err := h.authService.Login(c.Request.Context(), req.Email, req.Password, formID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCredentials):
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
		case errors.Is(err, service.ErrNotEligible):
			response.Fail(c, http.StatusForbidden, response.ErrNotEligible)
		case errors.Is(err, service.ErrFormNotAvailable):
			response.Fail(c, http.StatusForbidden, response.ErrFormNotAvailable)
		case errors.Is(err, service.ErrSessionAlreadyActive):
			response.Fail(c, http.StatusConflict, response.ErrSessionActive)
		case service.IsTransient(err):
			response.Fail(c, http.StatusServiceUnavailable, response.ErrTransient)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	sess, err := h.engine.Start(c.Request.Context(), formID, cand.Email)
	if err != nil {
		// Login side effects must not outlive a failed session boot.
		_ = h.authService.Logout(c.Request.Context(), cand.Email)
		switch {
		case errors.Is(err, service.ErrConflict):
			response.Fail(c, http.StatusConflict, response.ErrSubmissionConflict)
		case errors.Is(err, service.ErrNotFound):
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		case service.IsTransient(err):
			response.Fail(c, http.StatusServiceUnavailable, response.ErrTransient)
		default:
			response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		}
		return
	}

	response.Success(c, http.StatusOK, model.LoginResponse{
		Message:        "Signed in",
		Email:          cand.Email,
		CandidateToken: token,
		ResponseID:     sess.ResponseID.String(),
	})
}

// CheckAuth godoc
// GET /api/v1/candidate/check-auth?form_id=...
// Reports whether the caller holds a valid candidate session. Always responds
// 200: an unauthenticated caller sees authorized=false, never an error.
func (h *AuthHandler) CheckAuth(c *gin.Context) {
	token := middleware.ExtractBearerToken(c)
	result := h.authService.CheckAuth(c.Request.Context(), token, c.Query("form_id"))
	response.Success(c, http.StatusOK, result)
}

// Logout godoc
// POST /api/v1/candidate/logout
// Tears down the live session runtime and invalidates the JWT's JTI.
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if formID, err := uuid.Parse(claims.FormID); err == nil {
		h.engine.Dispose(formID, claims.Email)
	}

	if err := h.authService.Logout(c.Request.Context(), claims.Email); err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Signed out"})
}
