package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oemslab/oems-backend/internal/response"
	"github.com/oemslab/oems-backend/internal/service"
)

// CheckCandidateSession validates the JWT's JTI against the active session in
// Redis. If the JTI doesn't match, the request is rejected (the session was
// reset or replaced by a newer login).
func CheckCandidateSession(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		if err := authService.ValidateSession(c.Request.Context(), claims.Email, claims.ID); err != nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
			return
		}

		c.Next()
	}
}
