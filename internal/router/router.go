package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/oemslab/oems-backend/internal/config"
	"github.com/oemslab/oems-backend/internal/handler"
	"github.com/oemslab/oems-backend/internal/middleware"
	"github.com/oemslab/oems-backend/internal/response"
	"github.com/oemslab/oems-backend/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth      *handler.AuthHandler
	Candidate *handler.CandidateHandler
	WS        *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for login (30 requests per minute per IP).
	loginLimiter := middleware.NewRateLimiter(30, time.Minute)

	// ─── 1. Public Candidate Routes ────────────────────────────────────
	candidateAPI := router.Group("/api/v1/candidate")
	{
		candidateAPI.POST("/login", loginLimiter.Middleware(), handlers.Auth.Login)
		// check-auth resolves to authorized=false rather than failing, so it
		// sits outside the JWT middleware.
		candidateAPI.GET("/check-auth", handlers.Auth.CheckAuth)
	}

	// ─── 2. Authenticated Candidate Routes (JWT + Single Device) ───────
	authed := router.Group("/api/v1/candidate")
	authed.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.CheckCandidateSession(authService),
	)
	{
		authed.POST("/logout", handlers.Auth.Logout)

		authed.GET("/start-time/:form_id/:response_id", handlers.Candidate.StartTime)
		authed.GET("/submission/:response_id/:form_id", handlers.Candidate.GetSubmission)

		authed.GET("/form/:form_id", handlers.Candidate.GetForm)
		authed.GET("/form/:form_id/field", handlers.Candidate.GetFormFields)
		authed.POST("/form/:form_id/submit", handlers.Candidate.Submit)
		authed.PUT("/form/:form_id/submission", handlers.Candidate.EditSubmission)
		authed.PUT("/form/:form_id/candidate/:user_email/warnings", handlers.Candidate.UpdateWarnings)
		authed.PUT("/form/:form_id/candidate/:user_email/timer", handlers.Candidate.UpdateTimer)
	}

	// ─── 3. WebSocket Group (Candidate WS Auth + Single Device) ────────
	// The JTI check runs here too: a logged-out or replaced token must not
	// keep a live event stream.
	ws := router.Group("/ws/v1")
	ws.Use(
		middleware.RequireCandidateWSAuth(authService),
		middleware.CheckCandidateSession(authService),
	)
	{
		ws.GET("/candidate/forms/:form_id/stream", handlers.WS.SessionStream)
	}

	return router
}
