package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/examgen-backend/internal/config"
	"github.com/stemsi/examgen-backend/internal/handler"
	"github.com/stemsi/examgen-backend/internal/middleware"
	"github.com/stemsi/examgen-backend/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session *handler.SessionHandler
	WS      *handler.WSHandler
	Health  *handler.HealthHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// batchLimiter throttles batch generation per user; nil disables it.
func SetupRouter(
	auth middleware.TokenValidator,
	handlers *Handlers,
	cfg *config.Config,
	batchLimiter *middleware.RateLimiter,
	log zerolog.Logger,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware(log))
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.Health.Health)

	// ─── 1. Session Group (JWT) ────────────────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireUserJWT(auth), middleware.NoStore())
	{
		sessions := api.Group("/sessions")
		sessions.POST("", handlers.Session.StartSession)
		sessions.GET("", handlers.Session.ListSessions)
		sessions.GET("/:id", handlers.Session.GetSession)
		sessions.GET("/:id/results", handlers.Session.GetResults)

		batch := []gin.HandlerFunc{handlers.Session.RequestBatch}
		if batchLimiter != nil {
			batch = append([]gin.HandlerFunc{batchLimiter.Middleware()}, batch...)
		}
		sessions.POST("/:id/batches/:index", batch...)

		sessions.POST("/:id/answers", handlers.Session.SubmitAnswer)
		sessions.POST("/:id/answers/autosave", handlers.Session.AutosaveAnswers)

		sessions.POST("/:id/pause", handlers.Session.PauseSession)
		sessions.POST("/:id/resume", handlers.Session.ResumeSession)
		sessions.POST("/:id/complete", handlers.Session.CompleteSession)
		sessions.POST("/:id/abandon", handlers.Session.AbandonSession)
	}

	// ─── 2. WebSocket Group (WS Auth) ──────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireUserWSAuth(auth))
	{
		ws.GET("/sessions/:id/stream", handlers.WS.SessionStream)
	}

	return router
}
