package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"festival-live-backend/config"
	"festival-live-backend/internal/mw"
	"festival-live-backend/internal/session"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, verifier *session.Verifier, cfg config.ServerConfig) *gin.Engine {
	r := gin.Default()

	rateLimiter := mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst)

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	api := r.Group("/api")
	api.Use(rateLimiter, mw.Session(verifier))
	{
		api.GET("/health", h.GetHealth)
		api.GET("/vapid_public_key", caching, h.GetVAPIDPublicKey)
		api.GET("/topics", caching, h.GetTopics)

		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/subscriptions/status", h.GetSubscriptionStatus)
		api.GET("/subscriptions/me", mw.RequireUser(), h.GetMySubscription)

		api.POST("/events", mw.RequireRole("admin", "staff"), h.PostEvent)
		api.POST("/users/:id/notifications", mw.RequireRole("admin", "staff"), h.PostUserNotification)

		api.GET("/live", h.StreamEvents)
		api.GET("/live/ws", h.StreamWebSocket)
	}

	return r
}
